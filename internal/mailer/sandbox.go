package mailer

import (
	"context"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/sandbox"
)

// SandboxTransport captures messages instead of delivering them
type SandboxTransport struct {
	store *sandbox.Storage
	now   func() time.Time
}

// NewSandboxTransport captures into store
func NewSandboxTransport(store *sandbox.Storage) *SandboxTransport {
	return &SandboxTransport{store: store, now: time.Now}
}

func (t *SandboxTransport) Send(ctx context.Context, acct *models.EmailAccount, env *Envelope) (string, error) {
	if t.store == nil {
		return "", permanent("sandbox store is not configured")
	}
	err := t.store.Save(ctx, &sandbox.Message{
		ID:         env.MessageID,
		AccountID:  acct.ID,
		From:       env.From,
		To:         env.To,
		Subject:    env.Subject,
		Data:       env.Data,
		CapturedAt: t.now().UTC(),
	})
	if err != nil {
		return "", temporary("sandbox capture: %v", err)
	}
	return env.MessageID, nil
}
