// Package mailer delivers rendered campaign messages through the transport
// matching each sending account's provider.
package mailer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/dkim"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/repository"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/secrets"
)

// Message is one personalized email to deliver
type Message struct {
	AccountID string
	FromName  string
	To        string
	Subject   string
	HTML      string
}

// Transport delivers an envelope for an account with opened credentials.
// It returns the provider message ID.
type Transport interface {
	Send(ctx context.Context, acct *models.EmailAccount, env *Envelope) (string, error)
}

// AccountSource loads sending accounts
type AccountSource interface {
	GetByID(ctx context.Context, id string) (*models.EmailAccount, error)
}

// Options configures a Router
type Options struct {
	RatePerSecond float64 // per account; 0 disables pacing
	Secrets       *secrets.Box
	Keyring       *dkim.Keyring
	Logger        *slog.Logger
}

// Router dispatches messages to transports by account provider
type Router struct {
	accounts   AccountSource
	transports map[string]Transport
	box        *secrets.Box
	keyring    *dkim.Keyring
	logger     *slog.Logger
	rps        float64
	now        func() time.Time

	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewRouter creates a router without transports; see Register
func NewRouter(accounts AccountSource, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	box := opts.Secrets
	if box == nil {
		box = secrets.New("")
	}
	return &Router{
		accounts:   accounts,
		transports: make(map[string]Transport),
		box:        box,
		keyring:    opts.Keyring,
		logger:     logger.With("component", "mailer"),
		rps:        opts.RatePerSecond,
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Register installs the transport for a provider
func (r *Router) Register(provider string, t Transport) {
	r.transports[provider] = t
}

// Send delivers msg and returns the provider message ID
func (r *Router) Send(ctx context.Context, msg Message) (string, error) {
	acct, err := r.accounts.GetByID(ctx, msg.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", permanent("account %s not found", msg.AccountID)
	}
	if err != nil {
		return "", temporary("load account %s: %v", msg.AccountID, err)
	}
	if !acct.IsActive {
		return "", permanent("account %s is inactive", acct.Email)
	}

	transport, ok := r.transports[acct.Provider]
	if !ok {
		return "", permanent("no transport for provider %q", acct.Provider)
	}

	opened, err := r.openCredentials(acct)
	if err != nil {
		return "", permanent("account %s credentials: %v", acct.Email, err)
	}

	env := buildEnvelope(msg, acct.Email, r.now())
	r.sign(acct, env)

	if err := r.wait(ctx, acct.ID); err != nil {
		return "", temporary("pacing: %v", err)
	}

	id, err := transport.Send(ctx, opened, env)
	if err != nil {
		r.logger.Warn("send failed",
			"account", acct.Email,
			"provider", acct.Provider,
			"to", msg.To,
			"temporary", IsTemporaryError(err),
			"error", err,
		)
		return "", err
	}

	r.logger.Debug("message sent",
		"account", acct.Email,
		"provider", acct.Provider,
		"to", msg.To,
		"message_id", id,
	)
	return id, nil
}

// openCredentials returns a copy of acct with sealed secrets opened
func (r *Router) openCredentials(acct *models.EmailAccount) (*models.EmailAccount, error) {
	out := *acct
	for _, field := range []*string{&out.SMTPPassword, &out.OAuthRefreshToken, &out.APIKey} {
		plain, err := r.box.Open(*field)
		if err != nil {
			return nil, err
		}
		*field = plain
	}
	return &out, nil
}

// sign DKIM-signs SMTP bound messages when a key exists for the sender domain
func (r *Router) sign(acct *models.EmailAccount, env *Envelope) {
	if acct.Provider != models.ProviderSMTP && acct.Provider != models.ProviderOAuth {
		return
	}
	signer := r.keyring.ForAddress(env.From)
	if signer == nil {
		return
	}
	signed, err := signer.Sign(env.Data)
	if err != nil {
		r.logger.Warn("DKIM signing failed, sending unsigned",
			"domain", signer.Domain(),
			"error", err,
		)
		return
	}
	env.Data = signed
}

func (r *Router) wait(ctx context.Context, accountID string) error {
	if r.rps <= 0 {
		return nil
	}
	r.mu.Lock()
	l, ok := r.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), 1)
		r.limiters[accountID] = l
	}
	r.mu.Unlock()
	return l.Wait(ctx)
}
