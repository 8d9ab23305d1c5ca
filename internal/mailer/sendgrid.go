package mailer

import (
	"context"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

// SendGridTransport delivers through the SendGrid v3 mail API
type SendGridTransport struct {
	defaultKey string
	baseURL    string // overrides the API host
}

// NewSendGridTransport uses defaultKey for accounts without their own key
func NewSendGridTransport(defaultKey string) *SendGridTransport {
	return &SendGridTransport{defaultKey: defaultKey}
}

func (t *SendGridTransport) Send(ctx context.Context, acct *models.EmailAccount, env *Envelope) (string, error) {
	key := acct.APIKey
	if key == "" {
		key = t.defaultKey
	}
	if key == "" {
		return "", permanent("account %s has no sendgrid api key", acct.Email)
	}

	from := mail.NewEmail(env.FromName, env.From)
	to := mail.NewEmail("", env.To)
	message := mail.NewSingleEmail(from, env.Subject, to, env.Text, env.HTML)
	message.SetHeader("Message-ID", "<"+env.MessageID+">")

	client := sendgrid.NewSendClient(key)
	if t.baseURL != "" {
		client.BaseURL = t.baseURL + "/v3/mail/send"
	}

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return "", temporary("sendgrid request: %v", err)
	}
	if response.StatusCode >= 400 {
		retry := response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500
		return "", &DeliveryError{
			Temporary: retry,
			Message:   "sendgrid returned " + http.StatusText(response.StatusCode) + ": " + response.Body,
		}
	}

	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 && ids[0] != "" {
		return ids[0], nil
	}
	return env.MessageID, nil
}
