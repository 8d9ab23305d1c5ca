package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

// SMTPTransport submits messages to the account's SMTP server
type SMTPTransport struct {
	hostname  string
	timeout   time.Duration
	logger    *slog.Logger
	tlsConfig *tls.Config // base config; ServerName is set per dial
}

// NewSMTPTransport creates an SMTP transport greeting servers as hostname
func NewSMTPTransport(hostname string, timeout time.Duration, logger *slog.Logger) *SMTPTransport {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SMTPTransport{
		hostname:  hostname,
		timeout:   timeout,
		logger:    logger,
		tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// Send authenticates with PLAIN when the account has a username
func (t *SMTPTransport) Send(ctx context.Context, acct *models.EmailAccount, env *Envelope) (string, error) {
	if acct.SMTPHost == "" {
		return "", permanent("account %s has no smtp host", acct.Email)
	}
	port := acct.SMTPPort
	if port == 0 {
		port = defaultPort(acct.SMTPSecurity)
	}

	var auth sasl.Client
	if acct.SMTPUsername != "" {
		auth = sasl.NewPlainClient("", acct.SMTPUsername, acct.SMTPPassword)
	}

	addr := net.JoinHostPort(acct.SMTPHost, strconv.Itoa(port))
	if err := t.deliver(ctx, addr, acct.SMTPSecurity, auth, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

func defaultPort(security string) int {
	switch security {
	case models.SecurityTLS:
		return 465
	case models.SecurityNone:
		return 25
	}
	return 587
}

// deliver runs one SMTP transaction against addr
func (t *SMTPTransport) deliver(ctx context.Context, addr, security string, auth sasl.Client, env *Envelope) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return permanent("invalid smtp address %q: %v", addr, err)
	}

	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return temporary("connection failed to %s: %v", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}
	conn.SetDeadline(deadline)

	tlsConfig := t.tlsConfig.Clone()
	tlsConfig.ServerName = host

	var client *smtp.Client
	switch security {
	case models.SecurityTLS:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
		err = client.Hello(t.hostname)
	case models.SecurityNone:
		client = smtp.NewClient(conn)
		err = client.Hello(t.hostname)
	default:
		// greets the server itself before upgrading
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
	}
	if err != nil {
		conn.Close()
		return categorizeError(err, "HELO")
	}
	defer client.Close()

	if auth != nil {
		if ok, _ := client.Extension("AUTH"); !ok {
			return permanent("%s does not support AUTH", addr)
		}
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.SendMail(env.From, []string{env.To}, bytes.NewReader(env.Data)); err != nil {
		return categorizeError(err, "SEND")
	}

	client.Quit()

	t.logger.Info("message delivered",
		"server", addr,
		"from", env.From,
		"to", env.To,
		"message_id", env.MessageID,
	)
	return nil
}
