package mailer

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/config"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

// OAuth providers
const (
	OAuthGoogle    = "google"
	OAuthMicrosoft = "microsoft"
)

var providerDefaults = map[string]struct {
	tokenURL string
	smtpAddr string
	scope    string
}{
	OAuthGoogle: {
		tokenURL: "https://oauth2.googleapis.com/token",
		smtpAddr: "smtp.gmail.com:587",
		scope:    "https://mail.google.com/",
	},
	OAuthMicrosoft: {
		tokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		smtpAddr: "smtp.office365.com:587",
		scope:    "https://outlook.office.com/SMTP.Send offline_access",
	},
}

type oauthProvider struct {
	conf     *oauth2.Config
	smtpAddr string
}

// OAuthTransport submits over SMTP authenticated with XOAUTH2
type OAuthTransport struct {
	smtp      *SMTPTransport
	providers map[string]oauthProvider

	sources map[string]oauth2.TokenSource // by account ID and refresh token
	mu      sync.Mutex
}

// NewOAuthTransport creates a transport for every provider with a client ID
func NewOAuthTransport(smtpTransport *SMTPTransport, cfg config.OAuthConfig) *OAuthTransport {
	t := &OAuthTransport{
		smtp:      smtpTransport,
		providers: make(map[string]oauthProvider),
		sources:   make(map[string]oauth2.TokenSource),
	}
	for name, client := range map[string]config.OAuthClient{
		OAuthGoogle:    cfg.Google,
		OAuthMicrosoft: cfg.Microsoft,
	} {
		if client.ClientID == "" {
			continue
		}
		def := providerDefaults[name]
		p := oauthProvider{
			conf: &oauth2.Config{
				ClientID:     client.ClientID,
				ClientSecret: client.ClientSecret,
				Endpoint: oauth2.Endpoint{
					TokenURL:  def.tokenURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
				Scopes: []string{def.scope},
			},
			smtpAddr: def.smtpAddr,
		}
		if client.TokenURL != "" {
			p.conf.Endpoint.TokenURL = client.TokenURL
		}
		if client.SMTPHost != "" {
			p.smtpAddr = client.SMTPHost
		}
		t.providers[name] = p
	}
	return t
}

// Send refreshes the access token when needed and submits the message
func (t *OAuthTransport) Send(ctx context.Context, acct *models.EmailAccount, env *Envelope) (string, error) {
	p, ok := t.providers[acct.OAuthProvider]
	if !ok {
		return "", permanent("oauth provider %q is not configured", acct.OAuthProvider)
	}
	if acct.OAuthRefreshToken == "" {
		return "", permanent("account %s has no refresh token", acct.Email)
	}

	token, err := t.tokenSource(p, acct).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return "", permanent("oauth token refresh for %s: %v", acct.Email, err)
		}
		return "", temporary("oauth token refresh for %s: %v", acct.Email, err)
	}

	addr := p.smtpAddr
	if acct.SMTPHost != "" {
		addr = acct.SMTPHost
		if acct.SMTPPort != 0 {
			addr = net.JoinHostPort(acct.SMTPHost, strconv.Itoa(acct.SMTPPort))
		}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "587")
	}

	security := acct.SMTPSecurity
	if security == "" {
		security = models.SecurityStartTLS
	}

	auth := &xoauth2Client{username: acct.Email, token: token.AccessToken}
	if err := t.smtp.deliver(ctx, addr, security, auth, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

func (t *OAuthTransport) tokenSource(p oauthProvider, acct *models.EmailAccount) oauth2.TokenSource {
	key := acct.ID + ":" + acct.OAuthRefreshToken

	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.sources[key]; ok {
		return ts
	}
	// background context: the source outlives the send that created it
	ts := p.conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: acct.OAuthRefreshToken})
	t.sources[key] = ts
	return ts
}

// xoauth2Client implements the XOAUTH2 SASL mechanism
type xoauth2Client struct {
	username string
	token    string
}

var _ sasl.Client = (*xoauth2Client)(nil)

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"
	return "XOAUTH2", []byte(ir), nil
}

// Next answers the JSON error challenge with an empty response so the
// server reports the final status
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
