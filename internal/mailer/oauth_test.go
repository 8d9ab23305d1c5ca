package mailer

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/config"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

func newTokenServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("refresh_token") != "refresh-ok" || r.Form.Get("client_id") != "cid" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked"}`))
			return
		}
		w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOAuthTransportSend(t *testing.T) {
	var calls int32
	tokens := newTokenServer(t, &calls)

	backend := &testBackend{token: "access-1"}
	host, port := startTestServer(t, backend)

	tr := NewOAuthTransport(NewSMTPTransport("brazen.test", 5*time.Second, nil), config.OAuthConfig{
		Google: config.OAuthClient{
			ClientID:     "cid",
			ClientSecret: "csecret",
			TokenURL:     tokens.URL,
			SMTPHost:     net.JoinHostPort(host, strconv.Itoa(port)),
		},
	})

	acct := &models.EmailAccount{
		ID:                "g-1",
		Email:             "rep@example.com",
		Provider:          models.ProviderOAuth,
		OAuthProvider:     OAuthGoogle,
		OAuthRefreshToken: "refresh-ok",
		SMTPSecurity:      models.SecurityNone,
	}

	for i := 0; i < 2; i++ {
		if _, err := tr.Send(context.Background(), acct, testEnvelope("jane@example.org")); err != nil {
			t.Fatalf("Send() #%d error = %v", i, err)
		}
	}

	msgs := backend.Messages()
	if len(msgs) != 2 {
		t.Fatalf("server received %d messages, want 2", len(msgs))
	}
	if msgs[0].AuthUser != "rep@example.com" || msgs[0].Token != "access-1" {
		t.Errorf("auth = %q/%q", msgs[0].AuthUser, msgs[0].Token)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("token endpoint called %d times, want 1 (cached)", n)
	}
}

func TestOAuthTransportErrors(t *testing.T) {
	var calls int32
	tokens := newTokenServer(t, &calls)

	tr := NewOAuthTransport(NewSMTPTransport("brazen.test", time.Second, nil), config.OAuthConfig{
		Google: config.OAuthClient{ClientID: "cid", TokenURL: tokens.URL, SMTPHost: "127.0.0.1:1"},
	})

	tests := []struct {
		name string
		acct models.EmailAccount
	}{
		{"revoked token", models.EmailAccount{ID: "a", Email: "a@example.com", OAuthProvider: OAuthGoogle, OAuthRefreshToken: "revoked"}},
		{"unconfigured provider", models.EmailAccount{ID: "b", Email: "b@example.com", OAuthProvider: OAuthMicrosoft, OAuthRefreshToken: "x"}},
		{"missing refresh token", models.EmailAccount{ID: "c", Email: "c@example.com", OAuthProvider: OAuthGoogle}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Send(context.Background(), &tt.acct, testEnvelope("jane@example.org"))
			if err == nil {
				t.Fatal("expected error")
			}
			if IsTemporaryError(err) {
				t.Errorf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestNewOAuthTransportDefaults(t *testing.T) {
	tr := NewOAuthTransport(NewSMTPTransport("h", 0, nil), config.OAuthConfig{
		Microsoft: config.OAuthClient{ClientID: "ms"},
	})

	if _, ok := tr.providers[OAuthGoogle]; ok {
		t.Error("google should not be configured without a client id")
	}
	ms, ok := tr.providers[OAuthMicrosoft]
	if !ok {
		t.Fatal("microsoft should be configured")
	}
	if ms.smtpAddr != "smtp.office365.com:587" {
		t.Errorf("smtpAddr = %q", ms.smtpAddr)
	}
	if ms.conf.Endpoint.TokenURL != "https://login.microsoftonline.com/common/oauth2/v2.0/token" {
		t.Errorf("TokenURL = %q", ms.conf.Endpoint.TokenURL)
	}
}

func TestXOAUTH2Client(t *testing.T) {
	c := &xoauth2Client{username: "rep@example.com", token: "tok"}
	mech, ir, err := c.Start()
	if err != nil {
		t.Fatal(err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("mech = %q", mech)
	}
	if string(ir) != "user=rep@example.com\x01auth=Bearer tok\x01\x01" {
		t.Errorf("initial response = %q", ir)
	}
	resp, err := c.Next([]byte(`{"status":"401"}`))
	if err != nil || len(resp) != 0 {
		t.Errorf("Next() = %q, %v", resp, err)
	}
}
