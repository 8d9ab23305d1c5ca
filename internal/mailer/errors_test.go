package mailer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/emersion/go-smtp"
)

func TestIsTemporaryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"temporary delivery error", &DeliveryError{Temporary: true, Message: "temp"}, true},
		{"permanent delivery error", &DeliveryError{Temporary: false, Message: "perm"}, false},
		{"wrapped permanent", fmt.Errorf("send: %w", permanent("rejected")), false},
		{"unknown error", errors.New("unknown error"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporaryError(tt.err); got != tt.want {
				t.Errorf("IsTemporaryError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTemporary bool
	}{
		{"smtp 550", &smtp.SMTPError{Code: 550, Message: "User unknown"}, false},
		{"smtp 421", &smtp.SMTPError{Code: 421, Message: "Service not available"}, true},
		{"wrapped smtp 554", fmt.Errorf("data: %w", &smtp.SMTPError{Code: 554, Message: "Rejected"}), false},
		{"text 553", errors.New("553 Invalid mailbox"), false},
		{"text 451", errors.New("451 4.7.1 Greylisted"), true},
		{"port number is not a code", errors.New("dial tcp 10.0.0.1:5870: i/o timeout"), true},
		{"no code", errors.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorizeError(tt.err, "RCPT TO")
			if de.Temporary != tt.wantTemporary {
				t.Errorf("Temporary = %v, want %v", de.Temporary, tt.wantTemporary)
			}
			if de.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}
