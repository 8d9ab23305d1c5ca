package mailer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-smtp"
)

// DeliveryError is a failed send with its retry class
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

func permanent(format string, args ...any) *DeliveryError {
	return &DeliveryError{Temporary: false, Message: fmt.Sprintf(format, args...)}
}

func temporary(format string, args ...any) *DeliveryError {
	return &DeliveryError{Temporary: true, Message: fmt.Sprintf(format, args...)}
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines whether an SMTP failure is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{Temporary: se.Code < 500, Message: msg}
	}

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return &DeliveryError{Temporary: false, Message: msg}
		}
		return &DeliveryError{Temporary: true, Message: msg}
	}

	// Network level failures are retried
	return &DeliveryError{Temporary: true, Message: msg}
}

// IsTemporaryError reports whether err may succeed on retry. Unknown errors
// are treated as temporary.
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
