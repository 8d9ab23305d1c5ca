// Package email provides address helpers shared by the mailer and the API.
package email

import (
	"net/mail"
	"strings"
)

// ExtractDomain returns the lowercased domain of an address, or "" when the
// address has none
func ExtractDomain(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

// ExtractDomainOrDefault returns the domain of addr, or def when it has none
func ExtractDomainOrDefault(addr, def string) string {
	if d := ExtractDomain(addr); d != "" {
		return d
	}
	return def
}

// IsValid reports whether addr is a single bare RFC 5322 address
func IsValid(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return false
	}
	return parsed.Address == addr && ExtractDomain(addr) != ""
}

// Normalize trims and lowercases the domain part of an address
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return addr
	}
	return addr[:at+1] + strings.ToLower(addr[at+1:])
}

// FormatAddress renders a From or To header value, quoting the display name
// when needed
func FormatAddress(name, addr string) string {
	a := mail.Address{Name: name, Address: addr}
	return a.String()
}
