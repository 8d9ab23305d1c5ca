package models

import (
	"strings"
	"time"
)

// Contact statuses
const (
	ContactActive       = "active"
	ContactUnsubscribed = "unsubscribed"
	ContactBounced      = "bounced"
)

// ContactList groups contacts a campaign can target
type ContactList struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Contact is a recipient belonging to exactly one list
type Contact struct {
	ID           string            `json:"id"`
	ListID       string            `json:"list_id"`
	Email        string            `json:"email"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Company      string            `json:"company"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
}

// FullName joins first and last name
func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Fields returns the personalization fields of the contact.
// Custom fields never shadow the built-in ones.
func (c *Contact) Fields() map[string]string {
	fields := make(map[string]string, len(c.CustomFields)+5)
	for k, v := range c.CustomFields {
		fields[k] = v
	}
	fields["email"] = c.Email
	fields["first_name"] = c.FirstName
	fields["last_name"] = c.LastName
	fields["full_name"] = c.FullName()
	fields["company"] = c.Company
	return fields
}
