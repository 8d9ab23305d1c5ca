// Package repository implements data access over sqlx for SQLite and PostgreSQL.
package repository

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrNoSteps is returned when starting a campaign without steps
	ErrNoSteps = errors.New("campaign has no steps")
)

func newID() string {
	return uuid.New().String()
}

// utc normalizes instants before they are written; SQLite compares them as text.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// dayBounds returns the UTC calendar day containing t
func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// DayKey is the counter_date value for the UTC day containing t
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func encodeJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "{}"
	}
	return string(data)
}
