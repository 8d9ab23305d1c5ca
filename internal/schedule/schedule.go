// Package schedule evaluates weekly sending windows.
package schedule

import (
	"encoding/json"
	"strings"
	"time"
	_ "time/tzdata"
)

// searchDays bounds the forward scan of NextWindowStart
const searchDays = 14

// Spec is a weekly sending window.
// Days uses time.Weekday numbering (Sunday = 0). EndHour 24 means through midnight.
// A zero Spec is permissive.
type Spec struct {
	Days      []int  `json:"days"`
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone,omitempty"`
}

// rawSpec keeps track of which hour fields were present
type rawSpec struct {
	Days      []int  `json:"days"`
	StartHour *int   `json:"start_hour"`
	EndHour   *int   `json:"end_hour"`
	Timezone  string `json:"timezone"`
}

// Parse decodes a stored window. Empty, malformed or partial input yields a
// permissive zero Spec.
func Parse(raw string) Spec {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return Spec{}
	}
	var r rawSpec
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Spec{}
	}
	if r.StartHour == nil || r.EndHour == nil {
		return Spec{}
	}
	s := Spec{Days: r.Days, StartHour: *r.StartHour, EndHour: *r.EndHour, Timezone: r.Timezone}
	if !s.valid() {
		return Spec{}
	}
	return s
}

// String encodes the window for storage. A permissive spec encodes as empty.
func (s Spec) String() string {
	if !s.valid() {
		return ""
	}
	data, _ := json.Marshal(s)
	return string(data)
}

// IsPermissive reports whether every instant is inside the window
func (s Spec) IsPermissive() bool {
	return !s.valid() || s.alwaysOpen()
}

func (s Spec) valid() bool {
	if len(s.Days) == 0 {
		return false
	}
	for _, d := range s.Days {
		if d < 0 || d > 6 {
			return false
		}
	}
	return s.StartHour >= 0 && s.StartHour < s.EndHour && s.EndHour <= 24
}

func (s Spec) alwaysOpen() bool {
	if s.StartHour != 0 || s.EndHour != 24 {
		return false
	}
	var seen [7]bool
	for _, d := range s.Days {
		seen[d] = true
	}
	for _, ok := range seen {
		if !ok {
			return false
		}
	}
	return true
}

func (s Spec) hasDay(d time.Weekday) bool {
	for _, day := range s.Days {
		if time.Weekday(day) == d {
			return true
		}
	}
	return false
}

// Location returns the window's timezone, UTC when unset or unknown
func (s Spec) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsWithinWindow reports whether now falls inside the sending window
func IsWithinWindow(s Spec, now time.Time) bool {
	if s.IsPermissive() {
		return true
	}
	local := now.In(s.Location())
	if !s.hasDay(local.Weekday()) {
		return false
	}
	h := local.Hour()
	return h >= s.StartHour && h < s.EndHour
}

// NextWindowStart returns the first window opening strictly after now.
// Permissive windows return now.
func NextWindowStart(s Spec, now time.Time) time.Time {
	if s.IsPermissive() {
		return now
	}
	loc := s.Location()
	local := now.In(loc)
	for i := 0; i <= searchDays; i++ {
		day := local.AddDate(0, 0, i)
		if !s.hasDay(day.Weekday()) {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), s.StartHour, 0, 0, 0, loc)
		if start.After(now) {
			return start.UTC()
		}
	}
	return now
}
