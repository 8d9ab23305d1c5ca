package condition

import (
	"testing"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

var base = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func TestFromEvents(t *testing.T) {
	events := []models.EmailEvent{
		{Type: models.EventSent, OccurredAt: base},
		{Type: models.EventOpened, OccurredAt: base.Add(time.Hour)},
		{Type: models.EventSent, OccurredAt: base.Add(48 * time.Hour)},
		{Type: models.EventFailed, OccurredAt: base.Add(72 * time.Hour)},
	}

	s := FromEvents(events)
	if !s.Opened || s.Clicked || s.Replied {
		t.Errorf("flags = %+v", s)
	}
	if s.Sent != 2 {
		t.Errorf("Sent = %d, want 2", s.Sent)
	}
	if !s.LastSent.Equal(base.Add(48 * time.Hour)) {
		t.Errorf("LastSent = %v", s.LastSent)
	}

	if empty := FromEvents(nil); !empty.LastSent.IsZero() {
		t.Error("LastSent should be zero without sent events")
	}
}

func TestNamed(t *testing.T) {
	s := State{Opened: true, Replied: false, Clicked: true}

	tests := []struct {
		name string
		want bool
	}{
		{models.CondOpened, true},
		{models.CondNotOpened, false},
		{models.CondClicked, true},
		{models.CondNotClicked, false},
		{models.CondReplied, false},
		{models.CondNotReplied, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Named(tt.name, s)
			if err != nil {
				t.Fatalf("Named() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Named(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}

	if _, err := Named("bounced", s); err == nil {
		t.Error("expected error for unknown condition")
	}
}

func TestExpression(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	s := State{Opened: true, Sent: 2, LastSent: base}
	now := base.Add(30 * time.Hour)

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{"opened && !replied", true, false},
		{"clicked || sent_count > 2", false, false},
		{"hours_since_sent >= 24.0", true, false},
		{"!opened && hours_since_sent > 48.0", false, false},
		{"sent_count", false, true},
		{"opened &&", false, true},
		{"unknown_var", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Expression(tt.expr, s, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expression() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expression() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBranchPrefersExpression(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	b := models.Branch{Condition: models.CondOpened, Expression: "replied"}

	got, err := e.Branch(b, State{Opened: true}, base)
	if err != nil {
		t.Fatalf("Branch() error = %v", err)
	}
	if got {
		t.Error("Branch() = true, expression should take precedence")
	}

	// Cached program gives the same answer
	got, _ = e.Branch(b, State{Replied: true}, base)
	if !got {
		t.Error("Branch() = false, want true")
	}
}

func TestValidate(t *testing.T) {
	e, _ := NewEvaluator()
	if err := e.Validate("opened || clicked"); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := e.Validate("opened +"); err == nil {
		t.Error("Validate() should reject malformed expression")
	}
}
