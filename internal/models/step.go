package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Step types as stored in campaign_steps.step_type
const (
	StepEmail     = "email"
	StepWait      = "wait"
	StepCondition = "condition"
)

// Named branch conditions
const (
	CondOpened     = "opened"
	CondNotOpened  = "not_opened"
	CondClicked    = "clicked"
	CondNotClicked = "not_clicked"
	CondReplied    = "replied"
	CondNotReplied = "not_replied"
)

// Step is one node of a campaign's step graph
type Step struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Order      int       `json:"step_order"`
	Body       StepBody  `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Type returns the stored step type
func (s *Step) Type() string {
	if s.Body == nil {
		return ""
	}
	return s.Body.stepType()
}

// StepBody is implemented by EmailStep, WaitStep and ConditionStep only
type StepBody interface {
	stepType() string
}

// EmailStep sends one personalized message
type EmailStep struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (EmailStep) stepType() string { return StepEmail }

// WaitStep delays the contact before the next step
type WaitStep struct {
	Days    int `json:"days"`
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

func (WaitStep) stepType() string { return StepWait }

// Duration returns the configured delay
func (w WaitStep) Duration() time.Duration {
	return time.Duration(w.Days)*24*time.Hour +
		time.Duration(w.Hours)*time.Hour +
		time.Duration(w.Minutes)*time.Minute
}

// ConditionStep routes the contact based on its engagement history
type ConditionStep struct {
	Branches []Branch        `json:"branches,omitempty"`
	Legacy   *LegacyCondition `json:"legacy,omitempty"`
}

func (ConditionStep) stepType() string { return StepCondition }

// Branch is evaluated in declaration order; the first match wins.
// Expression, when set, is a CEL expression and takes precedence over Condition.
type Branch struct {
	Condition   string `json:"condition,omitempty"`
	Expression  string `json:"expression,omitempty"`
	WaitDays    int    `json:"wait_days,omitempty"`
	WaitHours   int    `json:"wait_hours,omitempty"`
	WaitMinutes int    `json:"wait_minutes,omitempty"`
	NextStepID  string `json:"next_step_id,omitempty"`
}

// Wait returns the grace period of the branch
func (b Branch) Wait() time.Duration {
	return time.Duration(b.WaitDays)*24*time.Hour +
		time.Duration(b.WaitHours)*time.Hour +
		time.Duration(b.WaitMinutes)*time.Minute
}

// IsNegative reports whether the branch fires on the absence of engagement
func (b Branch) IsNegative() bool {
	return b.Expression == "" && strings.HasPrefix(b.Condition, "not_")
}

// LegacyCondition is the single-predicate form kept for older campaigns
type LegacyCondition struct {
	Condition   string `json:"condition"`
	NextIfTrue  string `json:"next_if_true,omitempty"`
	NextIfFalse string `json:"next_if_false,omitempty"`
}

// IsValidCondition reports whether c is a known named condition
func IsValidCondition(c string) bool {
	switch c {
	case CondOpened, CondNotOpened, CondClicked, CondNotClicked, CondReplied, CondNotReplied:
		return true
	}
	return false
}

// DecodeStepBody builds a step body from its stored type and JSON config
func DecodeStepBody(stepType, config string) (StepBody, error) {
	if strings.TrimSpace(config) == "" {
		config = "{}"
	}
	switch stepType {
	case StepEmail:
		var b EmailStep
		if err := json.Unmarshal([]byte(config), &b); err != nil {
			return nil, fmt.Errorf("invalid email step config: %w", err)
		}
		return b, nil
	case StepWait:
		var b WaitStep
		if err := json.Unmarshal([]byte(config), &b); err != nil {
			return nil, fmt.Errorf("invalid wait step config: %w", err)
		}
		return b, nil
	case StepCondition:
		var b ConditionStep
		if err := json.Unmarshal([]byte(config), &b); err != nil {
			return nil, fmt.Errorf("invalid condition step config: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown step type %q", stepType)
}

// EncodeStepBody returns the stored type and JSON config of a step body
func EncodeStepBody(body StepBody) (string, string, error) {
	if body == nil {
		return "", "", fmt.Errorf("step body is required")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode step config: %w", err)
	}
	return body.stepType(), string(data), nil
}

// stepJSON is the API representation of a step
type stepJSON struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	Order      int             `json:"step_order"`
	Type       string          `json:"step_type"`
	Config     json.RawMessage `json:"config"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MarshalJSON flattens the body into step_type and config
func (s Step) MarshalJSON() ([]byte, error) {
	out := stepJSON{ID: s.ID, CampaignID: s.CampaignID, Order: s.Order, CreatedAt: s.CreatedAt}
	if s.Body != nil {
		t, cfg, err := EncodeStepBody(s.Body)
		if err != nil {
			return nil, err
		}
		out.Type = t
		out.Config = json.RawMessage(cfg)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes step_type and config into the matching body
func (s *Step) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	body, err := DecodeStepBody(in.Type, string(in.Config))
	if err != nil {
		return err
	}
	*s = Step{ID: in.ID, CampaignID: in.CampaignID, Order: in.Order, Body: body, CreatedAt: in.CreatedAt}
	return nil
}
