// Package condition evaluates branch predicates against a contact's
// engagement history.
package condition

import (
	"fmt"
	"sync"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/google/cel-go/cel"
)

// State is the engagement of one contact within one campaign
type State struct {
	Opened   bool
	Clicked  bool
	Replied  bool
	Sent     int
	LastSent time.Time // zero when nothing was sent
}

// FromEvents derives the engagement state from an event history
func FromEvents(events []models.EmailEvent) State {
	var s State
	for _, ev := range events {
		switch ev.Type {
		case models.EventOpened:
			s.Opened = true
		case models.EventClicked:
			s.Clicked = true
		case models.EventReplied:
			s.Replied = true
		case models.EventSent:
			s.Sent++
			if ev.OccurredAt.After(s.LastSent) {
				s.LastSent = ev.OccurredAt
			}
		}
	}
	return s
}

// Named evaluates one of the named predicates
func Named(name string, s State) (bool, error) {
	switch name {
	case models.CondOpened:
		return s.Opened, nil
	case models.CondNotOpened:
		return !s.Opened, nil
	case models.CondClicked:
		return s.Clicked, nil
	case models.CondNotClicked:
		return !s.Clicked, nil
	case models.CondReplied:
		return s.Replied, nil
	case models.CondNotReplied:
		return !s.Replied, nil
	}
	return false, fmt.Errorf("unknown condition %q", name)
}

// Evaluator evaluates named predicates and CEL expressions. Compiled
// programs are cached per expression.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

// NewEvaluator creates an evaluator exposing opened, clicked, replied,
// sent_count and hours_since_sent to expressions
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("opened", cel.BoolType),
		cel.Variable("clicked", cel.BoolType),
		cel.Variable("replied", cel.BoolType),
		cel.Variable("sent_count", cel.IntType),
		cel.Variable("hours_since_sent", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Branch reports whether a branch matches. Expression takes precedence over
// the named condition.
func (e *Evaluator) Branch(b models.Branch, s State, now time.Time) (bool, error) {
	if b.Expression != "" {
		return e.Expression(b.Expression, s, now)
	}
	return Named(b.Condition, s)
}

// Validate compiles an expression without evaluating it
func (e *Evaluator) Validate(expr string) error {
	_, err := e.program(expr)
	return err
}

// Expression evaluates a CEL expression that must yield a bool
func (e *Evaluator) Expression(expr string, s State, now time.Time) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	hours := -1.0
	if !s.LastSent.IsZero() {
		hours = now.Sub(s.LastSent).Hours()
	}
	out, _, err := prg.Eval(map[string]any{
		"opened":           s.Opened,
		"clicked":          s.Clicked,
		"replied":          s.Replied,
		"sent_count":       int64(s.Sent),
		"hours_since_sent": hours,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not yield a bool", expr)
	}
	return val, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression %q must yield a bool", expr)
	}
	prg, err := e.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
