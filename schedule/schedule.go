// Package schedule persists recurring workflow triggers and drives the
// highly-available daemon that fires them. Multiple daemon replicas may
// share one store; a leased lock ensures a schedule fires on exactly one
// of them per tick.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind classifies how a schedule recurs.
type Kind string

const (
	// KindCron is a standard 5-field cron expression.
	KindCron Kind = "cron"
	// KindInterval is an "@every <duration>" expression.
	KindInterval Kind = "interval"
	// KindOneTime is a single RFC3339 timestamp.
	KindOneTime Kind = "one_time"
)

// Status is the lifecycle state of a schedule.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrInvalidExpr rejects expressions that parse as none of the three kinds.
var ErrInvalidExpr = errors.New("invalid schedule expression")

// cronParser accepts the classic 5-field layout, minute resolution.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is one persisted trigger: when it fires, the named workflow runs
// with the stored inputs.
type Schedule struct {
	ID           string         `json:"id" db:"id"`
	Creator      string         `json:"creator" db:"creator"`
	Workflow     string         `json:"workflow" db:"workflow"`
	Expr         string         `json:"expr" db:"expr"`
	Kind         Kind           `json:"kind" db:"kind"`
	Status       Status         `json:"status" db:"status"`
	Inputs       map[string]any `json:"inputs,omitempty" db:"-"`
	NextRunAt    time.Time      `json:"nextRunAt" db:"-"`
	LastRunAt    time.Time      `json:"lastRunAt,omitempty" db:"-"`
	RunCount     int            `json:"runCount" db:"run_count"`
	FailureCount int            `json:"failureCount" db:"failure_count"`
	CreatedAt    time.Time      `json:"createdAt" db:"-"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"-"`
}

// ParseExpr classifies an expression and computes its first fire time after
// now. Accepted forms: RFC3339 timestamp, "@every <duration>", 5-field cron.
func ParseExpr(expr string, now time.Time) (Kind, time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty expression", ErrInvalidExpr)
	}
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		if !t.After(now) {
			return "", time.Time{}, fmt.Errorf("%w: one-time schedule %q is in the past", ErrInvalidExpr, expr)
		}
		return KindOneTime, t, nil
	}
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return "", time.Time{}, fmt.Errorf("%w: bad interval %q", ErrInvalidExpr, expr)
		}
		return KindInterval, now.Add(d), nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpr, expr, err)
	}
	return KindCron, sched.Next(now), nil
}

// Due reports whether the schedule should fire at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Status == StatusActive && !s.NextRunAt.IsZero() && !s.NextRunAt.After(now)
}

// Advance records one firing and computes the next run. One-time schedules
// transition to completed or failed; recurring ones stay active.
func (s *Schedule) Advance(now time.Time, failed bool) error {
	s.LastRunAt = now
	s.RunCount++
	if failed {
		s.FailureCount++
	}
	s.UpdatedAt = now

	switch s.Kind {
	case KindOneTime:
		s.NextRunAt = time.Time{}
		if failed {
			s.Status = StatusFailed
		} else {
			s.Status = StatusCompleted
		}
		return nil
	case KindInterval:
		rest, _ := strings.CutPrefix(s.Expr, "@every ")
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidExpr, s.Expr)
		}
		s.NextRunAt = now.Add(d)
		return nil
	case KindCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidExpr, s.Expr)
		}
		s.NextRunAt = sched.Next(now)
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidExpr, s.Kind)
	}
}

// Validate checks the schedule before it is stored.
func (s *Schedule) Validate(now time.Time) error {
	if s.Workflow == "" {
		return fmt.Errorf("%w: schedule has no workflow", ErrInvalidExpr)
	}
	kind, next, err := ParseExpr(s.Expr, now)
	if err != nil {
		return err
	}
	s.Kind = kind
	if s.NextRunAt.IsZero() {
		s.NextRunAt = next
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	return nil
}
