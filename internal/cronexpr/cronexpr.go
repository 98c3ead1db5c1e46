// Package cronexpr validates 5-field cron expressions and computes their
// trigger instants.
//
// Field grammar (per field): "*", "base/step" (base "*" or an in-bounds
// integer, step a positive integer), "a-b" (in bounds, a <= b), a comma list
// of integers, or a single integer.
package cronexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agentorch/internal/domain"

	"github.com/robfig/cron/v3"
)

// Lookahead bounds the search for the next trigger instant.
const Lookahead = 4 * 365 * 24 * time.Hour

// ErrNoMatch is returned when no instant within Lookahead matches.
var ErrNoMatch = errors.New("cronexpr: no matching time within lookahead")

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a well-formed, in-bounds expression.
func Validate(expr string) bool { return Check(expr) == nil }

// Check is Validate returning a domain ValidationError that names the
// offending field.
func Check(expr string) error {
	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return domain.Validation("schedule", fmt.Sprintf("expected 5 fields, got %d", len(parts)))
	}
	for i, p := range parts {
		if err := checkField(p, fields[i]); err != nil {
			return domain.Validation("schedule", fmt.Sprintf("%s %q: %s", fields[i].name, p, err))
		}
	}
	return nil
}

func checkField(s string, f field) error {
	switch {
	case s == "*":
		return nil
	case strings.Contains(s, "/"):
		base, step, ok := strings.Cut(s, "/")
		if !ok || strings.Contains(step, "/") {
			return errors.New("malformed step")
		}
		n, err := atoi(step)
		if err != nil || n <= 0 {
			return errors.New("step must be a positive integer")
		}
		if base == "*" {
			return nil
		}
		return inBounds(base, f)
	case strings.Contains(s, "-"):
		lo, hi, _ := strings.Cut(s, "-")
		if err := inBounds(lo, f); err != nil {
			return err
		}
		if err := inBounds(hi, f); err != nil {
			return err
		}
		a, _ := atoi(lo)
		b, _ := atoi(hi)
		if a > b {
			return errors.New("range start after end")
		}
		return nil
	case strings.Contains(s, ","):
		for _, item := range strings.Split(s, ",") {
			if err := inBounds(item, f); err != nil {
				return err
			}
		}
		return nil
	default:
		return inBounds(s, f)
	}
}

func inBounds(s string, f field) error {
	n, err := atoi(s)
	if err != nil {
		return fmt.Errorf("%q is not an integer", s)
	}
	if n < f.min || n > f.max {
		return fmt.Errorf("%d out of range %d-%d", n, f.min, f.max)
	}
	return nil
}

// atoi accepts only plain decimal digits.
func atoi(s string) (int, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(s)
}

// Schedule is a parsed expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// Parse validates expr and builds its schedule.
func Parse(expr string) (Schedule, error) {
	if err := Check(expr); err != nil {
		return Schedule{}, err
	}
	s, err := parser.Parse(strings.Join(strings.Fields(expr), " "))
	if err != nil {
		return Schedule{}, domain.Validation("schedule", err.Error())
	}
	return Schedule{expr: expr, sched: s}, nil
}

func (s Schedule) String() string { return s.expr }

// Next returns the first trigger instant strictly after from, evaluated in
// from's location.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	if s.sched == nil {
		return time.Time{}, ErrNoMatch
	}
	next := s.sched.Next(from)
	if next.IsZero() || !next.After(from) || next.Sub(from) > Lookahead {
		return time.Time{}, ErrNoMatch
	}
	return next, nil
}

// NextRun parses expr and returns its next trigger instant after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from)
}

// NextRuns returns up to n consecutive trigger instants after from. n must
// be positive.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, domain.Validation("count", fmt.Sprintf("must be positive, got %d", n))
	}
	s, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	for len(out) < n {
		next, err := s.Next(from)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		out = append(out, next)
		from = next
	}
	return out, nil
}
