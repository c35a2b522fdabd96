package recurrence

import (
	"fmt"
	"strings"
	"time"

	"mailsched-backend/internal/schedule/domain"

	"github.com/robfig/cron/v3"
)

// Strategy turns a recurrence expression into concrete instants.
// Next must return the first occurrence strictly after from.
type Strategy interface {
	Supports(expr string) bool
	Next(expr string, loc *time.Location, from time.Time) (time.Time, error)
}

// CronStrategy evaluates cron expressions: 5 fields, an optional leading seconds
// field, and descriptors such as @daily or @every 2h
type CronStrategy struct {
	parser cron.Parser
}

// NewCronStrategy creates the default cron-backed strategy
func NewCronStrategy() *CronStrategy {
	return &CronStrategy{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Supports accepts everything that is not an explicit interval expression
func (s *CronStrategy) Supports(expr string) bool {
	_, ok := intervalBody(expr)
	return !ok
}

// Next returns the first activation strictly after from, evaluated in loc
func (s *CronStrategy) Next(expr string, loc *time.Location, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", domain.ErrRecurrenceParse, expr, err)
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", domain.ErrRecurrenceParse, expr)
	}
	return next.UTC(), nil
}

// IntervalStrategy evaluates fixed intervals written as "interval:90m" or
// "every:2h". Occurrences are aligned to the Unix epoch in the schedule's
// timezone so that the sequence does not drift with the evaluation time.
type IntervalStrategy struct {
	// Min rejects intervals shorter than this
	Min time.Duration
}

// NewIntervalStrategy creates an interval strategy with a one minute floor
func NewIntervalStrategy() *IntervalStrategy {
	return &IntervalStrategy{Min: time.Minute}
}

// Supports accepts only prefixed interval expressions
func (s *IntervalStrategy) Supports(expr string) bool {
	_, ok := intervalBody(expr)
	return ok
}

// Next returns the first aligned occurrence strictly after from
func (s *IntervalStrategy) Next(expr string, loc *time.Location, from time.Time) (time.Time, error) {
	body, ok := intervalBody(expr)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q is not an interval", domain.ErrRecurrenceParse, expr)
	}
	every, err := time.ParseDuration(body)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", domain.ErrRecurrenceParse, expr, err)
	}
	if every <= 0 || every < s.Min {
		return time.Time{}, fmt.Errorf("%w: interval %s is shorter than %s", domain.ErrRecurrenceParse, every, s.Min)
	}

	anchor := time.Date(1970, 1, 1, 0, 0, 0, 0, loc)
	elapsed := from.Sub(anchor)
	steps := elapsed / every
	if elapsed < 0 {
		steps = 0
	}
	next := anchor.Add((steps + 1) * every)
	for !next.After(from) {
		next = next.Add(every)
	}
	return next.UTC(), nil
}

func intervalBody(expr string) (string, bool) {
	s := strings.TrimSpace(expr)
	low := strings.ToLower(s)
	for _, prefix := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, prefix) {
			return strings.TrimSpace(s[len(prefix):]), true
		}
	}
	return "", false
}
