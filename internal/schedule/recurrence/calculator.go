// Package recurrence computes when a schedule is next due.
//
// Everything here is pure: callers pass the current time explicitly and no
// state is read or written.
package recurrence

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"mailsched-backend/internal/schedule/domain"
)

// Calculator dispatches recurrence expressions to the first strategy that supports them
type Calculator struct {
	strategies []Strategy
}

// NewCalculator creates a calculator. With no strategies it uses interval and cron.
func NewCalculator(strategies ...Strategy) *Calculator {
	if len(strategies) == 0 {
		strategies = []Strategy{NewIntervalStrategy(), NewCronStrategy()}
	}
	return &Calculator{strategies: strategies}
}

// LoadLocation resolves a timezone name; an empty name means UTC
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// NextRecurrence returns the first occurrence of expr strictly after from
func (c *Calculator) NextRecurrence(expr, tz string, from time.Time) (time.Time, error) {
	if strings.TrimSpace(expr) == "" {
		return time.Time{}, fmt.Errorf("%w: expression is empty", domain.ErrRecurrenceParse)
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown timezone %q", domain.ErrRecurrenceParse, tz)
	}
	for _, s := range c.strategies {
		if s.Supports(expr) {
			return s.Next(expr, loc, from)
		}
	}
	return time.Time{}, fmt.Errorf("%w: no strategy accepts %q", domain.ErrRecurrenceParse, expr)
}

// Upcoming lists the next n occurrences of expr after from
func (c *Calculator) Upcoming(expr, tz string, from time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	cursor := from
	for i := 0; i < n; i++ {
		next, err := c.NextRecurrence(expr, tz, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

// NextRun computes the next due instant of a schedule config, or nil when the
// schedule will never be due again.
//
// DATE_RANGE is due immediately. RECURRING yields the first occurrence after
// now; an unparsable expression yields nil and an ErrRecurrenceParse error.
// SPECIFIC_DATES yields the earliest configured date after now.
func (c *Calculator) NextRun(cfg domain.ScheduleConfig, now time.Time) (*time.Time, error) {
	switch cfg.Type {
	case domain.ScheduleTypeDateRange:
		due := now.UTC()
		return &due, nil
	case domain.ScheduleTypeRecurring:
		next, err := c.NextRecurrence(cfg.CronExpression, cfg.Timezone, now)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case domain.ScheduleTypeSpecificDates:
		return NextSpecificDate(cfg.SpecificDates, now), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownScheduleType, cfg.Type)
	}
}

// NextSpecificDate returns the earliest date strictly after now, or nil
func NextSpecificDate(dates domain.TimeList, now time.Time) *time.Time {
	for _, d := range dates.Sorted() {
		if d.After(now) {
			due := d
			return &due
		}
	}
	return nil
}
