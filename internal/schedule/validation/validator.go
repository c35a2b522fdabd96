// Package validation checks schedule configurations before they are stored.
package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/recurrence"
	"mailsched-backend/internal/schedule/repository"
	"mailsched-backend/pkg/fuzzy"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 100

	// DefaultMinInterval is the shortest recurrence period accepted without a warning
	DefaultMinInterval = 5 * time.Minute
	// DefaultMaxRange is the widest date range accepted without a warning
	DefaultMaxRange = 365 * 24 * time.Hour
)

// suggestionOffsets are tried in order when proposing alternatives to a colliding date
var suggestionOffsets = []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour, 24 * time.Hour}

// Validator validates schedule configs and detects timing conflicts with the
// enabled schedules of the same owner and account
type Validator struct {
	schedules   repository.ScheduleRepository
	calc        *recurrence.Calculator
	now         func() time.Time
	minInterval time.Duration
	maxRange    time.Duration
}

// Option configures a Validator
type Option func(*Validator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithMinInterval overrides the recurrence frequency warning threshold
func WithMinInterval(d time.Duration) Option {
	return func(v *Validator) { v.minInterval = d }
}

// NewValidator creates a validator reading existing schedules from the given repository
func NewValidator(schedules repository.ScheduleRepository, calc *recurrence.Calculator, opts ...Option) *Validator {
	v := &Validator{
		schedules:   schedules,
		calc:        calc,
		now:         time.Now,
		minInterval: DefaultMinInterval,
		maxRange:    DefaultMaxRange,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns the structured validation result for cfg. Configuration
// problems never produce an error; only a failing store lookup does.
// excludeID names the schedule being updated so it is not compared with itself.
func (v *Validator) Validate(ctx context.Context, cfg domain.ScheduleConfig, excludeID string) (domain.ValidationResult, error) {
	result := domain.ValidationResult{
		Errors:    []string{},
		Warnings:  []string{},
		Conflicts: []domain.Conflict{},
	}
	now := v.now()

	if strings.TrimSpace(cfg.AccountID) == "" {
		result.Errors = append(result.Errors, "account_id is required")
	}
	if cfg.BatchSize < MinBatchSize || cfg.BatchSize > MaxBatchSize {
		result.Errors = append(result.Errors,
			fmt.Sprintf("batch_size must be between %d and %d", MinBatchSize, MaxBatchSize))
	}
	checkPriorities(&result, "category_priorities", cfg.CategoryPriorities)
	checkPriorities(&result, "sender_priorities", cfg.SenderPriorities)

	switch cfg.Type {
	case domain.ScheduleTypeDateRange:
		v.checkDateRange(&result, cfg, now)
	case domain.ScheduleTypeRecurring:
		v.checkRecurring(&result, cfg, now)
	case domain.ScheduleTypeSpecificDates:
		checkSpecificDates(&result, cfg, now)
	default:
		result.Errors = append(result.Errors, fmt.Sprintf("unknown schedule type %q", cfg.Type))
	}

	if cfg.Type.Valid() && cfg.AccountID != "" {
		conflicts, err := v.CheckConflicts(ctx, cfg, excludeID)
		if err != nil {
			return result, err
		}
		result.Conflicts = conflicts
	}

	result.Valid = len(result.Errors) == 0 && len(result.Conflicts) == 0
	return result, nil
}

func checkPriorities(result *domain.ValidationResult, field string, m domain.PriorityMap) {
	for key, p := range m {
		if !p.Valid() {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s[%s]: priority must be high, medium or low, got %q", field, key, p))
		}
	}
}

func (v *Validator) checkDateRange(result *domain.ValidationResult, cfg domain.ScheduleConfig, now time.Time) {
	if cfg.DateFrom == nil || cfg.DateTo == nil {
		result.Errors = append(result.Errors, "date_from and date_to are required for DATE_RANGE schedules")
		return
	}
	if !cfg.DateFrom.Before(*cfg.DateTo) {
		result.Errors = append(result.Errors, "date_from must be before date_to")
		return
	}
	if cfg.DateTo.Sub(*cfg.DateFrom) > v.maxRange {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("date range spans more than %d days and may take a long time to process", int(v.maxRange.Hours()/24)))
	}
	if cfg.DateTo.After(now) {
		result.Warnings = append(result.Warnings, "date_to is in the future; emails arriving later will not be included")
	}
}

func (v *Validator) checkRecurring(result *domain.ValidationResult, cfg domain.ScheduleConfig, now time.Time) {
	if strings.TrimSpace(cfg.CronExpression) == "" {
		result.Errors = append(result.Errors, "cron_expression is required for RECURRING schedules")
		return
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		result.Errors = append(result.Errors, "timezone is required for RECURRING schedules")
		return
	}
	if _, err := recurrence.LoadLocation(cfg.Timezone); err != nil {
		msg := fmt.Sprintf("unknown timezone %q", cfg.Timezone)
		if suggestions := SuggestTimezones(cfg.Timezone); len(suggestions) > 0 {
			msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(suggestions, ", "))
		}
		result.Errors = append(result.Errors, msg)
		return
	}

	next, err := v.calc.Upcoming(cfg.CronExpression, cfg.Timezone, now, 3)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}
	for i := 1; i < len(next); i++ {
		if next[i].Sub(next[i-1]) < v.minInterval {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("schedule runs more often than every %s", v.minInterval))
			break
		}
	}
}

func checkSpecificDates(result *domain.ValidationResult, cfg domain.ScheduleConfig, now time.Time) {
	if len(cfg.SpecificDates) == 0 {
		result.Errors = append(result.Errors, "specific_dates requires at least one date")
		return
	}
	future := FutureDates(cfg.SpecificDates, now)
	if len(future) == 0 {
		result.Errors = append(result.Errors, "specific_dates requires at least one date in the future")
		return
	}
	if dropped := len(cfg.SpecificDates) - len(future); dropped > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d past date(s) will be ignored", dropped))
	}
}

// FutureDates returns the dates strictly after now, sorted ascending in UTC
func FutureDates(dates domain.TimeList, now time.Time) domain.TimeList {
	out := domain.TimeList{}
	for _, d := range dates.Sorted() {
		if d.After(now) {
			out = append(out, d)
		}
	}
	return out
}

// SuggestTimezones returns known timezone names close to a mistyped one
func SuggestTimezones(tz string) []string {
	return fuzzy.Closest(tz, knownTimezones, 3, 3)
}

// CheckConflicts compares cfg against the enabled schedules of the same owner
// and account with the same type
func (v *Validator) CheckConflicts(ctx context.Context, cfg domain.ScheduleConfig, excludeID string) ([]domain.Conflict, error) {
	existing, err := v.schedules.FindByOwnerAndAccount(ctx, cfg.OwnerID, cfg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedules for conflict check: %w", err)
	}

	conflicts := []domain.Conflict{}
	for _, s := range existing {
		if !s.Enabled || s.ID == excludeID || s.Type != cfg.Type {
			continue
		}
		switch cfg.Type {
		case domain.ScheduleTypeRecurring:
			if sameExpression(s.CronExpression, cfg.CronExpression) && sameTimezone(s.Timezone, cfg.Timezone) {
				conflicts = append(conflicts, domain.Conflict{
					ScheduleID: s.ID,
					Type:       s.Type,
					Reason: fmt.Sprintf("schedule %s already runs %q in %s",
						s.ID, strings.TrimSpace(s.CronExpression), normalizeTimezone(s.Timezone)),
				})
			}
		case domain.ScheduleTypeSpecificDates:
			conflicts = append(conflicts, dateConflicts(s, cfg.SpecificDates)...)
		case domain.ScheduleTypeDateRange:
			if s.DateFrom != nil && s.DateTo != nil && cfg.DateFrom != nil && cfg.DateTo != nil &&
				s.DateFrom.Equal(*cfg.DateFrom) && s.DateTo.Equal(*cfg.DateTo) {
				conflicts = append(conflicts, domain.Conflict{
					ScheduleID: s.ID,
					Type:       s.Type,
					Reason: fmt.Sprintf("schedule %s already covers %s to %s", s.ID,
						s.DateFrom.UTC().Format(time.RFC3339), s.DateTo.UTC().Format(time.RFC3339)),
				})
			}
		}
	}
	return conflicts, nil
}

// dateConflicts reports one conflict per date shared with s, suggesting
// nearby instants that s does not already occupy
func dateConflicts(s *domain.Schedule, dates domain.TimeList) []domain.Conflict {
	taken := make(map[int64]bool, len(s.SpecificDates))
	for _, d := range s.SpecificDates {
		taken[d.UnixNano()] = true
	}

	var out []domain.Conflict
	for _, d := range dates.Sorted() {
		if !taken[d.UnixNano()] {
			continue
		}
		date := d
		var suggestions []time.Time
		for _, off := range suggestionOffsets {
			alt := d.Add(off)
			if !taken[alt.UnixNano()] {
				suggestions = append(suggestions, alt)
			}
		}
		out = append(out, domain.Conflict{
			ScheduleID:  s.ID,
			Type:        s.Type,
			Reason:      fmt.Sprintf("schedule %s already runs at %s", s.ID, d.Format(time.RFC3339)),
			Date:        &date,
			Suggestions: suggestions,
		})
	}
	return out
}

func sameExpression(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}

func normalizeTimezone(tz string) string {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return "UTC"
	}
	return tz
}

func sameTimezone(a, b string) bool {
	return normalizeTimezone(a) == normalizeTimezone(b)
}
