package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrScheduleNotFound    = errors.New("schedule not found")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrExecutionInProgress = errors.New("an execution is already running for this schedule")
	ErrRecurrenceParse     = errors.New("invalid recurrence expression")
	ErrUnknownScheduleType = errors.New("unknown schedule type")
)

// Conflict describes a timing overlap with an existing schedule
type Conflict struct {
	ScheduleID  string       `json:"schedule_id"`
	Type        ScheduleType `json:"type"`
	Reason      string       `json:"reason"`
	Date        *time.Time   `json:"date,omitempty"`
	Suggestions []time.Time  `json:"suggestions,omitempty"`
}

// ValidationResult is the structured outcome of validating a schedule config.
// Errors and conflicts block persistence; warnings are informational.
type ValidationResult struct {
	Valid     bool       `json:"valid"`
	Errors    []string   `json:"errors"`
	Warnings  []string   `json:"warnings"`
	Conflicts []Conflict `json:"conflicts"`
}

// ValidationError is returned when a schedule config is malformed or incomplete
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule: %s", strings.Join(e.Result.Errors, "; "))
}

// ConflictError is returned when a schedule config overlaps an existing enabled schedule
type ConflictError struct {
	Result ValidationResult
}

func (e *ConflictError) Error() string {
	reasons := make([]string, 0, len(e.Result.Conflicts))
	for _, c := range e.Result.Conflicts {
		reasons = append(reasons, c.Reason)
	}
	return fmt.Sprintf("schedule conflicts with existing schedules: %s", strings.Join(reasons, "; "))
}
