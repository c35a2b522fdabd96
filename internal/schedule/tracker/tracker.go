// Package tracker records the lifecycle of executions.
package tracker

import (
	"context"
	"fmt"
	"time"

	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/repository"
	"mailsched-backend/pkg/logger"
	"mailsched-backend/pkg/metrics"

	"github.com/rs/zerolog"
)

// NewExecution describes an execution about to start
type NewExecution struct {
	ScheduleID   string
	Trigger      domain.ExecutionTrigger
	ScheduledFor *time.Time
	Attempt      int
	MaxAttempts  int
}

// Tracker creates executions and moves them through their states. Every
// transition out of RUNNING happens at most once; repeated calls are no-ops.
type Tracker struct {
	repo repository.ExecutionRepository
	now  func() time.Time
	log  zerolog.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger overrides the logger
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// NewTracker creates a tracker on top of an execution repository
func NewTracker(repo repository.ExecutionRepository, opts ...Option) *Tracker {
	t := &Tracker{
		repo: repo,
		now:  time.Now,
		log:  logger.Component("tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create stores a new RUNNING execution starting now
func (t *Tracker) Create(ctx context.Context, in NewExecution) (*domain.Execution, error) {
	if in.Trigger == "" {
		in.Trigger = domain.TriggerScheduled
	}
	if in.Attempt < 1 {
		in.Attempt = 1
	}
	if in.MaxAttempts < in.Attempt {
		in.MaxAttempts = in.Attempt
	}
	execution := &domain.Execution{
		ScheduleID:   in.ScheduleID,
		Status:       domain.ExecutionStatusRunning,
		Trigger:      in.Trigger,
		ScheduledFor: in.ScheduledFor,
		Attempt:      in.Attempt,
		MaxAttempts:  in.MaxAttempts,
		StartedAt:    t.now(),
	}
	if err := t.repo.Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	t.log.Info().
		Str("schedule_id", in.ScheduleID).
		Str("execution_id", execution.ID).
		Str("trigger", string(in.Trigger)).
		Int("attempt", in.Attempt).
		Msg("execution started")
	return execution, nil
}

// UpdateProgress overwrites the counters of a RUNNING execution
func (t *Tracker) UpdateProgress(ctx context.Context, executionID string, progress domain.Progress) error {
	ok, err := t.repo.UpdateProgress(ctx, executionID, progress)
	if err != nil {
		return fmt.Errorf("failed to update execution progress: %w", err)
	}
	if !ok {
		t.log.Debug().Str("execution_id", executionID).Msg("progress ignored, execution is not running")
	}
	return nil
}

// Complete marks a RUNNING execution COMPLETED. It returns the final record,
// or nil when the execution had already finished.
func (t *Tracker) Complete(ctx context.Context, executionID string, summary domain.Summary) (*domain.Execution, error) {
	now := t.now()
	final := &domain.Execution{
		Status:           domain.ExecutionStatusCompleted,
		CompletedAt:      &now,
		DurationMs:       summary.Duration.Milliseconds(),
		TotalBatches:     summary.TotalBatches,
		CompletedBatches: summary.CompletedBatches,
		TotalEmails:      summary.TotalEmails,
		ProcessedEmails:  summary.ProcessedEmails,
		FailedEmails:     summary.FailedEmails,
	}
	return t.finish(ctx, executionID, final, summary.Duration)
}

// Fail marks a RUNNING execution FAILED with the error and its details
func (t *Tracker) Fail(ctx context.Context, executionID string, cause error, details domain.ErrorDetails, summary domain.Summary) (*domain.Execution, error) {
	now := t.now()
	if details.Timestamp.IsZero() {
		details.Timestamp = now
	}
	final := &domain.Execution{
		Status:           domain.ExecutionStatusFailed,
		CompletedAt:      &now,
		DurationMs:       summary.Duration.Milliseconds(),
		TotalBatches:     summary.TotalBatches,
		CompletedBatches: summary.CompletedBatches,
		TotalEmails:      summary.TotalEmails,
		ProcessedEmails:  summary.ProcessedEmails,
		FailedEmails:     summary.FailedEmails,
		ErrorMessage:     cause.Error(),
		ErrorDetails:     details.Map(),
	}
	return t.finish(ctx, executionID, final, summary.Duration)
}

// Cancel marks a RUNNING execution CANCELLED
func (t *Tracker) Cancel(ctx context.Context, executionID, reason string) (*domain.Execution, error) {
	now := t.now()
	final := &domain.Execution{
		Status:       domain.ExecutionStatusCancelled,
		CompletedAt:  &now,
		ErrorMessage: reason,
	}
	return t.finish(ctx, executionID, final, 0)
}

func (t *Tracker) finish(ctx context.Context, executionID string, final *domain.Execution, elapsed time.Duration) (*domain.Execution, error) {
	ok, err := t.repo.Finish(ctx, executionID, final)
	if err != nil {
		return nil, fmt.Errorf("failed to mark execution %s: %w", final.Status, err)
	}
	if !ok {
		t.log.Debug().Str("execution_id", executionID).Str("status", string(final.Status)).
			Msg("execution already finished, transition ignored")
		return nil, nil
	}

	execution, err := t.repo.FindByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload execution: %w", err)
	}
	if execution == nil {
		return nil, domain.ErrExecutionNotFound
	}

	metrics.Executions.WithLabelValues(string(execution.Status), string(execution.Trigger)).Inc()
	if elapsed > 0 {
		metrics.ExecutionDuration.Observe(elapsed.Seconds())
	}

	ev := t.log.Info()
	if execution.Status == domain.ExecutionStatusFailed {
		ev = t.log.Warn().Str("error", execution.ErrorMessage)
	}
	ev.Str("schedule_id", execution.ScheduleID).
		Str("execution_id", execution.ID).
		Str("status", string(execution.Status)).
		Int("processed", execution.ProcessedEmails).
		Int("failed", execution.FailedEmails).
		Dur("duration", elapsed).
		Msg("execution finished")
	return execution, nil
}

// CancelStale cancels executions that have been RUNNING longer than maxAge
func (t *Tracker) CancelStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := t.repo.CancelStale(ctx, t.now().Add(-maxAge),
		fmt.Sprintf("cancelled: still running after %s", maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel stale executions: %w", err)
	}
	if n > 0 {
		metrics.StaleExecutions.Add(float64(n))
		t.log.Warn().Int64("count", n).Dur("max_age", maxAge).Msg("cancelled stale executions")
	}
	return n, nil
}

// Get returns an execution by id, or nil
func (t *Tracker) Get(ctx context.Context, executionID string) (*domain.Execution, error) {
	return t.repo.FindByID(ctx, executionID)
}

// Latest returns the most recent execution of a schedule, or nil
func (t *Tracker) Latest(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	return t.repo.FindLatest(ctx, scheduleID)
}

// LatestCompleted returns the most recent COMPLETED execution of a schedule, or nil
func (t *Tracker) LatestCompleted(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	return t.repo.FindLatestCompleted(ctx, scheduleID)
}

// Running returns the RUNNING execution of a schedule, or nil
func (t *Tracker) Running(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	return t.repo.FindRunning(ctx, scheduleID)
}

// Attempts counts the executions already started for one due instant
func (t *Tracker) Attempts(ctx context.Context, scheduleID string, scheduledFor time.Time) (int, error) {
	return t.repo.CountAttempts(ctx, scheduleID, scheduledFor)
}
