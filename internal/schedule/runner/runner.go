// Package runner executes a single schedule: it computes the email window,
// fetches and processes the emails, records the outcome and advances the
// schedule to its next due instant.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	emaildomain "mailsched-backend/internal/email/domain"
	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/recurrence"
	"mailsched-backend/internal/schedule/repository"
	"mailsched-backend/internal/schedule/tracker"
	"mailsched-backend/pkg/logger"

	"github.com/rs/zerolog"
)

// Step names recorded in failure details
const (
	StepWindow  = "window"
	StepFetch   = "fetch"
	StepProcess = "process"
)

// Fetcher loads the emails of an account received within [since, before)
type Fetcher interface {
	FetchEmailsInRange(ctx context.Context, accountID string, since, before time.Time, maxCount int) ([]*emaildomain.Email, error)
}

// Processor runs the processing pipeline over fetched emails
type Processor interface {
	ProcessEmails(ctx context.Context, req emaildomain.ProcessRequest, emails []*emaildomain.Email) (*emaildomain.ProcessResult, error)
}

// Notifier is told about every execution that reaches a terminal status
type Notifier interface {
	ExecutionFinished(ctx context.Context, schedule *domain.Schedule, execution *domain.Execution) error
}

// Config holds the runner limits
type Config struct {
	MaxAttempts int
	MaxEmails   int
}

// Runner runs schedules one at a time per call; it is safe for concurrent use
type Runner struct {
	schedules repository.ScheduleRepository
	tracker   *tracker.Tracker
	calc      *recurrence.Calculator
	fetcher   Fetcher
	processor Processor
	notifier  Notifier
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithNotifier sets the outcome notifier
func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLogger overrides the logger
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// NewRunner creates a runner
func NewRunner(
	schedules repository.ScheduleRepository,
	tr *tracker.Tracker,
	calc *recurrence.Calculator,
	fetcher Fetcher,
	processor Processor,
	cfg Config,
	opts ...Option,
) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &Runner{
		schedules: schedules,
		tracker:   tr,
		calc:      calc,
		fetcher:   fetcher,
		processor: processor,
		cfg:       cfg,
		now:       time.Now,
		log:       logger.Component("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a due schedule. The returned error is the execution failure,
// already recorded on the execution.
func (r *Runner) Run(ctx context.Context, schedule *domain.Schedule) error {
	execution, err := r.Begin(ctx, schedule, domain.TriggerScheduled)
	if err != nil {
		return err
	}
	return r.Execute(ctx, schedule, execution)
}

// Begin creates the RUNNING execution for a run of schedule. Scheduled runs
// are attributed to the schedule's current due instant and numbered by the
// attempts already made for it. The store rejects a second RUNNING execution
// of the same schedule with domain.ErrExecutionInProgress.
func (r *Runner) Begin(ctx context.Context, schedule *domain.Schedule, trigger domain.ExecutionTrigger) (*domain.Execution, error) {
	running, err := r.tracker.Running(ctx, schedule.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check running executions: %w", err)
	}
	if running != nil {
		return nil, domain.ErrExecutionInProgress
	}

	in := tracker.NewExecution{
		ScheduleID:  schedule.ID,
		Trigger:     trigger,
		Attempt:     1,
		MaxAttempts: 1,
	}
	if trigger == domain.TriggerScheduled && schedule.NextExecutionAt != nil {
		due := *schedule.NextExecutionAt
		previous, err := r.tracker.Attempts(ctx, schedule.ID, due)
		if err != nil {
			return nil, fmt.Errorf("failed to count attempts: %w", err)
		}
		in.ScheduledFor = &due
		in.Attempt = previous + 1
		in.MaxAttempts = r.cfg.MaxAttempts
	}
	return r.tracker.Create(ctx, in)
}

// Execute performs the run recorded by execution. Panics raised by the
// collaborators are recovered and recorded as failures. The terminal status
// is written even when ctx is cancelled mid-run.
func (r *Runner) Execute(ctx context.Context, schedule *domain.Schedule, execution *domain.Execution) (err error) {
	start := r.now()
	finishCtx := context.WithoutCancel(ctx)
	step := StepWindow
	var progress domain.Progress
	log := r.log.With().Str("schedule_id", schedule.ID).Str("execution_id", execution.ID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during %s: %v", step, rec)
			r.finishFailed(finishCtx, schedule, execution, err, step, string(debug.Stack()), progress, start)
		}
	}()

	since, before, err := r.Window(ctx, schedule, execution, start)
	if err != nil {
		r.finishFailed(finishCtx, schedule, execution, err, step, string(debug.Stack()), progress, start)
		return err
	}
	log.Debug().Time("since", since).Time("before", before).Msg("email window computed")

	step = StepFetch
	emails, err := r.fetcher.FetchEmailsInRange(ctx, schedule.AccountID, since, before, r.cfg.MaxEmails)
	if err != nil {
		err = fmt.Errorf("failed to fetch emails: %w", err)
		r.finishFailed(finishCtx, schedule, execution, err, step, string(debug.Stack()), progress, start)
		return err
	}
	progress.TotalEmails = len(emails)

	step = StepProcess
	result, err := r.processor.ProcessEmails(ctx, emaildomain.ProcessRequest{
		ScheduleID:         schedule.ID,
		ExecutionID:        execution.ID,
		OwnerID:            schedule.OwnerID,
		AccountID:          schedule.AccountID,
		BatchSize:          schedule.BatchSize,
		CategoryPriorities: schedule.CategoryPriorities,
		SenderPriorities:   schedule.SenderPriorities,
	}, emails)
	if result != nil {
		progress.TotalBatches = result.Batches
		progress.CompletedBatches = result.Batches
		progress.ProcessedEmails = result.Processed
		progress.FailedEmails = result.Failed
	}
	if err != nil {
		err = fmt.Errorf("failed to process emails: %w", err)
		r.finishFailed(finishCtx, schedule, execution, err, step, string(debug.Stack()), progress, start)
		return err
	}

	final, err := r.tracker.Complete(finishCtx, execution.ID, domain.Summary{Progress: progress, Duration: r.now().Sub(start)})
	if err != nil {
		log.Error().Err(err).Msg("failed to record completed execution")
	}
	r.recordOutcome(finishCtx, schedule, execution, true)
	r.notify(finishCtx, schedule, final)
	return nil
}

// Window returns the email date range a run of schedule covers
func (r *Runner) Window(ctx context.Context, schedule *domain.Schedule, execution *domain.Execution, now time.Time) (since, before time.Time, err error) {
	switch schedule.Type {
	case domain.ScheduleTypeDateRange:
		if schedule.DateFrom == nil || schedule.DateTo == nil {
			return since, before, errors.New("date range schedule has no bounds")
		}
		return *schedule.DateFrom, *schedule.DateTo, nil

	case domain.ScheduleTypeRecurring:
		since = schedule.CreatedAt
		last, err := r.tracker.LatestCompleted(ctx, schedule.ID)
		if err != nil {
			return since, before, fmt.Errorf("failed to load last completed execution: %w", err)
		}
		if last != nil && last.CompletedAt != nil {
			since = *last.CompletedAt
		}
		return since, now, nil

	case domain.ScheduleTypeSpecificDates:
		if execution.ScheduledFor == nil {
			return now.Add(-24 * time.Hour), now, nil
		}
		return *execution.ScheduledFor, execution.ScheduledFor.Add(24 * time.Hour), nil
	}
	return since, before, fmt.Errorf("%w: %q", domain.ErrUnknownScheduleType, schedule.Type)
}

func (r *Runner) finishFailed(ctx context.Context, schedule *domain.Schedule, execution *domain.Execution, cause error, step, stack string, progress domain.Progress, start time.Time) {
	final, err := r.tracker.Fail(ctx, execution.ID, cause, domain.ErrorDetails{
		Step:      step,
		Stack:     stack,
		Timestamp: r.now(),
		Attempt:   execution.Attempt,
	}, domain.Summary{Progress: progress, Duration: r.now().Sub(start)})
	if err != nil {
		r.log.Error().Err(err).Str("execution_id", execution.ID).Msg("failed to record failed execution")
	}
	r.recordOutcome(ctx, schedule, execution, false)
	r.notify(ctx, schedule, final)
}

// recordOutcome updates the schedule counters and decides its next due
// instant. A failed scheduled run keeps the same due instant so the next tick
// retries it, until the last attempt is spent.
func (r *Runner) recordOutcome(ctx context.Context, schedule *domain.Schedule, execution *domain.Execution, succeeded bool) {
	now := r.now()
	outcome := repository.ExecutionOutcome{ExecutedAt: now, Succeeded: succeeded}

	exhausted := execution.Trigger == domain.TriggerScheduled && execution.Attempt >= execution.MaxAttempts
	if succeeded || exhausted {
		outcome.Advance = true
		if schedule.Type == domain.ScheduleTypeDateRange {
			outcome.Disable = true
		} else {
			next, err := r.calc.NextRun(schedule.Config(), now)
			if err != nil {
				r.log.Warn().Err(err).Str("schedule_id", schedule.ID).
					Msg("cannot compute next run, schedule will not become due until corrected")
			}
			outcome.NextExecutionAt = next
		}
		if !succeeded {
			r.log.Warn().Str("schedule_id", schedule.ID).Int("attempts", execution.Attempt).
				Msg("giving up on due instant after last attempt")
		}
	}

	if err := r.schedules.RecordOutcome(ctx, schedule.ID, outcome); err != nil {
		r.log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule after execution")
	}
}

func (r *Runner) notify(ctx context.Context, schedule *domain.Schedule, execution *domain.Execution) {
	if r.notifier == nil || execution == nil {
		return
	}
	if err := r.notifier.ExecutionFinished(ctx, schedule, execution); err != nil {
		r.log.Warn().Err(err).Str("execution_id", execution.ID).Msg("failed to send execution notification")
	}
}
