package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/recurrence"
	"mailsched-backend/internal/schedule/repository"
	"mailsched-backend/internal/schedule/validation"
	"mailsched-backend/pkg/logger"

	"github.com/rs/zerolog"
)

const (
	defaultCalendarSize = 5
	maxCalendarSize     = 50
)

// ExecutionLookup reads executions of a schedule
type ExecutionLookup interface {
	Latest(ctx context.Context, scheduleID string) (*domain.Execution, error)
}

// scheduleUsecase implements ScheduleUsecase interface
type scheduleUsecase struct {
	schedules  repository.ScheduleRepository
	validator  *validation.Validator
	calc       *recurrence.Calculator
	starter    ExecutionStarter
	executions ExecutionLookup
	accounts   AccountLookup
	defaults   DefaultScheduleConfig
	now        func() time.Time
	log        zerolog.Logger
	background sync.WaitGroup
}

// Option configures the usecase
type Option func(*scheduleUsecase)

// WithAccountLookup enables account ownership checks
func WithAccountLookup(accounts AccountLookup) Option {
	return func(u *scheduleUsecase) { u.accounts = accounts }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(u *scheduleUsecase) { u.now = now }
}

// WithLogger overrides the logger
func WithLogger(l zerolog.Logger) Option {
	return func(u *scheduleUsecase) { u.log = l }
}

// NewScheduleUsecase creates a new instance of scheduleUsecase
func NewScheduleUsecase(
	schedules repository.ScheduleRepository,
	validator *validation.Validator,
	calc *recurrence.Calculator,
	starter ExecutionStarter,
	executions ExecutionLookup,
	defaults DefaultScheduleConfig,
	opts ...Option,
) ScheduleUsecase {
	if defaults.BatchSize == 0 {
		defaults.BatchSize = 10
	}
	u := &scheduleUsecase{
		schedules:  schedules,
		validator:  validator,
		calc:       calc,
		starter:    starter,
		executions: executions,
		defaults:   defaults,
		now:        time.Now,
		log:        logger.Component("schedule"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *scheduleUsecase) config(ownerID string, req ScheduleRequest) domain.ScheduleConfig {
	batch := req.BatchSize
	if batch == 0 {
		batch = u.defaults.BatchSize
	}
	return domain.ScheduleConfig{
		OwnerID:            ownerID,
		AccountID:          req.AccountID,
		Type:               req.Type,
		DateFrom:           req.DateFrom,
		DateTo:             req.DateTo,
		CronExpression:     req.CronExpression,
		Timezone:           req.Timezone,
		SpecificDates:      domain.TimeList(req.SpecificDates),
		BatchSize:          batch,
		CategoryPriorities: domain.PriorityMap(req.CategoryPriorities),
		SenderPriorities:   domain.PriorityMap(req.SenderPriorities),
	}
}

func (u *scheduleUsecase) checkAccount(ctx context.Context, ownerID, accountID string) error {
	if u.accounts == nil || accountID == "" {
		return nil
	}
	account, err := u.accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil || account.UserID != ownerID {
		return domain.ErrUnauthorized
	}
	return nil
}

// validate returns a ValidationError or ConflictError when cfg cannot be
// stored. Conflicts only block schedules that will be enabled, and only
// when the caller has not accepted them.
func (u *scheduleUsecase) validate(ctx context.Context, cfg domain.ScheduleConfig, excludeID string, enabled, acceptConflicts bool) (domain.ValidationResult, error) {
	result, err := u.validator.Validate(ctx, cfg, excludeID)
	if err != nil {
		return result, err
	}
	if len(result.Errors) > 0 {
		return result, &domain.ValidationError{Result: result}
	}
	if !enabled || len(result.Conflicts) == 0 {
		return result, nil
	}
	if !acceptConflicts {
		return result, &domain.ConflictError{Result: result}
	}
	for _, c := range result.Conflicts {
		result.Warnings = append(result.Warnings, fmt.Sprintf("accepted conflict with schedule %s: %s", c.ScheduleID, c.Reason))
	}
	return result, nil
}

func (u *scheduleUsecase) CreateSchedule(ctx context.Context, ownerID string, req ScheduleRequest) (*domain.Schedule, []string, error) {
	if err := u.checkAccount(ctx, ownerID, req.AccountID); err != nil {
		return nil, nil, err
	}
	enabled := req.Enabled == nil || *req.Enabled
	cfg := u.config(ownerID, req)

	result, err := u.validate(ctx, cfg, "", enabled, req.AcceptConflicts)
	if err != nil {
		return nil, nil, err
	}

	now := u.now()
	schedule := &domain.Schedule{
		CreatedAt: now,
		Enabled:   enabled,
	}
	if err := u.apply(schedule, cfg, now); err != nil {
		return nil, nil, err
	}
	if err := u.schedules.Create(ctx, schedule); err != nil {
		return nil, nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	u.log.Info().Str("schedule_id", schedule.ID).Str("owner_id", ownerID).
		Str("type", string(schedule.Type)).Msg("schedule created")
	return schedule, result.Warnings, nil
}

// apply copies cfg onto schedule and recomputes its next due instant
func (u *scheduleUsecase) apply(schedule *domain.Schedule, cfg domain.ScheduleConfig, now time.Time) error {
	if cfg.Type == domain.ScheduleTypeSpecificDates {
		cfg.SpecificDates = validation.FutureDates(cfg.SpecificDates, now)
	}
	schedule.OwnerID = cfg.OwnerID
	schedule.AccountID = cfg.AccountID
	schedule.Type = cfg.Type
	schedule.DateFrom = cfg.DateFrom
	schedule.DateTo = cfg.DateTo
	schedule.CronExpression = cfg.CronExpression
	schedule.Timezone = cfg.Timezone
	schedule.SpecificDates = cfg.SpecificDates
	schedule.BatchSize = cfg.BatchSize
	schedule.CategoryPriorities = cfg.CategoryPriorities
	schedule.SenderPriorities = cfg.SenderPriorities

	next, err := u.calc.NextRun(cfg, now)
	if err != nil {
		return &domain.ValidationError{Result: domain.ValidationResult{Errors: []string{err.Error()}}}
	}
	schedule.NextExecutionAt = next
	return nil
}

func (u *scheduleUsecase) GetSchedule(ctx context.Context, ownerID, scheduleID string) (*domain.Schedule, error) {
	schedule, err := u.schedules.FindByID(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, domain.ErrScheduleNotFound
	}
	if schedule.OwnerID != ownerID {
		return nil, domain.ErrUnauthorized
	}
	return schedule, nil
}

func (u *scheduleUsecase) ListSchedules(ctx context.Context, ownerID string) ([]*domain.Schedule, error) {
	return u.schedules.FindByOwner(ctx, ownerID)
}

func (u *scheduleUsecase) UpdateSchedule(ctx context.Context, ownerID, scheduleID string, req ScheduleRequest) (*domain.Schedule, []string, error) {
	schedule, err := u.GetSchedule(ctx, ownerID, scheduleID)
	if err != nil {
		return nil, nil, err
	}
	if req.AccountID == "" {
		req.AccountID = schedule.AccountID
	}
	if err := u.checkAccount(ctx, ownerID, req.AccountID); err != nil {
		return nil, nil, err
	}

	enabled := schedule.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cfg := u.config(ownerID, req)
	result, err := u.validate(ctx, cfg, schedule.ID, enabled, req.AcceptConflicts)
	if err != nil {
		return nil, nil, err
	}

	now := u.now()
	// Past dates were dropped when the schedule was stored; compare only the
	// dates still ahead on both sides
	stored, requested := schedule.Config(), cfg
	if cfg.Type == domain.ScheduleTypeSpecificDates {
		stored.SpecificDates = validation.FutureDates(stored.SpecificDates, now)
		requested.SpecificDates = validation.FutureDates(requested.SpecificDates, now)
	}
	retime := !stored.SameTiming(requested) || (enabled && !schedule.Enabled)
	previousNext := schedule.NextExecutionAt
	if err := u.apply(schedule, cfg, now); err != nil {
		return nil, nil, err
	}
	if !retime {
		schedule.NextExecutionAt = previousNext
	}
	schedule.Enabled = enabled

	if err := u.schedules.Update(ctx, schedule); err != nil {
		return nil, nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	u.log.Info().Str("schedule_id", schedule.ID).Bool("retimed", retime).Msg("schedule updated")
	return schedule, result.Warnings, nil
}

func (u *scheduleUsecase) DeleteSchedule(ctx context.Context, ownerID, scheduleID string) error {
	if _, err := u.GetSchedule(ctx, ownerID, scheduleID); err != nil {
		return err
	}
	if err := u.schedules.Delete(ctx, scheduleID); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	u.log.Info().Str("schedule_id", scheduleID).Msg("schedule deleted")
	return nil
}

func (u *scheduleUsecase) ExecuteNow(ctx context.Context, ownerID, scheduleID string) (*domain.Execution, error) {
	schedule, err := u.GetSchedule(ctx, ownerID, scheduleID)
	if err != nil {
		return nil, err
	}

	execution, err := u.starter.Begin(ctx, schedule, domain.TriggerManual)
	if err != nil {
		return nil, err
	}

	// The run outlives the request
	runCtx := context.WithoutCancel(ctx)
	u.background.Add(1)
	go func() {
		defer u.background.Done()
		if err := u.starter.Execute(runCtx, schedule, execution); err != nil {
			u.log.Warn().Err(err).Str("schedule_id", schedule.ID).Str("execution_id", execution.ID).
				Msg("manual execution failed")
		}
	}()
	return execution, nil
}

func (u *scheduleUsecase) Wait() {
	u.background.Wait()
}

func (u *scheduleUsecase) LatestExecution(ctx context.Context, ownerID, scheduleID string) (*domain.Execution, error) {
	if _, err := u.GetSchedule(ctx, ownerID, scheduleID); err != nil {
		return nil, err
	}
	execution, err := u.executions.Latest(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if execution == nil {
		return nil, domain.ErrExecutionNotFound
	}
	return execution, nil
}

func (u *scheduleUsecase) Validate(ctx context.Context, ownerID string, req ScheduleRequest, excludeID string) (domain.ValidationResult, error) {
	if excludeID != "" {
		if _, err := u.GetSchedule(ctx, ownerID, excludeID); err != nil {
			return domain.ValidationResult{}, err
		}
	}
	return u.validator.Validate(ctx, u.config(ownerID, req), excludeID)
}

func (u *scheduleUsecase) CheckConflicts(ctx context.Context, ownerID string, req ScheduleRequest, excludeID string) ([]domain.Conflict, error) {
	if excludeID != "" {
		if _, err := u.GetSchedule(ctx, ownerID, excludeID); err != nil {
			return nil, err
		}
	}
	return u.validator.CheckConflicts(ctx, u.config(ownerID, req), excludeID)
}

func (u *scheduleUsecase) Calendar(ctx context.Context, ownerID string, n int) ([]CalendarEntry, error) {
	if n <= 0 {
		n = defaultCalendarSize
	}
	if n > maxCalendarSize {
		n = maxCalendarSize
	}

	schedules, err := u.schedules.FindEnabledRecurring(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := u.now()
	entries := make([]CalendarEntry, 0, len(schedules))
	for _, s := range schedules {
		entry := CalendarEntry{
			ScheduleID:     s.ID,
			AccountID:      s.AccountID,
			CronExpression: s.CronExpression,
			Timezone:       s.Timezone,
		}
		occurrences, err := u.calc.Upcoming(s.CronExpression, s.Timezone, now, n)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Occurrences = occurrences
		}
		entries = append(entries, entry)
	}

	// soonest first, broken expressions last
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Occurrences, entries[j].Occurrences
		if len(a) == 0 || len(b) == 0 {
			return len(a) > len(b)
		}
		return a[0].Before(b[0])
	})
	return entries, nil
}

func (u *scheduleUsecase) BulkSetEnabled(ctx context.Context, ownerID string, ids []string, enabled bool) ([]BulkResult, error) {
	results := make([]BulkResult, 0, len(ids))
	now := u.now()

	for _, id := range ids {
		res := BulkResult{ID: id}
		schedule, err := u.GetSchedule(ctx, ownerID, id)
		if err != nil {
			if !errors.Is(err, domain.ErrScheduleNotFound) && !errors.Is(err, domain.ErrUnauthorized) {
				return results, err
			}
			res.Error = err.Error()
			results = append(results, res)
			continue
		}

		if enabled && !schedule.Enabled {
			next, err := u.calc.NextRun(schedule.Config(), now)
			if err != nil {
				u.log.Warn().Err(err).Str("schedule_id", id).Msg("enabled schedule has no next run")
			}
			schedule.NextExecutionAt = next
		}
		schedule.Enabled = enabled

		if err := u.schedules.Update(ctx, schedule); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
		}
		results = append(results, res)
	}
	return results, nil
}

func (u *scheduleUsecase) EnsureDefaultSchedule(ctx context.Context, ownerID, accountID string) (*domain.Schedule, bool, error) {
	if err := u.checkAccount(ctx, ownerID, accountID); err != nil {
		return nil, false, err
	}
	existing, err := u.schedules.FindDefault(ctx, ownerID, accountID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	cfg := domain.ScheduleConfig{
		OwnerID:        ownerID,
		AccountID:      accountID,
		Type:           domain.ScheduleTypeRecurring,
		CronExpression: u.defaults.CronExpression,
		Timezone:       u.defaults.Timezone,
		BatchSize:      u.defaults.BatchSize,
	}
	result, err := u.validator.Validate(ctx, cfg, "")
	if err != nil {
		return nil, false, err
	}
	if len(result.Errors) > 0 {
		return nil, false, &domain.ValidationError{Result: result}
	}
	if len(result.Conflicts) > 0 {
		u.log.Info().Str("account_id", accountID).Int("conflicts", len(result.Conflicts)).
			Msg("default schedule overlaps existing schedules")
	}

	now := u.now()
	schedule := &domain.Schedule{CreatedAt: now, Enabled: true, IsDefault: true}
	if err := u.apply(schedule, cfg, now); err != nil {
		return nil, false, err
	}
	if err := u.schedules.Create(ctx, schedule); err != nil {
		return nil, false, fmt.Errorf("failed to create default schedule: %w", err)
	}
	u.log.Info().Str("schedule_id", schedule.ID).Str("account_id", accountID).Msg("default schedule created")
	return schedule, true, nil
}
