package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	emaildomain "mailsched-backend/internal/email/domain"
	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/recurrence"
	"mailsched-backend/internal/schedule/repository"
	"mailsched-backend/internal/schedule/tracker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchCall struct {
	accountID     string
	since, before time.Time
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []fetchCall
	emails []*emaildomain.Email
	err    error
}

func (f *fakeFetcher) FetchEmailsInRange(_ context.Context, accountID string, since, before time.Time, _ int) ([]*emaildomain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{accountID, since, before})
	return f.emails, f.err
}

type fakeProcessor struct {
	err   error
	panic bool
}

func (p *fakeProcessor) ProcessEmails(_ context.Context, req emaildomain.ProcessRequest, emails []*emaildomain.Email) (*emaildomain.ProcessResult, error) {
	if p.panic {
		panic("classifier exploded")
	}
	if p.err != nil {
		return nil, p.err
	}
	return &emaildomain.ProcessResult{Processed: len(emails), Batches: 1}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []domain.ExecutionStatus
}

func (n *recordingNotifier) ExecutionFinished(_ context.Context, _ *domain.Schedule, e *domain.Execution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, e.Status)
	return nil
}

type harness struct {
	schedules repository.ScheduleRepository
	tracker   *tracker.Tracker
	fetcher   *fakeFetcher
	processor *fakeProcessor
	notifier  *recordingNotifier
	runner    *Runner
	now       time.Time
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	h := &harness{
		schedules: store.Schedules(),
		fetcher:   &fakeFetcher{emails: []*emaildomain.Email{{ID: "m1"}, {ID: "m2"}}},
		processor: &fakeProcessor{},
		notifier:  &recordingNotifier{},
		now:       time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.tracker = tracker.NewTracker(store.Executions(), tracker.WithLogger(zerolog.Nop()), tracker.WithClock(clock))
	h.runner = NewRunner(h.schedules, h.tracker, recurrence.NewCalculator(), h.fetcher, h.processor,
		Config{MaxAttempts: maxAttempts, MaxEmails: 100},
		WithNotifier(h.notifier), WithClock(clock), WithLogger(zerolog.Nop()))
	return h
}

func (h *harness) create(t *testing.T, s *domain.Schedule) *domain.Schedule {
	t.Helper()
	s.OwnerID = "user-1"
	s.AccountID = "acc-1"
	s.Enabled = true
	s.BatchSize = 10
	require.NoError(t, h.schedules.Create(context.Background(), s))
	return s
}

func (h *harness) reload(t *testing.T, id string) *domain.Schedule {
	t.Helper()
	s, err := h.schedules.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func tp(t time.Time) *time.Time { return &t }

func TestRun_DateRangeDisablesAfterSuccess(t *testing.T) {
	h := newHarness(t, 3)
	from, to := h.now.AddDate(0, 0, -7), h.now.AddDate(0, 0, -1)
	s := h.create(t, &domain.Schedule{
		Type: domain.ScheduleTypeDateRange, DateFrom: tp(from), DateTo: tp(to), NextExecutionAt: tp(h.now),
	})

	require.NoError(t, h.runner.Run(context.Background(), s))

	got := h.reload(t, s.ID)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextExecutionAt)
	assert.Equal(t, 1, got.TotalExecutions)
	assert.Equal(t, 1, got.SuccessfulExecutions)

	require.Len(t, h.fetcher.calls, 1)
	assert.Equal(t, from, h.fetcher.calls[0].since)
	assert.Equal(t, to, h.fetcher.calls[0].before)

	latest, err := h.tracker.Latest(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, latest.Status)
	assert.Equal(t, 2, latest.ProcessedEmails)
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecutionStatusCompleted}, h.notifier.statuses)
}

func TestRun_RecurringAdvancesAndUsesLastCompletion(t *testing.T) {
	h := newHarness(t, 3)
	created := h.now.Add(-48 * time.Hour)
	s := h.create(t, &domain.Schedule{
		Type: domain.ScheduleTypeRecurring, CronExpression: "0 6 * * *", Timezone: "UTC",
		NextExecutionAt: tp(h.now), CreatedAt: created,
	})

	require.NoError(t, h.runner.Run(context.Background(), h.reload(t, s.ID)))
	got := h.reload(t, s.ID)
	require.NotNil(t, got.NextExecutionAt)
	assert.Equal(t, time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC), *got.NextExecutionAt)
	assert.True(t, got.NextExecutionAt.After(h.now))
	assert.Equal(t, created, h.fetcher.calls[0].since)
	assert.Equal(t, h.now, h.fetcher.calls[0].before)

	firstRun := h.now
	h.now = time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)
	require.NoError(t, h.runner.Run(context.Background(), h.reload(t, s.ID)))
	assert.Equal(t, firstRun, h.fetcher.calls[1].since, "window starts at the last completion")
	assert.Equal(t, 2, h.reload(t, s.ID).SuccessfulExecutions)
}

func TestRun_SpecificDatesRoundTrip(t *testing.T) {
	h := newHarness(t, 3)
	future := h.now.Add(2 * time.Hour)
	past := h.now.Add(-2 * time.Hour)
	s := &domain.Schedule{Type: domain.ScheduleTypeSpecificDates, SpecificDates: domain.TimeList{future, past}}

	next, err := recurrence.NewCalculator().NextRun(s.Config(), h.now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, future, *next)
	s.NextExecutionAt = next
	h.create(t, s)

	h.now = future
	require.NoError(t, h.runner.Run(context.Background(), h.reload(t, s.ID)))

	got := h.reload(t, s.ID)
	assert.Nil(t, got.NextExecutionAt)
	assert.True(t, got.Enabled, "dormant, not disabled")
	assert.Equal(t, future, h.fetcher.calls[0].since)
	assert.Equal(t, future.Add(24*time.Hour), h.fetcher.calls[0].before)
}

func TestRun_FailureRetriesSameInstantUntilExhausted(t *testing.T) {
	h := newHarness(t, 2)
	h.fetcher.err = errors.New("gmail: 503")
	due := h.now
	s := h.create(t, &domain.Schedule{
		Type: domain.ScheduleTypeRecurring, CronExpression: "0 6 * * *", Timezone: "UTC", NextExecutionAt: tp(due),
	})

	err := h.runner.Run(context.Background(), h.reload(t, s.ID))
	require.Error(t, err)
	got := h.reload(t, s.ID)
	require.NotNil(t, got.NextExecutionAt)
	assert.Equal(t, due, *got.NextExecutionAt, "first failure keeps the due instant")
	assert.Equal(t, 1, got.FailedExecutions)

	latest, err := h.tracker.Latest(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, latest.Status)
	assert.Equal(t, 1, latest.Attempt)
	assert.Contains(t, latest.ErrorMessage, "gmail: 503")
	assert.Equal(t, StepFetch, latest.ErrorDetails["step"])
	assert.NotEmpty(t, latest.ErrorDetails["stack"])

	h.now = h.now.Add(time.Minute)
	require.Error(t, h.runner.Run(context.Background(), h.reload(t, s.ID)))
	got = h.reload(t, s.ID)
	require.NotNil(t, got.NextExecutionAt)
	assert.Equal(t, time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC), *got.NextExecutionAt)
	assert.Equal(t, 2, got.TotalExecutions)
	assert.Equal(t, 2, got.FailedExecutions)
	assert.Equal(t, 0, got.SuccessfulExecutions)
}

func TestRun_PanicIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.processor.panic = true
	s := h.create(t, &domain.Schedule{
		Type: domain.ScheduleTypeDateRange, DateFrom: tp(h.now.Add(-time.Hour)), DateTo: tp(h.now), NextExecutionAt: tp(h.now),
	})

	err := h.runner.Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classifier exploded")

	latest, lerr := h.tracker.Latest(context.Background(), s.ID)
	require.NoError(t, lerr)
	assert.Equal(t, domain.ExecutionStatusFailed, latest.Status)
	assert.Equal(t, StepProcess, latest.ErrorDetails["step"])

	// single attempt spent: one-shot schedule is retired
	assert.False(t, h.reload(t, s.ID).Enabled)
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecutionStatusFailed}, h.notifier.statuses)
}

func TestBegin_RefusesWhileRunning(t *testing.T) {
	h := newHarness(t, 3)
	s := h.create(t, &domain.Schedule{
		Type: domain.ScheduleTypeRecurring, CronExpression: "@hourly", Timezone: "UTC", NextExecutionAt: tp(h.now),
	})

	exec, err := h.runner.Begin(context.Background(), s, domain.TriggerManual)
	require.NoError(t, err)
	assert.Nil(t, exec.ScheduledFor)

	_, err = h.runner.Begin(context.Background(), s, domain.TriggerScheduled)
	assert.ErrorIs(t, err, domain.ErrExecutionInProgress)

	require.NoError(t, h.runner.Execute(context.Background(), s, exec))
	_, err = h.runner.Begin(context.Background(), s, domain.TriggerScheduled)
	assert.NoError(t, err)
}

func TestExecute_ManualSpecificDatesUsesTrailingDay(t *testing.T) {
	h := newHarness(t, 3)
	s := h.create(t, &domain.Schedule{
		Type: domain.ScheduleTypeSpecificDates, SpecificDates: domain.TimeList{h.now.Add(time.Hour)}, NextExecutionAt: tp(h.now.Add(time.Hour)),
	})

	exec, err := h.runner.Begin(context.Background(), s, domain.TriggerManual)
	require.NoError(t, err)
	require.NoError(t, h.runner.Execute(context.Background(), s, exec))
	assert.Equal(t, h.now.Add(-24*time.Hour), h.fetcher.calls[0].since)
	assert.Equal(t, h.now, h.fetcher.calls[0].before)
}

// ctxExecutions fails writes on a done context, like a database driver would
type ctxExecutions struct {
	repository.ExecutionRepository
	findDelay time.Duration
}

func (c ctxExecutions) FindRunning(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	time.Sleep(c.findDelay)
	return c.ExecutionRepository.FindRunning(ctx, scheduleID)
}

func (c ctxExecutions) Finish(ctx context.Context, id string, final *domain.Execution) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.ExecutionRepository.Finish(ctx, id, final)
}

type ctxSchedules struct {
	repository.ScheduleRepository
}

func (c ctxSchedules) RecordOutcome(ctx context.Context, id string, outcome repository.ExecutionOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ScheduleRepository.RecordOutcome(ctx, id, outcome)
}

// cancellingFetcher simulates a shutdown arriving mid-fetch
type cancellingFetcher struct {
	cancel context.CancelFunc
}

func (f cancellingFetcher) FetchEmailsInRange(ctx context.Context, _ string, _, _ time.Time, _ int) ([]*emaildomain.Email, error) {
	f.cancel()
	return nil, ctx.Err()
}

func TestRun_CancelledContextStillRecordsTerminalStatus(t *testing.T) {
	store := repository.NewMemoryStore()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	schedules := ctxSchedules{store.Schedules()}
	tr := tracker.NewTracker(ctxExecutions{ExecutionRepository: store.Executions()}, tracker.WithLogger(zerolog.Nop()), tracker.WithClock(clock))
	notifier := &recordingNotifier{}

	s := &domain.Schedule{
		OwnerID: "user-1", AccountID: "acc-1", Enabled: true, BatchSize: 10,
		Type: domain.ScheduleTypeRecurring, CronExpression: "@hourly", Timezone: "UTC", NextExecutionAt: tp(now),
	}
	require.NoError(t, schedules.Create(context.Background(), s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(schedules, tr, recurrence.NewCalculator(), cancellingFetcher{cancel: cancel}, &fakeProcessor{},
		Config{MaxAttempts: 1, MaxEmails: 10}, WithNotifier(notifier), WithClock(clock), WithLogger(zerolog.Nop()))

	err := r.Run(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)

	latest, err := tr.Latest(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, domain.ExecutionStatusFailed, latest.Status)
	assert.Equal(t, StepFetch, latest.ErrorDetails["step"])
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecutionStatusFailed}, notifier.statuses)

	got, err := schedules.FindByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedExecutions)

	_, err = r.Begin(context.Background(), got, domain.TriggerScheduled)
	assert.NoError(t, err, "schedule is not left blocked by a RUNNING execution")
}

func TestBegin_ConcurrentScheduledAndManualCreateOneExecution(t *testing.T) {
	store := repository.NewMemoryStore()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	executions := ctxExecutions{ExecutionRepository: store.Executions(), findDelay: 5 * time.Millisecond}
	tr := tracker.NewTracker(executions, tracker.WithLogger(zerolog.Nop()), tracker.WithClock(clock))
	r := NewRunner(store.Schedules(), tr, recurrence.NewCalculator(), &fakeFetcher{}, &fakeProcessor{},
		Config{MaxAttempts: 3}, WithClock(clock), WithLogger(zerolog.Nop()))

	s := &domain.Schedule{
		OwnerID: "user-1", AccountID: "acc-1", Enabled: true, BatchSize: 10,
		Type: domain.ScheduleTypeRecurring, CronExpression: "@hourly", Timezone: "UTC", NextExecutionAt: tp(now),
	}
	require.NoError(t, store.Schedules().Create(context.Background(), s))

	triggers := []domain.ExecutionTrigger{domain.TriggerScheduled, domain.TriggerManual}
	errs := make([]error, len(triggers))
	var wg sync.WaitGroup
	for i, trigger := range triggers {
		wg.Add(1)
		go func(i int, trigger domain.ExecutionTrigger) {
			defer wg.Done()
			_, errs[i] = r.Begin(context.Background(), s, trigger)
		}(i, trigger)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrExecutionInProgress)
	}
	assert.Equal(t, 1, started)
}
