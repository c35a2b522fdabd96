package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	emaildomain "mailsched-backend/internal/email/domain"
	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/lock"
	"mailsched-backend/internal/schedule/recurrence"
	"mailsched-backend/internal/schedule/repository"
	"mailsched-backend/internal/schedule/runner"
	"mailsched-backend/internal/schedule/tracker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sixAM = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

// countingLocker records acquisitions on top of a real lock manager
type countingLocker struct {
	*lock.Manager
	mu       sync.Mutex
	acquired []time.Time
}

func (c *countingLocker) Acquire(ctx context.Context, at time.Time, ids []string) (bool, error) {
	ok, err := c.Manager.Acquire(ctx, at, ids)
	if ok {
		c.mu.Lock()
		c.acquired = append(c.acquired, at)
		c.mu.Unlock()
	}
	return ok, err
}

// accountFetcher fails or panics depending on the account
type accountFetcher struct{}

func (accountFetcher) FetchEmailsInRange(_ context.Context, accountID string, _, _ time.Time, _ int) ([]*emaildomain.Email, error) {
	switch accountID {
	case "broken":
		return nil, errors.New("imap: login failed")
	case "panics":
		panic("nil client")
	}
	return []*emaildomain.Email{{ID: "m-" + accountID}}, nil
}

type countProcessor struct{}

func (countProcessor) ProcessEmails(_ context.Context, _ emaildomain.ProcessRequest, emails []*emaildomain.Email) (*emaildomain.ProcessResult, error) {
	return &emaildomain.ProcessResult{Processed: len(emails), Batches: 1}, nil
}

type env struct {
	store     *repository.MemoryStore
	schedules repository.ScheduleRepository
	tracker   *tracker.Tracker
	locker    *countingLocker
	scheduler *Scheduler
	now       time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := repository.NewMemoryStore()
	e := &env{store: store, schedules: store.Schedules(), now: sixAM}
	clock := func() time.Time { return e.now }
	e.tracker = tracker.NewTracker(store.Executions(), tracker.WithLogger(zerolog.Nop()), tracker.WithClock(clock))
	e.locker = &countingLocker{Manager: lock.NewManager(store.Locks(), lock.WithLogger(zerolog.Nop()), lock.WithClock(clock))}
	r := runner.NewRunner(e.schedules, e.tracker, recurrence.NewCalculator(), accountFetcher{}, countProcessor{},
		runner.Config{MaxAttempts: 1, MaxEmails: 50}, runner.WithClock(clock), runner.WithLogger(zerolog.Nop()))
	e.scheduler = NewScheduler(e.schedules, e.locker, r, Config{Interval: time.Minute, MaxParallel: 4},
		WithClock(clock), WithLogger(zerolog.Nop()), WithSweeper(e.tracker))
	return e
}

func (e *env) add(t *testing.T, account string, due time.Time) *domain.Schedule {
	t.Helper()
	s := &domain.Schedule{
		OwnerID: "user-1", AccountID: account, Type: domain.ScheduleTypeRecurring,
		CronExpression: "0 6 * * *", Timezone: "UTC", Enabled: true, BatchSize: 10,
		NextExecutionAt: &due,
	}
	require.NoError(t, e.schedules.Create(context.Background(), s))
	return s
}

func (e *env) latestStatus(t *testing.T, scheduleID string) domain.ExecutionStatus {
	t.Helper()
	exec, err := e.tracker.Latest(context.Background(), scheduleID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	return exec.Status
}

func TestTick_SameInstantSharesOneLock(t *testing.T) {
	e := newEnv(t)
	a := e.add(t, "acc-a", sixAM)
	b := e.add(t, "acc-b", sixAM)

	report, err := e.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	require.Len(t, report.Groups, 1)
	assert.True(t, report.Groups[0].Acquired)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, report.Groups[0].ScheduleIDs)
	assert.Equal(t, []time.Time{sixAM}, e.locker.acquired)

	assert.Equal(t, domain.ExecutionStatusCompleted, e.latestStatus(t, a.ID))
	assert.Equal(t, domain.ExecutionStatusCompleted, e.latestStatus(t, b.ID))

	held, err := e.store.Locks().Find(context.Background(), sixAM)
	require.NoError(t, err)
	assert.Nil(t, held, "lock released after the group")

	// both advanced past now, nothing due on the next tick
	report, err = e.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)
}

func TestTick_FailingSiblingDoesNotAffectOthers(t *testing.T) {
	e := newEnv(t)
	ok := e.add(t, "acc-ok", sixAM)
	broken := e.add(t, "broken", sixAM)
	panics := e.add(t, "panics", sixAM)

	report, err := e.scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)

	errs := map[string]error{}
	for _, r := range report.Groups[0].Results {
		errs[r.ScheduleID] = r.Err
	}
	assert.NoError(t, errs[ok.ID])
	assert.Error(t, errs[broken.ID])
	assert.Error(t, errs[panics.ID])

	assert.Equal(t, domain.ExecutionStatusCompleted, e.latestStatus(t, ok.ID))
	assert.Equal(t, domain.ExecutionStatusFailed, e.latestStatus(t, broken.ID))
	assert.Equal(t, domain.ExecutionStatusFailed, e.latestStatus(t, panics.ID))

	held, err := e.store.Locks().Find(context.Background(), sixAM)
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestTick_SkipsGroupLockedElsewhere(t *testing.T) {
	e := newEnv(t)
	s := e.add(t, "acc-a", sixAM)
	other := e.add(t, "acc-b", sixAM.Add(-time.Minute))

	_, err := e.store.Locks().Insert(context.Background(), &domain.ExecutionLock{ExecutionAt: sixAM, Locked: true, Owner: "other-process"})
	require.NoError(t, err)

	report, err := e.scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Groups, 2)
	assert.Equal(t, sixAM.Add(-time.Minute), report.Groups[0].DueAt)
	assert.True(t, report.Groups[0].Acquired)
	assert.False(t, report.Groups[1].Acquired)

	exec, err := e.tracker.Latest(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Nil(t, exec, "no execution for a denied group")
	assert.Equal(t, domain.ExecutionStatusCompleted, e.latestStatus(t, other.ID))

	held, err := e.store.Locks().Find(context.Background(), sixAM)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "other-process", held.Owner)
}

type blockingRunner struct {
	entered chan struct{}
	release chan struct{}
	calls   int32
}

func (b *blockingRunner) Run(context.Context, *domain.Schedule) error {
	if atomic.AddInt32(&b.calls, 1) == 1 {
		close(b.entered)
	}
	<-b.release
	return nil
}

func TestTick_OverlappingTickIsSkipped(t *testing.T) {
	store := repository.NewMemoryStore()
	due := sixAM
	require.NoError(t, store.Schedules().Create(context.Background(), &domain.Schedule{
		OwnerID: "user-1", AccountID: "acc", Type: domain.ScheduleTypeRecurring, CronExpression: "@hourly",
		Enabled: true, BatchSize: 10, NextExecutionAt: &due,
	}))
	br := &blockingRunner{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewScheduler(store.Schedules(), lock.NewManager(store.Locks(), lock.WithLogger(zerolog.Nop())), br,
		Config{}, WithClock(func() time.Time { return sixAM }), WithLogger(zerolog.Nop()))

	first := make(chan TickReport)
	go func() {
		r, _ := s.Tick(context.Background())
		first <- r
	}()
	<-br.entered

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(br.release)
	r := <-first
	assert.False(t, r.Skipped)
	assert.Equal(t, int32(1), atomic.LoadInt32(&br.calls))
}

func TestGroupByDueAt(t *testing.T) {
	t1 := sixAM
	t2 := sixAM.Add(time.Hour)
	mk := func(id string, at *time.Time) *domain.Schedule { return &domain.Schedule{ID: id, NextExecutionAt: at} }

	groups := GroupByDueAt([]*domain.Schedule{
		mk("b", &t2), mk("a", &t1), mk("c", &t1), mk("none", nil),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, t1, groups[0].DueAt)
	assert.Equal(t, []string{"a", "c"}, groups[0].IDs())
	assert.Equal(t, []string{"b"}, groups[1].IDs())
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	e := newEnv(t)
	s := e.add(t, "acc-a", sixAM)

	e.scheduler.Start(context.Background())
	assert.Eventually(t, func() bool {
		exec, err := e.tracker.Latest(context.Background(), s.ID)
		return err == nil && exec != nil && exec.Status == domain.ExecutionStatusCompleted
	}, time.Second, 10*time.Millisecond)
	e.scheduler.Stop()
}

func TestRunGroup_SkipsSchedulesAdvancedByAnotherScheduler(t *testing.T) {
	e := newEnv(t)
	s := e.add(t, "acc-a", sixAM)
	ctx := context.Background()

	clock := func() time.Time { return e.now }
	otherRunner := runner.NewRunner(e.schedules, e.tracker, recurrence.NewCalculator(), accountFetcher{}, countProcessor{},
		runner.Config{MaxAttempts: 1, MaxEmails: 50}, runner.WithClock(clock), runner.WithLogger(zerolog.Nop()))
	other := NewScheduler(e.schedules, lock.NewManager(e.store.Locks(), lock.WithLogger(zerolog.Nop()), lock.WithClock(clock)),
		otherRunner, Config{Interval: time.Minute}, WithClock(clock), WithLogger(zerolog.Nop()))

	// the other process loads its due list before the first one finishes
	due, err := e.schedules.FindDue(ctx, sixAM)
	require.NoError(t, err)
	stale := GroupByDueAt(due)

	_, err = e.scheduler.Tick(ctx)
	require.NoError(t, err)

	require.Len(t, stale, 1)
	result := other.runGroup(ctx, stale[0])
	assert.True(t, result.Acquired, "the first scheduler released the instant")
	assert.Empty(t, result.Results)

	got, err := e.schedules.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalExecutions)
}

func TestRunGroup_SkipsDisabledSchedule(t *testing.T) {
	e := newEnv(t)
	keep := e.add(t, "acc-a", sixAM)
	off := e.add(t, "acc-b", sixAM)
	ctx := context.Background()

	due, err := e.schedules.FindDue(ctx, sixAM)
	require.NoError(t, err)
	groups := GroupByDueAt(due)

	off.Enabled = false
	require.NoError(t, e.schedules.Update(ctx, off))

	require.Len(t, groups, 1)
	result := e.scheduler.runGroup(ctx, groups[0])
	require.Len(t, result.Results, 1)
	assert.Equal(t, keep.ID, result.Results[0].ScheduleID)

	exec, err := e.tracker.Latest(ctx, off.ID)
	require.NoError(t, err)
	assert.Nil(t, exec)
}

func TestStop_IsIdempotent(t *testing.T) {
	e := newEnv(t)

	e.scheduler.Stop()
	e.scheduler.Start(context.Background())
	e.scheduler.Start(context.Background())
	assert.NotPanics(t, func() {
		e.scheduler.Stop()
		e.scheduler.Stop()
	})
}
