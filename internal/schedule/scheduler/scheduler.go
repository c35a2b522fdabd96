// Package scheduler polls for due schedules and runs them, one lock per due instant.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/repository"
	"mailsched-backend/pkg/logger"
	"mailsched-backend/pkg/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ScheduleRunner runs one due schedule
type ScheduleRunner interface {
	Run(ctx context.Context, schedule *domain.Schedule) error
}

// Locker claims a due instant across scheduler processes
type Locker interface {
	Acquire(ctx context.Context, at time.Time, scheduleIDs []string) (bool, error)
	Release(ctx context.Context, at time.Time)
	Hold(ctx context.Context, at time.Time) (stop func())
}

// StaleSweeper cancels executions stuck in RUNNING
type StaleSweeper interface {
	CancelStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Config holds the poller settings
type Config struct {
	Interval time.Duration
	// MaxParallel bounds concurrent runs within one group; 0 means unbounded
	MaxParallel int
	// StaleExecutionAfter enables the stale execution sweep when positive
	StaleExecutionAfter time.Duration
}

// RunResult is the outcome of one schedule within a group
type RunResult struct {
	ScheduleID string
	Err        error
}

// GroupResult is the outcome of one due instant
type GroupResult struct {
	DueAt       time.Time
	ScheduleIDs []string
	Acquired    bool
	Results     []RunResult
}

// TickReport summarizes one tick
type TickReport struct {
	Skipped bool
	Due     int
	Groups  []GroupResult
}

// Scheduler is the poller. Each tick finds due schedules, groups them by
// their exact due instant and runs every group it manages to lock.
type Scheduler struct {
	schedules repository.ScheduleRepository
	locker    Locker
	runner    ScheduleRunner
	sweeper   StaleSweeper
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger

	tickMu   sync.Mutex
	ticks    sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithSweeper enables the stale execution sweep
func WithSweeper(sw StaleSweeper) Option {
	return func(s *Scheduler) { s.sweeper = sw }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger overrides the logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// NewScheduler creates a poller
func NewScheduler(schedules repository.ScheduleRepository, locker Locker, runner ScheduleRunner, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	s := &Scheduler{
		schedules: schedules,
		locker:    locker,
		runner:    runner,
		cfg:       cfg,
		now:       time.Now,
		log:       logger.Component("scheduler"),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the polling loop. The first tick runs immediately. Calls
// after the first are ignored.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.log.Warn().Msg("schedule poller already started")
		return
	}
	s.log.Info().Dur("interval", s.cfg.Interval).Int("max_parallel", s.cfg.MaxParallel).Msg("starting schedule poller")

	go func() {
		defer close(s.done)
		s.spawnTick(ctx)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.spawnTick(ctx)
			case <-ctx.Done():
				s.ticks.Wait()
				s.log.Info().Msg("schedule poller stopped")
				return
			case <-s.stopChan:
				s.ticks.Wait()
				s.log.Info().Msg("schedule poller stopped")
				return
			}
		}
	}()
}

// Stop ends the polling loop and waits for in-flight ticks to finish. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
}

// spawnTick runs a tick in its own goroutine so a slow tick does not delay
// the ticker; overlapping ticks are skipped by Tick itself
func (s *Scheduler) spawnTick(ctx context.Context) {
	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error().Err(err).Msg("tick failed")
		}
	}()
}

// Tick performs one polling pass. If the previous pass is still running it
// returns immediately with Skipped set.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.tickMu.TryLock() {
		metrics.SkippedTicks.Inc()
		s.log.Warn().Msg("previous tick still running, skipping")
		return TickReport{Skipped: true}, nil
	}
	defer s.tickMu.Unlock()
	metrics.Ticks.Inc()

	if s.sweeper != nil && s.cfg.StaleExecutionAfter > 0 {
		if _, err := s.sweeper.CancelStale(ctx, s.cfg.StaleExecutionAfter); err != nil {
			s.log.Error().Err(err).Msg("stale execution sweep failed")
		}
	}

	now := s.now()
	due, err := s.schedules.FindDue(ctx, now)
	if err != nil {
		return TickReport{}, fmt.Errorf("failed to load due schedules: %w", err)
	}
	metrics.DueSchedules.Set(float64(len(due)))

	report := TickReport{Due: len(due)}
	if len(due) == 0 {
		return report, nil
	}
	s.log.Info().Int("due", len(due)).Msg("found due schedules")

	for _, group := range GroupByDueAt(due) {
		report.Groups = append(report.Groups, s.runGroup(ctx, group))
	}
	return report, nil
}

// Group is the set of schedules sharing one due instant
type Group struct {
	DueAt     time.Time
	Schedules []*domain.Schedule
}

// IDs returns the schedule ids of the group
func (g Group) IDs() []string {
	ids := make([]string, len(g.Schedules))
	for i, sc := range g.Schedules {
		ids[i] = sc.ID
	}
	return ids
}

// GroupByDueAt groups schedules by their exact next execution instant,
// earliest first. Schedules without one are ignored.
func GroupByDueAt(schedules []*domain.Schedule) []Group {
	index := make(map[time.Time]int)
	var groups []Group
	for _, sc := range schedules {
		if sc.NextExecutionAt == nil {
			continue
		}
		key := domain.LockKey(*sc.NextExecutionAt)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{DueAt: key})
		}
		groups[i].Schedules = append(groups[i].Schedules, sc)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].DueAt.Before(groups[j].DueAt) })
	return groups
}

func (s *Scheduler) runGroup(ctx context.Context, group Group) GroupResult {
	ids := group.IDs()
	result := GroupResult{DueAt: group.DueAt, ScheduleIDs: ids}
	log := s.log.With().Time("due_at", group.DueAt).Int("schedules", len(ids)).Logger()

	acquired, err := s.locker.Acquire(ctx, group.DueAt, ids)
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire execution lock, skipping group")
		return result
	}
	if !acquired {
		log.Debug().Msg("group is handled by another scheduler")
		return result
	}
	result.Acquired = true

	stopHold := s.locker.Hold(ctx, group.DueAt)
	defer func() {
		stopHold()
		s.locker.Release(context.WithoutCancel(ctx), group.DueAt)
	}()

	result.Results = s.runAll(ctx, s.stillDue(ctx, group, log))

	failed := 0
	for _, r := range result.Results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info().Int("failed", failed).Msg("group finished")
	return result
}

// stillDue re-reads the group's schedules once the lock is held and keeps
// those still enabled and due at the locked instant. Another process may have
// run and advanced them after this tick loaded its due list.
func (s *Scheduler) stillDue(ctx context.Context, group Group, log zerolog.Logger) []*domain.Schedule {
	due := make([]*domain.Schedule, 0, len(group.Schedules))
	for _, sc := range group.Schedules {
		current, err := s.schedules.FindByID(ctx, sc.ID)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", sc.ID).Msg("failed to reload schedule, skipping")
			continue
		}
		if current == nil || !current.Enabled || current.NextExecutionAt == nil ||
			!domain.LockKey(*current.NextExecutionAt).Equal(group.DueAt) {
			log.Debug().Str("schedule_id", sc.ID).Msg("schedule no longer due at this instant, skipping")
			continue
		}
		due = append(due, current)
	}
	return due
}

// runAll runs every schedule and waits for all of them. A failing member
// never stops its siblings: errors are collected per schedule and the
// errgroup itself always sees success.
func (s *Scheduler) runAll(ctx context.Context, schedules []*domain.Schedule) []RunResult {
	results := make([]RunResult, len(schedules))
	g := new(errgroup.Group)
	if s.cfg.MaxParallel > 0 {
		g.SetLimit(s.cfg.MaxParallel)
	}
	for i, sc := range schedules {
		i, sc := i, sc
		results[i].ScheduleID = sc.ID
		g.Go(func() error {
			results[i].Err = s.runOne(ctx, sc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) runOne(ctx context.Context, sc *domain.Schedule) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic running schedule: %v", rec)
			s.log.Error().Str("schedule_id", sc.ID).Str("stack", string(debug.Stack())).Msg("schedule run panicked")
		}
	}()

	err = s.runner.Run(ctx, sc)
	switch {
	case errors.Is(err, domain.ErrExecutionInProgress):
		s.log.Info().Str("schedule_id", sc.ID).Msg("execution already running, skipping")
	case err != nil:
		s.log.Warn().Err(err).Str("schedule_id", sc.ID).Msg("schedule execution failed")
	}
	return err
}
