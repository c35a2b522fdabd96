// Package lock provides exclusive claims on a due instant shared by every
// scheduler process through the execution lock table.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/repository"
	"mailsched-backend/pkg/logger"
	"mailsched-backend/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager acquires and releases execution locks.
//
// With a zero lease a lock never expires: a holder that dies before Release
// leaves the instant locked until an operator removes the row. With a
// positive lease the holder must keep renewing it (see Hold) and an expired
// lock may be taken over by another process.
type Manager struct {
	repo  repository.LockRepository
	owner string
	lease time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithLease enables lock expiry
func WithLease(d time.Duration) Option {
	return func(m *Manager) { m.lease = d }
}

// WithOwner sets the owner id written on acquired locks
func WithOwner(owner string) Option {
	return func(m *Manager) { m.owner = owner }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a lock manager with a random owner id
func NewManager(repo repository.LockRepository, opts ...Option) *Manager {
	m := &Manager{
		repo:  repo,
		owner: uuid.New().String(),
		now:   time.Now,
		log:   logger.Component("lock"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the id this manager writes on the locks it holds
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire claims the instant at for the given schedules. It returns false
// without error when another process already holds the claim; the caller
// must skip the group and leave it to the holder.
func (m *Manager) Acquire(ctx context.Context, at time.Time, scheduleIDs []string) (bool, error) {
	now := m.now()
	lock := &domain.ExecutionLock{
		ExecutionAt: domain.LockKey(at),
		ScheduleIDs: domain.IDList(scheduleIDs),
		Locked:      true,
		Owner:       m.owner,
		CreatedAt:   now,
	}
	if m.lease > 0 {
		expires := now.Add(m.lease)
		lock.ExpiresAt = &expires
	}

	acquired, err := m.repo.Insert(ctx, lock)
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues(metrics.LockError).Inc()
		return false, fmt.Errorf("failed to insert execution lock: %w", err)
	}
	if acquired {
		metrics.LockAcquisitions.WithLabelValues(metrics.LockAcquired).Inc()
		m.log.Debug().Time("due_at", lock.ExecutionAt).Strs("schedule_ids", scheduleIDs).Msg("lock acquired")
		return true, nil
	}

	if m.lease > 0 {
		took, err := m.repo.TakeOverExpired(ctx, lock, now)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues(metrics.LockError).Inc()
			return false, fmt.Errorf("failed to take over expired lock: %w", err)
		}
		if took {
			metrics.LockAcquisitions.WithLabelValues(metrics.LockTakenOver).Inc()
			m.log.Warn().Time("due_at", lock.ExecutionAt).Msg("took over expired lock")
			return true, nil
		}
	}

	metrics.LockAcquisitions.WithLabelValues(metrics.LockDenied).Inc()
	m.log.Debug().Time("due_at", lock.ExecutionAt).Msg("lock held elsewhere, skipping")
	return false, nil
}

// Release deletes the lock for at if this manager still owns it. A lock
// taken over after the lease lapsed stays with its new owner. Failures are
// logged and not retried.
func (m *Manager) Release(ctx context.Context, at time.Time) {
	if err := m.repo.Delete(ctx, at, m.owner); err != nil {
		m.log.Error().Err(err).Time("due_at", domain.LockKey(at)).
			Msg("failed to release execution lock; manual cleanup may be required")
	}
}

// Hold renews the lease on at every lease/3 until the returned stop function
// is called. Without a lease it does nothing.
func (m *Manager) Hold(ctx context.Context, at time.Time) (stop func()) {
	if m.lease <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.repo.Renew(ctx, at, m.owner, m.now().Add(m.lease))
				if err != nil {
					m.log.Error().Err(err).Time("due_at", domain.LockKey(at)).Msg("failed to renew lock lease")
				} else if !ok {
					m.log.Warn().Time("due_at", domain.LockKey(at)).Msg("lock lease lost")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
