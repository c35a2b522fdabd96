package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailsched-backend/internal/schedule/domain"

	"github.com/google/uuid"
)

// MemoryStore keeps schedules, executions and locks in process memory.
// It backs tests and single-instance deployments with STORAGE_DRIVER=memory.
type MemoryStore struct {
	mu         sync.RWMutex
	schedules  map[string]domain.Schedule
	executions map[string]domain.Execution
	locks      map[time.Time]domain.ExecutionLock
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules:  make(map[string]domain.Schedule),
		executions: make(map[string]domain.Execution),
		locks:      make(map[time.Time]domain.ExecutionLock),
	}
}

// Schedules returns a ScheduleRepository backed by the store
func (m *MemoryStore) Schedules() ScheduleRepository { return &memoryScheduleRepository{m} }

// Executions returns an ExecutionRepository backed by the store
func (m *MemoryStore) Executions() ExecutionRepository { return &memoryExecutionRepository{m} }

// Locks returns a LockRepository backed by the store
func (m *MemoryStore) Locks() LockRepository { return &memoryLockRepository{m} }

type memoryScheduleRepository struct{ *MemoryStore }

func copySchedule(s domain.Schedule) *domain.Schedule {
	if s.SpecificDates != nil {
		s.SpecificDates = append(domain.TimeList(nil), s.SpecificDates...)
	}
	s.CategoryPriorities = copyPriorities(s.CategoryPriorities)
	s.SenderPriorities = copyPriorities(s.SenderPriorities)
	return &s
}

func copyPriorities(in domain.PriorityMap) domain.PriorityMap {
	if in == nil {
		return nil
	}
	out := make(domain.PriorityMap, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *memoryScheduleRepository) Create(ctx context.Context, schedule *domain.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	now := time.Now()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	r.schedules[schedule.ID] = *copySchedule(*schedule)
	return nil
}

func (r *memoryScheduleRepository) FindByID(ctx context.Context, id string) (*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, nil
	}
	return copySchedule(s), nil
}

func (r *memoryScheduleRepository) filter(keep func(*domain.Schedule) bool) []*domain.Schedule {
	var out []*domain.Schedule
	for _, s := range r.schedules {
		if keep(&s) {
			out = append(out, copySchedule(s))
		}
	}
	return out
}

func (r *memoryScheduleRepository) FindByOwner(ctx context.Context, ownerID string) ([]*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.filter(func(s *domain.Schedule) bool { return s.OwnerID == ownerID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryScheduleRepository) FindByOwnerAndAccount(ctx context.Context, ownerID, accountID string) ([]*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.filter(func(s *domain.Schedule) bool {
		return s.OwnerID == ownerID && s.AccountID == accountID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryScheduleRepository) FindDefault(ctx context.Context, ownerID, accountID string) (*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.schedules {
		if s.OwnerID == ownerID && s.AccountID == accountID && s.IsDefault {
			return copySchedule(s), nil
		}
	}
	return nil, nil
}

func (r *memoryScheduleRepository) FindDue(ctx context.Context, now time.Time) ([]*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.filter(func(s *domain.Schedule) bool {
		return s.Enabled && s.NextExecutionAt != nil && !s.NextExecutionAt.After(now)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextExecutionAt.Before(*out[j].NextExecutionAt)
	})
	return out, nil
}

func (r *memoryScheduleRepository) FindEnabledRecurring(ctx context.Context, ownerID string) ([]*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.filter(func(s *domain.Schedule) bool {
		return s.OwnerID == ownerID && s.Enabled && s.Type == domain.ScheduleTypeRecurring
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryScheduleRepository) Update(ctx context.Context, schedule *domain.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[schedule.ID]; !ok {
		return domain.ErrScheduleNotFound
	}
	schedule.UpdatedAt = time.Now()
	r.schedules[schedule.ID] = *copySchedule(*schedule)
	return nil
}

func (r *memoryScheduleRepository) RecordOutcome(ctx context.Context, id string, outcome ExecutionOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	executedAt := outcome.ExecutedAt
	s.LastExecutedAt = &executedAt
	s.TotalExecutions++
	if outcome.Succeeded {
		s.SuccessfulExecutions++
	} else {
		s.FailedExecutions++
	}
	if outcome.Advance {
		s.NextExecutionAt = nil
		if outcome.NextExecutionAt != nil {
			next := *outcome.NextExecutionAt
			s.NextExecutionAt = &next
		}
	}
	if outcome.Disable {
		s.Enabled = false
	}
	s.UpdatedAt = time.Now()
	r.schedules[id] = s
	return nil
}

func (r *memoryScheduleRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedules, id)
	return nil
}

type memoryExecutionRepository struct{ *MemoryStore }

func copyExecution(e domain.Execution) *domain.Execution {
	if e.ErrorDetails != nil {
		details := make(domain.JSONMap, len(e.ErrorDetails))
		for k, v := range e.ErrorDetails {
			details[k] = v
		}
		e.ErrorDetails = details
	}
	return &e
}

func (r *memoryExecutionRepository) Create(ctx context.Context, execution *domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if execution.Status == domain.ExecutionStatusRunning {
		for _, e := range r.executions {
			if e.ScheduleID == execution.ScheduleID && e.Status == domain.ExecutionStatusRunning {
				return domain.ErrExecutionInProgress
			}
		}
	}
	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}
	now := time.Now()
	execution.CreatedAt = now
	execution.UpdatedAt = now
	r.executions[execution.ID] = *copyExecution(*execution)
	return nil
}

func (r *memoryExecutionRepository) FindByID(ctx context.Context, id string) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[id]
	if !ok {
		return nil, nil
	}
	return copyExecution(e), nil
}

// latest returns the matching execution with the greatest key
func (r *memoryExecutionRepository) latest(match func(*domain.Execution) bool, key func(*domain.Execution) time.Time) *domain.Execution {
	var best *domain.Execution
	for _, e := range r.executions {
		if !match(&e) {
			continue
		}
		if best == nil || key(&e).After(key(best)) {
			best = copyExecution(e)
		}
	}
	return best
}

func startedAt(e *domain.Execution) time.Time { return e.StartedAt }

func (r *memoryExecutionRepository) FindLatest(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest(func(e *domain.Execution) bool { return e.ScheduleID == scheduleID }, startedAt), nil
}

func (r *memoryExecutionRepository) FindLatestCompleted(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest(func(e *domain.Execution) bool {
		return e.ScheduleID == scheduleID && e.Status == domain.ExecutionStatusCompleted && e.CompletedAt != nil
	}, func(e *domain.Execution) time.Time { return *e.CompletedAt }), nil
}

func (r *memoryExecutionRepository) FindRunning(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest(func(e *domain.Execution) bool {
		return e.ScheduleID == scheduleID && e.Status == domain.ExecutionStatusRunning
	}, startedAt), nil
}

func (r *memoryExecutionRepository) CountAttempts(ctx context.Context, scheduleID string, scheduledFor time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.executions {
		if e.ScheduleID == scheduleID && e.ScheduledFor != nil && e.ScheduledFor.Equal(scheduledFor) {
			count++
		}
	}
	return count, nil
}

func (r *memoryExecutionRepository) UpdateProgress(ctx context.Context, id string, progress domain.Progress) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok || e.Status != domain.ExecutionStatusRunning {
		return false, nil
	}
	e.TotalBatches = progress.TotalBatches
	e.CompletedBatches = progress.CompletedBatches
	e.TotalEmails = progress.TotalEmails
	e.ProcessedEmails = progress.ProcessedEmails
	e.FailedEmails = progress.FailedEmails
	e.UpdatedAt = time.Now()
	r.executions[id] = e
	return true, nil
}

func (r *memoryExecutionRepository) Finish(ctx context.Context, id string, final *domain.Execution) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok || e.Status != domain.ExecutionStatusRunning {
		return false, nil
	}
	e.Status = final.Status
	if final.CompletedAt != nil {
		completed := *final.CompletedAt
		e.CompletedAt = &completed
	}
	e.DurationMs = final.DurationMs
	e.TotalBatches = final.TotalBatches
	e.CompletedBatches = final.CompletedBatches
	e.TotalEmails = final.TotalEmails
	e.ProcessedEmails = final.ProcessedEmails
	e.FailedEmails = final.FailedEmails
	e.ErrorMessage = final.ErrorMessage
	e.ErrorDetails = final.ErrorDetails
	e.UpdatedAt = time.Now()
	r.executions[id] = *copyExecution(e)
	return true, nil
}

func (r *memoryExecutionRepository) CancelStale(ctx context.Context, startedBefore time.Time, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for id, e := range r.executions {
		if e.Status != domain.ExecutionStatusRunning || !e.StartedAt.Before(startedBefore) {
			continue
		}
		e.Status = domain.ExecutionStatusCancelled
		e.ErrorMessage = reason
		e.CompletedAt = &now
		e.UpdatedAt = now
		r.executions[id] = e
		n++
	}
	return n, nil
}

type memoryLockRepository struct{ *MemoryStore }

func copyLock(l domain.ExecutionLock) *domain.ExecutionLock {
	l.ScheduleIDs = append(domain.IDList(nil), l.ScheduleIDs...)
	if l.ExpiresAt != nil {
		exp := *l.ExpiresAt
		l.ExpiresAt = &exp
	}
	return &l
}

func (r *memoryLockRepository) Insert(ctx context.Context, lock *domain.ExecutionLock) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.LockKey(lock.ExecutionAt)
	if _, exists := r.locks[key]; exists {
		return false, nil
	}
	lock.ExecutionAt = key
	if lock.CreatedAt.IsZero() {
		lock.CreatedAt = time.Now()
	}
	r.locks[key] = *copyLock(*lock)
	return true, nil
}

func (r *memoryLockRepository) TakeOverExpired(ctx context.Context, lock *domain.ExecutionLock, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.LockKey(lock.ExecutionAt)
	current, exists := r.locks[key]
	if !exists || current.ExpiresAt == nil || !current.ExpiresAt.Before(now) {
		return false, nil
	}
	lock.ExecutionAt = key
	lock.Locked = true
	lock.CreatedAt = now
	r.locks[key] = *copyLock(*lock)
	return true, nil
}

func (r *memoryLockRepository) Renew(ctx context.Context, executionAt time.Time, owner string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.LockKey(executionAt)
	current, exists := r.locks[key]
	if !exists || current.Owner != owner {
		return false, nil
	}
	current.ExpiresAt = &expiresAt
	r.locks[key] = current
	return true, nil
}

func (r *memoryLockRepository) Delete(ctx context.Context, executionAt time.Time, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.LockKey(executionAt)
	if current, ok := r.locks[key]; ok && (owner == "" || current.Owner == owner) {
		delete(r.locks, key)
	}
	return nil
}

func (r *memoryLockRepository) Find(ctx context.Context, executionAt time.Time) (*domain.ExecutionLock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.locks[domain.LockKey(executionAt)]
	if !ok {
		return nil, nil
	}
	return copyLock(l), nil
}
