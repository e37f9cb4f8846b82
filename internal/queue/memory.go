// Package queue - memory.go is the in-memory implementation of Store.
//
// It mirrors the Postgres semantics (conditional claim, dedup uniqueness,
// retry monotonicity) under a single mutex. Used by tests and by paper
// deployments that run without a database.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store entirely in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	signals    map[string]*Signal // dedup_key → row
	jobs       map[string]*Job
	dlq        []Job
	state      *AccountState
	metrics    map[string]*DailyMetrics // day|alias → row
	strategies map[string]*Strategy
	nextSigID  int64
}

// NewMemoryStore creates an empty store with no account policy configured.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:    make(map[string]*Signal),
		jobs:       make(map[string]*Job),
		metrics:    make(map[string]*DailyMetrics),
		strategies: make(map[string]*Strategy),
	}
}

// SetAccountState installs the singleton policy row (tests, paper boot).
func (ms *MemoryStore) SetAccountState(st *AccountState) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *st
	ms.state = &copied
}

// PutStrategy installs a strategy row.
func (ms *MemoryStore) PutStrategy(st *Strategy) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *st
	ms.strategies[st.Name] = &copied
}

// DLQ returns a copy of the dead-letter rows.
func (ms *MemoryStore) DLQ() []Job {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]Job, len(ms.dlq))
	copy(out, ms.dlq)
	return out
}

func (ms *MemoryStore) InsertSignal(_ context.Context, s *Signal) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, dup := ms.signals[s.DedupKey]; dup {
		return ErrDuplicate
	}
	ms.nextSigID++
	copied := *s
	copied.ID = ms.nextSigID
	copied.CreatedAt = time.Now().UTC()
	ms.signals[s.DedupKey] = &copied
	return nil
}

func (ms *MemoryStore) SignalExists(_ context.Context, dedupKey string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.signals[dedupKey]
	return ok, nil
}

func (ms *MemoryStore) InsertJob(_ context.Context, j *Job) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *j
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	if copied.Subaccount == "" {
		copied.Subaccount = "default"
	}
	copied.Status = StatusReady
	now := time.Now().UTC()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	ms.jobs[copied.ID] = &copied
	return copied.ID, nil
}

func (ms *MemoryStore) ClaimJob(_ context.Context, id string) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	j, ok := ms.jobs[id]
	if !ok || j.Status != StatusReady {
		return nil, ErrNotClaimable
	}
	j.Status = StatusProcessing
	j.UpdatedAt = time.Now().UTC()
	copied := *j
	return &copied, nil
}

func (ms *MemoryStore) CompleteJob(_ context.Context, id string, status JobStatus, reason string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.Reason = reason
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (ms *MemoryStore) DeferJob(_ context.Context, id string, nextAttempt time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusReady
	j.NextAttemptAt = &nextAttempt
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (ms *MemoryStore) RetryJob(_ context.Context, id string, retryCount int, lastError string, nextAttempt time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if retryCount <= j.RetryCount {
		return nil // retry_count never decreases
	}
	j.Status = StatusReady
	j.RetryCount = retryCount
	j.LastError = lastError
	j.NextAttemptAt = &nextAttempt
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (ms *MemoryStore) DeadLetterJob(_ context.Context, j *Job) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *j
	copied.Status = StatusFailed
	ms.dlq = append(ms.dlq, copied)
	return nil
}

func (ms *MemoryStore) LoadJob(_ context.Context, id string) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (ms *MemoryStore) ListReadyJobs(_ context.Context, limit int) ([]Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var ready []Job
	for _, j := range ms.jobs {
		if j.Status == StatusReady {
			ready = append(ready, *j)
		}
	}
	sort.Slice(ready, func(a, b int) bool { return ready[a].CreatedAt.Before(ready[b].CreatedAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (ms *MemoryStore) CountJobs(_ context.Context, status JobStatus) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	n := 0
	for _, j := range ms.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (ms *MemoryStore) LoadAccountState(_ context.Context) (*AccountState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.state == nil {
		return nil, ErrNotFound
	}
	copied := *ms.state
	return &copied, nil
}

func (ms *MemoryStore) UpdateAccountState(_ context.Context, u AccountStateUpdate) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.state == nil {
		return ErrNotFound
	}
	if u.TradingEnabled != nil {
		ms.state.TradingEnabled = *u.TradingEnabled
	}
	if u.DailyDDTriggered != nil {
		ms.state.DailyDDTriggered = *u.DailyDDTriggered
	}
	if u.DailyHighWatermark != nil {
		ms.state.DailyHighWatermark = u.DailyHighWatermark
	}
	if u.PauseReason != nil {
		ms.state.PauseReason = *u.PauseReason
	}
	return nil
}

func (ms *MemoryStore) GetOrCreateDailyMetrics(_ context.Context, day, alias string) (*DailyMetrics, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	key := day + "|" + alias
	m, ok := ms.metrics[key]
	if !ok {
		m = &DailyMetrics{Day: day, Alias: alias}
		ms.metrics[key] = m
	}
	copied := *m
	return &copied, nil
}

func (ms *MemoryStore) SetDailyEquity(_ context.Context, day, alias string, equity float64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	key := day + "|" + alias
	m, ok := ms.metrics[key]
	if !ok {
		return ErrNotFound
	}
	e := equity
	m.Equity = &e
	return nil
}

func (ms *MemoryStore) LoadStrategy(_ context.Context, name string) (*Strategy, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	st, ok := ms.strategies[name]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *st
	return &copied, nil
}

func (ms *MemoryStore) Ping(_ context.Context) error { return nil }
