// Package memstore is an in-memory status store for tests and development.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohans/jobstatus"
)

var (
	_ jobstatus.Store      = (*Store)(nil)
	_ jobstatus.HistoryLog = (*Store)(nil)
)

// Store keeps records and history in maps. Safe for concurrent access.
// Callers always receive copies.
type Store struct {
	mu sync.RWMutex

	records map[int64]*jobstatus.StatusRecord
	history map[int64][]*jobstatus.HistoryEntry

	nextID        int64
	nextHistoryID int64

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		records: make(map[int64]*jobstatus.StatusRecord),
		history: make(map[int64][]*jobstatus.HistoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func (m *Store) Create(_ context.Context, f jobstatus.Fields) (*jobstatus.StatusRecord, error) {
	status, err := jobstatus.ValidateCreate(f)
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/memory: create: %w", jobstatus.ErrPersistence, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.now()
	rec := &jobstatus.StatusRecord{
		ID:        m.nextID,
		Type:      *f.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.ApplyTo(rec)
	rec.Status = status
	m.records[rec.ID] = rec
	return rec.Clone(), nil
}

func (m *Store) Update(_ context.Context, id int64, f jobstatus.Fields) (*jobstatus.StatusRecord, error) {
	if err := jobstatus.ValidateUpdate(f); err != nil {
		return nil, fmt.Errorf("%w: jobstatus/memory: update: %w", jobstatus.ErrPersistence, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, jobstatus.ErrNotFound
	}
	if f.IsEmpty() {
		return rec.Clone(), nil
	}
	if rec.IsFailed() && f.Status != nil && *f.Status == jobstatus.StatusFinished {
		f = f.WithoutStatus()
	}
	f.ApplyTo(rec)
	now := m.now()
	// Keep updated_at strictly increasing for back-to-back writes.
	if !now.After(rec.UpdatedAt) {
		now = rec.UpdatedAt.Add(time.Nanosecond)
	}
	rec.UpdatedAt = now
	return rec.Clone(), nil
}

func (m *Store) Get(_ context.Context, id int64) (*jobstatus.StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, jobstatus.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Store) FindLatestByUniqueID(ctx context.Context, uniqueID string) (*jobstatus.StatusRecord, error) {
	all, err := m.FindAllByUniqueID(ctx, uniqueID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, jobstatus.ErrNotFound
	}
	return all[0], nil
}

func (m *Store) FindAllByUniqueID(_ context.Context, uniqueID string) ([]*jobstatus.StatusRecord, error) {
	out := m.filter(func(r *jobstatus.StatusRecord) bool {
		return r.UniqueID != nil && *r.UniqueID == uniqueID
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Store) IsRunning(_ context.Context, uniqueID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if r.UniqueID != nil && *r.UniqueID == uniqueID && r.IsExecuting() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Store) BatchJobs(_ context.Context, batchID string) ([]*jobstatus.StatusRecord, error) {
	out := m.filter(func(r *jobstatus.StatusRecord) bool {
		return r.BatchID != nil && *r.BatchID == batchID
	})
	sortByStep(out)
	return out, nil
}

func (m *Store) ChainJobs(_ context.Context, chainID string) ([]*jobstatus.StatusRecord, error) {
	out := m.filter(func(r *jobstatus.StatusRecord) bool {
		return r.ChainID != nil && *r.ChainID == chainID
	})
	sortByStep(out)
	return out, nil
}

func (m *Store) AppendHistory(_ context.Context, e *jobstatus.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[e.JobStatusID]; !ok {
		return fmt.Errorf("%w: jobstatus/memory: append history: %w", jobstatus.ErrPersistence, jobstatus.ErrNotFound)
	}
	m.nextHistoryID++
	e.ID = m.nextHistoryID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	cp := *e
	m.history[e.JobStatusID] = append(m.history[e.JobStatusID], &cp)
	return nil
}

func (m *Store) History(_ context.Context, jobStatusID int64) ([]*jobstatus.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[jobStatusID]
	out := make([]*jobstatus.HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		cp := *entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Store) filter(keep func(*jobstatus.StatusRecord) bool) []*jobstatus.StatusRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*jobstatus.StatusRecord
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// sortByStep orders by current step, records without a step last, then id.
func sortByStep(recs []*jobstatus.StatusRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].CurrentStep, recs[j].CurrentStep
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return recs[i].ID < recs[j].ID
	})
}
