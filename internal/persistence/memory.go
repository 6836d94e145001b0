package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfoundry/algoexec/errs"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Snapshot
	clock   func() time.Time
}

// NewMemoryStore creates a memory-backed snapshot store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.records = make(map[string]Snapshot)
	store.clock = time.Now
	return store
}

// Save upserts the snapshot, preserving the original creation time on
// updates.
func (s *MemoryStore) Save(ctx context.Context, snapshot Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	if existing, ok := s.records[snapshot.GroupID]; ok {
		snapshot.CreatedAt = existing.CreatedAt
	} else if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	snapshot.LastActiveAt = now
	s.records[snapshot.GroupID] = snapshot.Clone()
	return nil
}

// Get returns the snapshot for the group id.
func (s *MemoryStore) Get(ctx context.Context, groupID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[groupID]
	if !ok {
		return Snapshot{}, errs.New("persistence.Get", errs.CodeNotFound,
			errs.WithMessage("no snapshot for group "+groupID))
	}
	return record.Clone(), nil
}

// ListActive returns active snapshots ordered by group id.
func (s *MemoryStore) ListActive(ctx context.Context) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.records))
	for _, record := range s.records {
		if record.Active {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// Deactivate marks the record inactive.
func (s *MemoryStore) Deactivate(ctx context.Context, groupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[groupID]
	if !ok {
		return errs.New("persistence.Deactivate", errs.CodeNotFound,
			errs.WithMessage("no snapshot for group "+groupID))
	}
	record.Active = false
	record.LastActiveAt = s.clock().UTC()
	s.records[groupID] = record
	return nil
}

// Delete removes the record; deleting an absent record is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, groupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, groupID)
	return nil
}
