package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vireflow/vire/pkg/engine"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.Mutex
	budget    budget
	segs      map[engine.SegmentID][]byte
	next      engine.SegmentID
	allocs    int
	failAfter int
	history   []*InstallRecord
}

// NewMemoryStore creates a store holding at most capacity bytes; zero
// means unlimited.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		budget:    budget{capacity: capacity},
		segs:      make(map[engine.SegmentID][]byte),
		failAfter: -1,
	}
}

// FailAfter makes every allocation after the next n fail with
// engine.ErrOutOfSpace. A negative n disables injection.
func (s *MemoryStore) FailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
	s.allocs = 0
}

// Allocations returns the number of successful allocations.
func (s *MemoryStore) Allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocs
}

// Allocate implements engine.SegmentStore.
func (s *MemoryStore) Allocate(_ context.Context, size int) (engine.SegmentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && s.allocs >= s.failAfter {
		return 0, fmt.Errorf("allocation %d refused: %w", s.allocs+1, engine.ErrOutOfSpace)
	}
	if err := s.budget.reserve(size); err != nil {
		return 0, err
	}
	s.allocs++
	s.next++
	s.segs[s.next] = make([]byte, size)
	return s.next, nil
}

// Read implements engine.SegmentStore.
func (s *MemoryStore) Read(_ context.Context, id engine.SegmentID, offset, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.segs[id]
	if !ok {
		return nil, fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
	}
	if err := checkRange(len(b), offset, length); err != nil {
		return nil, fmt.Errorf("segment %d: %w", id, err)
	}
	out := make([]byte, length)
	copy(out, b[offset:])
	return out, nil
}

// Write implements engine.SegmentStore.
func (s *MemoryStore) Write(_ context.Context, id engine.SegmentID, offset int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.segs[id]
	if !ok {
		return fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
	}
	if err := checkRange(len(b), offset, len(data)); err != nil {
		return fmt.Errorf("segment %d: %w", id, err)
	}
	copy(b[offset:], data)
	return nil
}

// Flush implements engine.SegmentStore. Memory segments are always
// durable for the lifetime of the process.
func (s *MemoryStore) Flush(_ context.Context, id engine.SegmentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.segs[id]; !ok {
		return fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
	}
	return nil
}

// Free implements engine.SegmentStore.
func (s *MemoryStore) Free(_ context.Context, id engine.SegmentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.segs[id]
	if !ok {
		return fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
	}
	delete(s.segs, id)
	s.budget.release(len(b))
	return nil
}

// Usage implements Store.
func (s *MemoryStore) Usage() Usage {
	return s.budget.usage()
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.segs)
	s.budget.set(0, 0)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// RecordInstall implements InstallHistory.
func (s *MemoryStore) RecordInstall(_ context.Context, rec *InstallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.history = append(s.history, &cp)
	return nil
}

// GetInstall implements InstallHistory.
func (s *MemoryStore) GetInstall(_ context.Context, id string) (*InstallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.history {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("install %s: %w", id, ErrInstallNotFound)
}

// ListInstalls implements InstallHistory.
func (s *MemoryStore) ListInstalls(_ context.Context, limit int) ([]*InstallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InstallRecord, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		cp := *s.history[i]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
