package store

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

// MemoryStore keeps records for the life of the process. Records are
// stored encoded so callers never share maps with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records == nil {
		s.records = make(map[string][]byte)
	}
	return nil
}

func (s *MemoryStore) SaveTuning(_ context.Context, r TuningRecord) error {
	payload, err := EncodeTuning(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records == nil {
		return errors.New("store is not initialized")
	}
	s.records[r.ID] = payload
	return nil
}

func (s *MemoryStore) GetTuning(_ context.Context, id string) (TuningRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.records[id]
	if !ok {
		return TuningRecord{}, ErrNotFound
	}
	return DecodeTuning(payload)
}

func (s *MemoryStore) FindTuning(ctx context.Context, key string) (TuningRecord, error) {
	all, err := s.ListTunings(ctx)
	if err != nil {
		return TuningRecord{}, err
	}
	for _, r := range all {
		if r.Key == key {
			return r, nil
		}
	}
	return TuningRecord{}, ErrNotFound
}

func (s *MemoryStore) ListTunings(_ context.Context) ([]TuningRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TuningRecord, 0, len(s.records))
	for _, id := range slices.Sorted(maps.Keys(s.records)) {
		r, err := DecodeTuning(s.records[id])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b TuningRecord) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
	return out, nil
}

func (s *MemoryStore) DeleteTuning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
