package store

import (
	"context"
	"sync"

	"github.com/efreitasn/backtester/internal/domain"
)

// MemorySampleStore is a thread-safe in-memory store for per-sample
// reporting records, keyed by run. Records are append-only and kept in
// replay order.
type MemorySampleStore struct {
	mu      sync.RWMutex
	samples map[string][]domain.SampleRecord // run_id → records (replay order)
}

// NewMemorySampleStore creates an empty MemorySampleStore.
func NewMemorySampleStore() *MemorySampleStore {
	return &MemorySampleStore{
		samples: make(map[string][]domain.SampleRecord),
	}
}

// Record appends rec to its run's list.
func (s *MemorySampleStore) Record(_ context.Context, rec domain.SampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples[rec.RunID] = append(s.samples[rec.RunID], rec)
	return nil
}

// List returns a page of a run's records in replay order, and the total
// number of records for the run. Pagination is 1-based.
func (s *MemorySampleStore) List(_ context.Context, runID string, page, limit int) ([]domain.SampleRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.samples[runID]
	total := len(all)

	start := (page - 1) * limit
	if start >= total {
		return []domain.SampleRecord{}, total, nil
	}
	end := min(start+limit, total)

	out := make([]domain.SampleRecord, end-start)
	copy(out, all[start:end])
	return out, total, nil
}

// Delete drops every record of a run.
func (s *MemorySampleStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.samples, runID)
	return nil
}

// Close is a no-op.
func (s *MemorySampleStore) Close() error {
	return nil
}
