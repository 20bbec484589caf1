package store

import (
	"sync"
	"time"

	"github.com/efreitasn/backtester/internal/domain"
)

// RunStore is a thread-safe in-memory store for backtest runs, with a
// primary index by run_id and an insertion-ordered list for listing.
// Callers receive copies; mutations go through Update.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]*domain.Run
	order []*domain.Run // creation order
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[string]*domain.Run),
		order: make([]*domain.Run, 0),
	}
}

// Create adds a run to the store.
func (s *RunStore) Create(r *domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *r
	s.runs[r.RunID] = &stored
	s.order = append(s.order, &stored)
}

// Get retrieves a copy of a run by ID. It returns
// domain.ErrRunNotFound if the run does not exist.
func (s *RunStore) Get(id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	return *r, nil
}

// Update applies fn to the stored run under the write lock and returns
// the updated copy.
func (s *RunStore) Update(id string, fn func(r *domain.Run)) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	fn(r)
	return *r, nil
}

// List returns runs newest first. If status is non-nil, only runs with
// that status are included. Pagination is 1-based. Returns the runs for
// the requested page and the total count of matching runs.
func (s *RunStore) List(status *domain.RunStatus, page, limit int) ([]domain.Run, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := make([]domain.Run, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		if status != nil && s.order[i].Status != *status {
			continue
		}
		filtered = append(filtered, *s.order[i])
	}

	total := len(filtered)

	start := (page - 1) * limit
	if start >= total {
		return []domain.Run{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return filtered[start:end], total
}

// DeleteFinishedBefore removes completed and failed runs whose
// CompletedAt is before cutoff and returns their IDs. Running runs are
// never removed.
func (s *RunStore) DeleteFinishedBefore(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	kept := s.order[:0]
	for _, r := range s.order {
		if r.Status != domain.RunStatusRunning && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(s.runs, r.RunID)
			removed = append(removed, r.RunID)
			continue
		}
		kept = append(kept, r)
	}
	clear(s.order[len(kept):])
	s.order = kept
	return removed
}

// Len returns the number of stored runs.
func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
