package service

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/efreitasn/backtester/internal/store"
)

// RetentionManager periodically evicts finished runs, and their sample
// records, once they are older than the retention window.
type RetentionManager struct {
	interval  time.Duration
	retention time.Duration
	runs      *store.RunStore
	samples   SampleStore
	logger    *slog.Logger
}

// NewRetentionManager creates a new RetentionManager with the given dependencies.
func NewRetentionManager(
	interval, retention time.Duration,
	runs *store.RunStore,
	samples SampleStore,
	logger *slog.Logger,
) *RetentionManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RetentionManager{
		interval:  interval,
		retention: retention,
		runs:      runs,
		samples:   samples,
		logger:    logger,
	}
}

// Start launches a background goroutine that ticks at the configured
// interval and evicts expired runs. It stops when ctx is cancelled.
func (m *RetentionManager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				m.tick(ctx, t)
			}
		}
	}()
}

// tick removes every run that finished before now minus the retention
// window, then drops its samples. Returns the number of runs removed.
func (m *RetentionManager) tick(ctx context.Context, now time.Time) int {
	removed := m.runs.DeleteFinishedBefore(now.Add(-m.retention))
	for _, id := range removed {
		if err := m.samples.Delete(ctx, id); err != nil {
			m.logger.Warn("failed to delete run samples", "run_id", id, "error", err)
		}
	}
	if len(removed) > 0 {
		m.logger.Info("evicted expired runs", "count", len(removed))
	}
	return len(removed)
}
