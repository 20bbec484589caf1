// Package marketdata supplies the stream of quote samples a backtest
// replays: in-memory slices, CSV files, and the Polygon REST API.
package marketdata

import (
	"context"

	"github.com/efreitasn/backtester/internal/domain"
)

// Source yields market samples in non-decreasing timestamp order.
// Next returns ok=false with a nil error once the stream is exhausted.
type Source interface {
	Next(ctx context.Context) (sample domain.Sample, ok bool, err error)
}

// SliceSource replays a fixed list of samples.
type SliceSource struct {
	samples []domain.Sample
	pos     int
}

// NewSliceSource creates a SliceSource over samples. The slice is not
// copied; callers must not modify it during replay.
func NewSliceSource(samples []domain.Sample) *SliceSource {
	return &SliceSource{samples: samples}
}

// Next returns the next sample.
func (s *SliceSource) Next(ctx context.Context) (domain.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Sample{}, false, err
	}
	if s.pos >= len(s.samples) {
		return domain.Sample{}, false, nil
	}
	sample := s.samples[s.pos]
	s.pos++
	return sample, true, nil
}

// Len returns the total number of samples, consumed or not.
func (s *SliceSource) Len() int {
	return len(s.samples)
}
