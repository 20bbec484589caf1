package backtest

import (
	"context"

	"github.com/efreitasn/backtester/internal/domain"
)

// Recorder receives one reporting tuple per replayed sample.
type Recorder interface {
	Record(ctx context.Context, rec domain.SampleRecord) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, rec domain.SampleRecord) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, rec domain.SampleRecord) error {
	return f(ctx, rec)
}

// Discard is a Recorder that drops every record.
var Discard Recorder = RecorderFunc(func(context.Context, domain.SampleRecord) error { return nil })
