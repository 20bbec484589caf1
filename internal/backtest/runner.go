// Package backtest drives a strategy over a market data source through the
// fill simulator and reports the resulting PnL.
package backtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
	"github.com/efreitasn/backtester/internal/engine"
	"github.com/efreitasn/backtester/internal/marketdata"
	"github.com/efreitasn/backtester/internal/metrics"
	"github.com/efreitasn/backtester/internal/strategy"
)

// Runner replays one instrument. A Runner owns its simulator and must
// not be shared between goroutines.
type Runner struct {
	source    marketdata.Source
	strategy  strategy.Strategy
	simulator *engine.Simulator
	recorder  Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRunner creates a Runner. recorder, m and logger may be nil.
func NewRunner(
	source marketdata.Source,
	strat strategy.Strategy,
	sim *engine.Simulator,
	recorder Recorder,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Runner {
	if recorder == nil {
		recorder = Discard
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		source:    source,
		strategy:  strat,
		simulator: sim,
		recorder:  recorder,
		metrics:   m,
		logger:    logger,
	}
}

// Run pulls samples until the source is exhausted. For each sample the
// strategy sees the quote and current net position; a non-zero order is
// sent to the simulator, then the sample's PnL tuple is recorded.
// Cancellation is honored between samples only.
func (r *Runner) Run(ctx context.Context, runID, instrument string, borrowRate decimal.Decimal) (domain.RunSummary, error) {
	var (
		summary   domain.RunSummary
		lastQuote domain.Quote
		seq       int
	)

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		sample, ok, err := r.source.Next(ctx)
		if err != nil {
			return summary, fmt.Errorf("next sample: %w", err)
		}
		if !ok {
			break
		}

		seq++
		summary.Samples++
		if summary.FirstSampleAt == nil {
			ts := sample.Timestamp
			summary.FirstSampleAt = &ts
		}
		ts := sample.Timestamp
		summary.LastSampleAt = &ts
		lastQuote = sample.Quote
		r.metrics.Sample()

		order := r.strategy.Order(sample.Quote, r.simulator.NetPosition(instrument))
		if order.Quantity != 0 {
			r.execute(instrument, sample, order, borrowRate, &summary)
		}

		unrealized := r.simulator.UnrealizedPnL(instrument, sample.Quote)
		realized := r.simulator.RealizedPnL(instrument)
		rec := domain.SampleRecord{
			RunID:         runID,
			Seq:           seq,
			Timestamp:     sample.Timestamp,
			Quote:         sample.Quote,
			NetPosition:   r.simulator.NetPosition(instrument),
			RealizedPnL:   realized,
			UnrealizedPnL: unrealized,
			Equity:        realized.Add(unrealized),
		}
		if err := r.recorder.Record(ctx, rec); err != nil {
			return summary, fmt.Errorf("record sample %d: %w", seq, err)
		}
	}

	summary.RealizedPnL = r.simulator.RealizedPnL(instrument)
	summary.UnrealizedPnL = r.simulator.UnrealizedPnL(instrument, lastQuote)
	summary.Equity = summary.RealizedPnL.Add(summary.UnrealizedPnL)
	summary.Position, _ = r.simulator.Position(instrument)

	r.logger.Info("backtest replay finished",
		"run_id", runID,
		"instrument", instrument,
		"samples", summary.Samples,
		"fills", summary.Fills,
		"ignored_orders", summary.IgnoredOrders,
		"realized_pnl", summary.RealizedPnL.String(),
		"equity", summary.Equity.String(),
	)
	return summary, nil
}

func (r *Runner) execute(instrument string, sample domain.Sample, order strategy.Order, borrowRate decimal.Decimal, summary *domain.RunSummary) {
	fill, ok := r.simulator.FillOrder(engine.FillRequest{
		Instrument: instrument,
		Quote:      sample.Quote,
		Quantity:   order.Quantity,
		Side:       order.Side,
		Timestamp:  sample.Timestamp,
		BorrowRate: borrowRate,
	})
	if !ok {
		reason := metrics.ReasonZeroFill
		switch {
		case order.Quantity <= 0:
			reason = metrics.ReasonInvalidQuantity
		case !order.Side.Valid():
			reason = metrics.ReasonInvalidSide
		}
		summary.IgnoredOrders++
		r.metrics.Ignored(reason)
		r.logger.Debug("order ignored",
			"instrument", instrument,
			"side", string(order.Side),
			"quantity", order.Quantity,
			"reason", reason,
		)
		return
	}

	summary.Fills++
	r.metrics.Fill(string(fill.Side))
	r.logger.Debug("order filled",
		"instrument", instrument,
		"side", string(fill.Side),
		"quantity", fill.Quantity,
		"avg_price", fill.AvgPrice.String(),
		"cost", fill.Cost.String(),
		"realized", fill.Realized.String(),
	)
}
