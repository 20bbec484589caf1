package backtest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
	"github.com/efreitasn/backtester/internal/engine"
	"github.com/efreitasn/backtester/internal/marketdata"
	"github.com/efreitasn/backtester/internal/metrics"
	"github.com/efreitasn/backtester/internal/strategy"
)

var t0 = time.Date(2025, 7, 14, 13, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sample(sec int, bid, ask string) domain.Sample {
	return domain.Sample{
		Timestamp: t0.Add(time.Duration(sec) * time.Second),
		Quote:     domain.Quote{Bid: d(bid), Ask: d(ask)},
	}
}

type captureRecorder struct {
	records []domain.SampleRecord
}

func (c *captureRecorder) Record(_ context.Context, rec domain.SampleRecord) error {
	c.records = append(c.records, rec)
	return nil
}

func rangeBound() strategy.Strategy {
	return &strategy.RangeBound{Mean: d("100"), Deviation: d("1"), MaxPosition: 10}
}

func TestRunner_RangeBoundRoundTrip(t *testing.T) {
	src := marketdata.NewSliceSource([]domain.Sample{
		sample(0, "100", "100.2"), // inside band
		sample(1, "98", "98.2"),   // below: buy 10 @ 98.2
		sample(2, "99", "99.2"),   // inside
		sample(3, "102", "102.2"), // above: sell 20 @ 102
		sample(4, "101.5", "101.6"),
	})
	rec := &captureRecorder{}
	r := NewRunner(src, rangeBound(), engine.NewSimulator(nil, nil), rec, nil, nil)

	summary, err := r.Run(context.Background(), "run-1", "LLY", decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Samples != 5 || summary.Fills != 2 || summary.IgnoredOrders != 0 {
		t.Errorf("samples/fills/ignored = %d/%d/%d, want 5/2/0",
			summary.Samples, summary.Fills, summary.IgnoredOrders)
	}
	if summary.FirstSampleAt == nil || summary.LastSampleAt == nil {
		t.Fatal("expected first and last sample times")
	}
	if !summary.FirstSampleAt.Equal(t0) {
		t.Errorf("first sample at %s, want %s", summary.FirstSampleAt, t0)
	}
	if want := t0.Add(4 * time.Second); !summary.LastSampleAt.Equal(want) {
		t.Errorf("last sample at %s, want %s", summary.LastSampleAt, want)
	}

	// (102 - 98.2) × 10
	if !summary.RealizedPnL.Equal(d("38")) {
		t.Errorf("realized = %s, want 38", summary.RealizedPnL)
	}
	// short 10 @ 102 marked at ask 101.6
	if !summary.UnrealizedPnL.Equal(d("4")) {
		t.Errorf("unrealized = %s, want 4", summary.UnrealizedPnL)
	}
	if !summary.Equity.Equal(d("42")) {
		t.Errorf("equity = %s, want 42", summary.Equity)
	}
	if summary.Position.NetQuantity != -10 {
		t.Errorf("net quantity = %d, want -10", summary.Position.NetQuantity)
	}

	if len(rec.records) != 5 {
		t.Fatalf("recorded %d samples, want 5", len(rec.records))
	}
	for i, got := range rec.records {
		if got.RunID != "run-1" || got.Seq != i+1 {
			t.Errorf("record %d = %s/%d, want run-1/%d", i, got.RunID, got.Seq, i+1)
		}
	}
	for i, want := range []int64{0, 10, 10, -10, -10} {
		if got := rec.records[i].NetPosition; got != want {
			t.Errorf("record %d net position = %d, want %d", i, got, want)
		}
	}
	// long 10 @ 98.2 marked at bid 99
	if !rec.records[2].UnrealizedPnL.Equal(d("8")) {
		t.Errorf("record 2 unrealized = %s, want 8", rec.records[2].UnrealizedPnL)
	}
	if !rec.records[4].Equity.Equal(summary.Equity) {
		t.Errorf("last record equity = %s, summary equity = %s", rec.records[4].Equity, summary.Equity)
	}
}

func TestRunner_EmptySource(t *testing.T) {
	r := NewRunner(marketdata.NewSliceSource(nil), rangeBound(), engine.NewSimulator(nil, nil), nil, nil, nil)

	summary, err := r.Run(context.Background(), "run-1", "LLY", decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Samples != 0 {
		t.Errorf("samples = %d, want 0", summary.Samples)
	}
	if summary.FirstSampleAt != nil {
		t.Errorf("first sample at = %v, want nil", summary.FirstSampleAt)
	}
	if !summary.Equity.IsZero() {
		t.Errorf("equity = %s, want 0", summary.Equity)
	}
	if summary.Position.Instrument != "LLY" {
		t.Errorf("instrument = %q, want LLY", summary.Position.Instrument)
	}
}

func TestRunner_CountsIgnoredOrders(t *testing.T) {
	tests := []struct {
		name   string
		order  strategy.Order
		reason string
	}{
		{"negative quantity", strategy.Order{Quantity: -1, Side: domain.SideBuy}, metrics.ReasonInvalidQuantity},
		{"empty side", strategy.Order{Quantity: 5}, metrics.ReasonInvalidSide},
		{"unknown side", strategy.Order{Quantity: 5, Side: "short"}, metrics.ReasonInvalidSide},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := strategy.Func(func(domain.Quote, int64) strategy.Order { return tt.order })
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			src := marketdata.NewSliceSource([]domain.Sample{sample(0, "1", "2"), sample(1, "1", "2")})
			r := NewRunner(src, bad, engine.NewSimulator(nil, nil), nil, m, nil)

			summary, err := r.Run(context.Background(), "run-1", "LLY", decimal.Zero)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if summary.IgnoredOrders != 2 {
				t.Errorf("ignored = %d, want 2", summary.IgnoredOrders)
			}
			if summary.Fills != 0 {
				t.Errorf("fills = %d, want 0", summary.Fills)
			}
			if summary.Position.NetQuantity != 0 {
				t.Errorf("net quantity = %d, want 0", summary.Position.NetQuantity)
			}

			want := `
# HELP backtest_ignored_orders_total Strategy orders the simulator treated as no-ops
# TYPE backtest_ignored_orders_total counter
backtest_ignored_orders_total{reason="` + tt.reason + `"} 2
`
			if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "backtest_ignored_orders_total"); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestRunner_ZeroFillIsIgnored(t *testing.T) {
	always := strategy.Func(func(domain.Quote, int64) strategy.Order {
		return strategy.Order{Quantity: 5, Side: domain.SideBuy}
	})
	none := engine.SlippageFunc(func(q domain.Quote, qty int64, side domain.Side) (decimal.Decimal, int64) {
		return q.Ask, 0
	})

	src := marketdata.NewSliceSource([]domain.Sample{sample(0, "1", "2")})
	r := NewRunner(src, always, engine.NewSimulator(none, nil), nil, nil, nil)

	summary, err := r.Run(context.Background(), "run-1", "LLY", decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.IgnoredOrders != 1 {
		t.Errorf("ignored = %d, want 1", summary.IgnoredOrders)
	}
}

func TestRunner_BorrowRateAppliesToShorts(t *testing.T) {
	seq := []strategy.Order{
		{Quantity: 100, Side: domain.SideSell},
		{Quantity: 100, Side: domain.SideBuy},
	}
	i := 0
	scripted := strategy.Func(func(domain.Quote, int64) strategy.Order {
		o := seq[i]
		i++
		return o
	})

	src := marketdata.NewSliceSource([]domain.Sample{
		{Timestamp: t0, Quote: domain.Quote{Bid: d("100"), Ask: d("100")}},
		{Timestamp: t0.Add(10 * 24 * time.Hour), Quote: domain.Quote{Bid: d("100"), Ask: d("100")}},
	})
	r := NewRunner(src, scripted, engine.NewSimulator(nil, nil), nil, nil, nil)

	summary, err := r.Run(context.Background(), "run-1", "LLY", d("0.365"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !summary.RealizedPnL.Equal(d("-100")) {
		t.Errorf("realized = %s, want -100", summary.RealizedPnL)
	}
}

func TestRunner_RecorderError(t *testing.T) {
	boom := errors.New("disk full")
	rec := RecorderFunc(func(context.Context, domain.SampleRecord) error { return boom })

	src := marketdata.NewSliceSource([]domain.Sample{sample(0, "100", "100.2")})
	r := NewRunner(src, rangeBound(), engine.NewSimulator(nil, nil), rec, nil, nil)

	if _, err := r.Run(context.Background(), "run-1", "LLY", decimal.Zero); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := marketdata.NewSliceSource([]domain.Sample{sample(0, "100", "100.2")})
	r := NewRunner(src, rangeBound(), engine.NewSimulator(nil, nil), nil, nil, nil)

	summary, err := r.Run(ctx, "run-1", "LLY", decimal.Zero)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if summary.Samples != 0 {
		t.Errorf("samples = %d, want 0", summary.Samples)
	}
}

func TestRunner_SourceError(t *testing.T) {
	src := sourceFunc(func(context.Context) (domain.Sample, bool, error) {
		return domain.Sample{}, false, errors.New("feed down")
	})
	r := NewRunner(src, rangeBound(), engine.NewSimulator(nil, nil), nil, nil, nil)

	_, err := r.Run(context.Background(), "run-1", "LLY", decimal.Zero)
	if err == nil || !strings.Contains(err.Error(), "feed down") {
		t.Errorf("err = %v, want it to mention the feed", err)
	}
}

type sourceFunc func(ctx context.Context) (domain.Sample, bool, error)

func (f sourceFunc) Next(ctx context.Context) (domain.Sample, bool, error) {
	return f(ctx)
}
