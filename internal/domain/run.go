package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus represents the lifecycle state of a backtest run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunConfig captures the parameters a run was started with.
type RunConfig struct {
	Instrument     string
	SlippageModel  string
	SlippageRate   decimal.Decimal
	CostStructure  string
	BorrowRate     decimal.Decimal
	StrategyType   string
	StrategyParams map[string]float64
}

// RunSummary is the outcome of a completed replay.
type RunSummary struct {
	Samples       int
	Fills         int
	IgnoredOrders int
	FirstSampleAt *time.Time // nil when the source was empty
	LastSampleAt  *time.Time
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal // marked to the last quote
	Equity        decimal.Decimal
	Position      PositionSnapshot
}

// Run is a single backtest execution tracked by the service.
type Run struct {
	RunID       string
	Config      RunConfig
	Status      RunStatus
	Summary     *RunSummary // nil until completed
	Error       string
	CallbackURL string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// SampleRecord is the per-sample reporting tuple emitted by a replay.
type SampleRecord struct {
	RunID         string
	Seq           int
	Timestamp     time.Time
	Quote         Quote
	NetPosition   int64
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal
}
