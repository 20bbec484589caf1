package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/backtest"
	"github.com/efreitasn/backtester/internal/domain"
	"github.com/efreitasn/backtester/internal/engine"
	"github.com/efreitasn/backtester/internal/marketdata"
	"github.com/efreitasn/backtester/internal/metrics"
	"github.com/efreitasn/backtester/internal/store"
	"github.com/efreitasn/backtester/internal/strategy"
)

var instrumentRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,15}$`)

// Source types accepted in SubmitBacktestRequest.
const (
	SourceInline  = "inline"
	SourcePolygon = "polygon"
	SourceCSV     = "csv"
)

// MaxInlineSamples caps the number of samples a single request may carry.
const MaxInlineSamples = 1_000_000

// ValidRunStatuses lists all valid run status values for validation.
var ValidRunStatuses = map[domain.RunStatus]bool{
	domain.RunStatusRunning:   true,
	domain.RunStatusCompleted: true,
	domain.RunStatusFailed:    true,
}

// SampleStore persists per-sample reporting records.
type SampleStore interface {
	Record(ctx context.Context, rec domain.SampleRecord) error
	List(ctx context.Context, runID string, page, limit int) ([]domain.SampleRecord, int, error)
	Delete(ctx context.Context, runID string) error
}

// SampleInput is one market sample supplied inline with a request.
type SampleInput struct {
	Timestamp time.Time
	Bid       float64
	Ask       float64
	BidSize   int64
	AskSize   int64
	LastPrice float64
	LastSize  int64
}

// SourceSpec selects where market data comes from. Inline uses Samples;
// polygon loads Dates (or StartDate..EndDate) from the Polygon API; csv
// reads Path and is only available when file sources are enabled.
type SourceSpec struct {
	Type      string
	Samples   []SampleInput
	Dates     []string
	StartDate string
	EndDate   string
	Path      string

	// StartHour and EndHour bound each polygon day, in fractional hours
	// of TimeZone (default America/New_York). Both nil selects the
	// regular session.
	StartHour *float64
	EndHour   *float64
	TimeZone  string
}

// SubmitBacktestRequest represents the input for a backtest run.
type SubmitBacktestRequest struct {
	Instrument     string
	SlippageModel  string
	SlippageRate   float64
	CostStructure  string
	BorrowRate     float64
	StrategyType   string
	StrategyParams map[string]float64
	Source         SourceSpec
	CallbackURL    string
	Async          bool
}

// BacktestService validates, runs and tracks backtests.
type BacktestService struct {
	runs     *store.RunStore
	samples  SampleStore
	polygon  *marketdata.PolygonClient
	notifier *CallbackNotifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	fileSrc  bool
	wg       sync.WaitGroup
}

// NewBacktestService creates a new BacktestService with the given
// dependencies. polygon, notifier and m may be nil.
func NewBacktestService(
	runs *store.RunStore,
	samples SampleStore,
	polygon *marketdata.PolygonClient,
	notifier *CallbackNotifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *BacktestService {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BacktestService{
		runs:     runs,
		samples:  samples,
		polygon:  polygon,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// EnableFileSources allows csv sources that read from the local
// filesystem. Only the command-line runner turns this on.
func (s *BacktestService) EnableFileSources() {
	s.fileSrc = true
}

// prepared holds the engine pieces built from a validated request.
type prepared struct {
	config    domain.RunConfig
	slippage  engine.SlippageModel
	cost      engine.CostStructure
	strategy  strategy.Strategy
	source    marketdata.Source
	closeFunc func() error
}

// Submit validates the request, creates the run and replays it. A
// synchronous submission returns the finished run; an async one returns
// immediately with status running. A replay that fails after validation
// yields a run with status failed, not an error.
func (s *BacktestService) Submit(ctx context.Context, req SubmitBacktestRequest) (domain.Run, error) {
	p, err := s.prepare(req)
	if err != nil {
		return domain.Run{}, err
	}

	run := &domain.Run{
		RunID:       uuid.New().String(),
		Config:      p.config,
		Status:      domain.RunStatusRunning,
		CallbackURL: req.CallbackURL,
		CreatedAt:   time.Now().UTC(),
	}
	s.runs.Create(run)

	s.logger.Info("backtest submitted",
		"run_id", run.RunID,
		"instrument", p.config.Instrument,
		"source", req.Source.Type,
		"async", req.Async,
	)

	if req.Async {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(context.WithoutCancel(ctx), run.RunID, p)
		}()
		return *run, nil
	}
	return s.execute(ctx, run.RunID, p), nil
}

// Wait blocks until every async run has finished.
func (s *BacktestService) Wait() {
	s.wg.Wait()
}

func (s *BacktestService) execute(ctx context.Context, runID string, p *prepared) domain.Run {
	if p.closeFunc != nil {
		defer p.closeFunc()
	}

	start := time.Now()
	sim := engine.NewSimulator(p.slippage, p.cost)
	runner := backtest.NewRunner(p.source, p.strategy, sim, s.samples, s.metrics, s.logger)
	summary, runErr := runner.Run(ctx, runID, p.config.Instrument, p.config.BorrowRate)

	completedAt := time.Now().UTC()
	run, err := s.runs.Update(runID, func(r *domain.Run) {
		r.CompletedAt = &completedAt
		if runErr != nil {
			r.Status = domain.RunStatusFailed
			r.Error = runErr.Error()
			return
		}
		r.Status = domain.RunStatusCompleted
		r.Summary = &summary
	})
	if err != nil {
		// Evicted mid-run; nothing left to report.
		s.logger.Warn("run disappeared before completion", "run_id", runID)
		return domain.Run{}
	}

	s.metrics.RunFinished(string(run.Status), time.Since(start))
	if runErr != nil {
		s.logger.Error("backtest failed", "run_id", runID, "error", runErr)
	}
	s.notifier.NotifyFinished(run)
	return run
}

func (s *BacktestService) prepare(req SubmitBacktestRequest) (*prepared, error) {
	if !instrumentRegex.MatchString(req.Instrument) {
		return nil, &domain.ValidationError{
			Message: "instrument must match ^[A-Z][A-Z0-9.]{0,15}$",
		}
	}
	if req.SlippageRate < 0 {
		return nil, &domain.ValidationError{Message: "slippage_rate must be >= 0"}
	}
	if req.BorrowRate < 0 {
		return nil, &domain.ValidationError{Message: "borrow_rate must be >= 0"}
	}
	if err := validateCallbackURL(req.CallbackURL); err != nil {
		return nil, err
	}

	slipName := req.SlippageModel
	if slipName == "" {
		slipName = engine.SlippageIdeal
	}
	costName := req.CostStructure
	if costName == "" {
		costName = engine.CostZero
	}

	slippageRate := decimal.NewFromFloat(req.SlippageRate)
	slippage, err := engine.NewSlippageModel(slipName, slippageRate)
	if err != nil {
		return nil, err
	}
	cost, err := engine.NewCostStructure(costName)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.New(req.StrategyType, req.StrategyParams)
	if err != nil {
		return nil, err
	}

	p := &prepared{
		config: domain.RunConfig{
			Instrument:     req.Instrument,
			SlippageModel:  slipName,
			SlippageRate:   slippageRate,
			CostStructure:  costName,
			BorrowRate:     decimal.NewFromFloat(req.BorrowRate),
			StrategyType:   req.StrategyType,
			StrategyParams: req.StrategyParams,
		},
		slippage: slippage,
		cost:     cost,
		strategy: strat,
	}
	if err := s.prepareSource(req, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *BacktestService) prepareSource(req SubmitBacktestRequest, p *prepared) error {
	source := req.Source
	hasSession := source.StartHour != nil || source.EndHour != nil || source.TimeZone != ""
	if hasSession && source.Type != SourcePolygon {
		return &domain.ValidationError{Message: "start_hour, end_hour and time_zone apply to polygon sources only"}
	}

	switch source.Type {
	case SourceInline, "":
		samples, err := convertSamples(source.Samples)
		if err != nil {
			return err
		}
		p.source = marketdata.NewSliceSource(samples)
		return nil

	case SourcePolygon:
		if s.polygon == nil {
			return &domain.ValidationError{Message: "polygon source is not configured"}
		}
		dates := source.Dates
		if len(dates) == 0 {
			if source.StartDate == "" || source.EndDate == "" {
				return &domain.ValidationError{Message: "polygon source requires dates or start_date and end_date"}
			}
			var err error
			if dates, err = marketdata.DatesInRange(source.StartDate, source.EndDate); err != nil {
				return &domain.ValidationError{Message: err.Error()}
			}
		}
		for _, d := range dates {
			if _, err := time.Parse(marketdata.DateLayout, d); err != nil {
				return &domain.ValidationError{Message: fmt.Sprintf("invalid date %q, want YYYY-MM-DD", d)}
			}
		}
		session, err := sessionFunc(source)
		if err != nil {
			return err
		}
		p.source = marketdata.NewPolygonSource(s.polygon, req.Instrument, dates, session)
		return nil

	case SourceCSV:
		if !s.fileSrc {
			return &domain.ValidationError{Message: "csv source is not available"}
		}
		if source.Path == "" {
			return &domain.ValidationError{Message: "csv source requires path"}
		}
		f, err := os.Open(source.Path)
		if err != nil {
			return &domain.ValidationError{Message: fmt.Sprintf("open csv: %v", err)}
		}
		src, err := marketdata.NewCSVFileSource(f)
		if err != nil {
			return &domain.ValidationError{Message: err.Error()}
		}
		p.source = src
		p.closeFunc = src.Close
		return nil
	}
	return fmt.Errorf("%w: %q", domain.ErrUnknownSource, source.Type)
}

// sessionFunc builds the daily window for a polygon source. It returns nil
// for the regular session.
func sessionFunc(source SourceSpec) (marketdata.SessionFunc, error) {
	if source.StartHour == nil && source.EndHour == nil {
		if source.TimeZone != "" {
			return nil, &domain.ValidationError{Message: "time_zone requires start_hour and end_hour"}
		}
		return nil, nil
	}
	if source.StartHour == nil || source.EndHour == nil {
		return nil, &domain.ValidationError{Message: "start_hour and end_hour must be set together"}
	}

	startHour, endHour := *source.StartHour, *source.EndHour
	if startHour < 0 || endHour > 24 || startHour >= endHour {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("session hours must satisfy 0 <= start_hour < end_hour <= 24, got %g-%g", startHour, endHour),
		}
	}

	tz := source.TimeZone
	if tz == "" {
		tz = marketdata.ExchangeTimeZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("unknown time_zone %q", tz)}
	}

	return func(date string) (time.Time, time.Time, error) {
		return marketdata.SessionRange(date, startHour, endHour, loc)
	}, nil
}

// convertSamples validates inline samples and converts them to the
// decimal domain representation.
func convertSamples(in []SampleInput) ([]domain.Sample, error) {
	if len(in) == 0 {
		return nil, &domain.ValidationError{Message: "samples must be a non-empty array"}
	}
	if len(in) > MaxInlineSamples {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("samples must contain at most %d entries", MaxInlineSamples),
		}
	}

	out := make([]domain.Sample, len(in))
	for i, s := range in {
		if s.Timestamp.IsZero() {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("samples[%d].timestamp is required", i)}
		}
		if i > 0 && s.Timestamp.Before(in[i-1].Timestamp) {
			return nil, &domain.ValidationError{
				Message: fmt.Sprintf("samples[%d].timestamp must not be before the previous sample", i),
			}
		}
		if s.Bid <= 0 || s.Ask <= 0 {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("samples[%d] bid and ask must be > 0", i)}
		}
		if s.BidSize < 0 || s.AskSize < 0 || s.LastSize < 0 {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("samples[%d] sizes must be >= 0", i)}
		}
		out[i] = domain.Sample{
			Timestamp: s.Timestamp.UTC(),
			Quote: domain.Quote{
				Bid:     decimal.NewFromFloat(s.Bid),
				Ask:     decimal.NewFromFloat(s.Ask),
				BidSize: s.BidSize,
				AskSize: s.AskSize,
			},
			LastTrade: domain.TradePrint{
				Price: decimal.NewFromFloat(s.LastPrice),
				Size:  s.LastSize,
			},
		}
	}
	return out, nil
}

// Get returns a run by ID.
func (s *BacktestService) Get(runID string) (domain.Run, error) {
	return s.runs.Get(runID)
}

// List returns runs newest first, optionally filtered by status.
func (s *BacktestService) List(status *domain.RunStatus, page, limit int) ([]domain.Run, int, error) {
	if status != nil && !ValidRunStatuses[*status] {
		return nil, 0, &domain.ValidationError{
			Message: fmt.Sprintf("Invalid status filter: '%s'. Must be one of: running, completed, failed", *status),
		}
	}
	if err := validatePage(page, limit); err != nil {
		return nil, 0, err
	}

	runs, total := s.runs.List(status, page, limit)
	return runs, total, nil
}

// ListSamples returns a page of a run's per-sample records.
func (s *BacktestService) ListSamples(ctx context.Context, runID string, page, limit int) ([]domain.SampleRecord, int, error) {
	if _, err := s.runs.Get(runID); err != nil {
		return nil, 0, err
	}
	if err := validatePage(page, limit); err != nil {
		return nil, 0, err
	}
	return s.samples.List(ctx, runID, page, limit)
}

func validatePage(page, limit int) error {
	if page < 1 {
		return &domain.ValidationError{Message: "page must be >= 1"}
	}
	if limit < 1 || limit > 1000 {
		return &domain.ValidationError{Message: "limit must be between 1 and 1000"}
	}
	return nil
}
