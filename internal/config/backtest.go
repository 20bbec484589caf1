package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/efreitasn/backtester/internal/marketdata"
	"github.com/efreitasn/backtester/internal/service"
)

// Backtest is a backtest definition read from a YAML file by the
// command-line runner. ${VAR} references are expanded from the
// environment before parsing.
//
//	instrument: LLY
//	slippage_model: fractional
//	slippage_rate: 0.001
//	cost_structure: fixed_per_share
//	borrow_rate: 0.03
//	strategy:
//	  type: range_bound
//	  params: {mean: 783, deviation: 5, max_position: 100}
//	source:
//	  type: polygon
//	  start_date: 2025-07-14
//	  end_date: 2025-07-18
//	  start_hour: 4     # optional, pre-market through after-hours
//	  end_hour: 20
//	  time_zone: America/New_York
type Backtest struct {
	Instrument    string           `yaml:"instrument"`
	SlippageModel string           `yaml:"slippage_model"`
	SlippageRate  float64          `yaml:"slippage_rate"`
	CostStructure string           `yaml:"cost_structure"`
	BorrowRate    float64          `yaml:"borrow_rate"`
	Strategy      BacktestStrategy `yaml:"strategy"`
	Source        BacktestSource   `yaml:"source"`
	CallbackURL   string           `yaml:"callback_url"`
}

type BacktestStrategy struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params"`
}

type BacktestSource struct {
	Type      string           `yaml:"type"`
	Path      string           `yaml:"path"`
	Dates     []string         `yaml:"dates"`
	StartDate string           `yaml:"start_date"`
	EndDate   string           `yaml:"end_date"`
	Samples   []BacktestSample `yaml:"samples"`
	StartHour *float64         `yaml:"start_hour"`
	EndHour   *float64         `yaml:"end_hour"`
	TimeZone  string           `yaml:"time_zone"`
}

type BacktestSample struct {
	Timestamp string  `yaml:"timestamp"`
	Bid       float64 `yaml:"bid"`
	Ask       float64 `yaml:"ask"`
	BidSize   int64   `yaml:"bid_size"`
	AskSize   int64   `yaml:"ask_size"`
}

// LoadBacktest reads and validates a backtest definition.
func LoadBacktest(filename string) (*Backtest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read backtest file: %w", err)
	}
	return ParseBacktest(data)
}

// ParseBacktest expands environment references in data, decodes it
// strictly and validates the result.
func ParseBacktest(data []byte) (*Backtest, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)

	var b Backtest
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to parse backtest file: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("backtest validation failed: %w", err)
	}
	return &b, nil
}

// Validate checks that the definition is complete. Model, strategy and
// sample values are checked by the service on submit.
func (b *Backtest) Validate() error {
	var errs []string
	if b.Instrument == "" {
		errs = append(errs, "instrument is required")
	}
	if b.Strategy.Type == "" {
		errs = append(errs, "strategy.type is required")
	}
	switch b.Source.Type {
	case service.SourceCSV:
		if b.Source.Path == "" {
			errs = append(errs, "source.path is required for csv")
		}
	case service.SourcePolygon:
		if len(b.Source.Dates) == 0 && (b.Source.StartDate == "" || b.Source.EndDate == "") {
			errs = append(errs, "source needs dates or start_date and end_date for polygon")
		}
		if (b.Source.StartHour == nil) != (b.Source.EndHour == nil) {
			errs = append(errs, "source.start_hour and source.end_hour must be set together")
		}
	case service.SourceInline, "":
		if len(b.Source.Samples) == 0 {
			errs = append(errs, "source.samples is required for inline")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown source.type %q", b.Source.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Request converts the definition into a synchronous service request.
func (b *Backtest) Request() (service.SubmitBacktestRequest, error) {
	samples := make([]service.SampleInput, len(b.Source.Samples))
	for i, s := range b.Source.Samples {
		ts, err := marketdata.ParseTimestamp(s.Timestamp)
		if err != nil {
			return service.SubmitBacktestRequest{}, fmt.Errorf("samples[%d]: %w", i, err)
		}
		samples[i] = service.SampleInput{
			Timestamp: ts,
			Bid:       s.Bid,
			Ask:       s.Ask,
			BidSize:   s.BidSize,
			AskSize:   s.AskSize,
		}
	}

	return service.SubmitBacktestRequest{
		Instrument:     b.Instrument,
		SlippageModel:  b.SlippageModel,
		SlippageRate:   b.SlippageRate,
		CostStructure:  b.CostStructure,
		BorrowRate:     b.BorrowRate,
		StrategyType:   b.Strategy.Type,
		StrategyParams: b.Strategy.Params,
		Source: service.SourceSpec{
			Type:      b.Source.Type,
			Samples:   samples,
			Dates:     b.Source.Dates,
			StartDate: b.Source.StartDate,
			EndDate:   b.Source.EndDate,
			Path:      b.Source.Path,
			StartHour: b.Source.StartHour,
			EndHour:   b.Source.EndHour,
			TimeZone:  b.Source.TimeZone,
		},
		CallbackURL: b.CallbackURL,
	}, nil
}
