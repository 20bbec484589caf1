package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/backtester/internal/domain"
	"github.com/efreitasn/backtester/internal/marketdata"
	"github.com/efreitasn/backtester/internal/service"
)

// Run bookkeeping times are second precision; market times keep their
// nanoseconds.
const (
	timeFormat       = "2006-01-02T15:04:05Z"
	sampleTimeFormat = time.RFC3339Nano
)

// BacktestHandler handles HTTP requests for backtest endpoints.
type BacktestHandler struct {
	backtestSvc *service.BacktestService
}

// NewBacktestHandler creates a new BacktestHandler.
func NewBacktestHandler(backtestSvc *service.BacktestService) *BacktestHandler {
	return &BacktestHandler{backtestSvc: backtestSvc}
}

// submitBacktestRequest is the JSON request body for POST /backtests.
type submitBacktestRequest struct {
	Instrument    string          `json:"instrument"`
	SlippageModel string          `json:"slippage_model"`
	SlippageRate  float64         `json:"slippage_rate"`
	CostStructure string          `json:"cost_structure"`
	BorrowRate    float64         `json:"borrow_rate"`
	Strategy      strategyRequest `json:"strategy"`
	Source        sourceRequest   `json:"source"`
	CallbackURL   string          `json:"callback_url"`
	Async         bool            `json:"async"`
}

type strategyRequest struct {
	Type   string             `json:"type"`
	Params map[string]float64 `json:"params"`
}

type sourceRequest struct {
	Type      string          `json:"type"`
	Samples   []sampleRequest `json:"samples"`
	Dates     []string        `json:"dates"`
	StartDate string          `json:"start_date"`
	EndDate   string          `json:"end_date"`
	StartHour *float64        `json:"start_hour"`
	EndHour   *float64        `json:"end_hour"`
	TimeZone  string          `json:"time_zone"`
}

// sampleRequest is one inline sample. Timestamps are RFC 3339 or unix
// nanoseconds.
type sampleRequest struct {
	Timestamp string  `json:"timestamp"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidSize   int64   `json:"bid_size"`
	AskSize   int64   `json:"ask_size"`
	LastPrice float64 `json:"last_price"`
	LastSize  int64   `json:"last_size"`
}

// runResponse is the JSON response for a single run. summary is null
// until the run completes; error is null unless it failed.
type runResponse struct {
	RunID       string            `json:"run_id"`
	Status      string            `json:"status"`
	Config      runConfigResponse `json:"config"`
	Summary     *summaryResponse  `json:"summary"`
	Error       *string           `json:"error"`
	CreatedAt   string            `json:"created_at"`
	CompletedAt *string           `json:"completed_at"`
}

type runConfigResponse struct {
	Instrument     string             `json:"instrument"`
	SlippageModel  string             `json:"slippage_model"`
	SlippageRate   money              `json:"slippage_rate"`
	CostStructure  string             `json:"cost_structure"`
	BorrowRate     money              `json:"borrow_rate"`
	StrategyType   string             `json:"strategy_type"`
	StrategyParams map[string]float64 `json:"strategy_params"`
}

type summaryResponse struct {
	Samples       int              `json:"samples"`
	Fills         int              `json:"fills"`
	IgnoredOrders int              `json:"ignored_orders"`
	FirstSampleAt *string          `json:"first_sample_at"`
	LastSampleAt  *string          `json:"last_sample_at"`
	RealizedPnL   money            `json:"realized_pnl"`
	UnrealizedPnL money            `json:"unrealized_pnl"`
	Equity        money            `json:"equity"`
	Position      positionResponse `json:"position"`
}

type positionResponse struct {
	NetQuantity int64         `json:"net_quantity"`
	LongLots    []lotResponse `json:"long_lots"`
	ShortLots   []lotResponse `json:"short_lots"`
}

type lotResponse struct {
	Quantity   int64  `json:"quantity"`
	EntryTime  string `json:"entry_time"`
	EntryPrice money  `json:"entry_price"`
	BorrowRate *money `json:"borrow_rate,omitempty"`
}

// runListResponse is the JSON response for GET /backtests.
type runListResponse struct {
	Runs []runResponse `json:"runs"`
	pageInfo
}

type sampleRecordResponse struct {
	Seq           int    `json:"seq"`
	Timestamp     string `json:"timestamp"`
	Bid           money  `json:"bid"`
	Ask           money  `json:"ask"`
	NetPosition   int64  `json:"net_position"`
	RealizedPnL   money  `json:"realized_pnl"`
	UnrealizedPnL money  `json:"unrealized_pnl"`
	Equity        money  `json:"equity"`
}

// sampleListResponse is the JSON response for GET /backtests/{run_id}/samples.
type sampleListResponse struct {
	Samples []sampleRecordResponse `json:"samples"`
	pageInfo
}

// Submit handles POST /backtests. A synchronous run answers 201 with the
// finished run; an async one answers 202 with status running.
func (h *BacktestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitBacktestRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	samples := make([]service.SampleInput, len(req.Source.Samples))
	for i, s := range req.Source.Samples {
		ts, err := marketdata.ParseTimestamp(s.Timestamp)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error",
				fmt.Sprintf("samples[%d].timestamp must be RFC 3339 or unix nanoseconds", i))
			return
		}
		samples[i] = service.SampleInput{
			Timestamp: ts,
			Bid:       s.Bid,
			Ask:       s.Ask,
			BidSize:   s.BidSize,
			AskSize:   s.AskSize,
			LastPrice: s.LastPrice,
			LastSize:  s.LastSize,
		}
	}

	run, err := h.backtestSvc.Submit(r.Context(), service.SubmitBacktestRequest{
		Instrument:     req.Instrument,
		SlippageModel:  req.SlippageModel,
		SlippageRate:   req.SlippageRate,
		CostStructure:  req.CostStructure,
		BorrowRate:     req.BorrowRate,
		StrategyType:   req.Strategy.Type,
		StrategyParams: req.Strategy.Params,
		Source: service.SourceSpec{
			Type:      req.Source.Type,
			Samples:   samples,
			Dates:     req.Source.Dates,
			StartDate: req.Source.StartDate,
			EndDate:   req.Source.EndDate,
			StartHour: req.Source.StartHour,
			EndHour:   req.Source.EndHour,
			TimeZone:  req.Source.TimeZone,
		},
		CallbackURL: req.CallbackURL,
		Async:       req.Async,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if req.Async {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, buildRunResponse(run))
}

// Get handles GET /backtests/{run_id}.
func (h *BacktestHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.backtestSvc.Get(chi.URLParam(r, "run_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildRunResponse(run))
}

// List handles GET /backtests.
func (h *BacktestHandler) List(w http.ResponseWriter, r *http.Request) {
	var statusFilter *domain.RunStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.RunStatus(s)
		statusFilter = &status
	}

	page, ok := parsePagination(w, r)
	if !ok {
		return
	}

	runs, total, err := h.backtestSvc.List(statusFilter, page.Page, page.Limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]runResponse, len(runs))
	for i, run := range runs {
		resp[i] = buildRunResponse(run)
	}
	page.Total = total
	WriteJSON(w, http.StatusOK, runListResponse{Runs: resp, pageInfo: page})
}

// ListSamples handles GET /backtests/{run_id}/samples.
func (h *BacktestHandler) ListSamples(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePagination(w, r)
	if !ok {
		return
	}

	recs, total, err := h.backtestSvc.ListSamples(r.Context(), chi.URLParam(r, "run_id"), page.Page, page.Limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]sampleRecordResponse, len(recs))
	for i, rec := range recs {
		resp[i] = sampleRecordResponse{
			Seq:           rec.Seq,
			Timestamp:     rec.Timestamp.UTC().Format(sampleTimeFormat),
			Bid:           money(rec.Quote.Bid),
			Ask:           money(rec.Quote.Ask),
			NetPosition:   rec.NetPosition,
			RealizedPnL:   money(rec.RealizedPnL),
			UnrealizedPnL: money(rec.UnrealizedPnL),
			Equity:        money(rec.Equity),
		}
	}
	page.Total = total
	WriteJSON(w, http.StatusOK, sampleListResponse{Samples: resp, pageInfo: page})
}

func formatTime(t *time.Time, layout string) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(layout)
	return &s
}

func buildLotResponses(lots []domain.Lot) []lotResponse {
	result := make([]lotResponse, len(lots))
	for i, l := range lots {
		result[i] = lotResponse{
			Quantity:   l.Quantity,
			EntryTime:  l.EntryTime.UTC().Format(sampleTimeFormat),
			EntryPrice: money(l.EntryPrice),
			BorrowRate: optionalMoney(l.BorrowRate),
		}
	}
	return result
}

func buildRunResponse(run domain.Run) runResponse {
	resp := runResponse{
		RunID:  run.RunID,
		Status: string(run.Status),
		Config: runConfigResponse{
			Instrument:     run.Config.Instrument,
			SlippageModel:  run.Config.SlippageModel,
			SlippageRate:   money(run.Config.SlippageRate),
			CostStructure:  run.Config.CostStructure,
			BorrowRate:     money(run.Config.BorrowRate),
			StrategyType:   run.Config.StrategyType,
			StrategyParams: run.Config.StrategyParams,
		},
		CreatedAt:   run.CreatedAt.UTC().Format(timeFormat),
		CompletedAt: formatTime(run.CompletedAt, timeFormat),
	}
	if run.Error != "" {
		e := run.Error
		resp.Error = &e
	}

	if s := run.Summary; s != nil {
		resp.Summary = &summaryResponse{
			Samples:       s.Samples,
			Fills:         s.Fills,
			IgnoredOrders: s.IgnoredOrders,
			FirstSampleAt: formatTime(s.FirstSampleAt, sampleTimeFormat),
			LastSampleAt:  formatTime(s.LastSampleAt, sampleTimeFormat),
			RealizedPnL:   money(s.RealizedPnL),
			UnrealizedPnL: money(s.UnrealizedPnL),
			Equity:        money(s.Equity),
			Position: positionResponse{
				NetQuantity: s.Position.NetQuantity,
				LongLots:    buildLotResponses(s.Position.LongLots),
				ShortLots:   buildLotResponses(s.Position.ShortLots),
			},
		}
	}
	return resp
}
