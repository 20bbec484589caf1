package service

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/backtester/internal/domain"
)

// Callback event types.
const (
	EventBacktestCompleted = "backtest.completed"
	EventBacktestFailed    = "backtest.failed"
)

const maxCallbackURLLength = 2048

// validateCallbackURL accepts an empty URL (no callback) or an absolute
// https URL.
func validateCallbackURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > maxCallbackURLLength {
		return &domain.ValidationError{Message: "callback_url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil || !parsed.IsAbs() {
		return &domain.ValidationError{Message: "callback_url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return &domain.ValidationError{Message: "callback_url must use https scheme"}
	}
	return nil
}

// callbackPayload is the JSON body posted when a run finishes.
type callbackPayload struct {
	Event     string       `json:"event"`
	Timestamp string       `json:"timestamp"`
	Data      callbackData `json:"data"`
}

type callbackData struct {
	RunID         string   `json:"run_id"`
	Instrument    string   `json:"instrument"`
	Status        string   `json:"status"`
	Samples       int      `json:"samples"`
	Fills         int      `json:"fills"`
	IgnoredOrders int      `json:"ignored_orders"`
	RealizedPnL   *float64 `json:"realized_pnl,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
	Equity        *float64 `json:"equity,omitempty"`
	NetPosition   int64    `json:"net_position"`
	Error         string   `json:"error,omitempty"`
}

// CallbackNotifier posts run completion events to the callback URL given
// at submission. Delivery is fire-and-forget: failures are logged and not
// retried.
type CallbackNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewCallbackNotifier creates a CallbackNotifier whose requests time out
// after timeout.
func NewCallbackNotifier(timeout time.Duration, logger *slog.Logger) *CallbackNotifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CallbackNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// NotifyFinished dispatches a backtest.completed or backtest.failed event
// for run in the background. Runs without a callback URL are skipped.
func (n *CallbackNotifier) NotifyFinished(run domain.Run) {
	if n == nil || run.CallbackURL == "" {
		return
	}
	event, payload := buildCallbackPayload(run)
	go n.deliver(run.CallbackURL, run.RunID, event, payload)
}

func buildCallbackPayload(run domain.Run) (string, callbackPayload) {
	event := EventBacktestCompleted
	if run.Status == domain.RunStatusFailed {
		event = EventBacktestFailed
	}

	ts := time.Now().UTC()
	if run.CompletedAt != nil {
		ts = *run.CompletedAt
	}

	data := callbackData{
		RunID:      run.RunID,
		Instrument: run.Config.Instrument,
		Status:     string(run.Status),
		Error:      run.Error,
	}
	if s := run.Summary; s != nil {
		realized := s.RealizedPnL.InexactFloat64()
		unrealized := s.UnrealizedPnL.InexactFloat64()
		equity := s.Equity.InexactFloat64()
		data.Samples = s.Samples
		data.Fills = s.Fills
		data.IgnoredOrders = s.IgnoredOrders
		data.RealizedPnL = &realized
		data.UnrealizedPnL = &unrealized
		data.Equity = &equity
		data.NetPosition = s.Position.NetQuantity
	}

	return event, callbackPayload{
		Event:     event,
		Timestamp: ts.UTC().Truncate(time.Second).Format(time.RFC3339),
		Data:      data,
	}
}

// deliver sends the payload via HTTP POST with the delivery headers.
func (n *CallbackNotifier) deliver(target, runID, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("callback marshal failed", "run_id", runID, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("callback request invalid", "run_id", runID, "error", err)
		return
	}

	deliveryID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)
	req.Header.Set("X-Run-Id", runID)
	req.Header.Set("X-Event-Type", event)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("callback delivery failed",
			"run_id", runID,
			"delivery_id", deliveryID,
			"error", err,
		)
		return
	}
	resp.Body.Close()

	n.logger.Info("callback delivered",
		"run_id", runID,
		"delivery_id", deliveryID,
		"event", event,
		"status", resp.StatusCode,
	)
}
