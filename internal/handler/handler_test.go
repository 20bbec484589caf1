package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/backtester/internal/metrics"
	"github.com/efreitasn/backtester/internal/service"
	"github.com/efreitasn/backtester/internal/store"
)

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router      http.Handler
	backtestSvc *service.BacktestService
}

func newTestEnv() *testEnv {
	reg := prometheus.NewRegistry()
	backtestSvc := service.NewBacktestService(
		store.NewRunStore(),
		store.NewMemorySampleStore(),
		nil,
		nil,
		metrics.New(reg),
		nil,
	)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(backtestSvc, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	return &testEnv{
		router:      router,
		backtestSvc: backtestSvc,
	}
}

// doJSON sends a JSON request and returns the recorder.
func (env *testEnv) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// doRaw sends a raw request with optional content-type override.
func (env *testEnv) doRaw(t *testing.T, method, path, contentType, rawBody string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(rawBody))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

// backtestBody returns a request that buys 10 below the band at 98.2 and
// flips to short 10 above it at 102.
func backtestBody() map[string]any {
	return map[string]any{
		"instrument": "LLY",
		"strategy": map[string]any{
			"type":   "range_bound",
			"params": map[string]any{"mean": 100, "deviation": 1, "max_position": 10},
		},
		"source": map[string]any{
			"type": "inline",
			"samples": []map[string]any{
				{"timestamp": "2025-07-14T13:30:00Z", "bid": 100, "ask": 100.2},
				{"timestamp": "2025-07-14T13:30:01Z", "bid": 98, "ask": 98.2},
				{"timestamp": "2025-07-14T13:30:02Z", "bid": 102, "ask": 102.2},
				{"timestamp": "1752499803000000000", "bid": 101.5, "ask": 101.6},
			},
		},
	}
}

// submitBacktest posts a backtest and returns the decoded response.
func (env *testEnv) submitBacktest(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	rr := env.doJSON(t, "POST", "/backtests", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit backtest: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected application/json, got %s", ct)
	}
}

// --- Backtest Endpoints ---

func TestBacktest_Submit_Success(t *testing.T) {
	env := newTestEnv()
	resp := env.submitBacktest(t, backtestBody())

	if resp["run_id"] == "" || resp["run_id"] == nil {
		t.Fatal("expected run_id")
	}
	if resp["status"] != "completed" {
		t.Fatalf("expected status completed, got %v (error %v)", resp["status"], resp["error"])
	}
	if resp["error"] != nil {
		t.Fatalf("expected null error, got %v", resp["error"])
	}

	cfg := resp["config"].(map[string]any)
	if cfg["slippage_model"] != "ideal" || cfg["cost_structure"] != "zero" {
		t.Fatalf("expected default models, got %v / %v", cfg["slippage_model"], cfg["cost_structure"])
	}

	summary := resp["summary"].(map[string]any)
	if summary["samples"] != float64(4) || summary["fills"] != float64(2) {
		t.Fatalf("expected 4 samples / 2 fills, got %v / %v", summary["samples"], summary["fills"])
	}
	if summary["realized_pnl"] != float64(38) {
		t.Fatalf("expected realized_pnl=38, got %v", summary["realized_pnl"])
	}
	if summary["unrealized_pnl"] != float64(4) {
		t.Fatalf("expected unrealized_pnl=4, got %v", summary["unrealized_pnl"])
	}
	if summary["last_sample_at"] != "2025-07-14T13:30:03Z" {
		t.Fatalf("unexpected last_sample_at %v", summary["last_sample_at"])
	}

	pos := summary["position"].(map[string]any)
	if pos["net_quantity"] != float64(-10) {
		t.Fatalf("expected net_quantity=-10, got %v", pos["net_quantity"])
	}
	shorts := pos["short_lots"].([]any)
	if len(shorts) != 1 {
		t.Fatalf("expected 1 short lot, got %d", len(shorts))
	}
	if shorts[0].(map[string]any)["entry_price"] != float64(102) {
		t.Fatalf("expected short entry 102, got %v", shorts[0])
	}
	if longs := pos["long_lots"].([]any); len(longs) != 0 {
		t.Fatalf("expected no long lots, got %d", len(longs))
	}
}

func TestBacktest_Submit_KeepsSampleNanoseconds(t *testing.T) {
	env := newTestEnv()
	body := backtestBody()
	samples := body["source"].(map[string]any)["samples"].([]map[string]any)
	samples[0]["timestamp"] = "2025-07-14T13:30:00.000000250Z"
	samples[3]["timestamp"] = "1752499803123456789"

	rr := env.doJSON(t, "POST", "/backtests", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	raw := rr.Body.String()
	var resp map[string]any
	decodeJSON(t, rr, &resp)

	summary := resp["summary"].(map[string]any)
	if summary["first_sample_at"] != "2025-07-14T13:30:00.00000025Z" {
		t.Errorf("first_sample_at = %v", summary["first_sample_at"])
	}
	if summary["last_sample_at"] != "2025-07-14T13:30:03.123456789Z" {
		t.Errorf("last_sample_at = %v", summary["last_sample_at"])
	}
	// Money fields are exact decimal numbers, not float renderings.
	if !strings.Contains(raw, `"realized_pnl":38,`) || !strings.Contains(raw, `"entry_price":102`) {
		t.Errorf("unexpected money encoding: %s", raw)
	}
}

func TestBacktest_Submit_Async(t *testing.T) {
	env := newTestEnv()
	body := backtestBody()
	body["async"] = true

	rr := env.doJSON(t, "POST", "/backtests", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["status"] != "running" || resp["summary"] != nil {
		t.Fatalf("expected running with null summary, got %v", resp)
	}

	env.backtestSvc.Wait()

	rr = env.doJSON(t, "GET", "/backtests/"+resp["run_id"].(string), nil)
	decodeJSON(t, rr, &resp)
	if resp["status"] != "completed" {
		t.Fatalf("expected completed after Wait, got %v", resp["status"])
	}
}

func TestBacktest_Submit_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(b map[string]any)
		wantErr string
	}{
		{"bad instrument", func(b map[string]any) { b["instrument"] = "lly" }, "validation_error"},
		{"negative borrow", func(b map[string]any) { b["borrow_rate"] = -0.1 }, "validation_error"},
		{"http callback", func(b map[string]any) { b["callback_url"] = "http://example.com" }, "validation_error"},
		{"bad timestamp", func(b map[string]any) {
			b["source"].(map[string]any)["samples"].([]map[string]any)[0]["timestamp"] = "yesterday"
		}, "validation_error"},
		{"empty samples", func(b map[string]any) {
			b["source"].(map[string]any)["samples"] = []map[string]any{}
		}, "validation_error"},
		{"unknown slippage", func(b map[string]any) { b["slippage_model"] = "vwap" }, "unknown_slippage_model"},
		{"unknown cost", func(b map[string]any) { b["cost_structure"] = "tiered" }, "unknown_cost_structure"},
		{"unknown strategy", func(b map[string]any) {
			b["strategy"] = map[string]any{"type": "momentum"}
		}, "unknown_strategy"},
		{"unknown source", func(b map[string]any) { b["source"].(map[string]any)["type"] = "kafka" }, "unknown_source"},
		{"csv not exposed", func(b map[string]any) { b["source"] = map[string]any{"type": "csv"} }, "validation_error"},
		{"session hours on inline", func(b map[string]any) {
			b["source"].(map[string]any)["start_hour"] = 4
			b["source"].(map[string]any)["end_hour"] = 20
		}, "validation_error"},
		{"unknown field", func(b map[string]any) { b["leverage"] = 2 }, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			body := backtestBody()
			tt.mutate(body)

			rr := env.doJSON(t, "POST", "/backtests", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			var resp map[string]any
			decodeJSON(t, rr, &resp)
			if resp["error"] != tt.wantErr {
				t.Fatalf("expected error %s, got %v", tt.wantErr, resp["error"])
			}
		})
	}
}

func TestBacktest_Get_NotFound(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, "GET", "/backtests/nonexistent", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["error"] != "run_not_found" {
		t.Fatalf("expected run_not_found, got %v", resp["error"])
	}
}

func TestBacktest_List(t *testing.T) {
	env := newTestEnv()
	first := env.submitBacktest(t, backtestBody())
	second := env.submitBacktest(t, backtestBody())

	rr := env.doJSON(t, "GET", "/backtests?status=completed&page=1&limit=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["total"] != float64(2) {
		t.Fatalf("expected total=2, got %v", resp["total"])
	}
	runs := resp["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run on page, got %d", len(runs))
	}
	// Newest first.
	if runs[0].(map[string]any)["run_id"] != second["run_id"] {
		t.Fatalf("expected newest run %v first, got %v (first was %v)",
			second["run_id"], runs[0].(map[string]any)["run_id"], first["run_id"])
	}
}

func TestBacktest_List_ValidationErrors(t *testing.T) {
	env := newTestEnv()
	for _, q := range []string{"status=paused", "page=abc", "limit=xyz", "page=0", "limit=5000"} {
		rr := env.doJSON(t, "GET", "/backtests?"+q, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rr.Code)
		}
	}
}

func TestBacktest_ListSamples(t *testing.T) {
	env := newTestEnv()
	run := env.submitBacktest(t, backtestBody())
	id := run["run_id"].(string)

	rr := env.doJSON(t, "GET", fmt.Sprintf("/backtests/%s/samples?page=1&limit=2", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["total"] != float64(4) {
		t.Fatalf("expected total=4, got %v", resp["total"])
	}
	samples := resp["samples"].([]any)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	second := samples[1].(map[string]any)
	if second["seq"] != float64(2) || second["net_position"] != float64(10) {
		t.Fatalf("unexpected second sample %v", second)
	}
	// long 10 @ 98.2 marked at bid 98
	if second["unrealized_pnl"] != float64(-2) {
		t.Fatalf("expected unrealized_pnl=-2, got %v", second["unrealized_pnl"])
	}

	rr = env.doJSON(t, "GET", "/backtests/nonexistent/samples", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv()
	env.submitBacktest(t, backtestBody())

	rr := env.doJSON(t, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"backtest_fills_total", "backtest_runs_total", "backtest_samples_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

// --- Content-Type Validation ---

func TestContentType_MissingOnPost(t *testing.T) {
	env := newTestEnv()
	rr := env.doRaw(t, "POST", "/backtests", "", `{"instrument":"LLY"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing Content-Type, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestContentType_WrongOnPost(t *testing.T) {
	env := newTestEnv()
	rr := env.doRaw(t, "POST", "/backtests", "text/plain", `{"instrument":"LLY"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong Content-Type, got %d: %s", rr.Code, rr.Body.String())
	}
}

// --- Response Format Validation ---

func TestResponseFormat_SnakeCaseFields(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, "POST", "/backtests", backtestBody())
	body := rr.Body.String()

	for _, field := range []string{"run_id", "realized_pnl", "unrealized_pnl", "net_quantity", "created_at"} {
		if !strings.Contains(body, fmt.Sprintf(`"%s"`, field)) {
			t.Fatalf("response missing snake_case field %q: %s", field, body)
		}
	}
	for _, bad := range []string{"runId", "realizedPnl", "RealizedPnL", "netQuantity"} {
		if strings.Contains(body, bad) {
			t.Fatalf("response contains camelCase field %q: %s", bad, body)
		}
	}
}

func TestResponseFormat_TimestampRFC3339(t *testing.T) {
	env := newTestEnv()
	resp := env.submitBacktest(t, backtestBody())

	for _, field := range []string{"created_at", "completed_at"} {
		ts, ok := resp[field].(string)
		if !ok {
			t.Fatalf("%s should be a string", field)
		}
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			t.Fatalf("%s not RFC 3339: %s", field, ts)
		}
	}
}
