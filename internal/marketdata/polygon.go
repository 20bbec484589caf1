package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/efreitasn/backtester/internal/domain"
)

// Polygon defaults.
const (
	DefaultPolygonBaseURL   = "https://api.polygon.io"
	DefaultPolygonPageLimit = 50000
	DefaultPolygonMaxPages  = 10000
	DefaultPolygonRateLimit = 5.0 // requests per second

	maxErrorBody = 512
)

// PolygonConfig configures a PolygonClient. Zero values take the defaults
// above; a nil HTTPClient uses a client with a 30s timeout.
type PolygonConfig struct {
	BaseURL           string
	APIKey            string
	PageLimit         int
	MaxPages          int
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// PolygonClient fetches historical trades and NBBO quotes from the Polygon
// v3 REST API, following next_url pagination.
type PolygonClient struct {
	baseURL   string
	apiKey    string
	pageLimit int
	maxPages  int
	limiter   *rate.Limiter
	client    *http.Client
	logger    *slog.Logger
}

// NewPolygonClient creates a PolygonClient from cfg.
func NewPolygonClient(cfg PolygonConfig) *PolygonClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPolygonBaseURL
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPolygonPageLimit
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultPolygonMaxPages
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultPolygonRateLimit
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PolygonClient{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		pageLimit: cfg.PageLimit,
		maxPages:  cfg.MaxPages,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
	}
}

type polygonPage[T any] struct {
	Status  string `json:"status"`
	Results []T    `json:"results"`
	NextURL string `json:"next_url"`
}

type polygonTrade struct {
	ParticipantTimestamp *int64          `json:"participant_timestamp"`
	SIPTimestamp         int64           `json:"sip_timestamp"`
	Price                decimal.Decimal `json:"price"`
	Size                 float64         `json:"size"`
}

type polygonQuote struct {
	ParticipantTimestamp *int64          `json:"participant_timestamp"`
	SIPTimestamp         int64           `json:"sip_timestamp"`
	BidPrice             decimal.Decimal `json:"bid_price"`
	AskPrice             decimal.Decimal `json:"ask_price"`
	BidSize              float64         `json:"bid_size"`
	AskSize              float64         `json:"ask_size"`
}

// eventTime prefers the participant timestamp and falls back to the SIP one.
func eventTime(participant *int64, sip int64) int64 {
	if participant != nil {
		return *participant
	}
	return sip
}

// Trades returns the trades for ticker within [from, to], ordered by
// timestamp. Records sharing a timestamp collapse to the last one seen.
func (c *PolygonClient) Trades(ctx context.Context, ticker string, from, to time.Time) ([]TimedTrade, error) {
	byTime := make(map[int64]domain.TradePrint)
	err := fetchAll(ctx, c, "trades", ticker, from, to, func(tr polygonTrade) {
		byTime[eventTime(tr.ParticipantTimestamp, tr.SIPTimestamp)] = domain.TradePrint{
			Price: tr.Price,
			Size:  int64(tr.Size),
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]TimedTrade, 0, len(byTime))
	for _, ns := range sortedKeys(byTime) {
		out = append(out, TimedTrade{Timestamp: time.Unix(0, ns).UTC(), Trade: byTime[ns]})
	}
	return out, nil
}

// Quotes returns NBBO samples for ticker within [from, to], ordered by
// timestamp, without trade data. Missing prices and sizes are zero.
func (c *PolygonClient) Quotes(ctx context.Context, ticker string, from, to time.Time) ([]domain.Sample, error) {
	byTime := make(map[int64]domain.Quote)
	err := fetchAll(ctx, c, "quotes", ticker, from, to, func(q polygonQuote) {
		byTime[eventTime(q.ParticipantTimestamp, q.SIPTimestamp)] = domain.Quote{
			Bid:     q.BidPrice,
			Ask:     q.AskPrice,
			BidSize: int64(q.BidSize),
			AskSize: int64(q.AskSize),
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Sample, 0, len(byTime))
	for _, ns := range sortedKeys(byTime) {
		out = append(out, domain.Sample{Timestamp: time.Unix(0, ns).UTC(), Quote: byTime[ns]})
	}
	return out, nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// fetchAll walks every page of /v3/{kind}/{ticker} and hands each result
// to fn. It stops after maxPages pages even if more remain.
func fetchAll[T any](ctx context.Context, c *PolygonClient, kind, ticker string, from, to time.Time, fn func(T)) error {
	q := url.Values{}
	q.Set("timestamp.gte", strconv.FormatInt(from.UnixNano(), 10))
	q.Set("timestamp.lte", strconv.FormatInt(to.UnixNano(), 10))
	q.Set("order", "asc")
	q.Set("limit", strconv.Itoa(c.pageLimit))
	q.Set("sort", "timestamp")
	next := fmt.Sprintf("%s/v3/%s/%s?%s", c.baseURL, kind, url.PathEscape(ticker), q.Encode())

	for page := 1; next != ""; page++ {
		if page > c.maxPages {
			c.logger.Warn("polygon page cap reached",
				"kind", kind,
				"ticker", ticker,
				"max_pages", c.maxPages,
			)
			break
		}

		var body polygonPage[T]
		if err := c.get(ctx, next, &body); err != nil {
			return fmt.Errorf("polygon %s %s page %d: %w", kind, ticker, page, err)
		}
		for _, r := range body.Results {
			fn(r)
		}
		c.logger.Debug("polygon page fetched",
			"kind", kind,
			"ticker", ticker,
			"page", page,
			"results", len(body.Results),
		)
		next = body.NextURL
	}
	return nil
}

// get issues one rate-limited GET with the API key appended and decodes
// the JSON body into dst.
func (c *PolygonClient) get(ctx context.Context, rawURL string, dst any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("apiKey", c.apiKey)
	u.RawQuery = q.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("api error: %d - %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SessionFunc returns the UTC window to load for a calendar date.
type SessionFunc func(date string) (time.Time, time.Time, error)

// PolygonSource replays Polygon data one trading day at a time. Each day's
// trades are resampled onto its quote timestamps, so every sample carries
// the most recent trade print.
type PolygonSource struct {
	client  *PolygonClient
	ticker  string
	dates   []string
	session SessionFunc

	day     int
	samples []domain.Sample
	pos     int
}

// NewPolygonSource creates a source over dates (YYYY-MM-DD). A nil
// session defaults to NYSE regular hours.
func NewPolygonSource(client *PolygonClient, ticker string, dates []string, session SessionFunc) *PolygonSource {
	if session == nil {
		session = RegularHours
	}
	sorted := slices.Clone(dates)
	slices.Sort(sorted)
	return &PolygonSource{
		client:  client,
		ticker:  ticker,
		dates:   sorted,
		session: session,
	}
}

// Next returns the next sample, loading the following day when the
// current one is exhausted. Days without quotes are skipped.
func (s *PolygonSource) Next(ctx context.Context) (domain.Sample, bool, error) {
	for s.pos >= len(s.samples) {
		if s.day >= len(s.dates) {
			return domain.Sample{}, false, nil
		}
		date := s.dates[s.day]
		s.day++

		samples, err := s.loadDay(ctx, date)
		if err != nil {
			return domain.Sample{}, false, err
		}
		s.samples = samples
		s.pos = 0
	}

	sample := s.samples[s.pos]
	s.pos++
	return sample, true, nil
}

func (s *PolygonSource) loadDay(ctx context.Context, date string) ([]domain.Sample, error) {
	from, to, err := s.session(date)
	if err != nil {
		return nil, err
	}

	trades, err := s.client.Trades(ctx, s.ticker, from, to)
	if err != nil {
		return nil, err
	}
	samples, err := s.client.Quotes(ctx, s.ticker, from, to)
	if err != nil {
		return nil, err
	}

	tape := NewTape(trades)
	for i := range samples {
		samples[i].LastTrade, _ = tape.At(samples[i].Timestamp)
	}
	return samples, nil
}
