package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
)

var requiredColumns = []string{"timestamp", "bid", "ask"}

// CSVSource streams samples from CSV with a header row. Recognized
// columns are timestamp, bid, ask, bid_size, ask_size, last_price and
// last_size; only the first three are required. Timestamps are RFC 3339
// or integer Unix nanoseconds.
type CSVSource struct {
	r      *csv.Reader
	cols   map[string]int
	line   int
	last   time.Time
	closer io.Closer
}

// NewCSVSource reads the header from r and returns a source positioned
// at the first data row.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("csv header missing %q column", name)
		}
	}

	return &CSVSource{r: cr, cols: cols, line: 1}, nil
}

// NewCSVFileSource wraps an opened file; Close closes it.
func NewCSVFileSource(f io.ReadCloser) (*CSVSource, error) {
	src, err := NewCSVSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

// Close releases the underlying file, if any.
func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Next parses the next row.
func (s *CSVSource) Next(ctx context.Context) (domain.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Sample{}, false, err
	}

	record, err := s.r.Read()
	if errors.Is(err, io.EOF) {
		return domain.Sample{}, false, nil
	}
	if err != nil {
		return domain.Sample{}, false, fmt.Errorf("read csv: %w", err)
	}
	s.line++

	sample, err := s.parse(record)
	if err != nil {
		return domain.Sample{}, false, fmt.Errorf("csv line %d: %w", s.line, err)
	}
	if sample.Timestamp.Before(s.last) {
		return domain.Sample{}, false, fmt.Errorf("csv line %d: timestamp %s is before %s",
			s.line, sample.Timestamp.Format(time.RFC3339Nano), s.last.Format(time.RFC3339Nano))
	}
	s.last = sample.Timestamp
	return sample, true, nil
}

func (s *CSVSource) parse(record []string) (domain.Sample, error) {
	var (
		sample domain.Sample
		err    error
	)

	if sample.Timestamp, err = ParseTimestamp(s.field(record, "timestamp")); err != nil {
		return sample, err
	}
	if sample.Quote.Bid, err = s.price(record, "bid"); err != nil {
		return sample, err
	}
	if sample.Quote.Ask, err = s.price(record, "ask"); err != nil {
		return sample, err
	}
	if sample.Quote.BidSize, err = s.size(record, "bid_size"); err != nil {
		return sample, err
	}
	if sample.Quote.AskSize, err = s.size(record, "ask_size"); err != nil {
		return sample, err
	}
	if sample.LastTrade.Price, err = s.price(record, "last_price"); err != nil {
		return sample, err
	}
	if sample.LastTrade.Size, err = s.size(record, "last_size"); err != nil {
		return sample, err
	}
	return sample, nil
}

func (s *CSVSource) field(record []string, name string) string {
	i, ok := s.cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// price parses an optional decimal column; blank is zero.
func (s *CSVSource) price(record []string, name string) (decimal.Decimal, error) {
	v := s.field(record, name)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", name, v)
	}
	return d, nil
}

// size parses an optional integer column; blank is zero.
func (s *CSVSource) size(record []string, name string) (int64, error) {
	v := s.field(record, name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// ParseTimestamp accepts RFC 3339 (with optional fractional seconds) or
// an integer count of Unix nanoseconds.
func ParseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(0, ns).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
	}
	return ts.UTC(), nil
}
