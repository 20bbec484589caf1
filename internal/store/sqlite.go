package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
)

const samplesSchema = `
CREATE TABLE IF NOT EXISTS samples (
	run_id         TEXT    NOT NULL,
	seq            INTEGER NOT NULL,
	ts             INTEGER NOT NULL,
	bid            TEXT    NOT NULL,
	ask            TEXT    NOT NULL,
	bid_size       INTEGER NOT NULL,
	ask_size       INTEGER NOT NULL,
	net_position   INTEGER NOT NULL,
	realized_pnl   TEXT    NOT NULL,
	unrealized_pnl TEXT    NOT NULL,
	equity         TEXT    NOT NULL,
	PRIMARY KEY (run_id, seq)
)`

// SQLiteSampleStore persists per-sample reporting records in SQLite.
// Decimal columns are stored as TEXT so values round-trip exactly;
// timestamps are Unix nanoseconds.
type SQLiteSampleStore struct {
	db *sql.DB
}

// NewSQLiteSampleStore opens (or creates) the database at path, enables
// WAL mode and creates the schema.
func NewSQLiteSampleStore(path string) (*SQLiteSampleStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(samplesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteSampleStore{db: db}, nil
}

// Record inserts rec. Recording the same (run_id, seq) twice replaces
// the earlier row.
func (s *SQLiteSampleStore) Record(ctx context.Context, rec domain.SampleRecord) error {
	const query = `INSERT OR REPLACE INTO samples
		(run_id, seq, ts, bid, ask, bid_size, ask_size, net_position, realized_pnl, unrealized_pnl, equity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Seq,
		rec.Timestamp.UnixNano(),
		rec.Quote.Bid.String(),
		rec.Quote.Ask.String(),
		rec.Quote.BidSize,
		rec.Quote.AskSize,
		rec.NetPosition,
		rec.RealizedPnL.String(),
		rec.UnrealizedPnL.String(),
		rec.Equity.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

// List returns a page of a run's records ordered by sequence, and the
// total number of records for the run. Pagination is 1-based.
func (s *SQLiteSampleStore) List(ctx context.Context, runID string, page, limit int) ([]domain.SampleRecord, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE run_id = ?`, runID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count samples: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT
		seq, ts, bid, ask, bid_size, ask_size, net_position, realized_pnl, unrealized_pnl, equity
		FROM samples WHERE run_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		runID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SampleRecord, 0)
	for rows.Next() {
		rec := domain.SampleRecord{RunID: runID}
		var (
			ts                                     int64
			bid, ask, realized, unrealized, equity string
		)
		if err := rows.Scan(
			&rec.Seq, &ts, &bid, &ask, &rec.Quote.BidSize, &rec.Quote.AskSize,
			&rec.NetPosition, &realized, &unrealized, &equity,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan sample: %w", err)
		}

		rec.Timestamp = time.Unix(0, ts).UTC()
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&rec.Quote.Bid, bid},
			{&rec.Quote.Ask, ask},
			{&rec.RealizedPnL, realized},
			{&rec.UnrealizedPnL, unrealized},
			{&rec.Equity, equity},
		} {
			if *f.dst, err = decimal.NewFromString(f.src); err != nil {
				return nil, 0, fmt.Errorf("corrupt decimal %q in sample %d: %w", f.src, rec.Seq, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read samples: %w", err)
	}
	return out, total, nil
}

// Delete removes every record of a run.
func (s *SQLiteSampleStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete samples: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSampleStore) Close() error {
	return s.db.Close()
}
