package marketdata

import (
	"time"

	"github.com/google/btree"

	"github.com/efreitasn/backtester/internal/domain"
)

// tapeDegree is the B-tree degree for the trade tape.
const tapeDegree = 32

// TimedTrade is a trade print with its exchange timestamp.
type TimedTrade struct {
	Timestamp time.Time
	Trade     domain.TradePrint
}

func tradeLess(a, b TimedTrade) bool {
	return a.Timestamp.Before(b.Timestamp)
}

// Tape is an ordered trade history supporting "most recent trade at or
// before t" lookups. Inserting a trade with an existing timestamp
// replaces the earlier one.
type Tape struct {
	tree *btree.BTreeG[TimedTrade]
}

// NewTape builds a Tape from trades in any order.
func NewTape(trades []TimedTrade) *Tape {
	tape := &Tape{tree: btree.NewG[TimedTrade](tapeDegree, tradeLess)}
	for _, tr := range trades {
		tape.tree.ReplaceOrInsert(tr)
	}
	return tape
}

// Len returns the number of distinct trade timestamps.
func (t *Tape) Len() int {
	return t.tree.Len()
}

// At returns the most recent trade at or before ts. The zero TradePrint
// and false are returned when no trade precedes ts.
func (t *Tape) At(ts time.Time) (domain.TradePrint, bool) {
	var (
		found domain.TradePrint
		ok    bool
	)
	t.tree.DescendLessOrEqual(TimedTrade{Timestamp: ts}, func(item TimedTrade) bool {
		found = item.Trade
		ok = true
		return false
	})
	return found, ok
}

// ResampleMostRecent upsamples trades onto the given timestamps: each
// output element is the latest trade at or before the matching entry of
// onto, or the zero TradePrint when none exists yet.
func ResampleMostRecent(trades []TimedTrade, onto []time.Time) []domain.TradePrint {
	tape := NewTape(trades)
	out := make([]domain.TradePrint, len(onto))
	for i, ts := range onto {
		out[i], _ = tape.At(ts)
	}
	return out
}
