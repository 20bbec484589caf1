package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether an order buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Quote is a best bid/offer snapshot for one instrument. Sizes default to
// zero when the feed omits them. Bid <= Ask is assumed, not enforced.
type Quote struct {
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize int64
	AskSize int64
}

// Mid returns the midpoint between bid and ask.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Touch returns the price and displayed size a marketable order on side
// would execute against: the ask for buys, the bid for sells.
func (q Quote) Touch(side Side) (decimal.Decimal, int64) {
	if side == SideBuy {
		return q.Ask, q.AskSize
	}
	return q.Bid, q.BidSize
}

// TradePrint is the last trade observed at or before a sample.
type TradePrint struct {
	Price decimal.Decimal
	Size  int64
}

// Sample is one step of market data replay.
type Sample struct {
	Timestamp time.Time
	Quote     Quote
	LastTrade TradePrint
}
