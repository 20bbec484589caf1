package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is a block of shares opened by a single fill. Quantity is always
// positive while the lot is held; BorrowRate is only set on short lots.
type Lot struct {
	Quantity   int64
	EntryTime  time.Time
	EntryPrice decimal.Decimal
	BorrowRate decimal.Decimal
}

// PositionSnapshot is a read-only copy of an instrument's ledger state.
// Lots are ordered oldest first.
type PositionSnapshot struct {
	Instrument  string
	NetQuantity int64
	RealizedPnL decimal.Decimal
	LongLots    []Lot
	ShortLots   []Lot
}
