package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
)

// FillRequest describes a single marketable order against a quote.
// BorrowRate is the annualized cost of borrowing shares and only applies
// to short lots opened by a sell.
type FillRequest struct {
	Instrument string
	Quote      domain.Quote
	Quantity   int64
	Side       domain.Side
	Timestamp  time.Time
	BorrowRate decimal.Decimal
}

// Fill is the outcome of an accepted FillRequest.
type Fill struct {
	Instrument string
	Side       domain.Side
	Timestamp  time.Time
	Quantity   int64
	AvgPrice   decimal.Decimal
	Cost       decimal.Decimal
	Covered    int64           // shares that closed opposite-side lots
	Opened     int64           // shares that opened a new lot on Side
	Realized   decimal.Decimal // change in realized PnL, net of Cost
}

// position is the ledger state of one instrument. At most one of long and
// short holds lots once a fill completes, and NetQuantity always equals
// long.Total() - short.Total().
type position struct {
	netQuantity int64
	realizedPnL decimal.Decimal
	long        lotQueue
	short       lotQueue
}

// Simulator fills orders against quotes and keeps a FIFO lot ledger per
// instrument. It is not safe for concurrent use; a replay owns one
// Simulator from a single goroutine.
type Simulator struct {
	slippage    SlippageModel
	cost        CostStructure
	positions   map[string]*position
	instruments []string // first-fill order
}

// NewSimulator creates a Simulator. A nil slippage model defaults to
// IdealFill and a nil cost structure to ZeroCost.
func NewSimulator(slippage SlippageModel, cost CostStructure) *Simulator {
	if slippage == nil {
		slippage = IdealFill{}
	}
	if cost == nil {
		cost = ZeroCost{}
	}
	return &Simulator{
		slippage:  slippage,
		cost:      cost,
		positions: make(map[string]*position),
	}
}

// FillOrder executes req against the configured slippage model, charges
// the cost structure, and updates the instrument's lots. It returns false
// without touching any state when the requested quantity is not positive,
// the side is neither buy nor sell, or the slippage model reports nothing
// filled.
//
// Shares opposite the current net position are covered first, oldest lot
// first. Covering a short accrues borrow cost on the covered portion for
// the time the lot was held. Whatever is left over opens a single new lot
// on the fill's side. Timestamps for one instrument must be non-decreasing.
func (s *Simulator) FillOrder(req FillRequest) (Fill, bool) {
	if req.Quantity <= 0 || !req.Side.Valid() {
		return Fill{}, false
	}

	avgPrice, filled := s.slippage.QuoteFill(req.Quote, req.Quantity, req.Side)
	if filled <= 0 {
		return Fill{}, false
	}

	pos := s.positions[req.Instrument]
	if pos == nil {
		pos = &position{}
		s.positions[req.Instrument] = pos
		s.instruments = append(s.instruments, req.Instrument)
	}

	var opposite int64
	switch {
	case req.Side == domain.SideBuy && pos.netQuantity < 0:
		opposite = -pos.netQuantity
	case req.Side == domain.SideSell && pos.netQuantity > 0:
		opposite = pos.netQuantity
	}
	cover := min(filled, opposite)

	pnl := decimal.Zero
	if cover > 0 {
		if req.Side == domain.SideBuy {
			pos.short.Consume(cover, func(lot domain.Lot, used int64) {
				days := domain.HoldingDays(lot.EntryTime, req.Timestamp)
				borrow := domain.BorrowCost(used, lot.EntryPrice, lot.BorrowRate, days)
				pnl = pnl.Add(lot.EntryPrice.Sub(avgPrice).Mul(decimal.NewFromInt(used))).Sub(borrow)
			})
		} else {
			pos.long.Consume(cover, func(lot domain.Lot, used int64) {
				pnl = pnl.Add(avgPrice.Sub(lot.EntryPrice).Mul(decimal.NewFromInt(used)))
			})
		}
	}

	opened := filled - cover
	if opened > 0 {
		lot := domain.Lot{
			Quantity:   opened,
			EntryTime:  req.Timestamp,
			EntryPrice: avgPrice,
		}
		if req.Side == domain.SideBuy {
			pos.long.Push(lot)
		} else {
			lot.BorrowRate = req.BorrowRate
			pos.short.Push(lot)
		}
	}

	if req.Side == domain.SideBuy {
		pos.netQuantity += filled
	} else {
		pos.netQuantity -= filled
	}

	cost := s.cost.Cost(filled, avgPrice)
	realized := pnl.Sub(cost)
	pos.realizedPnL = pos.realizedPnL.Add(realized)

	return Fill{
		Instrument: req.Instrument,
		Side:       req.Side,
		Timestamp:  req.Timestamp,
		Quantity:   filled,
		AvgPrice:   avgPrice,
		Cost:       cost,
		Covered:    cover,
		Opened:     opened,
		Realized:   realized,
	}, true
}

// RealizedPnL returns the accumulated realized PnL for instrument, net of
// costs and borrow charges. Unknown instruments report zero.
func (s *Simulator) RealizedPnL(instrument string) decimal.Decimal {
	pos, ok := s.positions[instrument]
	if !ok {
		return decimal.Zero
	}
	return pos.realizedPnL
}

// TotalRealizedPnL sums realized PnL across every instrument.
func (s *Simulator) TotalRealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, inst := range s.instruments {
		total = total.Add(s.positions[inst].realizedPnL)
	}
	return total
}

// UnrealizedPnL marks the open lots of instrument to q: longs against the
// bid, shorts against the ask.
func (s *Simulator) UnrealizedPnL(instrument string, q domain.Quote) decimal.Decimal {
	pos, ok := s.positions[instrument]
	if !ok {
		return decimal.Zero
	}

	pnl := decimal.Zero
	pos.long.Each(func(lot domain.Lot) {
		pnl = pnl.Add(q.Bid.Sub(lot.EntryPrice).Mul(decimal.NewFromInt(lot.Quantity)))
	})
	pos.short.Each(func(lot domain.Lot) {
		pnl = pnl.Add(lot.EntryPrice.Sub(q.Ask).Mul(decimal.NewFromInt(lot.Quantity)))
	})
	return pnl
}

// Equity returns realized plus unrealized PnL for instrument at q.
func (s *Simulator) Equity(instrument string, q domain.Quote) decimal.Decimal {
	return s.RealizedPnL(instrument).Add(s.UnrealizedPnL(instrument, q))
}

// NetPosition returns the signed share count held in instrument.
func (s *Simulator) NetPosition(instrument string) int64 {
	pos, ok := s.positions[instrument]
	if !ok {
		return 0
	}
	return pos.netQuantity
}

// Position returns a copy of the ledger for instrument, or false if the
// instrument has never been filled.
func (s *Simulator) Position(instrument string) (domain.PositionSnapshot, bool) {
	pos, ok := s.positions[instrument]
	if !ok {
		return domain.PositionSnapshot{Instrument: instrument, RealizedPnL: decimal.Zero}, false
	}
	return domain.PositionSnapshot{
		Instrument:  instrument,
		NetQuantity: pos.netQuantity,
		RealizedPnL: pos.realizedPnL,
		LongLots:    pos.long.Snapshot(),
		ShortLots:   pos.short.Snapshot(),
	}, true
}

// Instruments returns every instrument with a position, in the order of
// their first fill.
func (s *Simulator) Instruments() []string {
	out := make([]string, len(s.instruments))
	copy(out, s.instruments)
	return out
}
