// Package strategy holds the stateless decision rules a backtest replays.
package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
)

// Strategy type names accepted by New.
const (
	TypeRangeBound = "range_bound"
)

// Order is a strategy's decision for one sample. A zero Quantity means
// no action. Negative quantities are passed through; the simulator
// ignores them.
type Order struct {
	Quantity int64
	Side     domain.Side
}

// Strategy decides an order from the current quote and the signed net
// position in the instrument.
type Strategy interface {
	Order(q domain.Quote, position int64) Order
}

// Func adapts a plain function to the Strategy interface.
type Func func(q domain.Quote, position int64) Order

// Order calls f.
func (f Func) Order(q domain.Quote, position int64) Order {
	return f(q, position)
}

// DefaultMaxPosition is the range-bound position cap when none is given.
const DefaultMaxPosition = 100

// RangeBound is a mean-reversion rule for an instrument assumed to trade
// in a stable band of Mean ± Deviation. Above the band it sells to a full
// short of MaxPosition; below the band it buys towards a full long.
type RangeBound struct {
	Mean        decimal.Decimal
	Deviation   decimal.Decimal
	MaxPosition int64
}

// Order returns the rebalancing order for the quote's midpoint.
func (r *RangeBound) Order(q domain.Quote, position int64) Order {
	mid := q.Mid()
	switch {
	case mid.GreaterThan(r.Mean.Add(r.Deviation)):
		return Order{Quantity: position + r.MaxPosition, Side: domain.SideSell}
	case mid.LessThan(r.Mean.Sub(r.Deviation)):
		qty := position - r.MaxPosition
		if qty < 0 {
			qty = -qty
		}
		return Order{Quantity: qty, Side: domain.SideBuy}
	}
	return Order{Side: domain.SideBuy}
}

// New builds a strategy by type from numeric parameters.
//
// range_bound takes mean and deviation (required) and max_position
// (optional, default 100).
func New(typ string, params map[string]float64) (Strategy, error) {
	switch typ {
	case TypeRangeBound:
		return newRangeBound(params)
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, typ)
}

func newRangeBound(params map[string]float64) (*RangeBound, error) {
	mean, ok := params["mean"]
	if !ok {
		return nil, &domain.ValidationError{Message: "range_bound requires mean"}
	}
	dev, ok := params["deviation"]
	if !ok {
		return nil, &domain.ValidationError{Message: "range_bound requires deviation"}
	}
	if dev < 0 {
		return nil, &domain.ValidationError{Message: "deviation must be >= 0"}
	}

	maxPos := int64(DefaultMaxPosition)
	if v, ok := params["max_position"]; ok {
		if v <= 0 || v != math.Trunc(v) {
			return nil, &domain.ValidationError{Message: "max_position must be a positive integer"}
		}
		maxPos = int64(v)
	}

	return &RangeBound{
		Mean:        decimal.NewFromFloat(mean),
		Deviation:   decimal.NewFromFloat(dev),
		MaxPosition: maxPos,
	}, nil
}
