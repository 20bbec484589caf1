package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
)

// Slippage model names accepted by NewSlippageModel.
const (
	SlippageIdeal      = "ideal"
	SlippageFractional = "fractional"
)

// SlippageModel maps a desired order size and the current quote to the
// achieved average price and filled quantity.
type SlippageModel interface {
	QuoteFill(q domain.Quote, qty int64, side domain.Side) (avgPrice decimal.Decimal, filled int64)
}

// SlippageFunc adapts a plain function to the SlippageModel interface.
type SlippageFunc func(q domain.Quote, qty int64, side domain.Side) (decimal.Decimal, int64)

// QuoteFill calls f.
func (f SlippageFunc) QuoteFill(q domain.Quote, qty int64, side domain.Side) (decimal.Decimal, int64) {
	return f(q, qty, side)
}

// IdealFill fills the whole order at the touch with no market impact.
type IdealFill struct{}

// QuoteFill returns the ask for buys and the bid for sells.
func (IdealFill) QuoteFill(q domain.Quote, qty int64, side domain.Side) (decimal.Decimal, int64) {
	price, _ := q.Touch(side)
	return price, qty
}

// FractionalSlippage fills up to the displayed size at the touch and the
// remainder at a price worsened by Rate. The residual cost shows up in the
// average price; the order is always reported as fully filled.
type FractionalSlippage struct {
	Rate decimal.Decimal
}

// NewFractionalSlippage creates a FractionalSlippage with the given rate,
// e.g. 0.001 for ten basis points beyond the touch.
func NewFractionalSlippage(rate decimal.Decimal) *FractionalSlippage {
	return &FractionalSlippage{Rate: rate}
}

// QuoteFill prices qty against the quote. The weighted average is
// (touch × touchQty + residualPrice × residualQty) / qty.
func (m *FractionalSlippage) QuoteFill(q domain.Quote, qty int64, side domain.Side) (decimal.Decimal, int64) {
	touch, size := q.Touch(side)
	if qty <= 0 || qty <= size {
		return touch, qty
	}
	if size < 0 {
		size = 0
	}

	var residualPrice decimal.Decimal
	if side == domain.SideBuy {
		residualPrice = touch.Mul(decimal.NewFromInt(1).Add(m.Rate))
	} else {
		residualPrice = touch.Mul(decimal.NewFromInt(1).Sub(m.Rate))
	}

	residual := qty - size
	notional := touch.Mul(decimal.NewFromInt(size)).
		Add(residualPrice.Mul(decimal.NewFromInt(residual)))
	return notional.Div(decimal.NewFromInt(qty)), qty
}

// NewSlippageModel builds a model by name. rate is only used by the
// fractional model.
func NewSlippageModel(name string, rate decimal.Decimal) (SlippageModel, error) {
	switch name {
	case SlippageIdeal, "":
		return IdealFill{}, nil
	case SlippageFractional:
		if rate.IsNegative() {
			return nil, &domain.ValidationError{Message: "slippage rate must be >= 0"}
		}
		return NewFractionalSlippage(rate), nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSlippageModel, name)
}
