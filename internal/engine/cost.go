package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
)

// Cost structure names accepted by NewCostStructure.
const (
	CostZero          = "zero"
	CostFixedPerShare = "fixed_per_share"
)

// CostStructure maps a filled quantity and average price to the
// transaction cost charged for the fill.
type CostStructure interface {
	Cost(shares int64, avgPrice decimal.Decimal) decimal.Decimal
}

// CostFunc adapts a plain function to the CostStructure interface.
type CostFunc func(shares int64, avgPrice decimal.Decimal) decimal.Decimal

// Cost calls f.
func (f CostFunc) Cost(shares int64, avgPrice decimal.Decimal) decimal.Decimal {
	return f(shares, avgPrice)
}

// ZeroCost never charges anything.
type ZeroCost struct{}

// Cost returns zero.
func (ZeroCost) Cost(int64, decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

// FixedPerShare charges a flat per-share fee, floored at MinFee and capped
// at MaxRate of the order's notional value.
type FixedPerShare struct {
	PerShare decimal.Decimal
	MinFee   decimal.Decimal
	MaxRate  decimal.Decimal
}

// NewFixedPerShare returns the fixed schedule: 0.005 per share, 1.00
// minimum, 1% of notional maximum.
func NewFixedPerShare() *FixedPerShare {
	return &FixedPerShare{
		PerShare: decimal.RequireFromString("0.005"),
		MinFee:   decimal.RequireFromString("1.00"),
		MaxRate:  decimal.RequireFromString("0.01"),
	}
}

// Cost returns clamp(shares × PerShare, MinFee, shares × avgPrice × MaxRate).
// For very small orders the notional cap can fall below MinFee; the cap wins.
func (c *FixedPerShare) Cost(shares int64, avgPrice decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(shares)
	maxFee := qty.Mul(avgPrice).Mul(c.MaxRate)
	return domain.Clamp(qty.Mul(c.PerShare), c.MinFee, maxFee)
}

// NewCostStructure builds a cost structure by name.
func NewCostStructure(name string) (CostStructure, error) {
	switch name {
	case CostZero, "":
		return ZeroCost{}, nil
	case CostFixedPerShare:
		return NewFixedPerShare(), nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCostStructure, name)
}
