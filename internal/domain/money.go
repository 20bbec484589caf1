package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DaysPerYear is the day-count basis for annualized borrow rates.
const DaysPerYear = 365

var (
	nanosPerDay = decimal.NewFromInt(int64(24 * time.Hour))
	daysPerYear = decimal.NewFromInt(DaysPerYear)
)

// HoldingDays returns the elapsed time between from and to in fractional
// days, computed from the exact nanosecond difference. The result is
// negative when to is before from; callers are expected to pass
// non-decreasing timestamps.
func HoldingDays(from, to time.Time) decimal.Decimal {
	return decimal.NewFromInt(int64(to.Sub(from))).Div(nanosPerDay)
}

// BorrowCost returns the carrying cost of holding qty shares short at
// entryPrice for the given number of days at an annualized rate:
// qty × entryPrice × rate × days / 365.
func BorrowCost(qty int64, entryPrice, rate, days decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(qty).Mul(entryPrice).Mul(rate).Mul(days).Div(daysPerYear)
}

// Clamp bounds v below by lo, then above by hi. When lo > hi the upper
// bound wins.
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.Max(v, lo), hi)
}
