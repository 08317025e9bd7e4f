package provider

import "github.com/shopspring/decimal"

// BlocksPerYear is used to turn an APR into per-block accrual (12s blocks).
const BlocksPerYear = 2_628_000

// InterestModel kinked utilisation curve.
//
// Below the kink the rate grows with Slope1, above it with Slope2.
type InterestModel struct {
	BaseRate decimal.Decimal
	Slope1   decimal.Decimal
	Slope2   decimal.Decimal
	Kink     decimal.Decimal
}

// FlatRate returns a model that always yields rate.
func FlatRate(rate decimal.Decimal) InterestModel {
	return InterestModel{BaseRate: rate}
}

// Utilisation returns borrowed / (cash + borrowed), zero when nothing is supplied.
func Utilisation(cash, borrowed decimal.Decimal) decimal.Decimal {
	total := cash.Add(borrowed)
	if borrowed.IsZero() || total.IsZero() {
		return decimal.Zero
	}
	return borrowed.DivRound(total, 18)
}

// BorrowRate returns the APR for utilisation u.
func (m InterestModel) BorrowRate(u decimal.Decimal) decimal.Decimal {
	rate := m.BaseRate
	if u.IsZero() {
		return rate
	}
	if m.Kink.IsZero() || u.LessThanOrEqual(m.Kink) {
		return rate.Add(m.Slope1.Mul(u))
	}
	rate = rate.Add(m.Slope1.Mul(m.Kink))
	return rate.Add(m.Slope2.Mul(u.Sub(m.Kink)))
}

// accrualFactor returns 1 + rate*blocks/BlocksPerYear.
func accrualFactor(rate decimal.Decimal, blocks uint64) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if rate.IsZero() || blocks == 0 {
		return one
	}
	perBlock := rate.Mul(decimal.NewFromUint64(blocks)).DivRound(decimal.NewFromInt(BlocksPerYear), 27)
	return one.Add(perBlock)
}
