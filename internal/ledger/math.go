package ledger

import "github.com/shopspring/decimal"

const (
	// AmountPlaces is the precision of asset amounts.
	AmountPlaces int32 = 18
	// RayPlaces is the precision of the debt index and debt shares.
	RayPlaces int32 = 27
)

// One unit of rounding for amounts.
var Unit = decimal.New(1, -AmountPlaces)

// divCeil returns a/b rounded up to places. Operands must be positive.
func divCeil(a, b decimal.Decimal, places int32) decimal.Decimal {
	if a.IsZero() || b.IsZero() {
		return decimal.Zero
	}
	q, r := a.QuoRem(b, places)
	if r.IsZero() {
		return q
	}
	return q.Add(decimal.New(1, -places))
}

// divFloor returns a/b rounded down to places. Operands must be positive.
func divFloor(a, b decimal.Decimal, places int32) decimal.Decimal {
	if a.IsZero() || b.IsZero() {
		return decimal.Zero
	}
	q, _ := a.QuoRem(b, places)
	return q
}

// MulCeil returns a*b rounded up to amount precision.
func MulCeil(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundCeil(AmountPlaces)
}

// MulFloor returns a*b rounded down to amount precision.
func MulFloor(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundFloor(AmountPlaces)
}

// DivCeil returns a/b rounded up to amount precision.
func DivCeil(a, b decimal.Decimal) decimal.Decimal {
	return divCeil(a, b, AmountPlaces)
}

// DivFloor returns a/b rounded down to amount precision.
func DivFloor(a, b decimal.Decimal) decimal.Decimal {
	return divFloor(a, b, AmountPlaces)
}
