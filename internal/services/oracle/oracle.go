// Package oracle provides base/quote prices to the vault and the
// liquidation engine.
package oracle

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

// Oracle returns the price of one unit of pair.Base in pair.Quote.
type Oracle interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}
