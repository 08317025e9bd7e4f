package oracle

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

type BybitFeed struct {
	client *bybit.Client
}

func NewBybitFeed(client *bybit.Client) *BybitFeed {
	return &BybitFeed{client: client}
}

func (p *BybitFeed) GetPrice(_ context.Context, pair domain.Pair) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(pair.Symbol())

	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "bybit ticker %s", pair.Symbol())
	}

	if len(result.Result.Spot.List) == 0 {
		return decimal.Zero, errors.Errorf("bybit API returned empty prices for %s", pair)
	}

	return decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
}
