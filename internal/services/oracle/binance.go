package oracle

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

// BinanceFeed reads last prices from the Binance public ticker.
type BinanceFeed struct {
	client *binance.Client
}

func NewBinanceFeed(client *binance.Client) *BinanceFeed {
	return &BinanceFeed{client: client}
}

func (p *BinanceFeed) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	prices, err := p.client.NewListPricesService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "binance ticker %s", pair.Symbol())
	}
	if len(prices) == 0 {
		return decimal.Zero, errors.Errorf("binance API returned empty prices for %s", pair)
	}

	return decimal.NewFromString(prices[0].Price)
}
