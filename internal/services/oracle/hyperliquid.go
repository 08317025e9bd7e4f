package oracle

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

// HyperliquidFeed reads mid prices from the Hyperliquid Info API.
type HyperliquidFeed struct {
	info *hyperliquid.Info
}

func NewHyperliquidFeed(info *hyperliquid.Info) *HyperliquidFeed {
	return &HyperliquidFeed{info: info}
}

func (p *HyperliquidFeed) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if p.info == nil {
		return decimal.Zero, errors.New("hyperliquid info client is nil")
	}

	mids, err := p.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "hyperliquid mids")
	}

	// mids are keyed by base coin and quoted in USD
	mid, ok := mids[pair.Base]
	if !ok || mid == "" {
		return decimal.Zero, errors.Errorf("hyperliquid API returned empty mid price for %s", pair.Base)
	}
	return decimal.NewFromString(mid)
}
