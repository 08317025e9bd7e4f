package provider

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/bank"
	"github.com/vadiminshakov/flashvault/internal/clock"
)

// ElasticMarket is a pooled money market whose borrow rate follows
// utilisation of its quote liquidity.
type ElasticMarket struct {
	*market
}

// NewAaveLikeMarket creates a rate-elastic market that credits receipt units
// one-to-one with deposited collateral.
func NewAaveLikeMarket(cfg Config, b *bank.Bank, c clock.Clock, logger *zap.Logger) (*ElasticMarket, error) {
	cfg.ExchangeRate = decimal.Zero
	m, err := newMarket(KindAave, cfg, b, c, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create aave-like market")
	}
	return &ElasticMarket{market: m}, nil
}

// NewCompoundLikeMarket creates a rate-elastic market whose receipt units are
// worth cfg.ExchangeRate of the base asset each.
func NewCompoundLikeMarket(cfg Config, b *bank.Bank, c clock.Clock, logger *zap.Logger) (*ElasticMarket, error) {
	if !cfg.ExchangeRate.IsPositive() {
		return nil, errors.New("compound-like market requires a positive exchange rate")
	}
	m, err := newMarket(KindCompound, cfg, b, c, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create compound-like market")
	}
	return &ElasticMarket{market: m}, nil
}
