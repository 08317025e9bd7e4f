package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

type observation struct {
	price decimal.Decimal
	at    time.Time
}

// Guarded wraps a price feed. A failing or non-positive read falls back to
// the last good price while it is younger than maxAge; after that the pair
// has no price.
type Guarded struct {
	source Oracle
	maxAge time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	last map[domain.Pair]observation
}

func NewGuarded(source Oracle, maxAge time.Duration, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{
		source: source,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger,
		last:   make(map[domain.Pair]observation),
	}
}

func (g *Guarded) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	price, err := g.source.GetPrice(ctx, pair)
	if err == nil && !price.IsPositive() {
		err = errors.Errorf("feed returned non-positive price %s", price)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if err == nil {
		g.last[pair] = observation{price: price, at: now}
		return price, nil
	}

	obs, ok := g.last[pair]
	if ok && now.Sub(obs.at) <= g.maxAge {
		g.logger.Warn("price feed failed, serving cached price",
			zap.String("pair", pair.String()),
			zap.String("price", obs.price.String()),
			zap.Duration("age", now.Sub(obs.at)),
			zap.Error(err))
		return obs.price, nil
	}
	return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "%s: %v", pair, err)
}
