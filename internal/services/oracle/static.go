package oracle

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

// Static serves prices set by hand. Used by the simulation and tests.
type Static struct {
	mu     sync.RWMutex
	prices map[domain.Pair]decimal.Decimal
}

func NewStatic() *Static {
	return &Static{prices: make(map[domain.Pair]decimal.Decimal)}
}

// Set publishes price for pair.
func (s *Static) Set(pair domain.Pair, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pair] = price
}

// Delete withdraws the price of pair.
func (s *Static) Delete(pair domain.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, pair)
}

func (s *Static) GetPrice(_ context.Context, pair domain.Pair) (decimal.Decimal, error) {
	s.mu.RLock()
	price, ok := s.prices[pair]
	s.mu.RUnlock()

	if !ok || !price.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "no price for %s", pair)
	}
	return price, nil
}
