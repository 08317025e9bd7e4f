package rebalance

import (
	"sort"
	"sync"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

// RateHistory keeps the last observed borrow rates per provider and smooths
// them with an EMA for monitoring. It has no say in rebalance decisions.
type RateHistory struct {
	mu     sync.RWMutex
	period int
	limit  int
	rates  map[string][]decimal.Decimal
}

// NewRateHistory keeps up to limit observations per provider and averages
// over period of them.
func NewRateHistory(period, limit int) *RateHistory {
	if period < 1 {
		period = 1
	}
	if limit < period {
		limit = period
	}
	return &RateHistory{period: period, limit: limit, rates: make(map[string][]decimal.Decimal)}
}

// Record appends one observation per provider.
func (h *RateHistory) Record(rates []domain.ProviderRate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range rates {
		series := append(h.rates[r.Provider], r.Rate)
		if len(series) > h.limit {
			series = series[len(series)-h.limit:]
		}
		h.rates[r.Provider] = series
	}
}

// Series returns a copy of the recorded rates of provider.
func (h *RateHistory) Series(provider string) []decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]decimal.Decimal(nil), h.rates[provider]...)
}

// EMA returns the latest exponential moving average of provider's rate.
// ok is false until period observations exist.
func (h *RateHistory) EMA(provider string) (ema decimal.Decimal, ok bool) {
	series := h.Series(provider)
	if len(series) < h.period {
		return decimal.Zero, false
	}

	values := make([]float64, len(series))
	for i, r := range series {
		values[i] = r.InexactFloat64()
	}

	indicator := trend.NewEmaWithPeriod[float64](h.period)
	out := helper.ChanToSlice(indicator.Compute(helper.SliceToChan(values)))
	if len(out) == 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(out[len(out)-1]), true
}

// Averages returns the EMA of every provider that has enough observations.
func (h *RateHistory) Averages() []domain.ProviderRate {
	h.mu.RLock()
	names := make([]string, 0, len(h.rates))
	for name := range h.rates {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	var out []domain.ProviderRate
	for _, name := range names {
		if ema, ok := h.EMA(name); ok {
			out = append(out, domain.ProviderRate{Provider: name, Rate: ema})
		}
	}
	return out
}
