// Package metrics exports vault state as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/services/rebalance"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

const namespace = "flashvault"

// Vault collects metrics of every vault run by the process. A nil *Vault
// ignores all observations.
type Vault struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	tickErrors *prometheus.CounterVec
	migrations *prometheus.CounterVec
	index      *prometheus.GaugeVec
	totalDebt  *prometheus.GaugeVec
	collateral *prometheus.GaugeVec
	positions  *prometheus.GaugeVec
	rate       *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry.
func New() *Vault {
	m := &Vault{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed vault operations by type.",
		}, []string{"pair", "type"}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Rebalance evaluations that failed.",
		}, []string{"pair"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Flash migrations committed by destination provider.",
		}, []string{"pair", "destination"}),
		index: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "debt_index",
			Help:      "Current debt index.",
		}, []string{"pair"}),
		totalDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_debt",
			Help:      "Debt owed by all borrowers in quote units.",
		}, []string{"pair"}),
		collateral: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pooled_collateral",
			Help:      "Collateral held at the active provider in base units.",
		}, []string{"pair"}),
		positions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "positions",
			Help:      "Open positions.",
		}, []string{"pair"}),
		rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "borrow_rate",
			Help:      "Last observed annual borrow rate per provider.",
		}, []string{"pair", "provider"}),
	}
	m.registry.MustRegister(
		m.events,
		m.tickErrors,
		m.migrations,
		m.index,
		m.totalDebt,
		m.collateral,
		m.positions,
		m.rate,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Vault) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Vault) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveEvent counts a committed operation.
func (m *Vault) ObserveEvent(ev domain.VaultEvent) {
	if m == nil {
		return
	}
	kind := string(ev.Type)
	if kind == "" {
		kind = "unknown"
	}
	m.events.WithLabelValues(ev.Pair, kind).Inc()
}

// ObserveDecision records the rates seen by a rebalance evaluation.
func (m *Vault) ObserveDecision(pair string, d *rebalance.Decision) {
	if m == nil || d == nil {
		return
	}
	for _, r := range d.Rates {
		m.rate.WithLabelValues(pair, r.Provider).Set(r.Rate.InexactFloat64())
	}
	if d.Migrated {
		m.migrations.WithLabelValues(pair, d.Best).Inc()
	}
}

func (m *Vault) ObserveTickError(pair string) {
	if m == nil {
		return
	}
	m.tickErrors.WithLabelValues(pair).Inc()
}

// ObserveSnapshot sets the state gauges of one vault.
func (m *Vault) ObserveSnapshot(s vault.Snapshot) {
	if m == nil {
		return
	}
	m.index.WithLabelValues(s.Pair).Set(s.Index.InexactFloat64())
	m.totalDebt.WithLabelValues(s.Pair).Set(s.TotalDebt.InexactFloat64())
	m.collateral.WithLabelValues(s.Pair).Set(s.PooledCollateral.InexactFloat64())
	m.positions.WithLabelValues(s.Pair).Set(float64(len(s.Positions)))
}

// Sink counts events before passing them to next, which may be nil.
func (m *Vault) Sink(next vault.EventSink) vault.EventSink {
	return &sink{metrics: m, next: next}
}

type sink struct {
	metrics *Vault
	next    vault.EventSink
}

func (s *sink) Append(ev domain.VaultEvent) error {
	s.metrics.ObserveEvent(ev)
	if s.next == nil {
		return nil
	}
	return s.next.Append(ev)
}
