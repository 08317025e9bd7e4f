// Package rebalance decides when a vault should move to a cheaper provider.
package rebalance

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

// Migrator moves a vault's position to destination.
type Migrator interface {
	Migrate(ctx context.Context, v *vault.Vault, destination string) (*domain.MigrationRecord, error)
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Active     string                  `json:"active"`
	Best       string                  `json:"best"`
	ActiveRate decimal.Decimal         `json:"active_rate"`
	BestRate   decimal.Decimal         `json:"best_rate"`
	Rates      []domain.ProviderRate   `json:"rates"`
	Migrated   bool                    `json:"migrated"`
	Record     *domain.MigrationRecord `json:"record,omitempty"`
}

// Controller compares borrow rates across a vault's providers and migrates
// when another provider is cheaper by more than the switch threshold.
type Controller struct {
	migrator  Migrator
	threshold decimal.Decimal
	history   *RateHistory
	logger    *zap.Logger
}

// NewController creates a controller. history may be nil.
func NewController(migrator Migrator, threshold decimal.Decimal, history *RateHistory, logger *zap.Logger) (*Controller, error) {
	if migrator == nil {
		return nil, errors.New("migrator is required")
	}
	if threshold.IsNegative() {
		return nil, errors.Errorf("switch threshold must not be negative, got %s", threshold)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{migrator: migrator, threshold: threshold, history: history, logger: logger}, nil
}

// Evaluate reads every provider's rate and migrates to the cheapest one when
// it beats the active rate by more than the threshold. Staying put is not an
// error. Provider and migration failures are returned as is.
func (c *Controller) Evaluate(ctx context.Context, v *vault.Vault) (*Decision, error) {
	active := v.ActiveProvider()
	decision := &Decision{Active: active}

	for _, a := range v.Providers().All() {
		rate, err := a.CurrentBorrowRate(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s rate", a.Name())
		}
		decision.Rates = append(decision.Rates, domain.ProviderRate{Provider: a.Name(), Rate: rate})
		if a.Name() == active {
			decision.ActiveRate = rate
		}
		// the first provider wins ties at the minimum
		if decision.Best == "" || rate.LessThan(decision.BestRate) {
			decision.Best = a.Name()
			decision.BestRate = rate
		}
	}
	if c.history != nil {
		c.history.Record(decision.Rates)
	}

	if decision.Best == active || !decision.ActiveRate.Sub(decision.BestRate).GreaterThan(c.threshold) {
		c.logger.Debug("active provider kept",
			zap.String("active", active),
			zap.String("active_rate", decision.ActiveRate.String()),
			zap.String("best", decision.Best),
			zap.String("best_rate", decision.BestRate.String()))
		return decision, nil
	}

	c.logger.Info("cheaper provider found, migrating",
		zap.String("from", active),
		zap.String("to", decision.Best),
		zap.String("active_rate", decision.ActiveRate.String()),
		zap.String("best_rate", decision.BestRate.String()))

	record, err := c.migrator.Migrate(ctx, v, decision.Best)
	decision.Record = record
	if err != nil {
		return decision, err
	}
	decision.Migrated = true
	return decision, nil
}

// History returns the rate history, possibly nil.
func (c *Controller) History() *RateHistory {
	return c.history
}
