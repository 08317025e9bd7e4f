package simulation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/metrics"
	"github.com/vadiminshakov/flashvault/internal/services/rebalance"
	"github.com/vadiminshakov/flashvault/pkg/retrier"
)

// Runner drives a World: every poll interval the clock moves forward, the
// rebalance controller evaluates the providers, unhealthy positions are
// flash liquidated and the world is saved.
type Runner struct {
	world   *World
	retrier *retrier.Retrier
	metrics *metrics.Vault
	logger  *zap.Logger
}

// NewRunner creates a runner. Evaluations failing with ErrBackendUnavailable
// are retried with backoff; any other failure waits for the next tick.
func NewRunner(world *World, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := retrier.New(
		retrier.WithMaxRetries(3),
		retrier.WithInitialInterval(500*time.Millisecond),
		retrier.WithRetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrBackendUnavailable)
		}),
	)
	return &Runner{world: world, retrier: r, logger: logger}
}

// WithMetrics makes every tick update m.
func (r *Runner) WithMetrics(m *metrics.Vault) *Runner {
	r.metrics = m
	return r
}

// Run executes the loop until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.world.cfg.PollInterval
	pair := r.world.cfg.Pair.String()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting rebalance loop", zap.String("pair", pair), zap.Duration("poll_interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Context done, stopping rebalance loop.", zap.String("pair", pair))
			return ctx.Err()
		case <-ticker.C:
			decision, err := r.Tick(ctx)
			if err != nil {
				r.logger.Error("Rebalance tick failed", zap.String("pair", pair), zap.Error(err))
				continue
			}
			if decision.Migrated {
				r.logger.Info("Vault migrated", zap.String("pair", pair),
					zap.String("from", decision.Active), zap.String("to", decision.Best))
			}
		}
	}
}

// Tick runs one iteration.
func (r *Runner) Tick(ctx context.Context) (*rebalance.Decision, error) {
	w := r.world
	w.Clock.Advance(w.cfg.BlocksPerTick)

	decision, err := retrier.DoWithData(r.retrier, ctx, func(ctx context.Context) (*rebalance.Decision, error) {
		return w.Controller.Evaluate(ctx, w.Vault)
	})
	if err != nil {
		r.metrics.ObserveTickError(w.cfg.Pair.String())
		return nil, errors.Wrap(err, "evaluate providers")
	}
	r.metrics.ObserveDecision(w.cfg.Pair.String(), decision)

	for _, req := range w.Sweep(ctx) {
		r.logger.Info("Position liquidated",
			zap.String("user", req.User.Hex()),
			zap.String("debt", req.Repay.String()),
			zap.String("keeper_profit", req.Residual.String()))
	}

	if err := w.Save(); err != nil {
		r.logger.Warn("Failed to save vault state", zap.Error(err))
	}

	if r.metrics != nil {
		snap, err := w.Vault.Snapshot(ctx)
		if err != nil {
			r.logger.Debug("Snapshot for metrics failed", zap.Error(err))
		} else {
			r.metrics.ObserveSnapshot(snap)
		}
	}
	return decision, nil
}
