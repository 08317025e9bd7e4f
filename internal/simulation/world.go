// Package simulation assembles a vault, its simulated backends and engines
// from configuration and keeps their state across restarts.
package simulation

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/config"
	"github.com/vadiminshakov/flashvault/internal/bank"
	"github.com/vadiminshakov/flashvault/internal/clock"
	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/services/liquidation"
	"github.com/vadiminshakov/flashvault/internal/services/migration"
	"github.com/vadiminshakov/flashvault/internal/services/oracle"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
	"github.com/vadiminshakov/flashvault/internal/services/rebalance"
	"github.com/vadiminshakov/flashvault/internal/storage/vaultstate"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

// AddressOf derives a stable account address for a named participant.
func AddressOf(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(name))[12:])
}

var one = decimal.NewFromInt(1)

// backend is a simulated provider the world funds and persists.
type backend interface {
	provider.Adapter
	provider.Persistent
	Supply(amount decimal.Decimal) error
}

// Options are the host-supplied dependencies of a World.
type Options struct {
	// Prices replaces the static oracle built from config.
	Prices oracle.Oracle
	Sink   vault.EventSink
	// Store persists the world after every tick. Nil disables persistence.
	Store  *vaultstate.Store
	Logger *zap.Logger
}

// World is one simulated vault with everything it talks to.
type World struct {
	cfg    config.Config
	logger *zap.Logger
	store  *vaultstate.Store

	Bank     *bank.Bank
	Clock    *clock.Manual
	Static   *oracle.Static
	Registry *provider.Registry
	Lender   *provider.MarginMarket
	Pool     *provider.ConstantProductPool
	Vault    *vault.Vault

	Migrator   *migration.Engine
	Controller *rebalance.Controller
	Liquidator *liquidation.Engine

	markets []provider.Persistent
}

// New builds the world described by cfg. Saved state found in opts.Store
// replaces the initial funding and seeded users.
func New(ctx context.Context, cfg config.Config, opts Options) (*World, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("pair", cfg.Pair.String()))

	w := &World{
		cfg:    cfg,
		logger: logger,
		store:  opts.Store,
		Bank:   bank.New(),
		Clock:  clock.NewManual(1),
	}
	vaultAddr := AddressOf("vault:" + cfg.Pair.String())

	adapters := make([]provider.Adapter, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		a, err := w.newBackend(p, vaultAddr)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	registry, err := provider.NewRegistry(adapters...)
	if err != nil {
		return nil, err
	}
	w.Registry = registry

	w.Pool, err = provider.NewConstantProductPool(AddressOf("pool:"+cfg.Pair.String()), cfg.Pair, cfg.PoolFee, w.Bank, logger)
	if err != nil {
		return nil, err
	}
	if err := w.Pool.AddLiquidity(cfg.PoolBase, cfg.PoolQuote); err != nil {
		return nil, errors.Wrap(err, "fund swap pool")
	}

	prices := opts.Prices
	if prices == nil {
		w.Static = oracle.NewStatic()
		w.Static.Set(cfg.Pair, cfg.Price)
		prices = w.Static
	} else {
		prices = oracle.NewGuarded(prices, cfg.PriceMaxAge, logger)
	}

	w.Vault, err = vault.New(vault.Params{
		Pair:      cfg.Pair,
		Address:   vaultAddr,
		Bank:      w.Bank,
		Clock:     w.Clock,
		Providers: registry,
		Active:    cfg.Active,
		Oracle:    prices,
		Config: vault.Config{
			ThresholdFactor:  cfg.ThresholdFactor,
			LiquidationBonus: cfg.LiquidationBonus,
			WhitelistDelay:   cfg.WhitelistDelay,
		},
		Sink:   opts.Sink,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	var lender provider.FlashLender
	if w.Lender != nil {
		lender = w.Lender
	}
	w.Migrator = migration.NewEngine(lender, logger)
	w.Liquidator = liquidation.NewEngine(lender, w.Pool, logger)
	w.Controller, err = rebalance.NewController(w.Migrator, cfg.SwitchThreshold,
		rebalance.NewRateHistory(cfg.EMAPeriod, cfg.HistoryLimit), logger)
	if err != nil {
		return nil, err
	}

	restored, err := w.restore()
	if err != nil {
		return nil, err
	}
	if !restored {
		if err := w.seed(ctx); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Config returns the configuration the world was built from.
func (w *World) Config() config.Config { return w.cfg }

func (w *World) newBackend(p config.Provider, owner common.Address) (provider.Adapter, error) {
	pc := provider.Config{
		Name:         p.Name,
		Pair:         w.cfg.Pair,
		Owner:        owner,
		Address:      AddressOf("provider:" + p.Name),
		Model:        p.Model,
		ExchangeRate: p.ExchangeRate,
	}

	var (
		adapter backend
		err     error
	)
	switch p.Kind {
	case provider.KindAave:
		adapter, err = provider.NewAaveLikeMarket(pc, w.Bank, w.Clock, w.logger)
	case provider.KindCompound:
		adapter, err = provider.NewCompoundLikeMarket(pc, w.Bank, w.Clock, w.logger)
	case provider.KindMargin:
		terms := provider.FlashTerms{Flat: w.cfg.FlashFeeFlat, Bps: w.cfg.FlashFeeBps}
		var m *provider.MarginMarket
		m, err = provider.NewMarginMarket(pc, p.Model.BaseRate, terms, w.Bank, w.Clock, w.logger)
		if err == nil && p.Name == w.cfg.FlashLender {
			w.Lender = m
		}
		adapter = m
	default:
		return nil, errors.Errorf("unsupported provider kind %q", p.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := adapter.Supply(p.Liquidity); err != nil {
		return nil, errors.Wrapf(err, "fund %s", p.Name)
	}
	w.markets = append(w.markets, adapter)
	return adapter, nil
}

// seed opens the configured user positions on a fresh world.
func (w *World) seed(ctx context.Context) error {
	if len(w.cfg.Users) == 0 {
		return nil
	}

	users := make([]common.Address, 0, len(w.cfg.Users))
	for _, u := range w.cfg.Users {
		if !common.IsHexAddress(u.Address) {
			return errors.Errorf("invalid user address %q", u.Address)
		}
		user := common.HexToAddress(u.Address)
		if _, err := w.Vault.RequestWhitelist(ctx, user); err != nil {
			return err
		}
		users = append(users, user)
	}
	w.Clock.Advance(w.cfg.WhitelistDelay)

	for i, u := range w.cfg.Users {
		user := users[i]
		if err := w.Bank.Mint(user, w.cfg.Pair.Base, u.Collateral); err != nil {
			return err
		}
		if err := w.Vault.Deposit(ctx, user, u.Collateral); err != nil {
			return errors.Wrapf(err, "seed %s deposit", user.Hex())
		}
		if u.Borrow.IsPositive() {
			if err := w.Vault.Borrow(ctx, user, u.Borrow); err != nil {
				return errors.Wrapf(err, "seed %s borrow", user.Hex())
			}
		}
		w.logger.Info("seeded position",
			zap.String("user", user.Hex()),
			zap.String("collateral", u.Collateral.String()),
			zap.String("borrow", u.Borrow.String()))
	}
	return nil
}

func (w *World) restore() (bool, error) {
	st, err := w.store.Load()
	if err != nil || st == nil {
		return false, err
	}
	if st.Pair != w.cfg.Pair.String() {
		return false, errors.Errorf("saved state belongs to %s", st.Pair)
	}

	if err := w.Bank.Load(st.Balances); err != nil {
		return false, errors.Wrap(err, "restore balances")
	}
	for _, m := range w.markets {
		ms, ok := st.Markets[m.Name()]
		if !ok {
			continue
		}
		if err := m.Load(ms); err != nil {
			return false, errors.Wrapf(err, "restore %s", m.Name())
		}
	}
	if err := w.Vault.Load(st.Vault); err != nil {
		return false, errors.Wrap(err, "restore vault")
	}
	w.Clock.Set(st.Block)

	w.logger.Info("state restored", zap.Uint64("block", st.Block), zap.Time("saved_at", st.SavedAt))
	return true, nil
}

// Save persists the world. Without a store it does nothing.
func (w *World) Save() error {
	if w.store == nil {
		return nil
	}
	st := vaultstate.State{
		SavedAt:  time.Now().UTC(),
		Pair:     w.cfg.Pair.String(),
		Block:    w.Clock.BlockNumber(),
		Vault:    w.Vault.State(),
		Markets:  make(map[string]provider.MarketState, len(w.markets)),
		Balances: w.Bank.Balances(),
	}
	for _, m := range w.markets {
		st.Markets[m.Name()] = m.State()
	}
	return w.store.Save(st)
}

// Keeper is the account that runs flash liquidations in the simulation.
func (w *World) Keeper() common.Address {
	return AddressOf("keeper:" + w.cfg.Pair.String())
}

// Sweep flash liquidates every unhealthy position on behalf of the keeper.
// Positions that cannot be liquidated are logged and skipped.
func (w *World) Sweep(ctx context.Context) []*domain.LiquidationRequest {
	snap, err := w.Vault.Snapshot(ctx)
	if err != nil {
		w.logger.Warn("sweep skipped, snapshot failed", zap.Error(err))
		return nil
	}
	if !snap.Price.IsPositive() {
		w.logger.Warn("sweep skipped, no price")
		return nil
	}

	var done []*domain.LiquidationRequest
	for _, p := range snap.Positions {
		if p.Debt.IsZero() || p.HealthFactor.GreaterThanOrEqual(one) {
			continue
		}
		req, err := w.Liquidator.FlashLiquidate(ctx, w.Vault, w.Keeper(), p.User)
		if err != nil {
			w.logger.Warn("flash liquidation failed", zap.String("user", p.User.Hex()), zap.Error(err))
			continue
		}
		done = append(done, req)
	}
	return done
}
