package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/ledger"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
)

// PositionView is a user's position in absolute amounts.
type PositionView struct {
	domain.Position
	Collateral   decimal.Decimal `json:"collateral"`
	Debt         decimal.Decimal `json:"debt"`
	HealthFactor decimal.Decimal `json:"health_factor"`
}

// Snapshot is a consistent read of the whole vault.
type Snapshot struct {
	Pair             string                `json:"pair"`
	Block            uint64                `json:"block"`
	Active           string                `json:"active"`
	Index            decimal.Decimal       `json:"index"`
	TotalDebt        decimal.Decimal       `json:"total_debt"`
	ProviderDebt     decimal.Decimal       `json:"provider_debt"`
	PooledCollateral decimal.Decimal       `json:"pooled_collateral"`
	Price            decimal.Decimal       `json:"price,omitempty"`
	Positions        []PositionView        `json:"positions"`
	Rates            []domain.ProviderRate `json:"rates,omitempty"`
}

// ActiveProvider returns the name of the active provider.
func (v *Vault) ActiveProvider() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.book.active
}

// Position returns user's shares.
func (v *Vault) Position(user common.Address) domain.Position {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position(user)
}

// Index returns the current debt index.
func (v *Vault) Index() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.Index()
}

// CollateralOf returns user's collateral in base asset.
func (v *Vault) CollateralOf(ctx context.Context, user common.Address) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tx := &Tx{v: v, ctx: ctx}
	return tx.CollateralOf(user)
}

// DebtOf returns user's debt including interest accrued at the active
// provider since the last sync. The index is not modified.
func (v *Vault) DebtOf(ctx context.Context, user common.Address) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	actual, err := v.activeDebt(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return v.ledger.ProjectedDebtOf(user, actual), nil
}

// TotalDebt returns sum(shares) * index as recorded by the ledger.
func (v *Vault) TotalDebt() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.TotalDebt()
}

// HealthFactor returns collateral value * threshold / debt for user, or
// NoDebtHealthFactor without debt. The index is not modified.
func (v *Vault) HealthFactor(ctx context.Context, user common.Address) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.projectedHealth(ctx, user)
}

func (v *Vault) projectedHealth(ctx context.Context, user common.Address) (decimal.Decimal, error) {
	actual, err := v.activeDebt(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	debt := v.ledger.ProjectedDebtOf(user, actual)
	if debt.IsZero() {
		return NoDebtHealthFactor, nil
	}
	tx := &Tx{v: v, ctx: ctx}
	collateral, err := tx.CollateralOf(user)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := tx.Price()
	if err != nil {
		return decimal.Zero, err
	}
	return healthFactor(collateral, price, v.cfg.ThresholdFactor, debt), nil
}

// Snapshot reads the vault in one consistent view. A missing price leaves
// health factors empty instead of failing.
func (v *Vault) Snapshot(ctx context.Context) (Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Snapshot{}, errors.Wrap(err, "snapshot")
	}

	tx := &Tx{v: v, ctx: ctx}
	actual, err := v.activeDebt(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	pooled, err := tx.PooledCollateral()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Pair:             v.pair.String(),
		Block:            v.clock.BlockNumber(),
		Active:           v.book.active,
		Index:            v.ledger.Index(),
		TotalDebt:        v.ledger.TotalDebt(),
		ProviderDebt:     actual,
		PooledCollateral: pooled,
	}
	if price, err := tx.Price(); err == nil {
		snap.Price = price
	}

	for _, user := range v.users() {
		view := PositionView{
			Position:   v.position(user),
			Collateral: v.sharesToCollateral(v.book.collateral[user], pooled),
			Debt:       v.ledger.ProjectedDebtOf(user, actual),
		}
		if snap.Price.IsPositive() {
			view.HealthFactor = healthFactor(view.Collateral, snap.Price, v.cfg.ThresholdFactor, view.Debt)
		}
		snap.Positions = append(snap.Positions, view)
	}

	for _, a := range v.providers.All() {
		rate, err := a.CurrentBorrowRate(ctx)
		if err != nil {
			continue
		}
		snap.Rates = append(snap.Rates, domain.ProviderRate{Provider: a.Name(), Rate: rate})
	}
	return snap, nil
}

func (v *Vault) activeDebt(ctx context.Context) (decimal.Decimal, error) {
	active, err := v.providers.Get(v.book.active)
	if err != nil {
		return decimal.Zero, err
	}
	actual, err := active.BalanceOfDebt(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "read provider debt")
	}
	return actual, nil
}

// State is the persistent part of a vault.
type State struct {
	Active     string                  `json:"active"`
	Whitelist  []domain.WhitelistEntry `json:"whitelist"`
	Collateral []domain.Position       `json:"collateral"`
	Ledger     ledger.State            `json:"ledger"`
}

// State exports the vault book and debt ledger.
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	st := State{Active: v.book.active, Ledger: v.ledger.State()}
	whitelisted := make([]common.Address, 0, len(v.book.whitelist))
	for user := range v.book.whitelist {
		whitelisted = append(whitelisted, user)
	}
	for _, user := range sortedUsers(whitelisted) {
		st.Whitelist = append(st.Whitelist, domain.WhitelistEntry{User: user, RequestedAt: v.book.whitelist[user]})
	}
	holders := make([]common.Address, 0, len(v.book.collateral))
	for user := range v.book.collateral {
		holders = append(holders, user)
	}
	for _, user := range sortedUsers(holders) {
		st.Collateral = append(st.Collateral, domain.Position{User: user, CollateralShares: v.book.collateral[user]})
	}
	return st
}

// Load replaces the vault book and ledger with st.
func (v *Vault) Load(st State) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.providers.Get(st.Active); err != nil {
		return errors.Wrap(err, "load active provider")
	}
	next := book{
		active:          st.Active,
		collateral:      make(map[common.Address]decimal.Decimal, len(st.Collateral)),
		totalCollateral: decimal.Zero,
		whitelist:       make(map[common.Address]uint64, len(st.Whitelist)),
	}
	for _, entry := range st.Whitelist {
		next.whitelist[entry.User] = entry.RequestedAt
	}
	for _, pos := range st.Collateral {
		if pos.CollateralShares.IsNegative() {
			return errors.Errorf("negative collateral shares for %s", pos.User.Hex())
		}
		if pos.CollateralShares.IsZero() {
			continue
		}
		next.collateral[pos.User] = pos.CollateralShares
		next.totalCollateral = next.totalCollateral.Add(pos.CollateralShares)
	}
	if err := v.ledger.Load(st.Ledger); err != nil {
		return errors.Wrap(err, "load debt ledger")
	}
	v.book = next
	return nil
}

// Adapter returns the registered adapter called name.
func (v *Vault) Adapter(name string) (provider.Adapter, error) {
	return v.providers.Get(name)
}
