package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/bank"
	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/ledger"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
)

// Tx is the view of a vault inside Atomic. Its methods assume the vault lock
// is held and must not be used after fn returns.
type Tx struct {
	v      *Vault
	ctx    context.Context
	events []domain.VaultEvent
}

// Context returns the context passed to Atomic.
func (tx *Tx) Context() context.Context { return tx.ctx }

func (tx *Tx) Pair() domain.Pair            { return tx.v.pair }
func (tx *Tx) Address() common.Address      { return tx.v.address }
func (tx *Tx) Bank() *bank.Bank             { return tx.v.bank }
func (tx *Tx) Config() Config               { return tx.v.cfg }
func (tx *Tx) Ledger() *ledger.Ledger       { return tx.v.ledger }
func (tx *Tx) Logger() *zap.Logger          { return tx.v.logger }
func (tx *Tx) ActiveName() string           { return tx.v.book.active }
func (tx *Tx) Block() uint64                { return tx.v.clock.BlockNumber() }
func (tx *Tx) Users() []common.Address      { return tx.v.users() }
func (tx *Tx) Registry() *provider.Registry { return tx.v.providers }

// Active returns the adapter holding the pooled position.
func (tx *Tx) Active() provider.Adapter {
	a, _ := tx.v.providers.Get(tx.v.book.active)
	return a
}

// Record queues an event published after commit.
func (tx *Tx) Record(typ domain.EventType, user common.Address, amount decimal.Decimal, details any) {
	tx.events = append(tx.events, tx.v.newEvent(typ, user, amount, details))
}

// Price reads the oracle.
func (tx *Tx) Price() (decimal.Decimal, error) {
	price, err := tx.v.oracle.GetPrice(tx.ctx, tx.v.pair)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "oracle returned %s for %s", price, tx.v.pair)
	}
	return price, nil
}

// SyncDebt folds the active provider's outstanding debt into the index and
// returns it.
func (tx *Tx) SyncDebt() (decimal.Decimal, error) {
	actual, err := tx.Active().BalanceOfDebt(tx.ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "read provider debt")
	}
	tx.v.ledger.Sync(actual)
	return actual, nil
}

// PooledCollateral returns the base asset held at the active provider.
func (tx *Tx) PooledCollateral() (decimal.Decimal, error) {
	pooled, err := tx.Active().BalanceOfCollateral(tx.ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "read provider collateral")
	}
	return pooled, nil
}

// CollateralOf returns user's claim on the pooled collateral, rounded down.
func (tx *Tx) CollateralOf(user common.Address) (decimal.Decimal, error) {
	shares := tx.v.book.collateral[user]
	if shares.IsZero() {
		return decimal.Zero, nil
	}
	pooled, err := tx.PooledCollateral()
	if err != nil {
		return decimal.Zero, err
	}
	return tx.v.sharesToCollateral(shares, pooled), nil
}

// Position returns user's shares.
func (tx *Tx) Position(user common.Address) domain.Position {
	return tx.v.position(user)
}

// HealthFactor syncs the debt and returns user's health factor at price.
func (tx *Tx) HealthFactor(user common.Address) (decimal.Decimal, error) {
	if _, err := tx.SyncDebt(); err != nil {
		return decimal.Zero, err
	}
	debt := tx.v.ledger.DebtOf(user)
	if debt.IsZero() {
		return NoDebtHealthFactor, nil
	}
	collateral, err := tx.CollateralOf(user)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := tx.Price()
	if err != nil {
		return decimal.Zero, err
	}
	return healthFactor(collateral, price, tx.v.cfg.ThresholdFactor, debt), nil
}

// AddCollateral deposits amount of base asset already held by the vault
// account into the active provider and credits user with collateral shares.
func (tx *Tx) AddCollateral(user common.Address, amount decimal.Decimal) error {
	pooled, err := tx.PooledCollateral()
	if err != nil {
		return err
	}
	if _, err := tx.Active().Deposit(tx.ctx, amount); err != nil {
		return errors.Wrap(err, "provider deposit")
	}

	minted := amount
	if tx.v.book.totalCollateral.IsPositive() && pooled.IsPositive() {
		minted = ledger.DivFloor(amount.Mul(tx.v.book.totalCollateral), pooled)
	}
	tx.v.book.collateral[user] = tx.v.book.collateral[user].Add(minted)
	tx.v.book.totalCollateral = tx.v.book.totalCollateral.Add(minted)
	return nil
}

// RemoveCollateral withdraws amount of user's collateral from the active
// provider to the vault account and burns the matching shares. No health
// check is made.
func (tx *Tx) RemoveCollateral(user common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrap(domain.ErrZeroAmount, "remove collateral")
	}
	shares := tx.v.book.collateral[user]
	pooled, err := tx.PooledCollateral()
	if err != nil {
		return err
	}
	owned := tx.v.sharesToCollateral(shares, pooled)
	if amount.GreaterThan(owned) {
		return errors.Wrapf(domain.ErrExceedsBalance, "collateral of %s is %s, requested %s", user.Hex(), owned, amount)
	}

	if err := tx.Active().Withdraw(tx.ctx, amount); err != nil {
		return errors.Wrap(err, "provider withdraw")
	}

	burned := shares
	if amount.LessThan(owned) {
		burned = decimal.Min(shares, ledger.DivCeil(amount.Mul(tx.v.book.totalCollateral), pooled))
	}
	tx.v.burnCollateral(user, burned)
	return nil
}

// BorrowFor borrows amount at the active provider, credits it to the vault
// account and mints debt shares for user. No health check is made.
func (tx *Tx) BorrowFor(user common.Address, amount decimal.Decimal) error {
	if err := tx.Active().Borrow(tx.ctx, amount); err != nil {
		return errors.Wrap(err, "provider borrow")
	}
	if _, err := tx.v.ledger.Mint(user, amount); err != nil {
		return err
	}
	return nil
}

// RepayFor pulls up to amount of quote asset from payer, repays user's debt at
// the active provider and burns user's shares. Returns the amount taken from
// payer, never more than the user's debt.
func (tx *Tx) RepayFor(payer, user common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrap(domain.ErrZeroAmount, "repay")
	}
	if tx.v.ledger.SharesOf(user).IsZero() {
		return decimal.Zero, errors.Wrapf(domain.ErrNoDebt, "user %s", user.Hex())
	}
	if _, err := tx.SyncDebt(); err != nil {
		return decimal.Zero, err
	}

	debt := tx.v.ledger.DebtOf(user)
	take := decimal.Min(amount, debt)
	forward := take
	if take.Equal(debt) {
		// the ledger drops by exactly shares*index; the rounding unit of a
		// full payoff stays on the vault account
		forward = ledger.MulFloor(tx.v.ledger.SharesOf(user), tx.v.ledger.Index())
	}

	quote := tx.v.pair.Quote
	if err := tx.v.bank.Transfer(payer, tx.v.address, quote, take); err != nil {
		return decimal.Zero, errors.Wrap(err, "collect repayment")
	}
	repaid := decimal.Zero
	if forward.IsPositive() {
		var err error
		if repaid, err = tx.Active().Payback(tx.ctx, forward); err != nil {
			return decimal.Zero, errors.Wrap(err, "provider payback")
		}
	}
	// the provider clamps payback to its own debt
	refund := forward.Sub(repaid)
	if refund.IsPositive() {
		if err := tx.v.bank.Transfer(tx.v.address, payer, quote, refund); err != nil {
			return decimal.Zero, errors.Wrap(err, "return repayment dust")
		}
	}
	if _, _, err := tx.v.ledger.Burn(user, take); err != nil {
		return decimal.Zero, err
	}
	return take.Sub(refund), nil
}

// SetActive records name as the active provider. It fails unless name holds
// the whole pooled position and every other adapter holds nothing.
func (tx *Tx) SetActive(name string) error {
	dest, err := tx.v.providers.Get(name)
	if err != nil {
		return err
	}
	for _, a := range tx.v.providers.All() {
		if a.Name() == dest.Name() {
			continue
		}
		collateral, err := a.BalanceOfCollateral(tx.ctx)
		if err != nil {
			return errors.Wrapf(err, "read %s collateral", a.Name())
		}
		debt, err := a.BalanceOfDebt(tx.ctx)
		if err != nil {
			return errors.Wrapf(err, "read %s debt", a.Name())
		}
		if !collateral.IsZero() || !debt.IsZero() {
			return errors.Errorf("provider %s still holds collateral %s and debt %s", a.Name(), collateral, debt)
		}
	}
	if tx.v.book.totalCollateral.IsPositive() {
		held, err := dest.BalanceOfCollateral(tx.ctx)
		if err != nil {
			return errors.Wrapf(err, "read %s collateral", name)
		}
		if !held.IsPositive() {
			return errors.Errorf("provider %s holds no collateral", name)
		}
	}

	from := tx.v.book.active
	tx.v.book.active = name
	tx.Record(domain.EventProviderSwitch, common.Address{}, decimal.Zero, map[string]string{"from": from, "to": name})
	return nil
}

func (v *Vault) sharesToCollateral(shares, pooled decimal.Decimal) decimal.Decimal {
	if shares.IsZero() || v.book.totalCollateral.IsZero() {
		return decimal.Zero
	}
	if shares.Equal(v.book.totalCollateral) {
		return pooled
	}
	return ledger.DivFloor(shares.Mul(pooled), v.book.totalCollateral)
}

func (v *Vault) burnCollateral(user common.Address, shares decimal.Decimal) {
	left := v.book.collateral[user].Sub(shares)
	if left.IsPositive() {
		v.book.collateral[user] = left
	} else {
		delete(v.book.collateral, user)
	}
	v.book.totalCollateral = v.book.totalCollateral.Sub(shares)
	if v.book.totalCollateral.IsNegative() {
		v.book.totalCollateral = decimal.Zero
	}
}

func (v *Vault) position(user common.Address) domain.Position {
	return domain.Position{
		User:             user,
		CollateralShares: v.book.collateral[user],
		DebtShares:       v.ledger.SharesOf(user),
	}
}

func (v *Vault) users() []common.Address {
	holders := make([]common.Address, 0, len(v.book.collateral))
	for user := range v.book.collateral {
		holders = append(holders, user)
	}
	return sortedUsers(holders, v.ledger.Users())
}

// healthFactor returns collateral*price*threshold/debt.
func healthFactor(collateral, price, threshold, debt decimal.Decimal) decimal.Decimal {
	if debt.IsZero() {
		return NoDebtHealthFactor
	}
	return collateral.Mul(price).Mul(threshold).DivRound(debt, ledger.AmountPlaces)
}

// covers reports whether collateral at price backs debt under threshold,
// i.e. the health factor is at least 1. Computed without division.
func covers(collateral, price, threshold, debt decimal.Decimal) bool {
	return collateral.Mul(price).Mul(threshold).GreaterThanOrEqual(debt)
}
