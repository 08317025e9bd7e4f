package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

// RequestWhitelist registers user. The entry becomes active after the
// configured delay. Repeated requests keep the original block.
func (v *Vault) RequestWhitelist(ctx context.Context, user common.Address) (domain.WhitelistEntry, error) {
	var entry domain.WhitelistEntry
	err := v.Atomic(ctx, func(tx *Tx) error {
		if block, ok := v.book.whitelist[user]; ok {
			entry = domain.WhitelistEntry{User: user, RequestedAt: block}
			return nil
		}
		block := v.clock.BlockNumber()
		v.book.whitelist[user] = block
		entry = domain.WhitelistEntry{User: user, RequestedAt: block}
		tx.Record(domain.EventWhitelist, user, decimal.Zero, entry)
		return nil
	})
	return entry, err
}

// IsWhitelisted reports whether user may deposit at the current block.
func (v *Vault) IsWhitelisted(user common.Address) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.whitelisted(user)
}

func (v *Vault) whitelisted(user common.Address) bool {
	block, ok := v.book.whitelist[user]
	if !ok {
		return false
	}
	entry := domain.WhitelistEntry{User: user, RequestedAt: block}
	return entry.IsActive(v.clock.BlockNumber(), v.cfg.WhitelistDelay)
}

// Deposit moves amount of base asset from user's wallet into the active
// provider and credits collateral shares.
func (v *Vault) Deposit(ctx context.Context, user common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrap(domain.ErrZeroAmount, "deposit")
	}
	return v.Atomic(ctx, func(tx *Tx) error {
		if !v.whitelisted(user) {
			return errors.Wrapf(domain.ErrNotWhitelisted, "user %s", user.Hex())
		}
		if err := v.bank.Transfer(user, v.address, v.pair.Base, amount); err != nil {
			return errors.Wrap(err, "collect deposit")
		}
		if err := tx.AddCollateral(user, amount); err != nil {
			return err
		}
		tx.Record(domain.EventDeposit, user, amount, nil)
		return nil
	})
}

// Withdraw returns amount of user's collateral to the wallet. With debt
// outstanding the remaining collateral must keep the health factor at or
// above 1.
func (v *Vault) Withdraw(ctx context.Context, user common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrap(domain.ErrZeroAmount, "withdraw")
	}
	return v.Atomic(ctx, func(tx *Tx) error {
		collateral, err := tx.CollateralOf(user)
		if err != nil {
			return err
		}
		if amount.GreaterThan(collateral) {
			return errors.Wrapf(domain.ErrExceedsBalance, "collateral of %s is %s, requested %s", user.Hex(), collateral, amount)
		}

		if _, err := tx.SyncDebt(); err != nil {
			return err
		}
		if debt := v.ledger.DebtOf(user); debt.IsPositive() {
			price, err := tx.Price()
			if err != nil {
				return err
			}
			if !covers(collateral.Sub(amount), price, v.cfg.ThresholdFactor, debt) {
				return errors.Wrapf(domain.ErrInsufficientCollateral, "withdrawing %s leaves health factor %s",
					amount, healthFactor(collateral.Sub(amount), price, v.cfg.ThresholdFactor, debt))
			}
		}

		if err := tx.RemoveCollateral(user, amount); err != nil {
			return err
		}
		if err := v.bank.Transfer(v.address, user, v.pair.Base, amount); err != nil {
			return errors.Wrap(err, "pay out withdrawal")
		}
		tx.Record(domain.EventWithdraw, user, amount, nil)
		return nil
	})
}

// Borrow lends amount of quote asset to user if the resulting health factor
// is at least 1.
func (v *Vault) Borrow(ctx context.Context, user common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrap(domain.ErrZeroAmount, "borrow")
	}
	return v.Atomic(ctx, func(tx *Tx) error {
		if _, err := tx.SyncDebt(); err != nil {
			return err
		}
		collateral, err := tx.CollateralOf(user)
		if err != nil {
			return err
		}
		price, err := tx.Price()
		if err != nil {
			return err
		}
		debt := v.ledger.DebtOf(user).Add(amount)
		if !covers(collateral, price, v.cfg.ThresholdFactor, debt) {
			return errors.Wrapf(domain.ErrInsufficientCollateral, "borrowing %s gives health factor %s",
				amount, healthFactor(collateral, price, v.cfg.ThresholdFactor, debt))
		}

		if err := tx.BorrowFor(user, amount); err != nil {
			return err
		}
		if err := v.bank.Transfer(v.address, user, v.pair.Quote, amount); err != nil {
			return errors.Wrap(err, "pay out borrow")
		}
		tx.Record(domain.EventBorrow, user, amount, nil)
		return nil
	})
}

// Payback repays up to amount of user's debt from the wallet and returns the
// amount taken. Anything above the debt stays with the user.
func (v *Vault) Payback(ctx context.Context, user common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrap(domain.ErrZeroAmount, "payback")
	}
	var repaid decimal.Decimal
	err := v.Atomic(ctx, func(tx *Tx) error {
		var err error
		repaid, err = tx.RepayFor(user, user, amount)
		if err != nil {
			return err
		}
		tx.Record(domain.EventPayback, user, repaid, nil)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return repaid, nil
}

// SetActiveProvider switches the active provider. It only succeeds once the
// named provider physically holds the whole pooled position, so in practice
// it is called by a migration.
func (v *Vault) SetActiveProvider(ctx context.Context, name string) error {
	return v.Atomic(ctx, func(tx *Tx) error {
		if name == v.book.active {
			return nil
		}
		return tx.SetActive(name)
	})
}
