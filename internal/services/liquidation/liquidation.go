// Package liquidation unwinds unhealthy positions, either with a third-party
// liquidator's funds or atomically through a flash loan and a swap.
package liquidation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/ledger"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
	"github.com/vadiminshakov/flashvault/internal/txn"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

var one = decimal.NewFromInt(1)

// Engine executes liquidations and flash closes against a vault.
type Engine struct {
	lender  provider.FlashLender
	swapper provider.Swapper
	logger  *zap.Logger
}

// NewEngine creates an engine. lender and swapper are needed only by the
// flash-financed paths.
func NewEngine(lender provider.FlashLender, swapper provider.Swapper, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{lender: lender, swapper: swapper, logger: logger}
}

// HealthFactor returns user's health factor without modifying the vault.
func (e *Engine) HealthFactor(ctx context.Context, v *vault.Vault, user common.Address) (decimal.Decimal, error) {
	return v.HealthFactor(ctx, user)
}

// Liquidate repays repay of an unhealthy user's debt with the liquidator's
// quote asset and pays the liquidator collateral worth repay*(1+bonus).
func (e *Engine) Liquidate(ctx context.Context, v *vault.Vault, liquidator, user common.Address, repay decimal.Decimal) (*domain.LiquidationRequest, error) {
	if !repay.IsPositive() {
		return nil, errors.Wrap(domain.ErrZeroAmount, "liquidate")
	}
	req := &domain.LiquidationRequest{ID: uuid.New().String(), User: user, Liquidator: liquidator, Repay: repay, Bonus: v.Config().LiquidationBonus}

	err := v.Atomic(ctx, func(tx *vault.Tx) error {
		if err := requireUnhealthy(tx, user); err != nil {
			return err
		}
		debt := tx.Ledger().DebtOf(user)
		if repay.GreaterThan(debt) {
			return errors.Wrapf(domain.ErrExceedsDebt, "repay %s, debt %s", repay, debt)
		}

		price, err := tx.Price()
		if err != nil {
			return err
		}
		req.Price = price

		seize, err := seizable(tx, user, repay, price)
		if err != nil {
			return err
		}
		req.Seized = seize

		repaid, err := tx.RepayFor(liquidator, user, repay)
		if err != nil {
			return err
		}
		req.Repay = repaid

		if seize.IsPositive() {
			if err := tx.RemoveCollateral(user, seize); err != nil {
				return err
			}
			if err := tx.Bank().Transfer(tx.Address(), liquidator, tx.Pair().Base, seize); err != nil {
				return errors.Wrap(err, "pay liquidator")
			}
		}
		tx.Record(domain.EventLiquidation, user, req.Repay, *req)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("position liquidated",
		zap.String("id", req.ID),
		zap.String("user", user.Hex()),
		zap.String("liquidator", liquidator.Hex()),
		zap.String("repaid", req.Repay.String()),
		zap.String("seized", req.Seized.String()),
		zap.String("price", req.Price.String()))
	return req, nil
}

// FlashClose repays all of user's debt with a flash loan, sells just enough
// collateral to repay the loan and fee, and returns the remaining collateral
// to user's wallet. The position is closed. If the collateral cannot cover
// the loan nothing changes and ErrUndercollateralized is returned.
func (e *Engine) FlashClose(ctx context.Context, v *vault.Vault, user common.Address) (*domain.LiquidationRequest, error) {
	if err := e.requireFlash(); err != nil {
		return nil, err
	}
	req := &domain.LiquidationRequest{ID: uuid.New().String(), User: user, Liquidator: user, Flash: true}

	err := v.Atomic(ctx, func(tx *vault.Tx) error {
		if _, err := tx.SyncDebt(); err != nil {
			return err
		}
		debt := tx.Ledger().DebtOf(user)
		if debt.IsZero() {
			return errors.Wrapf(domain.ErrNoDebt, "user %s", user.Hex())
		}
		collateral, err := tx.CollateralOf(user)
		if err != nil {
			return err
		}
		req.Repay = debt
		req.Seized = collateral

		sold, err := e.unwind(tx, user, debt, collateral, req)
		if err != nil {
			return err
		}
		req.Residual = collateral.Sub(sold)

		if req.Residual.IsPositive() {
			if err := tx.Bank().Transfer(tx.Address(), user, tx.Pair().Base, req.Residual); err != nil {
				return errors.Wrap(err, "return residual collateral")
			}
		}
		tx.Record(domain.EventFlashClose, user, debt, *req)
		return nil
	}, e.participants()...)
	if err != nil {
		return nil, err
	}

	e.logger.Info("position flash closed",
		zap.String("id", req.ID),
		zap.String("user", user.Hex()),
		zap.String("debt", req.Repay.String()),
		zap.String("fee", req.FlashFee.String()),
		zap.String("residual", req.Residual.String()))
	return req, nil
}

// FlashLiquidate liquidates the whole debt of an unhealthy user without
// upfront funds: a flash loan repays the debt, part of the seized collateral
// is sold to repay the loan and the liquidator keeps the rest.
func (e *Engine) FlashLiquidate(ctx context.Context, v *vault.Vault, liquidator, user common.Address) (*domain.LiquidationRequest, error) {
	if err := e.requireFlash(); err != nil {
		return nil, err
	}
	req := &domain.LiquidationRequest{ID: uuid.New().String(), User: user, Liquidator: liquidator, Bonus: v.Config().LiquidationBonus, Flash: true}

	err := v.Atomic(ctx, func(tx *vault.Tx) error {
		if err := requireUnhealthy(tx, user); err != nil {
			return err
		}
		debt := tx.Ledger().DebtOf(user)
		price, err := tx.Price()
		if err != nil {
			return err
		}
		seize, err := seizable(tx, user, debt, price)
		if err != nil {
			return err
		}
		req.Repay = debt
		req.Price = price
		req.Seized = seize

		sold, err := e.unwind(tx, user, debt, seize, req)
		if err != nil {
			return err
		}
		req.Residual = seize.Sub(sold)

		if req.Residual.IsPositive() {
			if err := tx.Bank().Transfer(tx.Address(), liquidator, tx.Pair().Base, req.Residual); err != nil {
				return errors.Wrap(err, "pay liquidator")
			}
		}
		tx.Record(domain.EventLiquidation, user, debt, *req)
		return nil
	}, e.participants()...)
	if err != nil {
		return nil, err
	}

	e.logger.Info("position flash liquidated",
		zap.String("id", req.ID),
		zap.String("user", user.Hex()),
		zap.String("liquidator", liquidator.Hex()),
		zap.String("debt", req.Repay.String()),
		zap.String("seized", req.Seized.String()),
		zap.String("profit", req.Residual.String()))
	return req, nil
}

// unwind flash borrows debt, repays it for user, pulls collateral out of the
// provider and sells enough of it to repay the loan. Returns the collateral
// sold. Unsold collateral stays on the vault account.
func (e *Engine) unwind(tx *vault.Tx, user common.Address, debt, collateral decimal.Decimal, req *domain.LiquidationRequest) (decimal.Decimal, error) {
	var sold decimal.Decimal
	pair := tx.Pair()
	self := tx.Address()
	if !collateral.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrUndercollateralized, "%s has no collateral", user.Hex())
	}

	err := e.lender.FlashBorrow(tx.Context(), self, pair.Quote, debt, func(ctx context.Context, fee decimal.Decimal) error {
		req.FlashFee = fee

		if _, err := tx.RepayFor(self, user, debt); err != nil {
			return err
		}
		if err := tx.RemoveCollateral(user, collateral); err != nil {
			return err
		}

		owed := debt.Add(fee)
		in, err := e.swapper.AmountIn(ctx, pair.Base, pair.Quote, owed)
		if err != nil {
			return errors.Wrapf(domain.ErrUndercollateralized, "no quote for %s %s: %v", owed, pair.Quote, err)
		}
		if in.GreaterThan(collateral) {
			return errors.Wrapf(domain.ErrUndercollateralized, "repaying %s %s needs %s %s, have %s",
				owed, pair.Quote, in, pair.Base, collateral)
		}

		out, err := e.swapper.Swap(ctx, self, pair.Base, in, pair.Quote, owed)
		if err != nil {
			if errors.Is(err, domain.ErrSlippageExceeded) {
				return errors.Wrapf(domain.ErrUndercollateralized, "%v", err)
			}
			return err
		}
		sold = in

		// swap rounding surplus belongs to the user
		if surplus := out.Sub(owed); surplus.IsPositive() {
			if err := tx.Bank().Transfer(self, user, pair.Quote, surplus); err != nil {
				return errors.Wrap(err, "return swap surplus")
			}
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return sold, nil
}

func (e *Engine) requireFlash() error {
	if e.lender == nil || e.swapper == nil {
		return errors.New("flash lender and swapper are required")
	}
	return nil
}

func (e *Engine) participants() []txn.Participant {
	if p, ok := e.lender.(txn.Participant); ok {
		return []txn.Participant{p}
	}
	return nil
}

func requireUnhealthy(tx *vault.Tx, user common.Address) error {
	hf, err := tx.HealthFactor(user)
	if err != nil {
		return err
	}
	if hf.GreaterThanOrEqual(one) {
		return errors.Wrapf(domain.ErrHealthyPosition, "health factor of %s is %s", user.Hex(), hf)
	}
	return nil
}

// seizable returns the collateral worth repay*(1+bonus) at price, capped at
// what user owns.
func seizable(tx *vault.Tx, user common.Address, repay, price decimal.Decimal) (decimal.Decimal, error) {
	collateral, err := tx.CollateralOf(user)
	if err != nil {
		return decimal.Zero, err
	}
	value := repay.Mul(one.Add(tx.Config().LiquidationBonus))
	return decimal.Min(ledger.DivFloor(value, price), collateral), nil
}
