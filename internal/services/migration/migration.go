// Package migration moves a vault's whole position between providers in one
// flash-loan-financed transaction.
package migration

import (
	"context"
	"fmt"

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

// Error is returned by a failed migration. It matches
// domain.ErrMigrationFailed and unwraps to the failing step's cause.
type Error struct {
	Record domain.MigrationRecord
	// Reached is the last step completed before the failure.
	Reached domain.MigrationState
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s -> %s after %s: %v", domain.ErrMigrationFailed,
		e.Record.Source, e.Record.Destination, e.Reached, e.Err)
}

func (e *Error) Is(target error) bool { return target == domain.ErrMigrationFailed }

func (e *Error) Unwrap() error { return e.Err }

// Engine runs flash migrations.
type Engine struct {
	lender provider.FlashLender
	logger *zap.Logger
}

func NewEngine(lender provider.FlashLender, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{lender: lender, logger: logger}
}

// Migrate moves the pooled collateral and debt of v from its active provider
// to destination:
//
//	flash borrow D -> repay D at source -> withdraw collateral from source ->
//	deposit collateral at destination -> borrow D+fee at destination ->
//	repay flash loan -> switch active provider
//
// Either every step succeeds or v, its providers and all balances are left
// exactly as they were. The flash fee becomes debt of the vault's borrowers
// through the debt index.
func (e *Engine) Migrate(ctx context.Context, v *vault.Vault, destination string) (*domain.MigrationRecord, error) {
	record := &domain.MigrationRecord{ID: uuid.New().String(), Destination: destination, State: domain.MigrationStart}

	var extra []txn.Participant
	if p, ok := e.lender.(txn.Participant); ok {
		extra = append(extra, p)
	}

	err := v.Atomic(ctx, func(tx *vault.Tx) error {
		return e.run(tx, record)
	}, extra...)
	if err != nil {
		reached := record.State
		record.State = domain.MigrationAborted
		e.logger.Warn("migration aborted",
			zap.String("id", record.ID),
			zap.String("source", record.Source),
			zap.String("destination", destination),
			zap.String("reached", reached.String()),
			zap.Error(err))
		return record, &Error{Record: *record, Reached: reached, Err: err}
	}

	e.logger.Info("migration committed",
		zap.String("id", record.ID),
		zap.String("source", record.Source),
		zap.String("destination", destination),
		zap.String("flash_amount", record.FlashAmount.String()),
		zap.String("flash_fee", record.FlashFee.String()),
		zap.String("collateral", record.Collateral.String()),
		zap.String("debt_before", record.DebtBefore.String()),
		zap.String("debt_after", record.DebtAfter.String()))
	return record, nil
}

func (e *Engine) run(tx *vault.Tx, record *domain.MigrationRecord) error {
	ctx := tx.Context()
	source := tx.Active()
	record.Source = source.Name()

	dest, err := tx.Registry().Get(record.Destination)
	if err != nil {
		return err
	}
	if dest.Name() == source.Name() {
		return errors.Errorf("%s is already the active provider", dest.Name())
	}

	debt, err := tx.SyncDebt()
	if err != nil {
		return err
	}
	collateral, err := tx.PooledCollateral()
	if err != nil {
		return err
	}
	record.FlashAmount = debt
	record.FlashFee = decimal.Zero
	record.Collateral = collateral
	record.DebtBefore = tx.Ledger().TotalDebt()

	if debt.IsZero() {
		if err := e.moveCollateral(ctx, source, dest, record); err != nil {
			return err
		}
	} else {
		if e.lender == nil {
			return errors.New("no flash lender configured")
		}
		record.FlashFee = e.lender.FlashFee(tx.Pair().Quote, debt)
		err := e.lender.FlashBorrow(ctx, tx.Address(), tx.Pair().Quote, debt, func(ctx context.Context, fee decimal.Decimal) error {
			record.FlashFee = fee
			return e.refinance(ctx, source, dest, record)
		})
		if err != nil {
			return errors.Wrap(err, "flash loan")
		}
		e.step(record, domain.MigrationFlashRepaid)
	}

	if err := e.checkDestinationDebt(ctx, dest, record); err != nil {
		return err
	}
	if err := tx.SetActive(dest.Name()); err != nil {
		return err
	}
	if _, err := tx.SyncDebt(); err != nil {
		return err
	}
	record.DebtAfter = tx.Ledger().TotalDebt()
	if err := checkConservation(record); err != nil {
		return err
	}

	e.step(record, domain.MigrationCommitted)
	tx.Record(domain.EventMigration, common.Address{}, record.FlashAmount, *record)
	return nil
}

// refinance runs inside the flash loan with the borrowed quote asset on the
// vault account.
func (e *Engine) refinance(ctx context.Context, source, dest provider.Adapter, record *domain.MigrationRecord) error {
	e.step(record, domain.MigrationFlashBorrowed)

	repaid, err := source.Payback(ctx, record.FlashAmount)
	if err != nil {
		return errors.Wrapf(err, "repay %s", source.Name())
	}
	if !repaid.Equal(record.FlashAmount) {
		return errors.Errorf("%s took %s of %s debt", source.Name(), repaid, record.FlashAmount)
	}
	e.step(record, domain.MigrationOldDebtRepaid)

	if err := e.moveCollateral(ctx, source, dest, record); err != nil {
		return err
	}

	if err := dest.Borrow(ctx, record.FlashAmount.Add(record.FlashFee)); err != nil {
		return errors.Wrapf(err, "borrow at %s", dest.Name())
	}
	e.step(record, domain.MigrationNewDebtBorrowed)
	return nil
}

func (e *Engine) moveCollateral(ctx context.Context, source, dest provider.Adapter, record *domain.MigrationRecord) error {
	if record.Collateral.IsZero() {
		return nil
	}
	if err := source.Withdraw(ctx, record.Collateral); err != nil {
		return errors.Wrapf(err, "withdraw from %s", source.Name())
	}
	e.step(record, domain.MigrationCollateralWithdrawn)

	if _, err := dest.Deposit(ctx, record.Collateral); err != nil {
		return errors.Wrapf(err, "deposit into %s", dest.Name())
	}
	e.step(record, domain.MigrationCollateralDeposited)
	return nil
}

func (e *Engine) checkDestinationDebt(ctx context.Context, dest provider.Adapter, record *domain.MigrationRecord) error {
	owed, err := dest.BalanceOfDebt(ctx)
	if err != nil {
		return errors.Wrapf(err, "read %s debt", dest.Name())
	}
	want := record.FlashAmount.Add(record.FlashFee)
	if !owed.Equal(want) {
		return errors.Errorf("%s owes %s after refinancing, expected %s", dest.Name(), owed, want)
	}
	return nil
}

// checkConservation verifies the ledger total moved only by the flash fee,
// give or take one unit of rounding.
func checkConservation(record *domain.MigrationRecord) error {
	if record.DebtAfter.LessThan(record.DebtBefore) {
		return errors.Errorf("ledger debt fell from %s to %s", record.DebtBefore, record.DebtAfter)
	}
	limit := record.DebtBefore.Add(record.FlashFee).Add(ledger.Unit)
	if record.DebtAfter.GreaterThan(limit) {
		return errors.Errorf("ledger debt grew from %s to %s with fee %s", record.DebtBefore, record.DebtAfter, record.FlashFee)
	}
	return nil
}

func (e *Engine) step(record *domain.MigrationRecord, state domain.MigrationState) {
	record.State = state
	e.logger.Debug("migration step",
		zap.String("source", record.Source),
		zap.String("destination", record.Destination),
		zap.String("state", state.String()))
}
