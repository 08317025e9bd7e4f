package domain

import "github.com/shopspring/decimal"

// MigrationState step reached by a flash migration.
type MigrationState int

const (
	MigrationStart MigrationState = iota
	MigrationFlashBorrowed
	MigrationOldDebtRepaid
	MigrationCollateralWithdrawn
	MigrationCollateralDeposited
	MigrationNewDebtBorrowed
	MigrationFlashRepaid
	MigrationCommitted
	MigrationAborted
)

// String returns the string representation of the state.
func (s MigrationState) String() string {
	switch s {
	case MigrationStart:
		return "start"
	case MigrationFlashBorrowed:
		return "flash_borrowed"
	case MigrationOldDebtRepaid:
		return "old_debt_repaid"
	case MigrationCollateralWithdrawn:
		return "collateral_withdrawn"
	case MigrationCollateralDeposited:
		return "collateral_deposited"
	case MigrationNewDebtBorrowed:
		return "new_debt_borrowed"
	case MigrationFlashRepaid:
		return "flash_repaid"
	case MigrationCommitted:
		return "committed"
	case MigrationAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MigrationRecord describes one flash migration. It lives only for the
// duration of the call that produced it.
type MigrationRecord struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	FlashAmount decimal.Decimal `json:"flash_amount"`
	FlashFee    decimal.Decimal `json:"flash_fee"`
	Collateral  decimal.Decimal `json:"collateral"`
	DebtBefore  decimal.Decimal `json:"debt_before"`
	DebtAfter   decimal.Decimal `json:"debt_after"`
	State       MigrationState  `json:"state"`
}
