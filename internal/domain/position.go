package domain

import (
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Position per-user entry of a vault.
//
// CollateralShares is the user's claim on the pooled collateral held at the
// active provider. DebtShares is multiplied by the debt index to obtain the
// absolute debt.
type Position struct {
	User             common.Address  `json:"user"`
	CollateralShares decimal.Decimal `json:"collateral_shares"`
	DebtShares       decimal.Decimal `json:"debt_shares"`
}

// IsEmpty reports whether both collateral and debt are zero.
func (p Position) IsEmpty() bool {
	return p.CollateralShares.IsZero() && p.DebtShares.IsZero()
}

// WhitelistEntry records when a user asked to be admitted.
type WhitelistEntry struct {
	User        common.Address `json:"user"`
	RequestedAt uint64         `json:"requested_at"`
}

// ActiveAt returns the first block at which the entry is usable. The sum
// saturates at math.MaxUint64.
func (w WhitelistEntry) ActiveAt(delay uint64) uint64 {
	if delay > math.MaxUint64-w.RequestedAt {
		return math.MaxUint64
	}
	return w.RequestedAt + delay
}

// IsActive reports whether the entry is usable at the given block.
func (w WhitelistEntry) IsActive(block, delay uint64) bool {
	return block >= w.ActiveAt(delay)
}
