// Package ledger implements rebasing debt accounting.
//
// Users hold debt shares. Absolute debt is shares multiplied by a global
// index that starts at one and only grows. Interest accrued at the provider
// is folded into the index by Sync, so accrual costs O(1) regardless of the
// number of borrowers.
//
// Rounding always favours the vault: debt and minted shares round up,
// burned shares and refunds round down.
package ledger

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/txn"
)

// Ledger tracks debt shares of one vault.
type Ledger struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	index       decimal.Decimal
	shares      map[common.Address]decimal.Decimal
	totalShares decimal.Decimal
}

// State is a serialisable copy of the ledger.
type State struct {
	Index  decimal.Decimal                    `json:"index"`
	Shares map[common.Address]decimal.Decimal `json:"shares"`
}

// New creates a ledger with index 1.
func New(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		logger:      logger,
		index:       decimal.NewFromInt(1),
		shares:      make(map[common.Address]decimal.Decimal),
		totalShares: decimal.Zero,
	}
}

// Index returns the current debt index.
func (l *Ledger) Index() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index
}

// SharesOf returns the debt shares of user.
func (l *Ledger) SharesOf(user common.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shares[user]
}

// TotalShares returns the sum of all debt shares.
func (l *Ledger) TotalShares() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalShares
}

// DebtOf returns the absolute debt of user, rounded up.
func (l *Ledger) DebtOf(user common.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return MulCeil(l.shares[user], l.index)
}

// TotalDebt returns the vault-wide debt implied by the ledger, rounded up.
func (l *Ledger) TotalDebt() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return MulCeil(l.totalShares, l.index)
}

// Sync folds the provider's actual outstanding debt into the index. The index
// is raised so that TotalShares*Index covers actual; it never decreases.
// Returns true when the index moved.
func (l *Ledger) Sync(actual decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.totalShares.IsZero() || !actual.IsPositive() {
		return false
	}
	next := divCeil(actual, l.totalShares, RayPlaces)
	if next.LessThanOrEqual(l.index) {
		return false
	}

	l.logger.Debug("debt index synced",
		zap.String("from", l.index.String()),
		zap.String("to", next.String()),
		zap.String("actual_debt", actual.String()))
	l.index = next
	return true
}

// ProjectedDebtOf returns user's debt as if Sync(actual) had been called,
// without touching the index.
func (l *Ledger) ProjectedDebtOf(user common.Address, actual decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	index := l.index
	if l.totalShares.IsPositive() && actual.IsPositive() {
		if next := divCeil(actual, l.totalShares, RayPlaces); next.GreaterThan(index) {
			index = next
		}
	}
	return MulCeil(l.shares[user], index)
}

// Mint records a new borrow of amount by user and returns the shares minted.
func (l *Ledger) Mint(user common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrZeroAmount, "mint %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	minted := divCeil(amount, l.index, RayPlaces)
	l.shares[user] = l.shares[user].Add(minted)
	l.totalShares = l.totalShares.Add(minted)
	return minted, nil
}

// Burn records a repayment of amount by user. It returns the part of amount
// applied to the debt and the excess that must be refunded to the payer.
func (l *Ledger) Burn(user common.Address, amount decimal.Decimal) (repaid, refund decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, errors.Wrapf(domain.ErrZeroAmount, "burn %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	shares := l.shares[user]
	if shares.IsZero() {
		return decimal.Zero, decimal.Zero, errors.Wrapf(domain.ErrNoDebt, "user %s", user.Hex())
	}

	debt := MulCeil(shares, l.index)
	if amount.GreaterThanOrEqual(debt) {
		l.removeShares(user, shares)
		return debt, amount.Sub(debt), nil
	}

	burned := divFloor(amount, l.index, RayPlaces)
	if burned.GreaterThan(shares) {
		burned = shares
	}
	l.removeShares(user, burned)
	return amount, decimal.Zero, nil
}

// Users returns the users with outstanding debt shares, ordered by address.
func (l *Ledger) Users() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()

	users := make([]common.Address, 0, len(l.shares))
	for user := range l.shares {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Cmp(users[j]) < 0 })
	return users
}

// State returns a copy of the ledger contents.
func (l *Ledger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return State{Index: l.index, Shares: copyShares(l.shares)}
}

// Load replaces the ledger contents with state.
func (l *Ledger) Load(state State) error {
	if state.Index.LessThan(decimal.NewFromInt(1)) {
		return errors.Errorf("debt index must be at least 1, got %s", state.Index)
	}

	total := decimal.Zero
	shares := make(map[common.Address]decimal.Decimal, len(state.Shares))
	for user, s := range state.Shares {
		if s.IsNegative() {
			return errors.Errorf("negative debt shares for %s", user.Hex())
		}
		if s.IsZero() {
			continue
		}
		shares[user] = s
		total = total.Add(s)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.index = state.Index
	l.shares = shares
	l.totalShares = total
	return nil
}

// Checkpoint implements txn.Participant.
func (l *Ledger) Checkpoint() txn.Checkpoint {
	l.mu.RLock()
	index, total, shares := l.index, l.totalShares, copyShares(l.shares)
	l.mu.RUnlock()

	return txn.CheckpointFunc(func() {
		l.mu.Lock()
		l.index, l.totalShares, l.shares = index, total, shares
		l.mu.Unlock()
	})
}

func (l *Ledger) removeShares(user common.Address, amount decimal.Decimal) {
	left := l.shares[user].Sub(amount)
	if left.IsZero() {
		delete(l.shares, user)
	} else {
		l.shares[user] = left
	}
	l.totalShares = l.totalShares.Sub(amount)
}

func copyShares(in map[common.Address]decimal.Decimal) map[common.Address]decimal.Decimal {
	out := make(map[common.Address]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
