// Package bank keeps the physical asset balances of every account taking part
// in the vault: users, the vault itself, provider backends, the flash lender
// and the swap pool.
package bank

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/txn"
)

// Bank is an in-memory multi-asset balance sheet.
type Bank struct {
	mu       sync.RWMutex
	balances map[common.Address]map[string]decimal.Decimal
}

// New creates an empty bank.
func New() *Bank {
	return &Bank{balances: make(map[common.Address]map[string]decimal.Decimal)}
}

// Balance returns the balance of asset held by account.
func (b *Bank) Balance(account common.Address, asset string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[account][asset]
}

// Mint credits amount out of thin air. It is meant for funding simulations
// and tests.
func (b *Bank) Mint(account common.Address, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.Errorf("mint amount must not be negative, got %s", amount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(account, asset, amount)
	return nil
}

// Transfer moves amount of asset from one account to another.
func (b *Bank) Transfer(from, to common.Address, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.Errorf("transfer amount must not be negative, got %s", amount)
	}
	if amount.IsZero() || from == to {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	have := b.balances[from][asset]
	if have.LessThan(amount) {
		return errors.Wrapf(domain.ErrExceedsBalance, "%s balance of %s is %s, need %s",
			asset, from.Hex(), have, amount)
	}
	b.debit(from, asset, amount)
	b.credit(to, asset, amount)
	return nil
}

// Accounts returns the accounts holding a non-zero balance of asset, ordered
// by address.
func (b *Bank) Accounts(asset string) []common.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()

	accounts := make([]common.Address, 0, len(b.balances))
	for account, assets := range b.balances {
		if bal, ok := assets[asset]; ok && !bal.IsZero() {
			accounts = append(accounts, account)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Cmp(accounts[j]) < 0
	})
	return accounts
}

// Balances returns a copy of every non-zero balance.
func (b *Bank) Balances() map[common.Address]map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyBalances()
}

// Load replaces every balance with balances.
func (b *Bank) Load(balances map[common.Address]map[string]decimal.Decimal) error {
	next := make(map[common.Address]map[string]decimal.Decimal, len(balances))
	for account, assets := range balances {
		for asset, bal := range assets {
			if bal.IsNegative() {
				return errors.Errorf("negative %s balance for %s", asset, account.Hex())
			}
			if bal.IsZero() {
				continue
			}
			if next[account] == nil {
				next[account] = make(map[string]decimal.Decimal)
			}
			next[account][asset] = bal
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = next
	return nil
}

// Checkpoint implements txn.Participant.
func (b *Bank) Checkpoint() txn.Checkpoint {
	b.mu.RLock()
	saved := b.copyBalances()
	b.mu.RUnlock()

	return txn.CheckpointFunc(func() {
		b.mu.Lock()
		b.balances = saved
		b.mu.Unlock()
	})
}

func (b *Bank) credit(account common.Address, asset string, amount decimal.Decimal) {
	assets, ok := b.balances[account]
	if !ok {
		assets = make(map[string]decimal.Decimal)
		b.balances[account] = assets
	}
	assets[asset] = assets[asset].Add(amount)
}

func (b *Bank) debit(account common.Address, asset string, amount decimal.Decimal) {
	assets := b.balances[account]
	left := assets[asset].Sub(amount)
	if left.IsZero() {
		delete(assets, asset)
		if len(assets) == 0 {
			delete(b.balances, account)
		}
		return
	}
	assets[asset] = left
}

func (b *Bank) copyBalances() map[common.Address]map[string]decimal.Decimal {
	out := make(map[common.Address]map[string]decimal.Decimal, len(b.balances))
	for account, assets := range b.balances {
		inner := make(map[string]decimal.Decimal, len(assets))
		for asset, bal := range assets {
			inner[asset] = bal
		}
		out[account] = inner
	}
	return out
}
