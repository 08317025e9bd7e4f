// Package provider contains the money-market backends a vault can source its
// liquidity from, together with the flash-loan and swap facilities used by
// migrations and liquidations.
package provider

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/txn"
)

// Adapter is the uniform capability over one external money market, bound to
// the account of a single vault.
//
// Every call is atomic from the vault's point of view: either the backend
// fully applies it or it fails and nothing changes.
type Adapter interface {
	txn.Participant

	// Name identifies the adapter inside a vault.
	Name() string
	// Kind reports the backend family.
	Kind() Kind
	// Deposit moves amount of the base asset from the vault into the backend
	// and returns the receipt units credited.
	Deposit(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	// Withdraw moves amount of the base asset back to the vault.
	Withdraw(ctx context.Context, amount decimal.Decimal) error
	// Borrow moves amount of the quote asset to the vault as new debt.
	Borrow(ctx context.Context, amount decimal.Decimal) error
	// Payback repays up to amount of quote debt and returns the part taken.
	// Anything above the outstanding debt stays with the vault.
	Payback(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	// BalanceOfCollateral returns the base asset held for the vault.
	BalanceOfCollateral(ctx context.Context) (decimal.Decimal, error)
	// BalanceOfDebt returns the vault's outstanding quote debt including
	// accrued interest.
	BalanceOfDebt(ctx context.Context) (decimal.Decimal, error)
	// CurrentBorrowRate returns the instantaneous borrow APR as a fraction
	// (0.05 is 5%). It has no side effects.
	CurrentBorrowRate(ctx context.Context) (decimal.Decimal, error)
}

// FlashLender lends an asset for the duration of one callback.
type FlashLender interface {
	// FlashFee returns the fee charged for borrowing amount of asset.
	FlashFee(asset string, amount decimal.Decimal) decimal.Decimal
	// FlashBorrow transfers amount of asset to receiver, runs fn and pulls
	// amount plus fee back from receiver. If fn fails or the repayment cannot
	// be collected the lender's side is rolled back and an error returned.
	FlashBorrow(ctx context.Context, receiver common.Address, asset string, amount decimal.Decimal,
		fn func(ctx context.Context, fee decimal.Decimal) error) error
}

// Swapper exchanges one asset for another.
type Swapper interface {
	// Swap sells amountIn of assetIn held by trader and returns the amount of
	// assetOut received. Fails with ErrSlippageExceeded below minOut.
	Swap(ctx context.Context, trader common.Address, assetIn string, amountIn decimal.Decimal,
		assetOut string, minOut decimal.Decimal) (decimal.Decimal, error)
	// AmountIn quotes the assetIn needed to receive exactly amountOut.
	AmountIn(ctx context.Context, assetIn, assetOut string, amountOut decimal.Decimal) (decimal.Decimal, error)
}

// Persistent is a backend whose accounting can be saved and restored.
type Persistent interface {
	Name() string
	State() MarketState
	Load(st MarketState) error
}

// Kind backend family.
type Kind string

const (
	// KindAave rate-elastic market with 1:1 receipt units.
	KindAave Kind = "aave"
	// KindCompound rate-elastic market with exchange-rate receipt units.
	KindCompound Kind = "compound"
	// KindMargin peer-to-peer margin market.
	KindMargin Kind = "margin"
)

// String returns the string representation.
func (k Kind) String() string {
	return string(k)
}

// IsValid checks if the Kind value is valid.
func (k Kind) IsValid() bool {
	return k == KindAave || k == KindCompound || k == KindMargin
}

// Op names an adapter operation, used for fault injection.
type Op string

const (
	OpDeposit  Op = "deposit"
	OpWithdraw Op = "withdraw"
	OpBorrow   Op = "borrow"
	OpPayback  Op = "payback"
	OpFlash    Op = "flash"
)
