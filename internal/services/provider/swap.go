package provider

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/bank"
	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/ledger"
)

// ConstantProductPool is an x*y=k swap pool whose reserves are the balances
// of its bank account.
type ConstantProductPool struct {
	address common.Address
	pair    domain.Pair
	fee     decimal.Decimal
	bank    *bank.Bank
	logger  *zap.Logger
}

// NewConstantProductPool creates a pool for pair charging fee (0.003 is 0.3%)
// on the input amount.
func NewConstantProductPool(address common.Address, pair domain.Pair, fee decimal.Decimal, b *bank.Bank, logger *zap.Logger) (*ConstantProductPool, error) {
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, errors.Errorf("swap fee must be in [0, 1), got %s", fee)
	}
	if b == nil {
		return nil, errors.New("bank is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConstantProductPool{address: address, pair: pair, fee: fee, bank: b, logger: logger}, nil
}

// AddLiquidity mints reserves into the pool.
func (p *ConstantProductPool) AddLiquidity(base, quote decimal.Decimal) error {
	if err := p.bank.Mint(p.address, p.pair.Base, base); err != nil {
		return err
	}
	return p.bank.Mint(p.address, p.pair.Quote, quote)
}

// Reserves returns the pool balances of assetIn and assetOut.
func (p *ConstantProductPool) Reserves(assetIn, assetOut string) (decimal.Decimal, decimal.Decimal, error) {
	if !p.supports(assetIn, assetOut) {
		return decimal.Zero, decimal.Zero, errors.Errorf("pool %s does not trade %s for %s", p.pair, assetIn, assetOut)
	}
	return p.bank.Balance(p.address, assetIn), p.bank.Balance(p.address, assetOut), nil
}

// AmountIn implements Swapper.
func (p *ConstantProductPool) AmountIn(_ context.Context, assetIn, assetOut string, amountOut decimal.Decimal) (decimal.Decimal, error) {
	if !amountOut.IsPositive() {
		return decimal.Zero, errors.Wrap(domain.ErrZeroAmount, "swap quote")
	}
	reserveIn, reserveOut, err := p.Reserves(assetIn, assetOut)
	if err != nil {
		return decimal.Zero, err
	}
	if amountOut.GreaterThanOrEqual(reserveOut) {
		return decimal.Zero, errors.Wrapf(domain.ErrInsufficientBackendBalance, "pool holds %s %s, requested %s",
			reserveOut, assetOut, amountOut)
	}
	// amountIn = reserveIn*amountOut / ((reserveOut-amountOut)*(1-fee))
	denominator := reserveOut.Sub(amountOut).Mul(decimal.NewFromInt(1).Sub(p.fee))
	return ledger.DivCeil(reserveIn.Mul(amountOut), denominator), nil
}

// Swap implements Swapper.
func (p *ConstantProductPool) Swap(_ context.Context, trader common.Address, assetIn string, amountIn decimal.Decimal,
	assetOut string, minOut decimal.Decimal) (decimal.Decimal, error) {
	if !amountIn.IsPositive() {
		return decimal.Zero, errors.Wrap(domain.ErrZeroAmount, "swap")
	}
	reserveIn, reserveOut, err := p.Reserves(assetIn, assetOut)
	if err != nil {
		return decimal.Zero, err
	}

	inWithFee := amountIn.Mul(decimal.NewFromInt(1).Sub(p.fee))
	out := ledger.DivFloor(reserveOut.Mul(inWithFee), reserveIn.Add(inWithFee))
	if out.LessThan(minOut) {
		return decimal.Zero, errors.Wrapf(domain.ErrSlippageExceeded, "swap %s %s yields %s %s, minimum %s",
			amountIn, assetIn, out, assetOut, minOut)
	}

	if err := p.bank.Transfer(trader, p.address, assetIn, amountIn); err != nil {
		return decimal.Zero, errors.Wrap(err, "swap input transfer")
	}
	if err := p.bank.Transfer(p.address, trader, assetOut, out); err != nil {
		return decimal.Zero, errors.Wrap(err, "swap output transfer")
	}

	p.logger.Debug("swap executed",
		zap.String("in", amountIn.String()+" "+assetIn),
		zap.String("out", out.String()+" "+assetOut))
	return out, nil
}

func (p *ConstantProductPool) supports(assetIn, assetOut string) bool {
	return (assetIn == p.pair.Base && assetOut == p.pair.Quote) ||
		(assetIn == p.pair.Quote && assetOut == p.pair.Base)
}
