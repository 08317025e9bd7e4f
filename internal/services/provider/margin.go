package provider

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/bank"
	"github.com/vadiminshakov/flashvault/internal/clock"
	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/ledger"
	"github.com/vadiminshakov/flashvault/internal/txn"
)

var basisPoints = decimal.NewFromInt(10_000)

// FlashTerms fee schedule of a flash lender.
type FlashTerms struct {
	// Flat fee charged per loan regardless of size.
	Flat decimal.Decimal
	// Bps proportional fee in basis points.
	Bps decimal.Decimal
}

// MarginMarket is a peer-to-peer margin market. Its borrow rate comes from
// the order book rather than from pool utilisation, and it lends its idle
// liquidity through flash loans.
type MarginMarket struct {
	*market
	terms FlashTerms
}

// NewMarginMarket creates a margin market charging rate on borrows.
func NewMarginMarket(cfg Config, rate decimal.Decimal, terms FlashTerms, b *bank.Bank, c clock.Clock, logger *zap.Logger) (*MarginMarket, error) {
	if rate.IsNegative() {
		return nil, errors.Errorf("margin rate must not be negative, got %s", rate)
	}
	if terms.Flat.IsNegative() || terms.Bps.IsNegative() {
		return nil, errors.New("flash fee must not be negative")
	}
	cfg.Model = FlatRate(rate)
	cfg.ExchangeRate = decimal.Zero
	m, err := newMarket(KindMargin, cfg, b, c, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create margin market")
	}
	return &MarginMarket{market: m, terms: terms}, nil
}

// SetRate moves the order book rate.
func (m *MarginMarket) SetRate(rate decimal.Decimal) {
	m.SetModel(FlatRate(rate))
}

// FlashFee implements FlashLender.
func (m *MarginMarket) FlashFee(_ string, amount decimal.Decimal) decimal.Decimal {
	fee := m.terms.Flat
	if m.terms.Bps.IsPositive() {
		fee = fee.Add(ledger.DivCeil(amount.Mul(m.terms.Bps), basisPoints))
	}
	return fee
}

// FlashBorrow implements FlashLender.
func (m *MarginMarket) FlashBorrow(ctx context.Context, receiver common.Address, asset string, amount decimal.Decimal,
	fn func(ctx context.Context, fee decimal.Decimal) error) error {
	if !amount.IsPositive() {
		return errors.Wrap(domain.ErrZeroAmount, "flash borrow")
	}

	m.mu.Lock()
	err := m.consumeFailure(OpFlash)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	fee := m.FlashFee(asset, amount)
	lender := m.cfg.Address

	return txn.Atomic(func() error {
		cash := m.bank.Balance(lender, asset)
		if cash.LessThan(amount) {
			return errors.Wrapf(domain.ErrInsufficientBackendBalance, "%s flash liquidity %s %s, requested %s",
				m.cfg.Name, cash, asset, amount)
		}
		if err := m.bank.Transfer(lender, receiver, asset, amount); err != nil {
			return errors.Wrap(err, "flash loan transfer")
		}

		m.logger.Debug("flash loan issued",
			zap.String("asset", asset),
			zap.String("amount", amount.String()),
			zap.String("fee", fee.String()))

		if err := fn(ctx, fee); err != nil {
			return err
		}
		if err := m.bank.Transfer(receiver, lender, asset, amount.Add(fee)); err != nil {
			return errors.Wrap(err, "flash loan not repaid")
		}
		return nil
	}, m.bank)
}
