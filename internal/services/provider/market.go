package provider

import (
	"context"
	"sync"

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

// Config describes one simulated backend.
type Config struct {
	Name string
	Pair domain.Pair
	// Owner is the vault account the adapter acts for.
	Owner common.Address
	// Address is the backend's own account in the bank.
	Address common.Address
	Model   InterestModel
	// ExchangeRate is the base asset redeemable per receipt unit. Only used by
	// compound-style markets; zero means 1.
	ExchangeRate decimal.Decimal
}

// market is the accounting core shared by all simulated backends. It holds a
// single borrower, the vault identified by owner.
type market struct {
	mu     sync.RWMutex
	kind   Kind
	cfg    Config
	bank   *bank.Bank
	clock  clock.Clock
	logger *zap.Logger

	collateral  decimal.Decimal
	receipts    decimal.Decimal
	debt        decimal.Decimal
	lastAccrual uint64

	failures map[Op]int
	rateDown bool
}

type marketState struct {
	collateral  decimal.Decimal
	receipts    decimal.Decimal
	debt        decimal.Decimal
	lastAccrual uint64
}

func newMarket(kind Kind, cfg Config, b *bank.Bank, c clock.Clock, logger *zap.Logger) (*market, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if b == nil || c == nil {
		return nil, errors.New("bank and clock are required")
	}
	if cfg.Pair.Base == "" || cfg.Pair.Quote == "" {
		return nil, errors.New("provider pair is required")
	}
	if cfg.ExchangeRate.IsNegative() {
		return nil, errors.Errorf("exchange rate must be positive, got %s", cfg.ExchangeRate)
	}
	if cfg.ExchangeRate.IsZero() {
		cfg.ExchangeRate = decimal.NewFromInt(1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &market{
		kind:        kind,
		cfg:         cfg,
		bank:        b,
		clock:       c,
		logger:      logger.With(zap.String("provider", cfg.Name), zap.String("kind", kind.String())),
		collateral:  decimal.Zero,
		receipts:    decimal.Zero,
		debt:        decimal.Zero,
		lastAccrual: c.BlockNumber(),
		failures:    make(map[Op]int),
	}, nil
}

// Name implements Adapter.
func (m *market) Name() string { return m.cfg.Name }

// Kind implements Adapter.
func (m *market) Kind() Kind { return m.kind }

// Address returns the backend's bank account.
func (m *market) Address() common.Address { return m.cfg.Address }

// Supply adds quote liquidity provided by outside lenders.
func (m *market) Supply(amount decimal.Decimal) error {
	return m.bank.Mint(m.cfg.Address, m.cfg.Pair.Quote, amount)
}

// SetModel replaces the interest model, simulating a change in market
// conditions.
func (m *market) SetModel(model InterestModel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accrue()
	m.cfg.Model = model
}

// SetRateAvailable switches the rate feed on or off. While off,
// CurrentBorrowRate fails with ErrBackendUnavailable.
func (m *market) SetRateAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateDown = !ok
}

// FailNext makes the next call of op fail with ErrBackendUnavailable.
func (m *market) FailNext(op Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op]++
}

// Deposit implements Adapter.
func (m *market) Deposit(_ context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrZeroAmount, "%s deposit", m.cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.consumeFailure(OpDeposit); err != nil {
		return decimal.Zero, err
	}
	m.accrue()

	if err := m.bank.Transfer(m.cfg.Owner, m.cfg.Address, m.cfg.Pair.Base, amount); err != nil {
		return decimal.Zero, errors.Wrapf(err, "%s deposit transfer", m.cfg.Name)
	}
	receipt := ledger.DivFloor(amount, m.cfg.ExchangeRate)
	m.collateral = m.collateral.Add(amount)
	m.receipts = m.receipts.Add(receipt)

	m.logger.Debug("collateral deposited",
		zap.String("amount", amount.String()),
		zap.String("receipt", receipt.String()))
	return receipt, nil
}

// Withdraw implements Adapter.
func (m *market) Withdraw(_ context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrapf(domain.ErrZeroAmount, "%s withdraw", m.cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.consumeFailure(OpWithdraw); err != nil {
		return err
	}
	m.accrue()

	if amount.GreaterThan(m.collateral) {
		return errors.Wrapf(domain.ErrInsufficientBackendBalance, "%s holds %s %s, withdraw %s",
			m.cfg.Name, m.collateral, m.cfg.Pair.Base, amount)
	}
	if err := m.bank.Transfer(m.cfg.Address, m.cfg.Owner, m.cfg.Pair.Base, amount); err != nil {
		return errors.Wrapf(domain.ErrInsufficientBackendBalance, "%s withdraw transfer: %v", m.cfg.Name, err)
	}

	burned := ledger.DivCeil(amount, m.cfg.ExchangeRate)
	m.collateral = m.collateral.Sub(amount)
	m.receipts = m.receipts.Sub(burned)
	if m.collateral.IsZero() || m.receipts.IsNegative() {
		m.receipts = decimal.Zero
	}

	m.logger.Debug("collateral withdrawn", zap.String("amount", amount.String()))
	return nil
}

// Borrow implements Adapter.
func (m *market) Borrow(_ context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrapf(domain.ErrZeroAmount, "%s borrow", m.cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.consumeFailure(OpBorrow); err != nil {
		return err
	}
	m.accrue()

	cash := m.bank.Balance(m.cfg.Address, m.cfg.Pair.Quote)
	if cash.LessThan(amount) {
		return errors.Wrapf(domain.ErrInsufficientBackendBalance, "%s liquidity %s %s, borrow %s",
			m.cfg.Name, cash, m.cfg.Pair.Quote, amount)
	}
	if err := m.bank.Transfer(m.cfg.Address, m.cfg.Owner, m.cfg.Pair.Quote, amount); err != nil {
		return errors.Wrapf(err, "%s borrow transfer", m.cfg.Name)
	}
	m.debt = m.debt.Add(amount)

	m.logger.Debug("borrowed",
		zap.String("amount", amount.String()),
		zap.String("debt", m.debt.String()))
	return nil
}

// Payback implements Adapter.
func (m *market) Payback(_ context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrZeroAmount, "%s payback", m.cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.consumeFailure(OpPayback); err != nil {
		return decimal.Zero, err
	}
	m.accrue()

	repaid := decimal.Min(amount, m.debt)
	if repaid.IsZero() {
		return decimal.Zero, nil
	}
	if err := m.bank.Transfer(m.cfg.Owner, m.cfg.Address, m.cfg.Pair.Quote, repaid); err != nil {
		return decimal.Zero, errors.Wrapf(err, "%s payback transfer", m.cfg.Name)
	}
	m.debt = m.debt.Sub(repaid)

	m.logger.Debug("repaid",
		zap.String("amount", repaid.String()),
		zap.String("debt", m.debt.String()))
	return repaid, nil
}

// BalanceOfCollateral implements Adapter.
func (m *market) BalanceOfCollateral(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collateral, nil
}

// Receipts returns the receipt units credited to the vault.
func (m *market) Receipts() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.receipts
}

// BalanceOfDebt implements Adapter.
func (m *market) BalanceOfDebt(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingDebt(), nil
}

// CurrentBorrowRate implements Adapter. It has no side effects.
func (m *market) CurrentBorrowRate(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rateDown {
		return decimal.Zero, errors.Wrapf(domain.ErrBackendUnavailable, "%s rate feed is down", m.cfg.Name)
	}
	return m.rate(), nil
}

// MarketState is the persistent accounting of a simulated backend.
type MarketState struct {
	Collateral  decimal.Decimal `json:"collateral"`
	Receipts    decimal.Decimal `json:"receipts"`
	Debt        decimal.Decimal `json:"debt"`
	LastAccrual uint64          `json:"last_accrual"`
}

// State exports the backend's accounting.
func (m *market) State() MarketState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MarketState{
		Collateral:  m.collateral,
		Receipts:    m.receipts,
		Debt:        m.debt,
		LastAccrual: m.lastAccrual,
	}
}

// Load replaces the backend's accounting with st.
func (m *market) Load(st MarketState) error {
	if st.Collateral.IsNegative() || st.Receipts.IsNegative() || st.Debt.IsNegative() {
		return errors.Errorf("%s: negative market state", m.cfg.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collateral = st.Collateral
	m.receipts = st.Receipts
	m.debt = st.Debt
	m.lastAccrual = st.LastAccrual
	return nil
}

// Checkpoint implements txn.Participant.
func (m *market) Checkpoint() txn.Checkpoint {
	m.mu.RLock()
	saved := marketState{
		collateral:  m.collateral,
		receipts:    m.receipts,
		debt:        m.debt,
		lastAccrual: m.lastAccrual,
	}
	m.mu.RUnlock()

	return txn.CheckpointFunc(func() {
		m.mu.Lock()
		m.collateral = saved.collateral
		m.receipts = saved.receipts
		m.debt = saved.debt
		m.lastAccrual = saved.lastAccrual
		m.mu.Unlock()
	})
}

func (m *market) rate() decimal.Decimal {
	cash := m.bank.Balance(m.cfg.Address, m.cfg.Pair.Quote)
	return m.cfg.Model.BorrowRate(Utilisation(cash, m.debt))
}

func (m *market) pendingDebt() decimal.Decimal {
	now := m.clock.BlockNumber()
	if m.debt.IsZero() || now <= m.lastAccrual {
		return m.debt
	}
	return ledger.MulCeil(m.debt, accrualFactor(m.rate(), now-m.lastAccrual))
}

func (m *market) accrue() {
	m.debt = m.pendingDebt()
	if now := m.clock.BlockNumber(); now > m.lastAccrual {
		m.lastAccrual = now
	}
}

func (m *market) consumeFailure(op Op) error {
	if m.failures[op] == 0 {
		return nil
	}
	m.failures[op]--
	return errors.Wrapf(domain.ErrBackendUnavailable, "%s rejected %s", m.cfg.Name, op)
}
