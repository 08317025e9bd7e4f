package provider

import (
	"context"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/bank"
	"github.com/vadiminshakov/flashvault/internal/clock"
	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/txn"
)

var (
	pair     = domain.Pair{Base: "ETH", Quote: "USDC"}
	owner    = common.HexToAddress("0x7a017")
	backend  = common.HexToAddress("0xbac0")
	receiver = common.HexToAddress("0xfeed")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newAave(t *testing.T, model InterestModel) (*ElasticMarket, *bank.Bank, *clock.Manual) {
	t.Helper()
	b := bank.New()
	c := clock.NewManual(100)
	m, err := NewAaveLikeMarket(Config{
		Name:    "aave",
		Pair:    pair,
		Owner:   owner,
		Address: backend,
		Model:   model,
	}, b, c, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Supply(d("1000")))
	require.NoError(t, b.Mint(owner, "ETH", d("10")))
	return m, b, c
}

func TestElasticMarket_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newAave(t, FlatRate(d("0.05")))

	receipt, err := m.Deposit(ctx, d("4"))
	require.NoError(t, err)
	assert.True(t, receipt.Equal(d("4")))
	assert.True(t, b.Balance(backend, "ETH").Equal(d("4")))
	assert.True(t, b.Balance(owner, "ETH").Equal(d("6")))

	err = m.Withdraw(ctx, d("5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBackendBalance)

	err = m.Borrow(ctx, d("2000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBackendBalance)

	require.NoError(t, m.Borrow(ctx, d("100")))
	assert.True(t, b.Balance(owner, "USDC").Equal(d("100")))
	debt, err := m.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, debt.Equal(d("100")))

	repaid, err := m.Payback(ctx, d("150"))
	require.NoError(t, err)
	assert.True(t, repaid.Equal(d("100")), "payback is clamped to the debt")
	assert.True(t, b.Balance(owner, "USDC").IsZero())

	require.NoError(t, m.Withdraw(ctx, d("4")))
	collateral, err := m.BalanceOfCollateral(ctx)
	require.NoError(t, err)
	assert.True(t, collateral.IsZero())
	assert.True(t, b.Balance(owner, "ETH").Equal(d("10")))

	_, err = m.Deposit(ctx, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrZeroAmount)
}

func TestCompoundLikeMarket_Receipts(t *testing.T) {
	b := bank.New()
	require.NoError(t, b.Mint(owner, "ETH", d("1")))
	m, err := NewCompoundLikeMarket(Config{
		Name:         "compound",
		Pair:         pair,
		Owner:        owner,
		Address:      backend,
		ExchangeRate: d("0.02"),
	}, b, clock.NewManual(0), nil)
	require.NoError(t, err)
	assert.Equal(t, KindCompound, m.Kind())

	receipt, err := m.Deposit(context.Background(), d("1"))
	require.NoError(t, err)
	assert.True(t, receipt.Equal(d("50")))

	require.NoError(t, m.Withdraw(context.Background(), d("0.5")))
	assert.True(t, m.Receipts().Equal(d("25")))

	_, err = NewCompoundLikeMarket(Config{Name: "c", Pair: pair}, b, clock.NewManual(0), nil)
	assert.Error(t, err)
}

func TestElasticMarket_Accrual(t *testing.T) {
	ctx := context.Background()
	m, _, c := newAave(t, FlatRate(d("0.1")))

	require.NoError(t, m.Borrow(ctx, d("100")))
	c.Advance(BlocksPerYear)

	debt, err := m.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, debt.Equal(d("110")), "got %s", debt)

	c.Advance(BlocksPerYear / 2)
	debt, err = m.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, debt.Equal(d("115")), "got %s", debt)
}

func TestElasticMarket_KinkedRate(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newAave(t, InterestModel{
		BaseRate: d("0.02"),
		Slope1:   d("0.1"),
		Slope2:   d("1"),
		Kink:     d("0.8"),
	})

	rate, err := m.CurrentBorrowRate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("0.02")))

	require.NoError(t, m.Borrow(ctx, d("500")))
	rate, err = m.CurrentBorrowRate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("0.07")), "got %s", rate)

	require.NoError(t, m.Borrow(ctx, d("400")))
	rate, err = m.CurrentBorrowRate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("0.2")), "got %s", rate)
}

func TestElasticMarket_FailNext(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newAave(t, FlatRate(d("0.05")))

	m.FailNext(OpBorrow)
	err := m.Borrow(ctx, d("1"))
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	require.NoError(t, m.Borrow(ctx, d("1")))
}

func TestElasticMarket_RateOutage(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newAave(t, FlatRate(d("0.05")))

	m.SetRateAvailable(false)
	for i := 0; i < 3; i++ {
		_, err := m.CurrentBorrowRate(ctx)
		assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	}

	m.SetRateAvailable(true)
	rate, err := m.CurrentBorrowRate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("0.05")))
}

func TestElasticMarket_RateReadKeepsInjectedFaults(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newAave(t, FlatRate(d("0.05")))

	m.FailNext(OpBorrow)
	_, err := m.CurrentBorrowRate(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Borrow(ctx, d("1")), domain.ErrBackendUnavailable)
}

func TestElasticMarket_Checkpoint(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newAave(t, FlatRate(d("0.05")))

	boom := errors.New("boom")
	err := txn.Atomic(func() error {
		if _, err := m.Deposit(ctx, d("3")); err != nil {
			return err
		}
		if err := m.Borrow(ctx, d("50")); err != nil {
			return err
		}
		return boom
	}, b, m)
	assert.ErrorIs(t, err, boom)

	collateral, _ := m.BalanceOfCollateral(ctx)
	debt, _ := m.BalanceOfDebt(ctx)
	assert.True(t, collateral.IsZero())
	assert.True(t, debt.IsZero())
	assert.True(t, b.Balance(owner, "ETH").Equal(d("10")))
	assert.True(t, b.Balance(backend, "USDC").Equal(d("1000")))
}

func newMargin(t *testing.T, terms FlashTerms) (*MarginMarket, *bank.Bank) {
	t.Helper()
	b := bank.New()
	m, err := NewMarginMarket(Config{
		Name:    "margin",
		Pair:    pair,
		Owner:   owner,
		Address: backend,
	}, d("0.03"), terms, b, clock.NewManual(0), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Supply(d("1000")))
	return m, b
}

func TestMarginMarket_Rate(t *testing.T) {
	m, _ := newMargin(t, FlashTerms{})
	rate, err := m.CurrentBorrowRate(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("0.03")))

	m.SetRate(d("0.01"))
	rate, err = m.CurrentBorrowRate(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("0.01")))
}

func TestMarginMarket_FlashBorrow(t *testing.T) {
	ctx := context.Background()
	m, b := newMargin(t, FlashTerms{Flat: d("1"), Bps: d("9")})
	require.NoError(t, b.Mint(receiver, "USDC", d("10")))

	assert.True(t, m.FlashFee("USDC", d("1000")).Equal(d("1.9")))

	err := m.FlashBorrow(ctx, receiver, "USDC", d("1000"), func(_ context.Context, fee decimal.Decimal) error {
		assert.True(t, fee.Equal(d("1.9")))
		assert.True(t, b.Balance(receiver, "USDC").Equal(d("1010")))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, b.Balance(receiver, "USDC").Equal(d("8.1")))
	assert.True(t, b.Balance(backend, "USDC").Equal(d("1001.9")))
}

func TestMarginMarket_FlashBorrowRollback(t *testing.T) {
	ctx := context.Background()
	m, b := newMargin(t, FlashTerms{Flat: d("1")})

	boom := errors.New("boom")
	err := m.FlashBorrow(ctx, receiver, "USDC", d("500"), func(context.Context, decimal.Decimal) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, b.Balance(backend, "USDC").Equal(d("1000")))
	assert.True(t, b.Balance(receiver, "USDC").IsZero())

	// the receiver spends the loan and cannot pay it back
	err = m.FlashBorrow(ctx, receiver, "USDC", d("500"), func(context.Context, decimal.Decimal) error {
		return b.Transfer(receiver, owner, "USDC", d("500"))
	})
	assert.ErrorIs(t, err, domain.ErrExceedsBalance)
	assert.True(t, b.Balance(backend, "USDC").Equal(d("1000")))
	assert.True(t, b.Balance(owner, "USDC").IsZero())

	err = m.FlashBorrow(ctx, receiver, "USDC", d("2000"), func(context.Context, decimal.Decimal) error { return nil })
	assert.ErrorIs(t, err, domain.ErrInsufficientBackendBalance)

	m.FailNext(OpFlash)
	err = m.FlashBorrow(ctx, receiver, "USDC", d("1"), func(context.Context, decimal.Decimal) error { return nil })
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestConstantProductPool(t *testing.T) {
	ctx := context.Background()
	b := bank.New()
	pool, err := NewConstantProductPool(common.HexToAddress("0x9001"), pair, decimal.Zero, b, nil)
	require.NoError(t, err)
	require.NoError(t, pool.AddLiquidity(d("100"), d("200000")))
	require.NoError(t, b.Mint(receiver, "ETH", d("5")))

	out, err := pool.Swap(ctx, receiver, "ETH", d("1"), "USDC", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, out.Equal(d("1980.198019801980198019")), "got %s", out)
	assert.True(t, b.Balance(receiver, "USDC").Equal(out))

	in, err := pool.AmountIn(ctx, "ETH", "USDC", d("2000"))
	require.NoError(t, err)
	out, err = pool.Swap(ctx, receiver, "ETH", in, "USDC", d("2000"))
	require.NoError(t, err)
	assert.True(t, out.GreaterThanOrEqual(d("2000")))

	before := b.Balance(receiver, "ETH")
	_, err = pool.Swap(ctx, receiver, "ETH", d("1"), "USDC", d("3000"))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.True(t, b.Balance(receiver, "ETH").Equal(before))

	_, err = pool.AmountIn(ctx, "ETH", "USDC", d("1000000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBackendBalance)

	_, err = pool.AmountIn(ctx, "BTC", "USDC", d("1"))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	a, _, _ := newAave(t, FlatRate(d("0.05")))
	m, _ := newMargin(t, FlashTerms{})

	r, err := NewRegistry(m, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"margin", "aave"}, r.Names())
	assert.Equal(t, 2, r.Len())

	got, err := r.Get("aave")
	require.NoError(t, err)
	assert.Equal(t, KindAave, got.Kind())

	_, err = r.Get("dydx")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	assert.Error(t, r.Register(a))
}

func TestMarket_StateLoad(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newAave(t, FlatRate(d("0.1")))
	_, err := m.Deposit(ctx, d("2"))
	require.NoError(t, err)
	require.NoError(t, m.Borrow(ctx, d("100")))

	var p Persistent = m
	st := p.State()
	assert.True(t, st.Debt.Equal(d("100")))
	assert.Equal(t, uint64(100), st.LastAccrual)

	require.NoError(t, m.Load(MarketState{LastAccrual: 100}))
	debt, err := m.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, debt.IsZero())

	require.NoError(t, p.Load(st))
	collateral, err := m.BalanceOfCollateral(ctx)
	require.NoError(t, err)
	assert.True(t, collateral.Equal(d("2")))
	debt, err = m.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, debt.Equal(d("100")))

	assert.Error(t, m.Load(MarketState{Debt: d("-1")}))
}

func TestAccrualFactor_LargeBlockSpan(t *testing.T) {
	f := accrualFactor(d("0.05"), math.MaxUint64)
	want := d("0.05").Mul(decimal.NewFromUint64(math.MaxUint64)).
		DivRound(decimal.NewFromInt(BlocksPerYear), 27).Add(decimal.NewFromInt(1))
	assert.True(t, f.Equal(want), f.String())
	assert.True(t, f.GreaterThan(decimal.NewFromInt(1)))

	f = accrualFactor(d("0.05"), uint64(math.MaxInt64)+1)
	assert.True(t, f.GreaterThan(decimal.NewFromInt(1)), f.String())
}
