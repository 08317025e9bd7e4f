package liquidation

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/bank"
	"github.com/vadiminshakov/flashvault/internal/clock"
	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/services/oracle"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

var (
	ethUSDC    = domain.Pair{Base: "ETH", Quote: "USDC"}
	vaultAddr  = common.HexToAddress("0x5a017")
	aaveAddr   = common.HexToAddress("0xaa")
	marginAddr = common.HexToAddress("0xdd")
	poolAddr   = common.HexToAddress("0xee")
	alice      = common.HexToAddress("0xa11ce")
	bob        = common.HexToAddress("0xb0b")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	bank   *bank.Bank
	prices *oracle.Static
	aave   *provider.ElasticMarket
	vault  *vault.Vault
	engine *Engine
}

// newFixture builds a vault on one provider with a flash lender charging a
// flat fee of 1 and a swap pool holding poolBase/poolQuote.
func newFixture(t *testing.T, poolBase, poolQuote string) *fixture {
	t.Helper()
	f := &fixture{bank: bank.New(), prices: oracle.NewStatic()}
	f.prices.Set(ethUSDC, d("1200"))
	c := clock.NewManual(1)

	var err error
	f.aave, err = provider.NewAaveLikeMarket(provider.Config{
		Name: "aave", Pair: ethUSDC, Owner: vaultAddr, Address: aaveAddr,
		Model: provider.FlatRate(d("0.05")),
	}, f.bank, c, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.aave.Supply(d("100000")))

	lender, err := provider.NewMarginMarket(provider.Config{
		Name: "margin", Pair: ethUSDC, Owner: vaultAddr, Address: marginAddr,
	}, d("0.01"), provider.FlashTerms{Flat: d("1")}, f.bank, c, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, lender.Supply(d("100000")))

	pool, err := provider.NewConstantProductPool(poolAddr, ethUSDC, d("0.003"), f.bank, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.AddLiquidity(d(poolBase), d(poolQuote)))

	registry, err := provider.NewRegistry(f.aave)
	require.NoError(t, err)
	f.vault, err = vault.New(vault.Params{
		Pair: ethUSDC, Address: vaultAddr, Bank: f.bank, Clock: c,
		Providers: registry, Active: "aave", Oracle: f.prices,
		Config: vault.Config{ThresholdFactor: d("0.8"), LiquidationBonus: d("0.05")},
	})
	require.NoError(t, err)

	f.engine = NewEngine(lender, pool, zap.NewNop())
	return f
}

func (f *fixture) open(t *testing.T, user common.Address, collateral, debt string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.vault.RequestWhitelist(ctx, user)
	require.NoError(t, err)
	require.NoError(t, f.bank.Mint(user, "ETH", d(collateral)))
	require.NoError(t, f.vault.Deposit(ctx, user, d(collateral)))
	require.NoError(t, f.vault.Borrow(ctx, user, d(debt)))
}

func (f *fixture) balances() map[string]string {
	out := make(map[string]string)
	for _, asset := range []string{"ETH", "USDC"} {
		for _, acc := range f.bank.Accounts(asset) {
			out[acc.Hex()+"/"+asset] = f.bank.Balance(acc, asset).String()
		}
	}
	return out
}

func TestLiquidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1000", "1200000")
	f.open(t, alice, "1", "900")
	require.NoError(t, f.bank.Mint(bob, "USDC", d("1000")))

	_, err := f.engine.Liquidate(ctx, f.vault, bob, alice, d("450"))
	assert.ErrorIs(t, err, domain.ErrHealthyPosition)

	// 1068.75 * 0.8 / 900 = 0.95
	f.prices.Set(ethUSDC, d("1068.75"))
	hf, err := f.engine.HealthFactor(ctx, f.vault, alice)
	require.NoError(t, err)
	assert.True(t, hf.Equal(d("0.95")), "got %s", hf)

	_, err = f.engine.Liquidate(ctx, f.vault, bob, alice, d("1000"))
	assert.ErrorIs(t, err, domain.ErrExceedsDebt)

	req, err := f.engine.Liquidate(ctx, f.vault, bob, alice, d("450"))
	require.NoError(t, err)
	// 450 * 1.05 / 1068.75
	assert.True(t, req.Seized.Equal(d("0.442105263157894736")), "got %s", req.Seized)
	assert.True(t, req.Repay.Equal(d("450")))
	assert.False(t, req.Flash)
	assert.NotEmpty(t, req.ID)

	assert.True(t, f.bank.Balance(bob, "ETH").Equal(req.Seized))
	assert.True(t, f.bank.Balance(bob, "USDC").Equal(d("550")))

	debt, err := f.vault.DebtOf(ctx, alice)
	require.NoError(t, err)
	assert.True(t, debt.Equal(d("450")))
	collateral, err := f.vault.CollateralOf(ctx, alice)
	require.NoError(t, err)
	assert.True(t, collateral.Equal(d("0.557894736842105264")))

	_, err = f.engine.Liquidate(ctx, f.vault, bob, alice, d("100"))
	assert.ErrorIs(t, err, domain.ErrHealthyPosition)
}

func TestLiquidate_LiquidatorWithoutFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1000", "1200000")
	f.open(t, alice, "1", "900")
	f.prices.Set(ethUSDC, d("1068.75"))
	before := f.balances()

	_, err := f.engine.Liquidate(ctx, f.vault, bob, alice, d("450"))
	assert.ErrorIs(t, err, domain.ErrExceedsBalance)
	assert.Equal(t, before, f.balances())
	assert.True(t, f.vault.Position(alice).DebtShares.Equal(d("900")))
}

func TestLiquidate_PriceUnavailable(t *testing.T) {
	f := newFixture(t, "1000", "1200000")
	f.open(t, alice, "1", "900")
	f.prices.Delete(ethUSDC)

	_, err := f.engine.Liquidate(context.Background(), f.vault, bob, alice, d("450"))
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestFlashClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1000", "1200000")
	f.open(t, alice, "1", "700")

	req, err := f.engine.FlashClose(ctx, f.vault, alice)
	require.NoError(t, err)
	assert.True(t, req.Flash)
	assert.True(t, req.Repay.Equal(d("700")))
	assert.True(t, req.FlashFee.Equal(d("1")))
	assert.True(t, req.Residual.Equal(d("0.413733082422355179")), "got %s", req.Residual)

	pos := f.vault.Position(alice)
	assert.True(t, pos.DebtShares.IsZero())
	assert.True(t, pos.CollateralShares.IsZero())
	assert.True(t, f.bank.Balance(alice, "ETH").Equal(req.Residual))
	assert.True(t, f.bank.Balance(alice, "USDC").GreaterThanOrEqual(d("700")))

	providerDebt, err := f.aave.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, providerDebt.IsZero())
	assert.True(t, f.bank.Balance(marginAddr, "USDC").Equal(d("100001")))
	assert.True(t, f.bank.Balance(vaultAddr, "ETH").IsZero())

	_, err = f.engine.FlashClose(ctx, f.vault, alice)
	assert.ErrorIs(t, err, domain.ErrNoDebt)
}

func TestFlashClose_Undercollateralized(t *testing.T) {
	ctx := context.Background()
	// the pool values ETH at 500 while the oracle still says 1200
	f := newFixture(t, "1000", "500000")
	f.open(t, alice, "1", "700")
	before := f.balances()
	position := f.vault.Position(alice)

	_, err := f.engine.FlashClose(ctx, f.vault, alice)
	assert.ErrorIs(t, err, domain.ErrUndercollateralized)

	assert.Equal(t, before, f.balances())
	assert.Equal(t, position, f.vault.Position(alice))
	assert.Equal(t, "aave", f.vault.ActiveProvider())
}

func TestFlashLiquidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1000", "1068750")
	f.open(t, alice, "1", "900")

	_, err := f.engine.FlashLiquidate(ctx, f.vault, bob, alice)
	assert.ErrorIs(t, err, domain.ErrHealthyPosition)

	f.prices.Set(ethUSDC, d("1068.75"))
	req, err := f.engine.FlashLiquidate(ctx, f.vault, bob, alice)
	require.NoError(t, err)
	assert.True(t, req.Flash)
	assert.True(t, req.Seized.Equal(d("0.884210526315789473")), "got %s", req.Seized)
	assert.True(t, req.Residual.Equal(d("0.037919399573899372")), "got %s", req.Residual)
	assert.True(t, f.bank.Balance(bob, "ETH").Equal(req.Residual))
	assert.True(t, f.bank.Balance(bob, "USDC").IsZero(), "no upfront funds needed")

	assert.True(t, f.vault.Position(alice).DebtShares.IsZero())
	collateral, err := f.vault.CollateralOf(ctx, alice)
	require.NoError(t, err)
	assert.True(t, collateral.Equal(d("1").Sub(req.Seized)))
}

func TestFlashPathsRequireFacilities(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	_, err := e.FlashClose(context.Background(), nil, alice)
	assert.Error(t, err)
}
