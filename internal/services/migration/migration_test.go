package migration

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
	"github.com/vadiminshakov/flashvault/internal/ledger"
	"github.com/vadiminshakov/flashvault/internal/services/oracle"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

var (
	ethUSDC    = domain.Pair{Base: "ETH", Quote: "USDC"}
	vaultAddr  = common.HexToAddress("0x5a017")
	aaveAddr   = common.HexToAddress("0xaa")
	compAddr   = common.HexToAddress("0xcc")
	marginAddr = common.HexToAddress("0xdd")
	alice      = common.HexToAddress("0xa11ce")
	bob        = common.HexToAddress("0xb0b")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type world struct {
	bank   *bank.Bank
	clock  *clock.Manual
	aave   *provider.ElasticMarket
	comp   *provider.ElasticMarket
	margin *provider.MarginMarket
	vault  *vault.Vault
	engine *Engine
}

type worldOpts struct {
	terms        provider.FlashTerms
	compSupply   string
	marginSupply string
	// registerMargin adds the lender as a third provider.
	registerMargin bool
}

func newWorld(t *testing.T, opts worldOpts) *world {
	t.Helper()
	if opts.compSupply == "" {
		opts.compSupply = "100000"
	}
	if opts.marginSupply == "" {
		opts.marginSupply = "100000"
	}

	w := &world{bank: bank.New(), clock: clock.NewManual(1)}
	prices := oracle.NewStatic()
	prices.Set(ethUSDC, d("1200"))

	var err error
	w.aave, err = provider.NewAaveLikeMarket(provider.Config{
		Name: "aave", Pair: ethUSDC, Owner: vaultAddr, Address: aaveAddr,
		Model: provider.FlatRate(d("0.05")),
	}, w.bank, w.clock, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.aave.Supply(d("100000")))

	w.comp, err = provider.NewCompoundLikeMarket(provider.Config{
		Name: "compound", Pair: ethUSDC, Owner: vaultAddr, Address: compAddr,
		Model: provider.FlatRate(d("0.02")), ExchangeRate: d("0.02"),
	}, w.bank, w.clock, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.comp.Supply(d(opts.compSupply)))

	w.margin, err = provider.NewMarginMarket(provider.Config{
		Name: "margin", Pair: ethUSDC, Owner: vaultAddr, Address: marginAddr,
	}, d("0.01"), opts.terms, w.bank, w.clock, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.margin.Supply(d(opts.marginSupply)))

	adapters := []provider.Adapter{w.aave, w.comp}
	if opts.registerMargin {
		adapters = append(adapters, w.margin)
	}
	registry, err := provider.NewRegistry(adapters...)
	require.NoError(t, err)

	w.vault, err = vault.New(vault.Params{
		Pair: ethUSDC, Address: vaultAddr, Bank: w.bank, Clock: w.clock,
		Providers: registry, Active: "aave", Oracle: prices,
		Config: vault.Config{ThresholdFactor: d("0.8"), LiquidationBonus: d("0.05")},
	})
	require.NoError(t, err)

	w.engine = NewEngine(w.margin, zap.NewNop())
	return w
}

func (w *world) open(t *testing.T, user common.Address, collateral, debt string) {
	t.Helper()
	ctx := context.Background()
	_, err := w.vault.RequestWhitelist(ctx, user)
	require.NoError(t, err)
	require.NoError(t, w.bank.Mint(user, "ETH", d(collateral)))
	require.NoError(t, w.vault.Deposit(ctx, user, d(collateral)))
	if debt != "" {
		require.NoError(t, w.vault.Borrow(ctx, user, d(debt)))
	}
}

type worldState struct {
	balances map[string]string
	vault    vault.State
	holdings map[string][2]string
}

func (w *world) capture(t *testing.T) worldState {
	t.Helper()
	ctx := context.Background()
	st := worldState{
		balances: make(map[string]string),
		vault:    w.vault.State(),
		holdings: make(map[string][2]string),
	}
	for _, asset := range []string{"ETH", "USDC"} {
		for _, acc := range w.bank.Accounts(asset) {
			st.balances[acc.Hex()+"/"+asset] = w.bank.Balance(acc, asset).String()
		}
	}
	for _, a := range []provider.Adapter{w.aave, w.comp, w.margin} {
		collateral, err := a.BalanceOfCollateral(ctx)
		require.NoError(t, err)
		debt, err := a.BalanceOfDebt(ctx)
		require.NoError(t, err)
		st.holdings[a.Name()] = [2]string{collateral.String(), debt.String()}
	}
	return st
}

func TestMigrate_CollateralOnly(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, worldOpts{terms: provider.FlashTerms{Flat: d("1")}})
	w.open(t, alice, "1", "")

	record, err := w.engine.Migrate(ctx, w.vault, "compound")
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationCommitted, record.State)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "aave", record.Source)
	assert.True(t, record.FlashAmount.IsZero(), "no flash loan without debt")
	assert.True(t, record.FlashFee.IsZero())

	assert.Equal(t, "compound", w.vault.ActiveProvider())
	assert.True(t, w.vault.TotalDebt().IsZero())
	assert.True(t, w.bank.Balance(compAddr, "ETH").Equal(d("1")))
	assert.True(t, w.bank.Balance(aaveAddr, "ETH").IsZero())
	assert.True(t, w.comp.Receipts().Equal(d("50")))

	collateral, err := w.vault.CollateralOf(ctx, alice)
	require.NoError(t, err)
	assert.True(t, collateral.Equal(d("1")))
}

func TestMigrate_DebtConservedWithoutFee(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, worldOpts{})
	w.open(t, alice, "1", "900")
	w.open(t, bob, "2", "500")
	w.clock.Advance(1000)

	aliceBefore, err := w.vault.DebtOf(ctx, alice)
	require.NoError(t, err)
	sourceDebt, err := w.aave.BalanceOfDebt(ctx)
	require.NoError(t, err)

	record, err := w.engine.Migrate(ctx, w.vault, "compound")
	require.NoError(t, err)
	assert.True(t, record.DebtAfter.Equal(record.DebtBefore), "before %s after %s", record.DebtBefore, record.DebtAfter)
	assert.True(t, record.FlashAmount.Equal(sourceDebt))

	destDebt, err := w.comp.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, destDebt.Equal(sourceDebt))

	aaveDebt, err := w.aave.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, aaveDebt.IsZero())
	assert.True(t, w.bank.Balance(aaveAddr, "ETH").IsZero())
	assert.True(t, w.bank.Balance(compAddr, "ETH").Equal(d("3")))

	aliceAfter, err := w.vault.DebtOf(ctx, alice)
	require.NoError(t, err)
	assert.True(t, aliceAfter.Equal(aliceBefore))
	assert.True(t, w.bank.Balance(vaultAddr, "USDC").IsZero())
	assert.True(t, w.bank.Balance(marginAddr, "USDC").Equal(d("100000")))
}

func TestMigrate_FeeFoldedIntoIndex(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, worldOpts{terms: provider.FlashTerms{Bps: d("9")}})
	w.open(t, alice, "1", "900")
	w.open(t, bob, "2", "500")
	w.clock.Advance(1000)

	indexBefore := w.vault.Index()
	record, err := w.engine.Migrate(ctx, w.vault, "compound")
	require.NoError(t, err)
	require.True(t, record.FlashFee.IsPositive())

	drift := record.DebtAfter.Sub(record.DebtBefore.Add(record.FlashFee)).Abs()
	assert.True(t, drift.LessThanOrEqual(ledger.Unit), "drift %s", drift)
	assert.True(t, w.vault.Index().GreaterThan(indexBefore))

	destDebt, err := w.comp.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, destDebt.Equal(record.FlashAmount.Add(record.FlashFee)))
	assert.True(t, w.vault.TotalDebt().GreaterThanOrEqual(destDebt))
	assert.True(t, w.bank.Balance(marginAddr, "USDC").Equal(d("100000").Add(record.FlashFee)))
}

func TestMigrate_DestinationRejectsDeposit(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, worldOpts{terms: provider.FlashTerms{Flat: d("2")}})
	w.open(t, alice, "1", "700")
	w.clock.Advance(500)
	before := w.capture(t)

	w.comp.FailNext(provider.OpDeposit)
	record, err := w.engine.Migrate(ctx, w.vault, "compound")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMigrationFailed)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, domain.MigrationAborted, record.State)

	var migErr *Error
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, domain.MigrationCollateralWithdrawn, migErr.Reached)

	assert.Equal(t, "aave", w.vault.ActiveProvider())
	assert.Equal(t, before, w.capture(t))
}

func TestMigrate_DestinationCannotLend(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, worldOpts{compSupply: "100"})
	w.open(t, alice, "1", "700")
	before := w.capture(t)

	_, err := w.engine.Migrate(ctx, w.vault, "compound")
	assert.ErrorIs(t, err, domain.ErrMigrationFailed)
	assert.ErrorIs(t, err, domain.ErrInsufficientBackendBalance)
	assert.Equal(t, before, w.capture(t))
}

func TestMigrate_LenderShortOfLiquidity(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, worldOpts{marginSupply: "10"})
	w.open(t, alice, "1", "700")
	before := w.capture(t)

	_, err := w.engine.Migrate(ctx, w.vault, "compound")
	assert.ErrorIs(t, err, domain.ErrMigrationFailed)
	assert.ErrorIs(t, err, domain.ErrInsufficientBackendBalance)
	assert.Equal(t, before, w.capture(t))
}

func TestMigrate_InvalidDestination(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, worldOpts{})
	w.open(t, alice, "1", "")

	_, err := w.engine.Migrate(ctx, w.vault, "aave")
	assert.ErrorIs(t, err, domain.ErrMigrationFailed)

	_, err = w.engine.Migrate(ctx, w.vault, "dydx")
	assert.ErrorIs(t, err, domain.ErrMigrationFailed)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestMigrate_LenderIsDestination(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, worldOpts{terms: provider.FlashTerms{Flat: d("1")}, registerMargin: true})
	w.open(t, alice, "1", "600")

	record, err := w.engine.Migrate(ctx, w.vault, "margin")
	require.NoError(t, err)
	assert.Equal(t, "margin", w.vault.ActiveProvider())

	debt, err := w.margin.BalanceOfDebt(ctx)
	require.NoError(t, err)
	assert.True(t, debt.Equal(d("601")))
	assertWithinUnit(t, d("601"), record.DebtAfter)

	// and back again
	_, err = w.engine.Migrate(ctx, w.vault, "aave")
	require.NoError(t, err)
	aliceDebt, err := w.vault.DebtOf(ctx, alice)
	require.NoError(t, err)
	assertWithinUnit(t, d("602"), aliceDebt)
}

func assertWithinUnit(t *testing.T, want, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Sub(want).Abs().LessThanOrEqual(ledger.Unit), "want %s, got %s", want, got)
}
