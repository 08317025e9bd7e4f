// Package vault implements the position vault: per-user collateral and debt
// for one base/quote pair, backed by whichever provider is active.
package vault

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/bank"
	"github.com/vadiminshakov/flashvault/internal/clock"
	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/ledger"
	"github.com/vadiminshakov/flashvault/internal/services/oracle"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
	"github.com/vadiminshakov/flashvault/internal/txn"
)

// NoDebtHealthFactor is reported for positions without debt.
var NoDebtHealthFactor = decimal.NewFromInt(math.MaxInt64)

// Config read-only risk parameters of a vault.
type Config struct {
	// ThresholdFactor discounts collateral value when computing the health
	// factor. Must be in (0, 1).
	ThresholdFactor decimal.Decimal
	// LiquidationBonus extra collateral paid to liquidators, 0.05 is 5%.
	LiquidationBonus decimal.Decimal
	// WhitelistDelay blocks between a whitelist request and the first
	// accepted deposit.
	WhitelistDelay uint64
}

// Validate checks the parameters.
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	if !c.ThresholdFactor.IsPositive() || c.ThresholdFactor.GreaterThanOrEqual(one) {
		return errors.Errorf("threshold factor must be in (0, 1), got %s", c.ThresholdFactor)
	}
	if c.LiquidationBonus.IsNegative() || c.LiquidationBonus.GreaterThanOrEqual(one) {
		return errors.Errorf("liquidation bonus must be in [0, 1), got %s", c.LiquidationBonus)
	}
	return nil
}

// EventSink receives events of committed operations.
type EventSink interface {
	Append(event domain.VaultEvent) error
}

// Params wires a vault to its collaborators.
type Params struct {
	Pair domain.Pair
	// Address is the vault's own account in the bank. Every adapter must act
	// for this account.
	Address   common.Address
	Bank      *bank.Bank
	Clock     clock.Clock
	Providers *provider.Registry
	// Active names the provider holding the pooled position at start.
	Active string
	Oracle oracle.Oracle
	Config Config
	// Sink is optional.
	Sink   EventSink
	Logger *zap.Logger
}

// Vault owns the users' positions. Every operation runs under one lock and
// commits or rolls back as a whole.
type Vault struct {
	mu sync.Mutex

	pair      domain.Pair
	address   common.Address
	bank      *bank.Bank
	clock     clock.Clock
	providers *provider.Registry
	oracle    oracle.Oracle
	cfg       Config
	sink      EventSink
	logger    *zap.Logger
	ledger    *ledger.Ledger

	book book
}

// book is the vault's own mutable state.
type book struct {
	active          string
	collateral      map[common.Address]decimal.Decimal
	totalCollateral decimal.Decimal
	whitelist       map[common.Address]uint64
}

// New creates a vault.
func New(p Params) (*Vault, error) {
	if p.Bank == nil || p.Clock == nil || p.Oracle == nil {
		return nil, errors.New("bank, clock and oracle are required")
	}
	if p.Providers == nil || p.Providers.Len() == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if _, err := p.Providers.Get(p.Active); err != nil {
		return nil, errors.Wrap(err, "active provider")
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("pair", p.Pair.String()))

	return &Vault{
		pair:      p.Pair,
		address:   p.Address,
		bank:      p.Bank,
		clock:     p.Clock,
		providers: p.Providers,
		oracle:    p.Oracle,
		cfg:       p.Config,
		sink:      p.Sink,
		logger:    logger,
		ledger:    ledger.New(logger),
		book: book{
			active:          p.Active,
			collateral:      make(map[common.Address]decimal.Decimal),
			totalCollateral: decimal.Zero,
			whitelist:       make(map[common.Address]uint64),
		},
	}, nil
}

// Pair returns the vault's asset pair.
func (v *Vault) Pair() domain.Pair { return v.pair }

// Address returns the vault's bank account.
func (v *Vault) Address() common.Address { return v.address }

// Config returns the risk parameters.
func (v *Vault) Config() Config { return v.cfg }

// Providers returns the registered adapters.
func (v *Vault) Providers() *provider.Registry { return v.providers }

// Atomic runs fn with exclusive access to the vault. If fn fails every
// participant (bank, ledger, adapters, the vault book and extra) is restored
// to its state before the call. Events recorded by fn are published only
// after a successful commit.
func (v *Vault) Atomic(ctx context.Context, fn func(tx *Tx) error, extra ...txn.Participant) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	tx := &Tx{v: v, ctx: ctx}
	participants := append(v.participants(), extra...)
	if err := txn.Atomic(func() error { return fn(tx) }, participants...); err != nil {
		return err
	}
	v.publish(tx.events)
	return nil
}

func (v *Vault) checkpointBook() txn.Checkpoint {
	saved := book{
		active:          v.book.active,
		collateral:      copyAmounts(v.book.collateral),
		totalCollateral: v.book.totalCollateral,
		whitelist:       make(map[common.Address]uint64, len(v.book.whitelist)),
	}
	for user, block := range v.book.whitelist {
		saved.whitelist[user] = block
	}
	return txn.CheckpointFunc(func() {
		v.book = saved
	})
}

func (v *Vault) participants() []txn.Participant {
	parts := []txn.Participant{v.bank, v.ledger, bookParticipant{v}}
	for _, a := range v.providers.All() {
		parts = append(parts, a)
	}
	return parts
}

// bookParticipant checkpoints the vault book. It runs under the lock already
// held by Atomic.
type bookParticipant struct{ v *Vault }

func (b bookParticipant) Checkpoint() txn.Checkpoint { return b.v.checkpointBook() }

func (v *Vault) publish(events []domain.VaultEvent) {
	for _, ev := range events {
		v.logger.Info("vault operation committed",
			zap.String("type", string(ev.Type)),
			zap.String("user", ev.User),
			zap.String("provider", ev.Provider),
			zap.String("amount", ev.Amount.String()),
			zap.String("index", ev.Index.String()))

		if v.sink == nil {
			continue
		}
		if err := v.sink.Append(ev); err != nil {
			v.logger.Warn("failed to persist vault event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

func (v *Vault) newEvent(typ domain.EventType, user common.Address, amount decimal.Decimal, details any) domain.VaultEvent {
	ev := domain.VaultEvent{
		Timestamp: time.Now().UTC(),
		Block:     v.clock.BlockNumber(),
		Pair:      v.pair.String(),
		Type:      typ,
		Provider:  v.book.active,
		Amount:    amount,
		Index:     v.ledger.Index(),
		Details:   details,
	}
	if user != (common.Address{}) {
		ev.User = user.Hex()
	}
	return ev
}

func copyAmounts(in map[common.Address]decimal.Decimal) map[common.Address]decimal.Decimal {
	out := make(map[common.Address]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedUsers(sets ...[]common.Address) []common.Address {
	seen := make(map[common.Address]struct{})
	var users []common.Address
	for _, set := range sets {
		for _, u := range set {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Cmp(users[j]) < 0 })
	return users
}
