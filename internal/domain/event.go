package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType kind of a committed vault operation.
type EventType string

const (
	EventWhitelist      EventType = "whitelist"
	EventDeposit        EventType = "deposit"
	EventWithdraw       EventType = "withdraw"
	EventBorrow         EventType = "borrow"
	EventPayback        EventType = "payback"
	EventMigration      EventType = "migration"
	EventLiquidation    EventType = "liquidation"
	EventFlashClose     EventType = "flash_close"
	EventProviderSwitch EventType = "provider_switch"
)

// VaultEvent is emitted after a vault operation has committed.
type VaultEvent struct {
	Timestamp time.Time       `json:"ts"`
	Block     uint64          `json:"block"`
	Pair      string          `json:"pair"`
	Type      EventType       `json:"type"`
	User      string          `json:"user,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Index     decimal.Decimal `json:"index"`
	// Details carries a MigrationRecord or LiquidationRequest when relevant.
	Details any `json:"details,omitempty"`
}

// VaultEventRecord bundles an event with its journal index.
type VaultEventRecord struct {
	Index uint64
	Event VaultEvent
}

// ProviderRate borrow rate observed at one provider.
type ProviderRate struct {
	Provider string          `json:"provider"`
	Rate     decimal.Decimal `json:"rate"`
}
