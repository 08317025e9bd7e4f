package journal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

func event(typ domain.EventType, amount string) domain.VaultEvent {
	return domain.VaultEvent{
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Block:     7,
		Pair:      "ETH_USDC",
		Type:      typ,
		User:      "0x00000000000000000000000000000000000A11cE",
		Provider:  "aave",
		Amount:    decimal.RequireFromString(amount),
		Index:     decimal.NewFromInt(1),
	}
}

func TestWALStore_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	store, err := NewWALStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Append(event(domain.EventDeposit, "1")))
	require.NoError(t, store.Append(event(domain.EventBorrow, "400")))
	assert.Equal(t, uint64(2), store.CurrentIndex())

	records, err := store.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Index)
	assert.Equal(t, domain.EventDeposit, records[0].Event.Type)
	assert.Equal(t, domain.EventBorrow, records[1].Event.Type)
	assert.True(t, records[1].Event.Amount.Equal(decimal.NewFromInt(400)))

	records, err = store.EventsAfter(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].Index)

	records, err = store.EventsAfter(2)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWALStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewWALStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Append(event(domain.EventMigration, "0")))
	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(1), reopened.CurrentIndex())
	require.NoError(t, reopened.Append(event(domain.EventPayback, "50")))

	records, err := reopened.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.EventMigration, records[0].Event.Type)
	assert.Equal(t, domain.EventPayback, records[1].Event.Type)
}

func TestWALStore_RejectsUntypedEvent(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Append(domain.VaultEvent{}))
	assert.Equal(t, uint64(0), store.CurrentIndex())
}

func TestWALStore_Nil(t *testing.T) {
	var store *WALStore
	assert.Error(t, store.Append(event(domain.EventDeposit, "1")))
	assert.Equal(t, uint64(0), store.CurrentIndex())
}
