package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

type fakeVault struct {
	snap vault.Snapshot
	err  error
}

func (f fakeVault) Snapshot(context.Context) (vault.Snapshot, error) {
	return f.snap, f.err
}

type fakeHistory []domain.ProviderRate

func (h fakeHistory) Averages() []domain.ProviderRate { return h }

type fakeEvents []domain.VaultEventRecord

func (f fakeEvents) EventsAfter(index uint64) ([]domain.VaultEventRecord, error) {
	var out []domain.VaultEventRecord
	for _, r := range f {
		if r.Index > index {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestServer() *Server {
	vaults := map[string]Source{
		"ETH_USDC": {
			Vault: fakeVault{snap: vault.Snapshot{
				Pair:      "ETH_USDC",
				Active:    "aave",
				Index:     decimal.RequireFromString("1.1"),
				TotalDebt: decimal.NewFromInt(440),
			}},
			History: fakeHistory{{Provider: "aave", Rate: decimal.RequireFromString("0.03")}},
		},
		"BTC_USDC": {Vault: fakeVault{err: errors.New("provider down")}},
	}
	events := fakeEvents{
		{Index: 1, Event: domain.VaultEvent{Pair: "ETH_USDC", Type: domain.EventDeposit, Amount: decimal.NewFromInt(1)}},
		{Index: 2, Event: domain.VaultEvent{Pair: "BTC_USDC", Type: domain.EventDeposit, Amount: decimal.NewFromInt(2)}},
		{Index: 3, Event: domain.VaultEvent{Pair: "ETH_USDC", Type: domain.EventMigration}},
	}
	return NewServer(":0", vaults, events, nil)
}

func TestServer_Vault(t *testing.T) {
	srv := newTestServer()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vault?pair=ETH_USDC", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view VaultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "aave", view.Active)
	assert.True(t, view.Index.Equal(decimal.RequireFromString("1.1")))
	require.Len(t, view.RateEMA, 1)
	assert.Equal(t, "aave", view.RateEMA[0].Provider)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vault?pair=DOGE_USDC", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vault?pair=BTC_USDC", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Vaults(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vaults", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var views []VaultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1, "failing vaults are skipped")
	assert.Equal(t, "ETH_USDC", views[0].Pair)
}

func TestServer_Index(t *testing.T) {
	srv := newTestServer()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flashvault")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_EventStream(t *testing.T) {
	ts := httptest.NewServer(newTestServer().Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/stream?pair=ETH_USDC&last_event_id=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
		if strings.HasPrefix(line, "data:") {
			break
		}
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "id: 3", lines[0])
	assert.Equal(t, "event: migration", lines[1])
	assert.Contains(t, lines[2], `"type":"migration"`)
}

func TestServer_EventStreamWithoutJournal(t *testing.T) {
	srv := NewServer(":0", nil, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseLastEventID(t *testing.T) {
	srv := newTestServer()
	assert.Equal(t, uint64(7), srv.parseLastEventID("7", "3"))
	assert.Equal(t, uint64(3), srv.parseLastEventID("", " 3 "))
	assert.Equal(t, uint64(0), srv.parseLastEventID("x", ""))
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	srv.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("flashvault_positions 1\n"))
	})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flashvault_positions")
}
