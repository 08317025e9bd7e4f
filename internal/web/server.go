// Package web serves a read-only monitoring surface: vault snapshots as JSON
// and committed vault events as a server-sent event stream.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

const eventPollInterval = 2 * time.Second

type snapshotter interface {
	Snapshot(ctx context.Context) (vault.Snapshot, error)
}

type rateAverager interface {
	Averages() []domain.ProviderRate
}

type eventReader interface {
	EventsAfter(index uint64) ([]domain.VaultEventRecord, error)
}

// Source is one monitored vault. History may be nil.
type Source struct {
	Vault   snapshotter
	History rateAverager
}

// VaultView is the JSON body of /api/vault.
type VaultView struct {
	vault.Snapshot
	RateEMA []domain.ProviderRate `json:"rate_ema,omitempty"`
}

// Server exposes HTTP endpoints serving vault snapshots and an SSE stream.
type Server struct {
	Addr   string
	Vaults map[string]Source
	Events eventReader

	// Metrics is served on /metrics when set.
	Metrics http.Handler
	logger  *zap.Logger
}

// NewServer creates a new web server instance. vaults are keyed by pair.
func NewServer(addr string, vaults map[string]Source, events eventReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Addr: addr, Vaults: vaults, Events: events, logger: logger}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/vaults", s.handleVaults)
	mux.HandleFunc("/api/vault", s.handleVault)
	mux.HandleFunc("/events/stream", s.handleEventStream)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme server", zap.Error(err))
		}
	}()

	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleVaults(w http.ResponseWriter, r *http.Request) {
	pairs := make([]string, 0, len(s.Vaults))
	for pair := range s.Vaults {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	views := make([]VaultView, 0, len(pairs))
	for _, pair := range pairs {
		view, err := s.view(r.Context(), s.Vaults[pair])
		if err != nil {
			s.logger.Warn("vault snapshot failed", zap.String("pair", pair), zap.Error(err))
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, views)
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	src, ok := s.Vaults[pair]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown pair %q", pair), http.StatusNotFound)
		return
	}
	view, err := s.view(r.Context(), src)
	if err != nil {
		http.Error(w, "failed to read vault", http.StatusServiceUnavailable)
		s.logger.Warn("vault snapshot failed", zap.String("pair", pair), zap.Error(err))
		return
	}
	writeJSON(w, view)
}

func (s *Server) view(ctx context.Context, src Source) (VaultView, error) {
	snap, err := src.Vault.Snapshot(ctx)
	if err != nil {
		return VaultView{}, err
	}
	view := VaultView{Snapshot: snap}
	if src.History != nil {
		view.RateEMA = src.History.Averages()
	}
	return view, nil
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "event journal not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// send a comment heartbeat every 20s so proxies keep connection
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(eventPollInterval)
	defer pollTicker.Stop()

	pair := r.URL.Query().Get("pair")
	lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	sendEvents := func() error {
		records, err := s.Events.EventsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			lastIndex = record.Index
			if pair != "" && record.Event.Pair != pair {
				continue
			}
			payload, err := json.Marshal(record.Event)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: %s\n", record.Event.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvents(); err != nil {
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		s.logger.Warn("event stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendEvents(); err != nil {
				s.logger.Warn("event stream poll", zap.Error(err))
			}
		}
	}
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a query parameter.
// The header is preferred; the query parameter allows manual reconnects to resume from a known index.
func (s *Server) parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.logger.Debug("invalid last event id", zap.String("id", idStr), zap.Error(err))
		return 0
	}
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>flashvault</title>
  <style>
    body { font-family:'Space Mono','JetBrains Mono',monospace; margin:2rem; color:#111; }
    table { border-collapse:collapse; margin-bottom:2rem; }
    td, th { border:1px solid #999; padding:.3rem .6rem; text-align:right; }
    th { background:#eee; }
    #events { height:20rem; overflow:auto; border:2px solid #111; padding:.5rem; font-size:.8rem; }
  </style>
</head>
<body>
  <h1>flashvault</h1>
  <div id="vaults"></div>
  <h2>events</h2>
  <div id="events"></div>
  <script>
    async function refresh() {
      const res = await fetch('/api/vaults');
      const vaults = await res.json();
      document.getElementById('vaults').innerHTML = vaults.map(v =>
        '<h2>' + v.pair + ' @ ' + v.active + '</h2>' +
        '<p>index ' + v.index + ' | debt ' + v.total_debt + ' | collateral ' + v.pooled_collateral + ' | price ' + v.price + '</p>' +
        '<table><tr><th>provider</th><th>rate</th></tr>' +
        (v.rates || []).map(r => '<tr><td>' + r.provider + '</td><td>' + r.rate + '</td></tr>').join('') +
        '</table>' +
        '<table><tr><th>user</th><th>collateral</th><th>debt</th><th>health</th></tr>' +
        (v.positions || []).map(p => '<tr><td>' + p.user + '</td><td>' + p.collateral + '</td><td>' + p.debt + '</td><td>' + p.health_factor + '</td></tr>').join('') +
        '</table>').join('');
    }
    refresh();
    setInterval(refresh, 5000);

    const log = document.getElementById('events');
    const stream = new EventSource('/events/stream');
    const show = e => {
      const line = document.createElement('div');
      line.textContent = e.type + ' ' + e.data;
      log.prepend(line);
    };
    ['whitelist','deposit','withdraw','borrow','payback','migration','liquidation','flash_close','provider_switch']
      .forEach(t => stream.addEventListener(t, show));
  </script>
</body>
</html>
`
