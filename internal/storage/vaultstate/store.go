// Package vaultstate saves the simulated world (vault book, debt ledger,
// backend accounting and bank balances) so restarts resume where they left.
package vaultstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
	"github.com/vadiminshakov/flashvault/internal/vault"
)

const defaultStateDir = "./wal/state"

// Store persists the state of one vault in a JSON file.
type Store struct {
	path string
}

func stateDir(dir string) string {
	if dir != "" {
		return dir
	}
	if env := os.Getenv("FLASHVAULT_STATE_DIR"); env != "" {
		return env
	}
	return defaultStateDir
}

// NewStore creates a state store for pair under dir. An empty scope names the
// file after the pair.
func NewStore(dir string, pair domain.Pair, scope string) (*Store, error) {
	dir = stateDir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create vault state dir")
	}

	name := sanitizeScope(scope)
	if name == "" {
		name = strings.ToLower(pair.String())
	}

	return &Store{path: filepath.Join(dir, fmt.Sprintf("%s.json", name))}, nil
}

// Path returns the file the store writes to.
func (s *Store) Path() string { return s.path }

// State represents all persisted simulation data.
type State struct {
	SavedAt  time.Time                                     `json:"saved_at"`
	Pair     string                                        `json:"pair"`
	Block    uint64                                        `json:"block"`
	Vault    vault.State                                   `json:"vault"`
	Markets  map[string]provider.MarketState               `json:"markets"`
	Balances map[common.Address]map[string]decimal.Decimal `json:"balances"`
}

// Load reads the state from disk. It returns nil when nothing was saved yet.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read vault state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode vault state")
	}

	return &state, nil
}

// Save writes the state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode vault state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write vault state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist vault state")
	}

	return nil
}

func sanitizeScope(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
