package domain

import "github.com/pkg/errors"

// Error kinds surfaced by vault operations. Callers match them with errors.Is.
var (
	ErrNotWhitelisted             = errors.New("not whitelisted")
	ErrZeroAmount                 = errors.New("zero amount")
	ErrInsufficientCollateral     = errors.New("insufficient collateral")
	ErrExceedsBalance             = errors.New("exceeds balance")
	ErrNoDebt                     = errors.New("no debt")
	ErrBackendUnavailable         = errors.New("backend unavailable")
	ErrInsufficientBackendBalance = errors.New("insufficient backend balance")
	ErrMigrationFailed            = errors.New("migration failed")
	ErrHealthyPosition            = errors.New("healthy position")
	ErrExceedsDebt                = errors.New("exceeds debt")
	ErrUndercollateralized        = errors.New("undercollateralized")
	ErrPriceUnavailable           = errors.New("price unavailable")
	ErrSlippageExceeded           = errors.New("slippage exceeded")
)

// ErrUnknownProvider is returned when an adapter name is not registered with the vault.
var ErrUnknownProvider = errors.New("unknown provider")
