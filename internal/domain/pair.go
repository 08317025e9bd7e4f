// Package domain defines core data structures shared by the vault components.
package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Pair collateral/debt asset pair served by one vault.
type Pair struct {
	// Base collateral asset symbol.
	Base string
	// Quote borrowed asset symbol.
	Quote string
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Base, p.Quote)
}

// Symbol returns the concatenated symbol representation.
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.Base, p.Quote)
}

// ParsePair parses "ETH_USDC" into a Pair.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, errors.Errorf("invalid pair %q, expected BASE_QUOTE", s)
	}
	return Pair{Base: parts[0], Quote: parts[1]}, nil
}
