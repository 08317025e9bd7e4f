// Package clock supplies block heights to components that accrue interest or
// enforce entry delays.
package clock

import "sync/atomic"

// Clock reports the current block number.
type Clock interface {
	BlockNumber() uint64
}

// Manual is a clock advanced explicitly by the host.
type Manual struct {
	block atomic.Uint64
}

// NewManual creates a clock positioned at block.
func NewManual(block uint64) *Manual {
	c := &Manual{}
	c.block.Store(block)
	return c
}

// BlockNumber implements Clock.
func (c *Manual) BlockNumber() uint64 {
	return c.block.Load()
}

// Advance moves the clock forward by n blocks and returns the new height.
func (c *Manual) Advance(n uint64) uint64 {
	return c.block.Add(n)
}

// Set positions the clock at block.
func (c *Manual) Set(block uint64) {
	c.block.Store(block)
}
