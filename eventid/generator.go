// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package eventid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
)

// Generator mints EventIDs that strictly increase in byte order per
// instance, even when the wall clock stalls or retreats. One generator
// per topic writer is sufficient; there is no cross-generator
// coordination.
type Generator struct {
	mu       sync.Mutex
	lastMS   uint64
	lastRand [10]byte
	seeded   bool

	clock   clock.Clock
	entropy io.Reader
}

// NewGenerator returns a generator reading time from clk and suffix
// entropy from entropy. Both may be nil for the real clock and
// crypto/rand.
func NewGenerator(clk clock.Clock, entropy io.Reader) *Generator {
	if clk == nil {
		clk = clock.New()
	}
	if entropy == nil {
		entropy = rand.Reader
	}
	return &Generator{clock: clk, entropy: entropy}
}

// SeedFloor raises the generator's millisecond floor so that every
// subsequently minted id sorts after any id whose prefix is below ms.
// Used after recovery with the highest observed prefix + 1.
func (g *Generator) SeedFloor(ms uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ms > g.lastMS {
		g.lastMS = ms
		g.seeded = false
	}
}

// Next mints the next id. Within one millisecond successive ids differ
// by an increment of the 80-bit suffix; suffix overflow borrows the
// next millisecond. A retreating wall clock freezes the prefix at the
// last value until real time catches up.
func (g *Generator) Next() (EventID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(g.clock.Now().UnixMilli())
	switch {
	case !g.seeded || now > g.lastMS:
		if now > g.lastMS {
			g.lastMS = now
		}
		if _, err := io.ReadFull(g.entropy, g.lastRand[:]); err != nil {
			return EventID{}, fmt.Errorf("reading id entropy: %w", err)
		}
		g.seeded = true
	default:
		// Same millisecond (or clock went backwards): bump the suffix.
		if incrementSuffix(&g.lastRand) {
			// 80-bit overflow. Borrow from the future.
			g.lastMS++
			if _, err := io.ReadFull(g.entropy, g.lastRand[:]); err != nil {
				return EventID{}, fmt.Errorf("reading id entropy: %w", err)
			}
		}
	}

	var id EventID
	var ms [8]byte
	binary.BigEndian.PutUint64(ms[:], g.lastMS)
	copy(id[:6], ms[2:])
	copy(id[6:], g.lastRand[:])
	return id, nil
}

// incrementSuffix adds one to the big-endian 80-bit suffix, reporting
// whether the addition carried out of the top byte.
func incrementSuffix(b *[10]byte) bool {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return false
		}
	}
	return true
}
