// salt.go: The local salt counter feeding DES salts and AES IVs.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
)

// DefaultSaltBlock is the number of counter values reserved from a
// CounterStore at a time.
const DefaultSaltBlock = 1024

// CounterStore persists salt counter reservations so that a counter never
// hands out a value twice, even across process restarts.
type CounterStore interface {
	// ReserveCounter durably advances the named counter by block and
	// returns the first value of the reserved range.
	ReserveCounter(ctx context.Context, name string, block uint64) (uint64, error)
}

// SaltCounter is the localCounter of RFC 3414 §8.1.1.1 and RFC 3826 §3.1.2.1.
// Values are strictly increasing and never reused for the lifetime of the
// counter. A SaltCounter is safe for concurrent use.
//
// Without a CounterStore the counter starts at a random 64-bit offset, which
// is sufficient for keys that do not outlive the process. With a store, the
// counter reserves blocks and persists the new high-water mark before handing
// out any value from a block.
type SaltCounter struct {
	mu       sync.Mutex
	next     uint64
	limit    uint64
	reserved bool

	store CounterStore
	name  string
	block uint64
}

// SaltOption configures a SaltCounter.
type SaltOption func(*SaltCounter)

// WithCounterStore makes the counter reserve blocks of block values under
// name from store. A zero block means DefaultSaltBlock.
func WithCounterStore(store CounterStore, name string, block uint64) SaltOption {
	return func(c *SaltCounter) {
		c.store = store
		if name != "" {
			c.name = name
		}
		if block > 0 {
			c.block = block
		}
	}
}

// NewSaltCounter creates a salt counter.
func NewSaltCounter(opts ...SaltOption) (*SaltCounter, error) {
	c := &SaltCounter{name: "salt", block: DefaultSaltBlock}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		var seed [8]byte
		if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
			return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidParameter, "failed to seed salt counter")
		}
		c.next = binary.BigEndian.Uint64(seed[:])
	}
	return c, nil
}

// Next returns the next unused counter value.
func (c *SaltCounter) Next() (uint64, error) {
	return c.NextContext(context.Background())
}

// NextContext is Next with a context for the store reservation, if one is
// needed.
func (c *SaltCounter) NextContext(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil && (!c.reserved || c.next >= c.limit) {
		start, err := c.store.ReserveCounter(ctx, c.name, c.block)
		if err != nil {
			return 0, wrapError(ErrStore, err, ErrCodeStore, "failed to reserve salt counter block")
		}
		c.next, c.limit, c.reserved = start, start+c.block, true
	}

	v := c.next
	c.next++
	return v, nil
}
