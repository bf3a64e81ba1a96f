// timesync.go: Per remote engine clock state and the anti-replay time window
// (RFC 3414 §2.3 and §3.2.7b).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
)

const (
	// TimeWindow is the tolerance, in seconds, for engine time values.
	TimeWindow = 150

	// MaxEngineBoots latches an engine into the desynchronized state.
	MaxEngineBoots uint32 = 0xFFFFFFFF

	// MaxEngineTime is the largest snmpEngineTime value.
	MaxEngineTime uint32 = 2147483647
)

// Clock returns the current instant.
type Clock func() time.Time

// defaultClock uses the cached clock: USM works at second resolution and
// reads the time on every message.
func defaultClock() time.Time {
	return timecache.CachedTime()
}

// EngineStatus is the synchronization state of a remote engine.
type EngineStatus int

const (
	EngineUnknown EngineStatus = iota
	EngineDiscovered
	EngineSynchronized
)

func (s EngineStatus) String() string {
	switch s {
	case EngineUnknown:
		return "unknown"
	case EngineDiscovered:
		return "discovered"
	case EngineSynchronized:
		return "synchronized"
	}
	return fmt.Sprintf("EngineStatus(%d)", int(s))
}

// EngineState is the locally cached view of a remote engine's clock.
type EngineState struct {
	EngineID []byte
	Boots    uint32
	Time     uint32 // latest received engine time
	// ReceivedAt is the local instant at which Time was received.
	ReceivedAt time.Time
	Status     EngineStatus
}

// Discovered reports whether the engine ID was learned from the engine.
func (s EngineState) Discovered() bool {
	return s.Status != EngineUnknown
}

// Desynchronized reports whether the engine exhausted its boots counter.
func (s EngineState) Desynchronized() bool {
	return s.Boots == MaxEngineBoots
}

func (s EngineState) clone() EngineState {
	s.EngineID = append([]byte(nil), s.EngineID...)
	return s
}

// TimeUpdate is an accepted but not yet committed clock observation.
// It is produced by EngineCache.Check and applied by EngineCache.Commit
// once the whole message has been processed successfully.
type TimeUpdate struct {
	EngineID []byte
	Boots    uint32
	Time     uint32
	// Reset is set when the observation replaces the baseline: first
	// synchronization or a reboot of the remote engine.
	Reset bool
}

// EngineCache holds the time synchronization state of remote engines for
// one session manager. It is safe for concurrent use.
type EngineCache struct {
	mu      sync.RWMutex
	engines map[string]*EngineState
	clock   Clock
}

// NewEngineCache creates an empty cache. A nil clock uses the cached
// wall clock.
func NewEngineCache(clock Clock) *EngineCache {
	if clock == nil {
		clock = defaultClock
	}
	return &EngineCache{
		engines: make(map[string]*EngineState),
		clock:   clock,
	}
}

func engineKey(engineID []byte) string {
	return string(engineID)
}

// Lookup returns a copy of the cached state.
func (c *EngineCache) Lookup(engineID []byte) (EngineState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.engines[engineKey(engineID)]
	if !ok {
		return EngineState{}, false
	}
	return st.clone(), true
}

// Known reports whether the engine has been discovered, either by probing
// or by an authenticated exchange.
func (c *EngineCache) Known(engineID []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.engines[engineKey(engineID)]
	return ok && st.Status != EngineUnknown
}

// Touch records first contact with an engine without learning anything
// about it.
func (c *EngineCache) Touch(engineID []byte) {
	if len(engineID) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.engines[engineKey(engineID)]; !ok {
		c.engines[engineKey(engineID)] = &EngineState{
			EngineID: append([]byte(nil), engineID...),
			Status:   EngineUnknown,
		}
	}
}

// MarkDiscovered records an engine ID learned from a discovery report.
// Synchronized engines are left untouched.
func (c *EngineCache) MarkDiscovered(engineID []byte) {
	if len(engineID) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.engines[engineKey(engineID)]
	if !ok {
		st = &EngineState{EngineID: append([]byte(nil), engineID...)}
		c.engines[engineKey(engineID)] = st
	}
	if st.Status == EngineUnknown {
		st.Status = EngineDiscovered
	}
}

// Estimate returns the boots and time to put in an outgoing message to a
// synchronized engine: the stored time plus the seconds elapsed locally
// since it was received.
func (c *EngineCache) Estimate(engineID []byte) (boots, engineTime uint32, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, found := c.engines[engineKey(engineID)]
	if !found || st.Status != EngineSynchronized {
		return 0, 0, false
	}
	return st.Boots, addElapsed(st.Time, st.ReceivedAt, c.clock()), true
}

func addElapsed(base uint32, since, now time.Time) uint32 {
	elapsed := int64(now.Sub(since) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	t := int64(base) + elapsed
	if t > int64(MaxEngineTime) {
		return MaxEngineTime
	}
	return uint32(t) // #nosec G115 -- bounded above
}

// Check validates a received (boots, time) pair against the cached state
// and returns the update to commit if the message is fully accepted. The
// cache is not modified.
//
// report marks a discovery or synchronization Report-PDU, which is the
// only kind of message accepted from an engine that is not known yet.
func (c *EngineCache) Check(engineID []byte, boots, engineTime uint32, report bool) (TimeUpdate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id := hex.EncodeToString(engineID)
	update := TimeUpdate{
		EngineID: append([]byte(nil), engineID...),
		Boots:    boots,
		Time:     engineTime,
	}

	st, ok := c.engines[engineKey(engineID)]
	if ok && st.Desynchronized() {
		return TimeUpdate{}, newError(ErrEngineDesynchronized, ErrCodeDesynchronized,
			fmt.Sprintf("engine %s reached maximum boots, reconfiguration required", id))
	}
	if boots == MaxEngineBoots {
		return TimeUpdate{}, newError(ErrEngineDesynchronized, ErrCodeDesynchronized,
			fmt.Sprintf("engine %s reports maximum boots", id))
	}

	if !ok || st.Status == EngineUnknown {
		if !report {
			return TimeUpdate{}, newError(ErrUnknownEngineID, ErrCodeUnknownEngineID,
				fmt.Sprintf("engine %s is not discovered", id))
		}
		update.Reset = true
		return update, nil
	}
	if st.Status == EngineDiscovered {
		update.Reset = true
		return update, nil
	}

	switch {
	case boots > st.Boots:
		update.Reset = true
		return update, nil
	case boots == st.Boots && int64(engineTime) >= int64(st.Time)-TimeWindow:
		if st.Time > engineTime {
			update.Time = st.Time
		}
		return update, nil
	}

	return TimeUpdate{}, newError(ErrNotInTimeWindow, ErrCodeNotInTimeWindow,
		fmt.Sprintf("engine %s sent boots=%d time=%d, cached boots=%d time=%d", id, boots, engineTime, st.Boots, st.Time))
}

// Commit applies an update produced by Check. The stored (boots, time) pair
// never moves backwards: an update that lost a race against a newer one is
// ignored. Commit reports whether the engine was newly synchronized or
// rebooted.
func (c *EngineCache) Commit(u TimeUpdate) (reset bool) {
	if len(u.EngineID) == 0 || u.Boots == MaxEngineBoots {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	st, ok := c.engines[engineKey(u.EngineID)]
	if !ok {
		st = &EngineState{EngineID: append([]byte(nil), u.EngineID...)}
		c.engines[engineKey(u.EngineID)] = st
	}
	if st.Desynchronized() {
		return false
	}

	if st.Status != EngineSynchronized || u.Boots > st.Boots {
		st.Boots = u.Boots
		st.Time = u.Time
		st.ReceivedAt = now
		st.Status = EngineSynchronized
		return true
	}
	if u.Boots == st.Boots && u.Time > st.Time {
		st.Time = u.Time
		st.ReceivedAt = now
	}
	return false
}

// Synchronize sets the clock baseline of an engine directly, e.g. from a
// trusted out-of-band source.
func (c *EngineCache) Synchronize(engineID []byte, boots, engineTime uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.engines[engineKey(engineID)] = &EngineState{
		EngineID:   append([]byte(nil), engineID...),
		Boots:      boots,
		Time:       engineTime,
		ReceivedAt: c.clock(),
		Status:     EngineSynchronized,
	}
}

// Latch marks an engine desynchronized. It is called once the engine
// authenticated a message carrying MaxEngineBoots; every later message from
// it is rejected until Forget.
func (c *EngineCache) Latch(engineID []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := engineKey(engineID)
	st, ok := c.engines[key]
	if !ok {
		st = &EngineState{EngineID: append([]byte(nil), engineID...), Status: EngineDiscovered}
		c.engines[key] = st
	}
	st.Boots = MaxEngineBoots
	st.ReceivedAt = c.clock()
}

// Forget drops an engine, clearing a desynchronized latch.
func (c *EngineCache) Forget(engineID []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.engines, engineKey(engineID))
}

// Snapshot returns copies of all cached states ordered by engine ID.
func (c *EngineCache) Snapshot() []EngineState {
	c.mu.RLock()
	out := make([]EngineState, 0, len(c.engines))
	for _, st := range c.engines {
		out = append(out, st.clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return string(out[i].EngineID) < string(out[j].EngineID)
	})
	return out
}

// Restore loads states saved by Snapshot, replacing cached entries with
// the same engine ID.
func (c *EngineCache) Restore(states []EngineState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range states {
		if len(st.EngineID) == 0 {
			continue
		}
		restored := st.clone()
		c.engines[engineKey(st.EngineID)] = &restored
	}
}
