// engine.go: The local authoritative engine and engine ID helpers.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Engine ID size limits (SnmpEngineID, RFC 3411).
const (
	MinEngineIDLength = 5
	MaxEngineIDLength = 32
)

// Engine ID formats (RFC 3411 SnmpEngineID, bit 0 set).
const (
	EngineIDFormatIPv4   byte = 1
	EngineIDFormatIPv6   byte = 2
	EngineIDFormatMAC    byte = 3
	EngineIDFormatText   byte = 4
	EngineIDFormatOctets byte = 5
)

// ValidateEngineID checks the engine ID size constraints.
func ValidateEngineID(engineID []byte) error {
	if len(engineID) < MinEngineIDLength || len(engineID) > MaxEngineIDLength {
		return invalidParameter("engine id must be %d to %d bytes, got %d", MinEngineIDLength, MaxEngineIDLength, len(engineID))
	}
	return nil
}

// GenerateEngineID builds an RFC 3411 engine ID for the given private
// enterprise number. An IPv4 address yields the IPv4 format, anything else
// yields 8 random octets.
func GenerateEngineID(enterprise uint32, ip net.IP) ([]byte, error) {
	id := make([]byte, 4, 13)
	binary.BigEndian.PutUint32(id, enterprise|0x80000000)

	if v4 := ip.To4(); v4 != nil {
		id = append(id, EngineIDFormatIPv4)
		return append(id, v4...), nil
	}

	random := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidParameter, "failed to generate engine id")
	}
	id = append(id, EngineIDFormatOctets)
	return append(id, random...), nil
}

// LocalEngine is the authoritative engine of this process: the one whose
// clock receivers of our messages synchronize to, and against which
// incoming requests are checked. It is safe for concurrent use.
type LocalEngine struct {
	mu    sync.Mutex
	id    []byte
	boots uint32
	base  uint32
	start time.Time
	clock Clock
}

// NewLocalEngine creates the local engine. boots is the persisted
// snmpEngineBoots value for this run; a nil clock uses the cached wall clock.
func NewLocalEngine(engineID []byte, boots uint32, clock Clock) (*LocalEngine, error) {
	if err := ValidateEngineID(engineID); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = defaultClock
	}
	return &LocalEngine{
		id:    append([]byte(nil), engineID...),
		boots: boots,
		start: clock(),
		clock: clock,
	}, nil
}

// ID returns a copy of the engine ID.
func (e *LocalEngine) ID() []byte {
	return append([]byte(nil), e.id...)
}

// Is reports whether engineID names this engine.
func (e *LocalEngine) Is(engineID []byte) bool {
	return len(engineID) == len(e.id) && string(engineID) == string(e.id)
}

// BootsAndTime returns snmpEngineBoots and snmpEngineTime as one consistent
// pair. When the time would exceed MaxEngineTime the engine rolls over into
// a new boot, as RFC 3414 §2.2.2 requires.
func (e *LocalEngine) BootsAndTime() (uint32, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nowLocked()
}

func (e *LocalEngine) nowLocked() (uint32, uint32) {
	now := e.clock()
	t := addElapsed(e.base, e.start, now)
	if t >= MaxEngineTime && e.boots != MaxEngineBoots {
		e.boots++
		e.base = 0
		e.start = now
		t = 0
	}
	return e.boots, t
}

// Boots returns snmpEngineBoots.
func (e *LocalEngine) Boots() uint32 {
	b, _ := e.BootsAndTime()
	return b
}

// Time returns snmpEngineTime.
func (e *LocalEngine) Time() uint32 {
	_, t := e.BootsAndTime()
	return t
}

// Reboot increments snmpEngineBoots and restarts snmpEngineTime, e.g. after
// the local keys changed. The caller persists the new boots value.
func (e *LocalEngine) Reboot() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.boots != MaxEngineBoots {
		e.boots++
	}
	e.base = 0
	e.start = e.clock()
	return e.boots
}

// Check applies the authoritative time window of RFC 3414 §3.2.7a to a
// received (boots, time) pair.
func (e *LocalEngine) Check(boots, engineTime uint32) error {
	e.mu.Lock()
	localBoots, localTime := e.nowLocked()
	e.mu.Unlock()

	if localBoots == MaxEngineBoots {
		return newError(ErrEngineDesynchronized, ErrCodeDesynchronized,
			fmt.Sprintf("local engine %s reached maximum boots", hex.EncodeToString(e.id)))
	}
	if boots != localBoots {
		return newError(ErrNotInTimeWindow, ErrCodeNotInTimeWindow,
			fmt.Sprintf("boots %d does not match local boots %d", boots, localBoots))
	}
	diff := int64(localTime) - int64(engineTime)
	if diff > TimeWindow || diff < -TimeWindow {
		return newError(ErrNotInTimeWindow, ErrCodeNotInTimeWindow,
			fmt.Sprintf("time %d is %d seconds away from local time %d", engineTime, diff, localTime))
	}
	return nil
}
