// store.go: Persistence interfaces and the in-memory store.
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
	"sort"
	"sync"
	"time"
)

// KeyKind distinguishes the two keys of a user.
type KeyKind string

const (
	KeyKindAuth KeyKind = "auth"
	KeyKindPriv KeyKind = "priv"
)

// KeyRecord is a sealed localized key as kept by a KeyStore.
type KeyRecord struct {
	UserName string
	EngineID []byte
	Kind     KeyKind
	Protocol string
	// Tag ties the key to the credentials it was derived from; see
	// Sealer.Tag.
	Tag       string
	Sealed    []byte
	UpdatedAt time.Time
}

// aad is the additional data binding a sealed key to its slot.
func (r KeyRecord) aad() []byte {
	aad := make([]byte, 0, len(r.UserName)+len(r.EngineID)+len(r.Kind)+len(r.Protocol)+3)
	aad = append(aad, r.UserName...)
	aad = append(aad, 0)
	aad = append(aad, r.EngineID...)
	aad = append(aad, 0)
	aad = append(aad, r.Kind...)
	aad = append(aad, 0)
	aad = append(aad, r.Protocol...)
	return aad
}

// KeyStore persists sealed localized keys.
type KeyStore interface {
	PutKey(ctx context.Context, rec KeyRecord) error
	// GetKey reports found=false without error when no key is stored.
	GetKey(ctx context.Context, userName string, engineID []byte, kind KeyKind) (rec KeyRecord, found bool, err error)
	DeleteKeys(ctx context.Context, userName string) error
	// ResealKeys replaces the sealed value of every record with the output
	// of reseal and writes meta, atomically.
	ResealKeys(ctx context.Context, reseal func(KeyRecord) ([]byte, error), meta map[string][]byte) error
	// Meta returns the named metadata value, storing create's output first
	// if it does not exist yet.
	Meta(ctx context.Context, name string, create func() ([]byte, error)) ([]byte, error)
}

// EngineStore persists remote engine clock state across restarts.
type EngineStore interface {
	SaveEngines(ctx context.Context, states []EngineState) error
	LoadEngines(ctx context.Context) ([]EngineState, error)
}

// randomCounterStart picks the first value of a new counter. It stays in
// the low 32 bits so DES salts do not wrap early.
func randomCounterStart() (uint64, error) {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, err
	}
	return uint64(binary.BigEndian.Uint32(b[:]) >> 1), nil
}

// MemoryStore implements CounterStore, KeyStore and EngineStore in memory.
// It is meant for tests and for processes that do not persist keys.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]uint64
	keys     map[string]KeyRecord
	engines  map[string]EngineState
	meta     map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]uint64),
		keys:     make(map[string]KeyRecord),
		engines:  make(map[string]EngineState),
		meta:     make(map[string][]byte),
	}
}

func keySlot(userName string, engineID []byte, kind KeyKind) string {
	return userName + "\x00" + string(engineID) + "\x00" + string(kind)
}

// ReserveCounter implements CounterStore.
func (m *MemoryStore) ReserveCounter(_ context.Context, name string, block uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, ok := m.counters[name]
	if !ok {
		var err error
		if start, err = randomCounterStart(); err != nil {
			return 0, err
		}
	}
	m.counters[name] = start + block
	return start, nil
}

// PutKey implements KeyStore.
func (m *MemoryStore) PutKey(_ context.Context, rec KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.EngineID = append([]byte(nil), rec.EngineID...)
	rec.Sealed = append([]byte(nil), rec.Sealed...)
	m.keys[keySlot(rec.UserName, rec.EngineID, rec.Kind)] = rec
	return nil
}

// GetKey implements KeyStore.
func (m *MemoryStore) GetKey(_ context.Context, userName string, engineID []byte, kind KeyKind) (KeyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.keys[keySlot(userName, engineID, kind)]
	return rec, ok, nil
}

// DeleteKeys implements KeyStore.
func (m *MemoryStore) DeleteKeys(_ context.Context, userName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot, rec := range m.keys {
		if rec.UserName == userName {
			delete(m.keys, slot)
		}
	}
	return nil
}

// ResealKeys implements KeyStore.
func (m *MemoryStore) ResealKeys(_ context.Context, reseal func(KeyRecord) ([]byte, error), meta map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := make(map[string]KeyRecord, len(m.keys))
	for slot, rec := range m.keys {
		sealed, err := reseal(rec)
		if err != nil {
			return err
		}
		rec.Sealed = sealed
		rec.UpdatedAt = time.Now().UTC()
		updated[slot] = rec
	}
	m.keys = updated
	for name, value := range meta {
		m.meta[name] = append([]byte(nil), value...)
	}
	return nil
}

// Meta implements KeyStore.
func (m *MemoryStore) Meta(_ context.Context, name string, create func() ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.meta[name]; ok {
		return append([]byte(nil), v...), nil
	}
	v, err := create()
	if err != nil {
		return nil, err
	}
	m.meta[name] = append([]byte(nil), v...)
	return v, nil
}

// SaveEngines implements EngineStore.
func (m *MemoryStore) SaveEngines(_ context.Context, states []EngineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range states {
		m.engines[string(st.EngineID)] = st.clone()
	}
	return nil
}

// LoadEngines implements EngineStore.
func (m *MemoryStore) LoadEngines(_ context.Context) ([]EngineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EngineState, 0, len(m.engines))
	for _, st := range m.engines {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].EngineID) < string(out[j].EngineID)
	})
	return out, nil
}
