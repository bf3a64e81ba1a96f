// store_test.go: Tests shared by the memory and SQLite stores.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	usm "github.com/agilira/snmpusm"
)

type testStore interface {
	usm.CounterStore
	usm.KeyStore
	usm.EngineStore
}

func forEachStore(t *testing.T, fn func(t *testing.T, store testStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, usm.NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := usm.NewSQLiteStore(filepath.Join(t.TempDir(), "usm.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func TestStore_ReserveCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, store testStore) {
		ctx := context.Background()

		first, err := store.ReserveCounter(ctx, "salt", 100)
		require.NoError(t, err)
		assert.Less(t, first, uint64(1)<<32, "new counters start in the low 32 bits")

		second, err := store.ReserveCounter(ctx, "salt", 100)
		require.NoError(t, err)
		assert.Equal(t, first+100, second)

		_, err = store.ReserveCounter(ctx, "other", 1)
		require.NoError(t, err)
		third, err := store.ReserveCounter(ctx, "salt", 1)
		require.NoError(t, err)
		assert.Equal(t, second+100, third, "counters are independent per name")
	})
}

func TestStore_Keys(t *testing.T) {
	forEachStore(t, func(t *testing.T, store testStore) {
		ctx := context.Background()

		_, found, err := store.GetKey(ctx, "ops", remoteEngine, usm.KeyKindAuth)
		require.NoError(t, err)
		assert.False(t, found)

		rec := usm.KeyRecord{
			UserName:  "ops",
			EngineID:  remoteEngine,
			Kind:      usm.KeyKindAuth,
			Protocol:  "SHA",
			Tag:       "0011",
			Sealed:    []byte("sealed auth key"),
			UpdatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		}
		require.NoError(t, store.PutKey(ctx, rec))
		require.NoError(t, store.PutKey(ctx, usm.KeyRecord{UserName: "ops", EngineID: remoteEngine, Kind: usm.KeyKindPriv, Protocol: "AES/SHA", Sealed: []byte("sealed priv key"), UpdatedAt: rec.UpdatedAt}))

		got, found, err := store.GetKey(ctx, "ops", remoteEngine, usm.KeyKindAuth)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, rec.Protocol, got.Protocol)
		assert.Equal(t, rec.Tag, got.Tag)
		assert.Equal(t, rec.Sealed, got.Sealed)

		rec.Sealed = []byte("replaced")
		require.NoError(t, store.PutKey(ctx, rec))
		got, _, err = store.GetKey(ctx, "ops", remoteEngine, usm.KeyKindAuth)
		require.NoError(t, err)
		assert.Equal(t, []byte("replaced"), got.Sealed)

		require.NoError(t, store.DeleteKeys(ctx, "ops"))
		for _, kind := range []usm.KeyKind{usm.KeyKindAuth, usm.KeyKindPriv} {
			_, found, err = store.GetKey(ctx, "ops", remoteEngine, kind)
			require.NoError(t, err)
			assert.False(t, found)
		}
	})
}

func TestStore_ResealKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, store testStore) {
		ctx := context.Background()
		require.NoError(t, store.PutKey(ctx, usm.KeyRecord{UserName: "a", EngineID: remoteEngine, Kind: usm.KeyKindAuth, Protocol: "MD5", Sealed: []byte("one")}))
		require.NoError(t, store.PutKey(ctx, usm.KeyRecord{UserName: "b", EngineID: remoteEngine, Kind: usm.KeyKindAuth, Protocol: "MD5", Sealed: []byte("two")}))

		err := store.ResealKeys(ctx, func(rec usm.KeyRecord) ([]byte, error) {
			return append([]byte("re-"), rec.Sealed...), nil
		}, map[string][]byte{"marker": []byte("v2")})
		require.NoError(t, err)

		got, _, err := store.GetKey(ctx, "b", remoteEngine, usm.KeyKindAuth)
		require.NoError(t, err)
		assert.Equal(t, []byte("re-two"), got.Sealed)

		marker, err := store.Meta(ctx, "marker", func() ([]byte, error) {
			t.Fatal("marker should exist")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), marker)
	})
}

func TestStore_ResealKeysAtomic(t *testing.T) {
	store, err := usm.NewSQLiteStore(filepath.Join(t.TempDir(), "usm.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.PutKey(ctx, usm.KeyRecord{UserName: "a", EngineID: remoteEngine, Kind: usm.KeyKindAuth, Protocol: "MD5", Sealed: []byte("one")}))
	require.NoError(t, store.PutKey(ctx, usm.KeyRecord{UserName: "b", EngineID: remoteEngine, Kind: usm.KeyKindAuth, Protocol: "MD5", Sealed: []byte("two")}))

	calls := 0
	err = store.ResealKeys(ctx, func(rec usm.KeyRecord) ([]byte, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("boom")
		}
		return []byte("changed"), nil
	}, map[string][]byte{"marker": []byte("v2")})
	assert.ErrorIs(t, err, usm.ErrStore)

	for _, user := range []string{"a", "b"} {
		got, _, err := store.GetKey(ctx, user, remoteEngine, usm.KeyKindAuth)
		require.NoError(t, err)
		assert.NotEqual(t, []byte("changed"), got.Sealed, "a failed reseal rolls back")
	}
	marker, err := store.Meta(ctx, "marker", func() ([]byte, error) { return []byte("fresh"), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), marker, "metadata of a failed reseal is not written")
}

func TestStore_Meta(t *testing.T) {
	forEachStore(t, func(t *testing.T, store testStore) {
		ctx := context.Background()
		created := 0
		create := func() ([]byte, error) {
			created++
			return []byte{1, 2, 3}, nil
		}

		v, err := store.Meta(ctx, "salt", create)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, v)

		v, err = store.Meta(ctx, "salt", create)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, v)
		assert.Equal(t, 1, created)

		_, err = store.Meta(ctx, "broken", func() ([]byte, error) { return nil, errors.New("no entropy") })
		assert.Error(t, err)
	})
}

func TestStore_Engines(t *testing.T) {
	forEachStore(t, func(t *testing.T, store testStore) {
		ctx := context.Background()
		received := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		states := []usm.EngineState{
			{EngineID: mustHex("800000000100000001"), Status: usm.EngineDiscovered},
			{EngineID: remoteEngine, Boots: 5, Time: 1000, ReceivedAt: received, Status: usm.EngineSynchronized},
		}
		require.NoError(t, store.SaveEngines(ctx, states))

		states[1].Time = 1100
		require.NoError(t, store.SaveEngines(ctx, states[1:]))

		loaded, err := store.LoadEngines(ctx)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, usm.EngineDiscovered, loaded[0].Status)
		assert.Equal(t, remoteEngine, loaded[1].EngineID)
		assert.Equal(t, uint32(5), loaded[1].Boots)
		assert.Equal(t, uint32(1100), loaded[1].Time)
		assert.True(t, received.Equal(loaded[1].ReceivedAt))
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usm.db")
	ctx := context.Background()

	store, err := usm.NewSQLiteStore(path)
	require.NoError(t, err)
	first, err := store.ReserveCounter(ctx, "salt", 1024)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = usm.NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	second, err := store.ReserveCounter(ctx, "salt", 1024)
	require.NoError(t, err)
	assert.Equal(t, first+1024, second, "reservations survive a restart")
}
