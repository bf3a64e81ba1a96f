// store_sqlite.go: SQLite-backed persistence for salt counter reservations,
// sealed localized keys and remote engine clock state.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// sqliteMigrations is applied in order on open. Each entry is idempotent.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS salt_counters (
		name TEXT PRIMARY KEY,
		high INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usm_keys (
		user_name  TEXT NOT NULL,
		engine_id  BLOB NOT NULL,
		kind       TEXT NOT NULL,
		protocol   TEXT NOT NULL,
		tag        TEXT NOT NULL DEFAULT '',
		sealed     BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_name, engine_id, kind)
	)`,
	`CREATE TABLE IF NOT EXISTS engines (
		engine_id   BLOB PRIMARY KEY,
		boots       INTEGER NOT NULL,
		time        INTEGER NOT NULL,
		received_at TEXT NOT NULL,
		status      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS store_meta (
		name  TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`,
}

// SQLiteStore implements CounterStore, KeyStore and EngineStore on a
// SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeStore, "open database")
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range sqliteMigrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return wrapError(ErrStore, err, ErrCodeStore, "migration")
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError(ErrStore, err, ErrCodeStore, what+": begin")
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return wrapError(ErrStore, err, ErrCodeStore, what)
	}
	if err := tx.Commit(); err != nil {
		return wrapError(ErrStore, err, ErrCodeStore, what+": commit")
	}
	return nil
}

// --- Salt counters ---

// ReserveCounter implements CounterStore. The new high-water mark is
// committed before the reserved range is returned.
func (s *SQLiteStore) ReserveCounter(ctx context.Context, name string, block uint64) (uint64, error) {
	var start uint64
	err := s.inTx(ctx, "reserve counter", func(tx *sql.Tx) error {
		var high int64
		err := tx.QueryRowContext(ctx, `SELECT high FROM salt_counters WHERE name = ?`, name).Scan(&high)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if start, err = randomCounterStart(); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			start = uint64(high) // #nosec G115 -- written by this store, never negative
		}
		next := int64(start + block) // #nosec G115 -- counters start below 2^31
		_, err = tx.ExecContext(ctx,
			`INSERT INTO salt_counters (name, high) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET high = excluded.high`, name, next)
		return err
	})
	if err != nil {
		return 0, err
	}
	return start, nil
}

// --- Keys ---

// PutKey implements KeyStore.
func (s *SQLiteStore) PutKey(ctx context.Context, rec KeyRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usm_keys (user_name, engine_id, kind, protocol, tag, sealed, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_name, engine_id, kind) DO UPDATE SET
		   protocol = excluded.protocol, tag = excluded.tag,
		   sealed = excluded.sealed, updated_at = excluded.updated_at`,
		rec.UserName, rec.EngineID, string(rec.Kind), rec.Protocol, rec.Tag, rec.Sealed,
		updated.Format(time.RFC3339))
	if err != nil {
		return wrapError(ErrStore, err, ErrCodeStore, "put key")
	}
	return nil
}

// GetKey implements KeyStore.
func (s *SQLiteStore) GetKey(ctx context.Context, userName string, engineID []byte, kind KeyKind) (KeyRecord, bool, error) {
	rec := KeyRecord{UserName: userName, EngineID: engineID, Kind: kind}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT protocol, tag, sealed, updated_at FROM usm_keys
		 WHERE user_name = ? AND engine_id = ? AND kind = ?`,
		userName, engineID, string(kind)).Scan(&rec.Protocol, &rec.Tag, &rec.Sealed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyRecord{}, false, nil
	}
	if err != nil {
		return KeyRecord{}, false, wrapError(ErrStore, err, ErrCodeStore, "get key")
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return rec, true, nil
}

// DeleteKeys implements KeyStore.
func (s *SQLiteStore) DeleteKeys(ctx context.Context, userName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM usm_keys WHERE user_name = ?`, userName); err != nil {
		return wrapError(ErrStore, err, ErrCodeStore, "delete keys")
	}
	return nil
}

// ResealKeys implements KeyStore.
func (s *SQLiteStore) ResealKeys(ctx context.Context, reseal func(KeyRecord) ([]byte, error), meta map[string][]byte) error {
	return s.inTx(ctx, "reseal keys", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT user_name, engine_id, kind, protocol, tag, sealed FROM usm_keys`)
		if err != nil {
			return err
		}
		var records []KeyRecord
		for rows.Next() {
			var rec KeyRecord
			var kind string
			if err := rows.Scan(&rec.UserName, &rec.EngineID, &kind, &rec.Protocol, &rec.Tag, &rec.Sealed); err != nil {
				rows.Close() //nolint:errcheck
				return err
			}
			rec.Kind = KeyKind(kind)
			records = append(records, rec)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC().Format(time.RFC3339)
		for _, rec := range records {
			sealed, err := reseal(rec)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE usm_keys SET sealed = ?, updated_at = ?
				 WHERE user_name = ? AND engine_id = ? AND kind = ?`,
				sealed, now, rec.UserName, rec.EngineID, string(rec.Kind)); err != nil {
				return err
			}
		}
		for name, value := range meta {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_meta (name, value) VALUES (?, ?)
				 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Meta implements KeyStore.
func (s *SQLiteStore) Meta(ctx context.Context, name string, create func() ([]byte, error)) ([]byte, error) {
	var value []byte
	err := s.inTx(ctx, "meta "+name, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE name = ?`, name).Scan(&value)
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if value, err = create(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO store_meta (name, value) VALUES (?, ?)`, name, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// --- Engines ---

// SaveEngines implements EngineStore.
func (s *SQLiteStore) SaveEngines(ctx context.Context, states []EngineState) error {
	return s.inTx(ctx, "save engines", func(tx *sql.Tx) error {
		for _, st := range states {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO engines (engine_id, boots, time, received_at, status)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(engine_id) DO UPDATE SET
				   boots = excluded.boots, time = excluded.time,
				   received_at = excluded.received_at, status = excluded.status`,
				st.EngineID, int64(st.Boots), int64(st.Time),
				st.ReceivedAt.UTC().Format(time.RFC3339Nano), int(st.Status)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadEngines implements EngineStore.
func (s *SQLiteStore) LoadEngines(ctx context.Context) ([]EngineState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT engine_id, boots, time, received_at, status FROM engines ORDER BY engine_id`)
	if err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeStore, "load engines")
	}
	defer rows.Close()

	var out []EngineState
	for rows.Next() {
		var st EngineState
		var boots, engineTime int64
		var received string
		var status int
		if err := rows.Scan(&st.EngineID, &boots, &engineTime, &received, &status); err != nil {
			return nil, wrapError(ErrStore, err, ErrCodeStore, "scan engine")
		}
		st.Boots = uint32(boots)     // #nosec G115 -- written from uint32
		st.Time = uint32(engineTime) // #nosec G115 -- written from uint32
		st.Status = EngineStatus(status)
		st.ReceivedAt, _ = time.Parse(time.RFC3339Nano, received)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeStore, "load engines")
	}
	return out, nil
}
