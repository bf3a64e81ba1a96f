// users.go: User credentials, localized user entries and the per-engine key
// cache.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxUserNameLength is the SnmpAdminString limit for usmUserName.
const MaxUserNameLength = 32

// Credentials is a configured user. Each key is given either as a
// passphrase, derived and localized on demand for every engine, or as an
// already localized key bound to EngineID. A user backed by a key provider
// carries neither.
type Credentials struct {
	UserName string

	Auth           AuthProtocol
	AuthPassphrase []byte
	AuthKey        []byte

	Priv           PrivProtocol
	PrivPassphrase []byte
	PrivKey        []byte

	// EngineID binds the user to one engine. It is required when localized
	// keys are given.
	EngineID []byte

	// Provider names the KeyProvider supplying this user's keys.
	Provider string
}

func (c *Credentials) normalize() {
	if c.Auth == nil {
		c.Auth = AuthNone
	}
	if c.Priv == nil {
		c.Priv = PrivNone
	}
}

// Validate checks the credentials for consistency.
func (c Credentials) Validate() error {
	c.normalize()

	if c.UserName == "" || len(c.UserName) > MaxUserNameLength {
		return invalidParameter("user name must be 1 to %d bytes, got %d", MaxUserNameLength, len(c.UserName))
	}
	if c.Priv != PrivNone && c.Auth == AuthNone {
		return invalidParameter("user %q: privacy requires authentication", c.UserName)
	}
	if len(c.EngineID) > 0 {
		if err := ValidateEngineID(c.EngineID); err != nil {
			return err
		}
	}
	if c.Provider != "" {
		if len(c.AuthPassphrase) > 0 || len(c.AuthKey) > 0 || len(c.PrivPassphrase) > 0 || len(c.PrivKey) > 0 {
			return invalidParameter("user %q: provider-backed users take no passphrases or keys", c.UserName)
		}
		return nil
	}

	if err := validateSecret(c.UserName, "auth", c.Auth != AuthNone, c.AuthPassphrase, c.AuthKey, c.Auth.KeyLength()); err != nil {
		return err
	}
	if err := validateSecret(c.UserName, "priv", c.Priv != PrivNone, c.PrivPassphrase, c.PrivKey, c.Priv.KeyLength()); err != nil {
		return err
	}
	if len(c.PrivKey) > 0 {
		if err := checkPrivKey(c.Priv, c.PrivKey); err != nil {
			return fmt.Errorf("user %q: %w", c.UserName, err)
		}
	}
	if (len(c.AuthKey) > 0 || len(c.PrivKey) > 0) && len(c.EngineID) == 0 {
		return invalidParameter("user %q: localized keys require an engine id", c.UserName)
	}
	return nil
}

func validateSecret(user, what string, needed bool, passphrase, key []byte, keyLen int) error {
	switch {
	case !needed:
		if len(passphrase) > 0 || len(key) > 0 {
			return invalidParameter("user %q: %s secret given without a %s protocol", user, what, what)
		}
	case len(passphrase) > 0 && len(key) > 0:
		return invalidParameter("user %q: %s passphrase and %s key are mutually exclusive", user, what, what)
	case len(key) > 0:
		if len(key) != keyLen {
			return invalidParameter("user %q: %s key must be %d bytes, got %d", user, what, keyLen, len(key))
		}
	case len(passphrase) > 0:
		if len(passphrase) < MinPassphraseLength {
			return invalidParameter("user %q: %s passphrase must be at least %d characters", user, what, MinPassphraseLength)
		}
	default:
		return invalidParameter("user %q: %s passphrase or key required", user, what)
	}
	return nil
}

// UserEntry is a user with keys localized to one engine. Key material is
// read-only once built and may be shared between goroutines.
type UserEntry struct {
	UserName      string
	Auth          AuthProtocol
	AuthKey       []byte
	Priv          PrivProtocol
	PrivKey       []byte
	BoundEngineID []byte
}

// Supports reports whether the user can send and receive at level.
func (e *UserEntry) Supports(level SecurityLevel) bool {
	switch level {
	case NoAuthNoPriv:
		return true
	case AuthNoPriv:
		return e.Auth != AuthNone
	case AuthPriv:
		return e.Auth != AuthNone && e.Priv != PrivNone
	}
	return false
}

// Wipe zeroizes the key material.
func (e *UserEntry) Wipe() {
	Zeroize(e.AuthKey)
	Zeroize(e.PrivKey)
}

type userRecord struct {
	creds Credentials

	// mu serializes derivation for this user; raw keys are derived once.
	mu     sync.Mutex
	authKu []byte
	privKu []byte
}

// UserTable resolves user names to localized entries, deriving raw keys
// once per user and localizing once per (user, engine). It is safe for
// concurrent use.
type UserTable struct {
	mu      sync.RWMutex
	users   map[string]*userRecord
	entries map[string]*UserEntry

	providers *KeyProviderManager
	store     KeyStore
	sealer    *Sealer
}

// UserTableOption configures a UserTable.
type UserTableOption func(*UserTable)

// WithKeyProviders resolves provider-backed users through m.
func WithKeyProviders(m *KeyProviderManager) UserTableOption {
	return func(t *UserTable) { t.providers = m }
}

// WithKeyStore persists derived localized keys in store, sealed by sealer,
// and reuses them instead of deriving again.
func WithKeyStore(store KeyStore, sealer *Sealer) UserTableOption {
	return func(t *UserTable) {
		t.store = store
		t.sealer = sealer
	}
}

// NewUserTable creates an empty table.
func NewUserTable(opts ...UserTableOption) *UserTable {
	t := &UserTable{
		users:   make(map[string]*userRecord),
		entries: make(map[string]*UserEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func entryKey(userName string, engineID []byte) string {
	return userName + "\x00" + string(engineID)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Add validates and registers credentials, replacing any previous
// credentials of the same user and dropping their localized entries.
// Entries already handed out stay valid for in-flight messages.
func (t *UserTable) Add(c Credentials) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.normalize()
	c.AuthPassphrase = cloneBytes(c.AuthPassphrase)
	c.AuthKey = cloneBytes(c.AuthKey)
	c.PrivPassphrase = cloneBytes(c.PrivPassphrase)
	c.PrivKey = cloneBytes(c.PrivKey)
	c.EngineID = cloneBytes(c.EngineID)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropLocked(c.UserName)
	t.users[c.UserName] = &userRecord{creds: c}
	return nil
}

// Remove forgets a user and its localized entries.
func (t *UserTable) Remove(userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropLocked(userName)
	delete(t.users, userName)
}

func (t *UserTable) dropLocked(userName string) {
	prefix := userName + "\x00"
	for key := range t.entries {
		if strings.HasPrefix(key, prefix) {
			delete(t.entries, key)
		}
	}
}

// Has reports whether a user is configured.
func (t *UserTable) Has(userName string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.users[userName]
	return ok
}

// Users returns the configured user names in order.
func (t *UserTable) Users() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.users))
	for name := range t.users {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Resolve returns the entry of userName localized to engineID.
func (t *UserTable) Resolve(userName string, engineID []byte) (*UserEntry, error) {
	return t.ResolveContext(context.Background(), userName, engineID)
}

// ResolveContext is Resolve with a context for key store and key provider
// access.
func (t *UserTable) ResolveContext(ctx context.Context, userName string, engineID []byte) (*UserEntry, error) {
	key := entryKey(userName, engineID)

	t.mu.RLock()
	entry, ok := t.entries[key]
	rec, known := t.users[userName]
	t.mu.RUnlock()
	if ok {
		return entry, nil
	}
	if !known {
		return nil, newError(ErrUnknownUserName, ErrCodeUnknownUserName, fmt.Sprintf("no credentials for user %q", userName))
	}
	if len(engineID) == 0 {
		return nil, newError(ErrUnknownEngineID, ErrCodeUnknownEngineID, "cannot localize keys without an engine id")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	t.mu.RLock()
	entry, ok = t.entries[key]
	current := t.users[userName] == rec
	t.mu.RUnlock()
	if ok {
		return entry, nil
	}
	if !current {
		return nil, newError(ErrUnknownUserName, ErrCodeUnknownUserName, fmt.Sprintf("credentials for user %q changed", userName))
	}

	entry, err := t.build(ctx, rec, engineID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.users[userName] == rec {
		t.entries[key] = entry
	}
	t.mu.Unlock()
	return entry, nil
}

// build localizes the keys of rec for engineID. rec.mu is held.
func (t *UserTable) build(ctx context.Context, rec *userRecord, engineID []byte) (*UserEntry, error) {
	c := rec.creds
	if len(c.EngineID) > 0 && !bytes.Equal(c.EngineID, engineID) {
		return nil, newError(ErrUnknownEngineID, ErrCodeUnknownEngineID,
			fmt.Sprintf("keys of user %q are bound to engine %s, not %s",
				c.UserName, hex.EncodeToString(c.EngineID), hex.EncodeToString(engineID)))
	}

	entry := &UserEntry{
		UserName:      c.UserName,
		Auth:          c.Auth,
		Priv:          c.Priv,
		BoundEngineID: cloneBytes(engineID),
	}

	if c.Provider != "" {
		return t.fromProvider(ctx, c, entry)
	}

	var err error
	if entry.AuthKey, err = t.localize(ctx, rec, engineID, KeyKindAuth); err != nil {
		return nil, err
	}
	if entry.PrivKey, err = t.localize(ctx, rec, engineID, KeyKindPriv); err != nil {
		Zeroize(entry.AuthKey)
		return nil, err
	}
	return entry, nil
}

func (t *UserTable) fromProvider(ctx context.Context, c Credentials, entry *UserEntry) (*UserEntry, error) {
	if t.providers == nil {
		return nil, fmt.Errorf("%w: %w: user %q", ErrKeyProvider, ErrProviderNotFound, c.UserName)
	}
	authKey, privKey, err := t.providers.LocalizedKeys(ctx, c.Provider, c.UserName, entry.BoundEngineID)
	if err != nil {
		return nil, err
	}
	if len(authKey) != c.Auth.KeyLength() || len(privKey) != c.Priv.KeyLength() {
		Zeroize(authKey)
		Zeroize(privKey)
		return nil, fmt.Errorf("%w: %w: user %q expects %d/%d byte keys, got %d/%d", ErrKeyProvider, ErrProviderInvalidKeys,
			c.UserName, c.Auth.KeyLength(), c.Priv.KeyLength(), len(authKey), len(privKey))
	}
	if err := checkPrivKey(c.Priv, privKey); err != nil {
		Zeroize(authKey)
		Zeroize(privKey)
		return nil, fmt.Errorf("%w: %w: user %q: %w", ErrKeyProvider, ErrProviderInvalidKeys, c.UserName, err)
	}
	entry.AuthKey = authKey
	entry.PrivKey = privKey
	return entry, nil
}

// localize returns one localized key of rec for engineID: the configured
// key, a key persisted in the key store, or a freshly derived one.
func (t *UserTable) localize(ctx context.Context, rec *userRecord, engineID []byte, kind KeyKind) ([]byte, error) {
	c := rec.creds
	hashAlgo := c.Auth.Hash()

	var protocol string
	var given, passphrase []byte
	var ku *[]byte
	switch kind {
	case KeyKindAuth:
		if c.Auth == AuthNone {
			return nil, nil
		}
		protocol = c.Auth.Name()
		given, passphrase, ku = c.AuthKey, c.AuthPassphrase, &rec.authKu
	default:
		if c.Priv == PrivNone {
			return nil, nil
		}
		// Privacy keys are derived with the authentication hash.
		protocol = c.Priv.Name() + "/" + c.Auth.Name()
		given, passphrase, ku = c.PrivKey, c.PrivPassphrase, &rec.privKu
	}
	if len(given) > 0 {
		return cloneBytes(given), nil
	}

	persist := t.store != nil && t.sealer != nil
	slot := KeyRecord{UserName: c.UserName, EngineID: engineID, Kind: kind, Protocol: protocol}
	if persist {
		slot.Tag = t.sealer.Tag(passphrase)
		stored, found, err := t.store.GetKey(ctx, c.UserName, engineID, kind)
		if err != nil {
			return nil, err
		}
		if found && stored.Protocol == protocol && stored.Tag == slot.Tag {
			return t.sealer.Open(stored.Sealed, slot.aad())
		}
	}

	if *ku == nil {
		derived, err := PasswordToKey(passphrase, hashAlgo)
		if err != nil {
			return nil, err
		}
		*ku = derived
	}

	var key []byte
	var err error
	if kind == KeyKindAuth {
		key, err = LocalizeKey(*ku, engineID, hashAlgo)
	} else {
		key, err = ExtendKey(*ku, engineID, hashAlgo, c.Priv.KeyLength(), c.Priv.Extension())
	}
	if err != nil {
		return nil, err
	}

	if persist {
		if slot.Sealed, err = t.sealer.Seal(key, slot.aad()); err != nil {
			return nil, err
		}
		slot.UpdatedAt = time.Now().UTC()
		if err := t.store.PutKey(ctx, slot); err != nil {
			return nil, err
		}
	}
	return key, nil
}
