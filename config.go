// config.go: YAML configuration of users, the local engine and the store.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"context"
	"net"
	"os"
	"strings"

	goplugins "github.com/agilira/go-plugins"
	"gopkg.in/yaml.v3"
)

// Config is the file form of a USM setup. Environment variables referenced
// as ${VAR} or $VAR are expanded before parsing, so passphrases can be kept
// out of the file.
type Config struct {
	Engine    *EngineConfig             `yaml:"engine,omitempty"`
	Salt      SaltConfig                `yaml:"salt"`
	Store     *StoreConfig              `yaml:"store,omitempty"`
	Providers *KeyProviderManagerConfig `yaml:"key_providers,omitempty"`
	Users     []UserConfig              `yaml:"users"`
}

// EngineConfig describes the local authoritative engine.
type EngineConfig struct {
	// ID is the hex engine ID. When empty an ID is generated from
	// Enterprise and Address.
	ID         string `yaml:"id,omitempty"`
	Enterprise uint32 `yaml:"enterprise,omitempty"`
	Address    string `yaml:"address,omitempty"`
	Boots      uint32 `yaml:"boots"`
}

// SaltConfig tunes the salt counter.
type SaltConfig struct {
	Block uint64 `yaml:"block,omitempty"`
	Name  string `yaml:"name,omitempty"`
}

// StoreConfig selects the SQLite store for salt reservations, sealed keys
// and engine state.
type StoreConfig struct {
	Path       string     `yaml:"path"`
	Passphrase string     `yaml:"passphrase,omitempty"`
	KDF        *KDFParams `yaml:"kdf,omitempty"`
}

// UserConfig is one user entry. Keys are hex encoded.
type UserConfig struct {
	Name           string `yaml:"name"`
	Auth           string `yaml:"auth,omitempty"`
	AuthPassphrase string `yaml:"auth_passphrase,omitempty"`
	AuthKey        string `yaml:"auth_key,omitempty"`
	Priv           string `yaml:"priv,omitempty"`
	PrivPassphrase string `yaml:"priv_passphrase,omitempty"`
	PrivKey        string `yaml:"priv_key,omitempty"`
	EngineID       string `yaml:"engine_id,omitempty"`
	Provider       string `yaml:"provider,omitempty"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-provided configuration
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidParameter, "config: load "+path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration data.
func ParseConfig(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidParameter, "config: parse")
	}
	return &cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Engine != nil && c.Engine.ID != "" {
		id, err := KeyFromHex(c.Engine.ID)
		if err != nil {
			return err
		}
		if err := ValidateEngineID(id); err != nil {
			return err
		}
	}
	if c.Store != nil && c.Store.Path == "" {
		return invalidParameter("config: store path is required")
	}

	names := make(map[string]struct{}, len(c.Users))
	for _, u := range c.Users {
		creds, err := u.Credentials()
		if err != nil {
			return err
		}
		if err := creds.Validate(); err != nil {
			return err
		}
		if _, dup := names[u.Name]; dup {
			return invalidParameter("config: duplicate user %q", u.Name)
		}
		names[u.Name] = struct{}{}
	}
	return nil
}

// Credentials converts the entry into Credentials.
func (u UserConfig) Credentials() (Credentials, error) {
	c := Credentials{
		UserName:       u.Name,
		AuthPassphrase: []byte(u.AuthPassphrase),
		PrivPassphrase: []byte(u.PrivPassphrase),
		Provider:       u.Provider,
	}

	var err error
	if c.Auth, err = AuthProtocolByName(defaultString(u.Auth, "NONE")); err != nil {
		return Credentials{}, err
	}
	if c.Priv, err = PrivProtocolByName(defaultString(u.Priv, "NONE")); err != nil {
		return Credentials{}, err
	}
	if c.AuthKey, err = optionalHex(u.AuthKey); err != nil {
		return Credentials{}, err
	}
	if c.PrivKey, err = optionalHex(u.PrivKey); err != nil {
		return Credentials{}, err
	}
	if c.EngineID, err = optionalHex(u.EngineID); err != nil {
		return Credentials{}, err
	}
	if len(c.AuthPassphrase) == 0 {
		c.AuthPassphrase = nil
	}
	if len(c.PrivPassphrase) == 0 {
		c.PrivPassphrase = nil
	}
	return c, nil
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func optionalHex(s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return KeyFromHex(s)
}

// NewUserTable builds a table holding every configured user.
func (c *Config) NewUserTable(opts ...UserTableOption) (*UserTable, error) {
	t := NewUserTable(opts...)
	for _, u := range c.Users {
		creds, err := u.Credentials()
		if err != nil {
			return nil, err
		}
		if err := t.Add(creds); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// NewLocalEngine builds the local engine, or returns nil when none is
// configured.
func (c *Config) NewLocalEngine(clock Clock) (*LocalEngine, error) {
	if c.Engine == nil {
		return nil, nil
	}

	var id []byte
	var err error
	if c.Engine.ID != "" {
		id, err = KeyFromHex(c.Engine.ID)
	} else {
		id, err = GenerateEngineID(c.Engine.Enterprise, net.ParseIP(c.Engine.Address))
	}
	if err != nil {
		return nil, err
	}
	return NewLocalEngine(id, c.Engine.Boots, clock)
}

// OpenStore opens the configured SQLite store and its sealer. Both are nil
// when no store is configured; the sealer is nil when no passphrase is set.
func (c *Config) OpenStore(ctx context.Context) (*SQLiteStore, *Sealer, error) {
	if c.Store == nil {
		return nil, nil, nil
	}
	store, err := NewSQLiteStore(c.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	if c.Store.Passphrase == "" {
		return store, nil, nil
	}
	sealer, err := OpenSealer(ctx, store, []byte(c.Store.Passphrase), c.Store.KDF)
	if err != nil {
		store.Close() //nolint:errcheck
		return nil, nil, err
	}
	return store, sealer, nil
}

// NewKeyProviderManager builds the key provider manager and registers every
// plugin listed under key_providers.plugins from pluginManager.
func (c *Config) NewKeyProviderManager(pluginManager *goplugins.Manager[KeyRequest, KeyResponse]) (*KeyProviderManager, error) {
	m := NewKeyProviderManager(c.Providers, pluginManager)
	if c.Providers == nil {
		return m, nil
	}
	for _, name := range c.Providers.Plugins {
		if err := m.RegisterPlugin(name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewSaltCounter builds the salt counter, reserving from store when it is
// not nil.
func (c *Config) NewSaltCounter(store CounterStore) (*SaltCounter, error) {
	if store == nil {
		return NewSaltCounter()
	}
	return NewSaltCounter(WithCounterStore(store, c.Salt.Name, c.Salt.Block))
}
