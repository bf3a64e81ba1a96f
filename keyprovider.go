// keyprovider.go: External key providers for localized USM keys.
//
// Key providers let localized keys live outside the process, e.g. in an
// HSM or a secrets service, instead of being derived from passphrases. The
// manager is built around github.com/agilira/go-plugins so providers can be
// shipped as plugins.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
)

// KeyProvider supplies keys already localized to an engine.
type KeyProvider interface {
	Name() string    // Provider name (e.g., "vault", "pkcs11")
	Version() string // Provider version

	Initialize(ctx context.Context, config map[string]interface{}) error
	Close() error
	IsHealthy() bool

	// LocalizedKeys returns the authentication and privacy keys of
	// userName for engineID. A nil privKey means the user has no privacy
	// key at this provider.
	LocalizedKeys(ctx context.Context, userName string, engineID []byte) (authKey, privKey []byte, err error)
}

// KeyRequest is the request shape exchanged with key provider plugins.
type KeyRequest struct {
	Operation  string                 `json:"operation"` // "localized_keys"
	UserName   string                 `json:"user_name"`
	EngineID   []byte                 `json:"engine_id"`
	Parameters map[string]interface{} `json:"parameters"`
}

// KeyResponse is the response shape returned by key provider plugins.
type KeyResponse struct {
	Success  bool                   `json:"success"`
	AuthKey  []byte                 `json:"auth_key"`
	PrivKey  []byte                 `json:"priv_key"`
	Error    string                 `json:"error"`
	Metadata map[string]interface{} `json:"metadata"`
}

// KeyProviderManagerConfig configures a KeyProviderManager.
type KeyProviderManagerConfig struct {
	DefaultProvider  string                            `yaml:"default_provider"`
	ProviderConfigs  map[string]map[string]interface{} `yaml:"provider_configs"`
	OperationTimeout time.Duration                     `yaml:"operation_timeout"`

	// Plugins names go-plugins plugins served as key providers under the
	// same names.
	Plugins []string `yaml:"plugins,omitempty"`
}

// Key provider errors with codes for auditing
var (
	ErrProviderNotFound          = goerrors.New("KEYPROV_001", "key provider not found")
	ErrProviderHealthCheckFailed = goerrors.New("KEYPROV_002", "key provider health check failed")
	ErrProviderInvalidKeys       = goerrors.New("KEYPROV_003", "key provider returned unusable keys")
)

// KeyProviderManager holds the registered key providers.
type KeyProviderManager struct {
	mu              sync.RWMutex
	pluginManager   *goplugins.Manager[KeyRequest, KeyResponse]
	providers       map[string]KeyProvider
	defaultProvider string
	config          *KeyProviderManagerConfig
}

// NewKeyProviderManager creates a manager. pluginManager may be nil when
// providers are registered in-process only.
func NewKeyProviderManager(config *KeyProviderManagerConfig, pluginManager *goplugins.Manager[KeyRequest, KeyResponse]) *KeyProviderManager {
	if config == nil {
		config = &KeyProviderManagerConfig{OperationTimeout: 10 * time.Second}
	}
	return &KeyProviderManager{
		pluginManager: pluginManager,
		providers:     make(map[string]KeyProvider),
		config:        config,
	}
}

// PluginManager returns the plugin manager the providers are loaded from.
func (m *KeyProviderManager) PluginManager() *goplugins.Manager[KeyRequest, KeyResponse] {
	return m.pluginManager
}

func (m *KeyProviderManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := m.config.OperationTimeout; timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

// RegisterProvider initializes provider with its configuration and makes
// it available under name.
func (m *KeyProviderManager) RegisterProvider(name string, provider KeyProvider) error {
	if provider == nil {
		return invalidParameter("key provider cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := m.withTimeout(context.Background())
	defer cancel()

	if err := provider.Initialize(ctx, m.config.ProviderConfigs[name]); err != nil {
		return wrapError(ErrKeyProvider, err, ErrCodeKeyProvider, fmt.Sprintf("failed to initialize key provider %s", name))
	}
	m.providers[name] = provider

	if m.defaultProvider == "" || m.config.DefaultProvider == name {
		m.defaultProvider = name
	}
	return nil
}

// GetProvider returns a healthy provider by name; "" selects the default.
func (m *KeyProviderManager) GetProvider(name string) (KeyProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name == "" {
		name = m.defaultProvider
	}
	provider, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %w: provider %s", ErrKeyProvider, ErrProviderNotFound, name)
	}
	if !provider.IsHealthy() {
		return nil, fmt.Errorf("%w: %w: provider %s", ErrKeyProvider, ErrProviderHealthCheckFailed, name)
	}
	return provider, nil
}

// LocalizedKeys fetches the keys of a user from the named provider within
// the configured operation timeout.
func (m *KeyProviderManager) LocalizedKeys(ctx context.Context, name, userName string, engineID []byte) (authKey, privKey []byte, err error) {
	provider, err := m.GetProvider(name)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	authKey, privKey, err = provider.LocalizedKeys(ctx, userName, engineID)
	if err != nil {
		return nil, nil, wrapError(ErrKeyProvider, err, ErrCodeKeyProvider,
			fmt.Sprintf("provider %s failed for user %q engine %s", provider.Name(), userName, hex.EncodeToString(engineID)))
	}
	return authKey, privKey, nil
}

// RegisterPlugin registers the plugin of the plugin manager named name as
// a key provider under the same name.
func (m *KeyProviderManager) RegisterPlugin(name string) error {
	if m.pluginManager == nil {
		return invalidParameter("key provider plugin %s: no plugin manager", name)
	}
	return m.RegisterProvider(name, NewPluginKeyProvider(m.pluginManager, name))
}

// Close shuts down all providers, then the plugin manager.
func (m *KeyProviderManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, provider := range m.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close key provider %s: %w", name, err))
		}
	}
	m.providers = make(map[string]KeyProvider)
	m.defaultProvider = ""

	if m.pluginManager != nil {
		ctx, cancel := m.withTimeout(context.Background())
		defer cancel()
		if err := m.pluginManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down plugin manager: %w", err))
		}
		m.pluginManager = nil
	}
	return errors.Join(errs...)
}

// OpLocalizedKeys is the KeyRequest operation asking a plugin for the
// localized keys of a user.
const OpLocalizedKeys = "localized_keys"

// PluginKeyProvider is a KeyProvider backed by a go-plugins plugin. Lookups
// go through the plugin manager, so its retries and circuit breaker apply.
// The plugin manager owns the plugin's lifecycle.
type PluginKeyProvider struct {
	manager *goplugins.Manager[KeyRequest, KeyResponse]
	plugin  string
	params  map[string]interface{}
}

// NewPluginKeyProvider serves keys from the plugin registered in manager
// under plugin.
func NewPluginKeyProvider(manager *goplugins.Manager[KeyRequest, KeyResponse], plugin string) *PluginKeyProvider {
	return &PluginKeyProvider{manager: manager, plugin: plugin}
}

func (p *PluginKeyProvider) Name() string { return p.plugin }

func (p *PluginKeyProvider) Version() string {
	if p.manager == nil {
		return ""
	}
	plugin, err := p.manager.GetPlugin(p.plugin)
	if err != nil {
		return ""
	}
	return plugin.Info().Version
}

// Initialize checks that the plugin is registered. config is sent along
// with every request as its parameters.
func (p *PluginKeyProvider) Initialize(_ context.Context, config map[string]interface{}) error {
	if p.manager == nil {
		return invalidParameter("plugin manager cannot be nil")
	}
	if _, err := p.manager.GetPlugin(p.plugin); err != nil {
		return fmt.Errorf("%w: %w", ErrProviderNotFound, err)
	}
	p.params = config
	return nil
}

func (p *PluginKeyProvider) Close() error { return nil }

func (p *PluginKeyProvider) IsHealthy() bool {
	if p.manager == nil {
		return false
	}
	status, ok := p.manager.Health()[p.plugin]
	return ok && status.Status == goplugins.StatusHealthy
}

func (p *PluginKeyProvider) LocalizedKeys(ctx context.Context, userName string, engineID []byte) ([]byte, []byte, error) {
	resp, err := p.manager.Execute(ctx, p.plugin, KeyRequest{
		Operation:  OpLocalizedKeys,
		UserName:   userName,
		EngineID:   cloneBytes(engineID),
		Parameters: p.params,
	})
	if err != nil {
		return nil, nil, err
	}
	if !resp.Success {
		Zeroize(resp.AuthKey)
		Zeroize(resp.PrivKey)
		if resp.Error == "" {
			resp.Error = "request declined"
		}
		return nil, nil, fmt.Errorf("plugin %s: %s", p.plugin, resp.Error)
	}
	return resp.AuthKey, resp.PrivKey, nil
}
