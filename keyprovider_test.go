// keyprovider_test.go: Tests for the key provider manager.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	goplugins "github.com/agilira/go-plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	usm "github.com/agilira/snmpusm"
)

// mockKeyProvider implements KeyProvider for testing
type mockKeyProvider struct {
	name        string
	initialized bool
	healthy     bool
	shouldFail  bool
	closed      bool
	config      map[string]interface{}
	keys        map[string][2][]byte
	lastEngine  []byte
	delay       time.Duration
}

func newMockKeyProvider(name string) *mockKeyProvider {
	return &mockKeyProvider{
		name:    name,
		healthy: true,
		keys:    make(map[string][2][]byte),
	}
}

func (m *mockKeyProvider) Name() string    { return m.name }
func (m *mockKeyProvider) Version() string { return "1.0.0" }

func (m *mockKeyProvider) Initialize(ctx context.Context, config map[string]interface{}) error {
	if m.shouldFail {
		return errors.New("mock initialization failed")
	}
	m.initialized = true
	m.config = config
	return nil
}

func (m *mockKeyProvider) Close() error {
	m.closed = true
	m.initialized = false
	return nil
}

func (m *mockKeyProvider) IsHealthy() bool {
	return m.healthy && m.initialized
}

func (m *mockKeyProvider) LocalizedKeys(ctx context.Context, userName string, engineID []byte) ([]byte, []byte, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	m.lastEngine = append([]byte(nil), engineID...)
	keys, ok := m.keys[userName]
	if !ok {
		return nil, nil, errors.New("no such user")
	}
	return append([]byte(nil), keys[0]...), append([]byte(nil), keys[1]...), nil
}

func TestKeyProviderManager_Register(t *testing.T) {
	config := &usm.KeyProviderManagerConfig{
		DefaultProvider: "pkcs11",
		ProviderConfigs: map[string]map[string]interface{}{
			"pkcs11": {"slot": 1},
		},
	}
	manager := usm.NewKeyProviderManager(config, nil)
	assert.Nil(t, manager.PluginManager())

	vault := newMockKeyProvider("vault")
	pkcs11 := newMockKeyProvider("pkcs11")
	require.NoError(t, manager.RegisterProvider("vault", vault))
	require.NoError(t, manager.RegisterProvider("pkcs11", pkcs11))
	assert.Equal(t, map[string]interface{}{"slot": 1}, pkcs11.config)

	def, err := manager.GetProvider("")
	require.NoError(t, err)
	assert.Equal(t, "pkcs11", def.Name(), "the configured default wins over registration order")

	got, err := manager.GetProvider("vault")
	require.NoError(t, err)
	assert.Same(t, vault, got)
}

func TestKeyProviderManager_Errors(t *testing.T) {
	manager := usm.NewKeyProviderManager(nil, nil)

	assert.ErrorIs(t, manager.RegisterProvider("nil", nil), usm.ErrInvalidParameter)

	failing := newMockKeyProvider("broken")
	failing.shouldFail = true
	assert.ErrorIs(t, manager.RegisterProvider("broken", failing), usm.ErrKeyProvider)

	_, err := manager.GetProvider("missing")
	assert.ErrorIs(t, err, usm.ErrKeyProvider)
	assert.ErrorIs(t, err, usm.ErrProviderNotFound)

	sick := newMockKeyProvider("sick")
	require.NoError(t, manager.RegisterProvider("sick", sick))
	sick.healthy = false
	_, err = manager.GetProvider("sick")
	assert.ErrorIs(t, err, usm.ErrProviderHealthCheckFailed)

	_, _, err = manager.LocalizedKeys(context.Background(), "sick", "ops", remoteEngine)
	assert.ErrorIs(t, err, usm.ErrKeyProvider)
}

func TestKeyProviderManager_LocalizedKeys(t *testing.T) {
	manager := usm.NewKeyProviderManager(&usm.KeyProviderManagerConfig{OperationTimeout: 20 * time.Millisecond}, nil)
	provider := newMockKeyProvider("vault")
	provider.keys["ops"] = [2][]byte{{1, 2}, {3, 4}}
	require.NoError(t, manager.RegisterProvider("vault", provider))

	authKey, privKey, err := manager.LocalizedKeys(context.Background(), "vault", "ops", remoteEngine)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, authKey)
	assert.Equal(t, []byte{3, 4}, privKey)

	_, _, err = manager.LocalizedKeys(context.Background(), "vault", "nobody", remoteEngine)
	assert.ErrorIs(t, err, usm.ErrKeyProvider)

	provider.delay = time.Second
	_, _, err = manager.LocalizedKeys(context.Background(), "vault", "ops", remoteEngine)
	assert.ErrorIs(t, err, usm.ErrKeyProvider, "provider calls honor the operation timeout")
}

func TestKeyProviderManager_Close(t *testing.T) {
	manager := usm.NewKeyProviderManager(nil, nil)
	provider := newMockKeyProvider("vault")
	require.NoError(t, manager.RegisterProvider("vault", provider))

	require.NoError(t, manager.Close())
	assert.True(t, provider.closed)

	_, err := manager.GetProvider("")
	assert.ErrorIs(t, err, usm.ErrProviderNotFound)
}

// mockKeyPlugin implements goplugins.Plugin for key requests.
type mockKeyPlugin struct {
	mu      sync.Mutex
	keys    map[string][2][]byte
	lastReq usm.KeyRequest
	closed  bool
}

func (m *mockKeyPlugin) Info() goplugins.PluginInfo {
	return goplugins.PluginInfo{Name: "hsm", Version: "2.1.0"}
}

func (m *mockKeyPlugin) Execute(ctx context.Context, execCtx goplugins.ExecutionContext, req usm.KeyRequest) (usm.KeyResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	if req.Operation != usm.OpLocalizedKeys {
		return usm.KeyResponse{Error: "unsupported operation"}, nil
	}
	keys, ok := m.keys[req.UserName]
	if !ok {
		return usm.KeyResponse{Error: "unknown user"}, nil
	}
	return usm.KeyResponse{
		Success: true,
		AuthKey: append([]byte(nil), keys[0]...),
		PrivKey: append([]byte(nil), keys[1]...),
	}, nil
}

func (m *mockKeyPlugin) Health(ctx context.Context) goplugins.HealthStatus {
	return goplugins.HealthStatus{Status: goplugins.StatusHealthy}
}

func (m *mockKeyPlugin) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockKeyPlugin) last() usm.KeyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

func (m *mockKeyPlugin) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newPluginManager(t *testing.T) (*goplugins.Manager[usm.KeyRequest, usm.KeyResponse], *mockKeyPlugin) {
	t.Helper()
	plugins := goplugins.NewManager[usm.KeyRequest, usm.KeyResponse](slog.New(slog.NewTextHandler(io.Discard, nil)))
	plugin := &mockKeyPlugin{keys: map[string][2][]byte{
		"ops": {
			mustHex("6695febc9288e36282235fc7151f128497b38f3f"),
			mustHex("00112233445566778899aabbccddeeff"),
		},
	}}
	require.NoError(t, plugins.Register(plugin))
	return plugins, plugin
}

func TestPluginKeyProvider(t *testing.T) {
	plugins, plugin := newPluginManager(t)
	ctx := context.Background()

	manager := usm.NewKeyProviderManager(&usm.KeyProviderManagerConfig{
		OperationTimeout: time.Second,
		ProviderConfigs:  map[string]map[string]interface{}{"hsm": {"slot": 3}},
	}, plugins)
	require.NoError(t, manager.RegisterPlugin("hsm"))

	provider, err := manager.GetProvider("")
	require.NoError(t, err)
	assert.Equal(t, "hsm", provider.Name())
	assert.Equal(t, "2.1.0", provider.Version())

	authKey, privKey, err := manager.LocalizedKeys(ctx, "hsm", "ops", remoteEngine)
	require.NoError(t, err)
	assert.Equal(t, mustHex("6695febc9288e36282235fc7151f128497b38f3f"), authKey)
	assert.Equal(t, mustHex("00112233445566778899aabbccddeeff"), privKey)

	req := plugin.last()
	assert.Equal(t, usm.OpLocalizedKeys, req.Operation)
	assert.Equal(t, "ops", req.UserName)
	assert.Equal(t, remoteEngine, req.EngineID)
	assert.Equal(t, 3, req.Parameters["slot"])

	_, _, err = manager.LocalizedKeys(ctx, "hsm", "nobody", remoteEngine)
	assert.ErrorIs(t, err, usm.ErrKeyProvider, "a declined request is a provider error")

	users := usm.NewUserTable(usm.WithKeyProviders(manager))
	require.NoError(t, users.Add(usm.Credentials{UserName: "ops", Auth: usm.AuthSHA1, Priv: usm.PrivAES128, Provider: "hsm"}))
	entry, err := users.Resolve("ops", remoteEngine)
	require.NoError(t, err)
	assert.Equal(t, authKey, entry.AuthKey)

	require.NoError(t, manager.Close())
	assert.True(t, plugin.isClosed(), "closing the manager shuts down the plugins")
	_, err = plugins.Execute(ctx, "hsm", usm.KeyRequest{Operation: usm.OpLocalizedKeys})
	assert.Error(t, err)
}

func TestKeyProviderManager_RegisterPluginErrors(t *testing.T) {
	err := usm.NewKeyProviderManager(nil, nil).RegisterPlugin("hsm")
	assert.ErrorIs(t, err, usm.ErrInvalidParameter)

	plugins, _ := newPluginManager(t)
	manager := usm.NewKeyProviderManager(nil, plugins)
	t.Cleanup(func() { manager.Close() })

	err = manager.RegisterPlugin("pkcs11")
	assert.ErrorIs(t, err, usm.ErrKeyProvider)
	assert.ErrorIs(t, err, usm.ErrProviderNotFound)
}
