package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Manager holds the active configuration and supports atomic reloads.
type Manager struct {
	Service    Service
	current    atomic.Value // stores *Config
	sources    []Source
	callbacks  []func(*Config)
	callbackMu sync.RWMutex
	reloadMu   sync.Mutex
}

// NewManager creates a configuration manager around the given service.
func NewManager(service Service) *Manager {
	if service == nil {
		service = NewService()
	}
	return &Manager{
		Service:   service,
		callbacks: make([]func(*Config), 0),
	}
}

// Load performs the initial load and remembers the sources for Reload.
func (m *Manager) Load(ctx context.Context, sources ...Source) (*Config, error) {
	m.reloadMu.Lock()
	m.sources = append([]Source(nil), sources...)
	m.reloadMu.Unlock()

	config, err := m.Service.Load(ctx, sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	m.applyConfig(config)
	return config, nil
}

// Get returns the current configuration atomically. It is nil only before
// the first successful Load.
func (m *Manager) Get() *Config {
	val := m.current.Load()
	if val == nil {
		return nil
	}
	config, ok := val.(*Config)
	if !ok {
		return nil
	}
	return config
}

// Reload re-reads all sources. The previous configuration stays active if
// the reload fails.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	sources := append([]Source(nil), m.sources...)
	m.reloadMu.Unlock()

	newConfig, err := m.Service.Load(ctx, sources...)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	m.applyConfig(newConfig)
	return nil
}

// OnChange registers a callback invoked after each successful load.
func (m *Manager) OnChange(fn func(*Config)) {
	if fn == nil {
		return
	}
	m.callbackMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.callbackMu.Unlock()
}

func (m *Manager) applyConfig(config *Config) {
	m.current.Store(config)
	m.callbackMu.RLock()
	callbacks := append([]func(*Config){}, m.callbacks...)
	m.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(config)
	}
}
