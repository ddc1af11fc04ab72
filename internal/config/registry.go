package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/liveasr/internal/history"
)

// ErrDriverNotRegistered is returned by [Registry.CreateHistory] when no
// factory has been registered under the configured driver name.
var ErrDriverNotRegistered = errors.New("config: history driver not registered")

// HistoryFactory opens a history store from its config section.
type HistoryFactory func(ctx context.Context, cfg HistoryConfig) (history.Store, error)

// Registry maps history driver names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	history map[string]HistoryFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{history: make(map[string]HistoryFactory)}
}

// RegisterHistory registers a history store factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterHistory(name string, factory HistoryFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[name] = factory
}

// HistoryDrivers returns the registered driver names in sorted order.
func (r *Registry) HistoryDrivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.history))
	for n := range r.history {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateHistory opens the store for cfg.Driver. It returns (nil, nil) when
// no driver is configured and wraps [ErrDriverNotRegistered] for unknown
// drivers.
func (r *Registry) CreateHistory(ctx context.Context, cfg HistoryConfig) (history.Store, error) {
	if cfg.Driver == "" {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.history[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotRegistered, cfg.Driver)
	}
	store, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: open history %q: %w", cfg.Driver, err)
	}
	return store, nil
}
