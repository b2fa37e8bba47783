package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
)

// Factory creates a Client from the storage section of the configuration.
type Factory func(ctx context.Context, cfg *config.StorageConfig) (Client, error)

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register makes a provider available under name. It panics when name is
// registered twice or factory is nil.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	normalized := strings.ToLower(name)
	if _, exists := registry[normalized]; exists {
		panic(fmt.Sprintf("storage provider %s already registered", normalized))
	}
	if factory == nil {
		panic(fmt.Sprintf("storage provider %s registered with nil factory", normalized))
	}
	registry[normalized] = factory
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open validates cfg and creates a Client for cfg.Storage.Provider. When
// metrics are enabled the client is instrumented.
func Open(ctx context.Context, cfg *config.Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, objerr.ErrInvalidArgument.WithMessage("invalid configuration").WithCause(err)
	}

	registryMu.RLock()
	factory, ok := registry[strings.ToLower(cfg.Storage.Provider)]
	registryMu.RUnlock()
	if !ok {
		return nil, objerr.InvalidArgument("", "unsupported storage provider %q (supported: %s)",
			cfg.Storage.Provider, strings.Join(Providers(), ", "))
	}

	c, err := factory(ctx, &cfg.Storage)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		return Instrument(c), nil
	}
	return c, nil
}
