package store

import (
	"fmt"
	"sort"
	"sync"
)

// Builder creates a store from config.
type Builder func(config Config) (Store, error)

type factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

var globalFactory = &factory{builders: make(map[string]Builder)}

func init() {
	RegisterStoreType("sqlite", func(config Config) (Store, error) {
		return NewSQLiteStore(config)
	})
	RegisterStoreType("postgres", func(config Config) (Store, error) {
		return NewPostgresStore(config)
	})
	RegisterStoreType("postgresql", func(config Config) (Store, error) {
		return NewPostgresStore(config)
	})
}

// RegisterStoreType registers a new store type with the global factory.
func RegisterStoreType(storeType string, builder Builder) {
	globalFactory.mu.Lock()
	defer globalFactory.mu.Unlock()
	globalFactory.builders[storeType] = builder
}

// New creates a store from the configuration. An empty type selects the
// sqlite default.
func New(config Config) (Store, error) {
	t := config.Type
	if t == "" {
		t = "sqlite"
	}
	globalFactory.mu.RLock()
	builder, ok := globalFactory.builders[t]
	globalFactory.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store type %q (supported: %v)", t, SupportedTypes())
	}
	return builder(config)
}

// SupportedTypes returns the registered store types, sorted.
func SupportedTypes() []string {
	globalFactory.mu.RLock()
	defer globalFactory.mu.RUnlock()
	types := make([]string, 0, len(globalFactory.builders))
	for t := range globalFactory.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
