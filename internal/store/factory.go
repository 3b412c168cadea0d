package store

import (
	"fmt"
	"sync"
)

// Builder creates a store from config.
type Builder func(config Config) (Store, error)

// DefaultFactory maps store type names to builders.
type DefaultFactory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

var globalFactory = &DefaultFactory{builders: make(map[string]Builder)}

func init() {
	RegisterStoreType("file", func(c Config) (Store, error) { return NewFileStore(c.Path) })
	RegisterStoreType("sqlite", func(c Config) (Store, error) { return NewSQLiteStore(c.Path) })
	RegisterStoreType("postgres", func(c Config) (Store, error) { return NewPostgresStore(c.DSN) })
	RegisterStoreType("postgresql", func(c Config) (Store, error) { return NewPostgresStore(c.DSN) })
}

// RegisterStoreType registers a builder with the global factory.
func RegisterStoreType(storeType string, builder Builder) {
	globalFactory.mu.Lock()
	globalFactory.builders[storeType] = builder
	globalFactory.mu.Unlock()
}

// CreateStore builds a store using the global factory. An empty type
// defaults to the file backend.
func CreateStore(config Config) (Store, error) {
	t := config.Type
	if t == "" {
		t = "file"
	}
	globalFactory.mu.RLock()
	builder, ok := globalFactory.builders[t]
	globalFactory.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: unsupported type %q (supported: %v)", t, SupportedTypes())
	}
	return builder(config)
}

// SupportedTypes lists registered store type names.
func SupportedTypes() []string {
	globalFactory.mu.RLock()
	defer globalFactory.mu.RUnlock()
	types := make([]string, 0, len(globalFactory.builders))
	for t := range globalFactory.builders {
		types = append(types, t)
	}
	return types
}
