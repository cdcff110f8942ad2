package lease

import (
	"context"
	"fmt"
	"sort"
)

// Config holds the settings shared by every store backend.
type Config struct {
	// URL locates the backend (DSN, redis URL, container URL). Unused by
	// backends that take their location from the environment.
	URL string

	// EpochTable and PositionTable name the two tables.
	EpochTable    string
	PositionTable string

	// Namespace is used by the kubernetes backend.
	Namespace string
}

// Factory creates a Store from Config.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var registry = map[string]Factory{}

// Register registers a store factory under name.
// Typically called from an init() function in a backend package.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Open builds the store registered under name.
func Open(ctx context.Context, name string, cfg Config) (Store, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported lease backend: %s (registered: %v)", name, Registered())
	}
	if cfg.EpochTable == "" || cfg.PositionTable == "" {
		return nil, fmt.Errorf("lease backend %s: epoch and position table names are required", name)
	}
	if cfg.EpochTable == cfg.PositionTable {
		return nil, fmt.Errorf("lease backend %s: epoch and position tables must differ", name)
	}
	return factory(ctx, cfg)
}

// Registered lists registered backend names.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
