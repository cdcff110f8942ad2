package transport

import (
	"fmt"
	"sort"
)

// Config holds the settings shared by every transport backend.
type Config struct {
	// ConnectionString authenticates against the broker. Backends that
	// support ambient credentials accept an empty value.
	ConnectionString string

	// Namespace is the fully qualified broker namespace, used when
	// ConnectionString is empty.
	Namespace string

	// Name is the log (event hub) name.
	Name string
}

// Factory creates a Transport from Config.
type Factory func(cfg Config) (Transport, error)

var registry = map[string]Factory{}

// Register registers a transport factory under name.
// Typically called from an init() function in a backend package.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Open builds the transport registered under name.
func Open(name string, cfg Config) (Transport, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported transport: %s (registered: %v)", name, Registered())
	}
	return factory(cfg)
}

// Registered lists registered transport names.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
