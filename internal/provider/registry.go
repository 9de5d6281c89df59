package provider

import (
	"fmt"
	"sort"
	"sync"
)

var (
	regMu    sync.RWMutex
	registry = make(map[string]func() (Adapter, error))
)

// Register makes an adapter constructor available under name, in the manner
// of database/sql drivers. Wire implementations register themselves from an
// init function; the binary selects one by config.
func Register(name string, build func() (Adapter, error)) {
	regMu.Lock()
	defer regMu.Unlock()
	if build == nil {
		panic("provider: Register with nil constructor")
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("provider: Register called twice for %q", name))
	}
	registry[name] = build
}

// Open builds the named adapter.
func Open(name string) (Adapter, error) {
	regMu.RLock()
	build, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: unknown adapter %q (registered: %v)", name, Registered())
	}
	return build()
}

// Registered lists available adapter names, sorted.
func Registered() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
