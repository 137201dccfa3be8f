package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultName identifies the runtime used when callers do not pick one.
const DefaultName = "goroutine"

// Factory constructs a runtime instance.
type Factory func() Runtime

type factoryEntry struct {
	name    string
	factory Factory
}

var (
	registryMu       sync.RWMutex
	builtinFactories []factoryEntry
)

// Register associates the provided factory with the runtime name. When multiple
// factories register the same name the most recent registration wins.
func Register(name string, factory Factory) {
	if name == "" {
		panic("runtime.Register: name must not be empty")
	}
	if factory == nil {
		panic("runtime.Register: factory must not be nil")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	for i, entry := range builtinFactories {
		if entry.name == name {
			builtinFactories[i].factory = factory
			return
		}
	}

	builtinFactories = append(builtinFactories, factoryEntry{name: name, factory: factory})
}

// Lookup constructs a fresh instance of the named runtime.
func Lookup(name string) (Runtime, error) {
	if name == "" {
		name = DefaultName
	}

	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, entry := range builtinFactories {
		if entry.name == name {
			return entry.factory(), nil
		}
	}
	return nil, fmt.Errorf("unsupported runtime %q (known: %v)", name, namesLocked())
}

func namesLocked() []string {
	names := make([]string, 0, len(builtinFactories))
	for _, entry := range builtinFactories {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}
