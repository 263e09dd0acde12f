package backend

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Descriptor)
)

// Register adds a backend descriptor to the registry. It panics on duplicate
// names or a nil factory: both are programming errors caught at process start.
func Register(d Descriptor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if d.Name == "" || d.New == nil {
		panic("backend: Register called with incomplete descriptor")
	}
	if _, dup := registry[d.Name]; dup {
		panic(fmt.Sprintf("backend: Register called twice for %q", d.Name))
	}
	registry[d.Name] = d
}

// Get returns the descriptor registered under the given name.
func Get(name string) (Descriptor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[name]
	return d, ok
}

// All returns every registered descriptor, sorted by name.
func All() []Descriptor {
	registryMu.RLock()
	defer registryMu.RUnlock()

	descriptors := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		descriptors = append(descriptors, d)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}

// unregister removes a backend. Only tests use it.
func unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}
