package utils

import (
	"sort"
	"sync"
)

// Registry is a name to constructor table, safe for concurrent use.
type Registry[T any] struct {
	mu  sync.RWMutex
	set map[string]Ctor[T]
}

type Ctor[T any] func() T

func (reg *Registry[T]) init() {
	if reg.set == nil {
		reg.set = make(map[string]Ctor[T])
	}
}

func (reg *Registry[T]) Register(name string, ctor Ctor[T]) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.init()

	reg.set[name] = ctor
}

func (reg *Registry[T]) Lookup(name string) (ctor Ctor[T], ok bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	ctor, ok = reg.set[name]
	return ctor, ok
}

// Names returns the registered names in sorted order.
func (reg *Registry[T]) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names := make([]string, 0, len(reg.set))
	for name := range reg.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
