// Package naming defines the naming-service client a registry handle talks
// to, and a table of backends that can open one from a registry address.
package naming

import (
	"context"
	"fmt"
	"sync"

	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/utils"
)

// Instance is one endpoint of a service as stored by the naming service.
type Instance struct {
	ID       string            `json:"id"`
	IP       string            `json:"ip"`
	Port     int               `json:"port"`
	Weight   float64           `json:"weight"`
	Healthy  bool              `json:"healthy"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Listener receives the full instance list of a service on every change.
type Listener func(service string, instances []Instance)

// Client is a session with a naming service. Implementations must be safe
// for concurrent use. Instances registered through a client are removed when
// the client is closed.
type Client interface {
	RegisterInstance(ctx context.Context, service string, inst Instance) error
	DeregisterInstance(ctx context.Context, service string, inst Instance) error
	Instances(ctx context.Context, service string) ([]Instance, error)
	// Subscribe calls fn with the current instances and again on every
	// change until stop is called or the client is closed.
	Subscribe(service string, fn Listener) (stop func(), err error)
	Close() error
}

// Backend opens clients for one kind of naming service.
type Backend interface {
	Open(u *address.URL) (Client, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(u *address.URL) (Client, error)

func (fn BackendFunc) Open(u *address.URL) (Client, error) { return fn(u) }

var (
	backends utils.Registry[Backend]

	defaultMu      sync.RWMutex
	defaultBackend = "memory"
)

// Register makes a backend available under name.
func Register(name string, ctor func() Backend) {
	backends.Register(name, ctor)
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, bool) {
	ctor, ok := backends.Lookup(name)
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Backends lists the registered backend names.
func Backends() []string {
	return backends.Names()
}

// SetDefaultBackend sets the backend used when an address names none.
func SetDefaultBackend(name string) {
	defaultMu.Lock()
	defaultBackend = name
	defaultMu.Unlock()
}

func DefaultBackend() string {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultBackend
}

// BackendName picks the backend for u: the backend parameter, then the
// protocol when a backend of that name exists, then the default.
func BackendName(u *address.URL) string {
	if name := u.Parameter(address.BackendKey); name != "" {
		return name
	}
	if _, ok := backends.Lookup(u.Protocol()); ok {
		return u.Protocol()
	}
	return DefaultBackend()
}

// Open opens a client for u with the backend chosen by BackendName.
func Open(u *address.URL) (Client, error) {
	name := BackendName(u)
	backend, ok := Lookup(name)
	if !ok {
		return nil, errors.Wrap(fmt.Errorf("%w: %s", errors.ErrBackendNotFound, name))
	}
	return backend.Open(u)
}
