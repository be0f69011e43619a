// Package mxreg hands out registry handles for service-discovery backends.
//
// A RegistryFactory guarantees that registry addresses which only differ in
// decoration resolve to one shared handle, while addresses that differ in
// namespace or in the protocol and port they are bound to get their own:
//
//	reg, err := mxreg.GetRegistry(ctx, address.MustParse(
//		"consul://127.0.0.1:8500/org.apache.dubbo.registry.RegistryService?namespace=prod"))
//
// Backends are selected by the naming package; import the ones you need:
//
//	import _ "github.com/hysios/mxreg/naming/consul"
package mxreg

import (
	"context"
	"sync"

	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/naming"
	"github.com/hysios/mxreg/registry"
	"go.opentelemetry.io/otel/trace"
)

type Option struct {
	// DefaultNamespace is treated as no namespace in cache keys and is not
	// passed on to the backend.
	DefaultNamespace string
	// Open builds the naming client for a registry address.
	Open         func(u *address.URL) (naming.Client, error)
	CacheOptions []registry.CacheOptionFunc
	Tracer       trace.Tracer
}

type OptionFunc func(*Option)

func WithDefaultNamespace(ns string) OptionFunc {
	return func(opt *Option) {
		opt.DefaultNamespace = ns
	}
}

func WithOpen(open func(u *address.URL) (naming.Client, error)) OptionFunc {
	return func(opt *Option) {
		opt.Open = open
	}
}

func WithCacheOptions(optFns ...registry.CacheOptionFunc) OptionFunc {
	return func(opt *Option) {
		opt.CacheOptions = append(opt.CacheOptions, optFns...)
	}
}

func WithTracer(tracer trace.Tracer) OptionFunc {
	return func(opt *Option) {
		opt.Tracer = tracer
	}
}

// RegistryFactory returns the shared registry handle of an address.
type RegistryFactory struct {
	opt     Option
	factory *registry.Factory[registry.Registry]
}

func NewRegistryFactory(optFns ...OptionFunc) (*RegistryFactory, error) {
	var opt = Option{
		DefaultNamespace: DefaultNamespace,
		Open:             naming.Open,
	}
	for _, fn := range optFns {
		fn(&opt)
	}

	f := &RegistryFactory{opt: opt}

	factoryOpts := []registry.FactoryOptionFunc{registry.WithCacheOptions(opt.CacheOptions...)}
	if opt.Tracer != nil {
		factoryOpts = append(factoryOpts, registry.WithTracer(opt.Tracer))
	}

	factory, err := registry.NewFactory[registry.Registry](f.cacheKey, f.create, factoryOpts...)
	if err != nil {
		return nil, err
	}
	f.factory = factory
	return f, nil
}

// MustRegistryFactory is like NewRegistryFactory but panics on error.
func MustRegistryFactory(optFns ...OptionFunc) *RegistryFactory {
	f, err := NewRegistryFactory(optFns...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *RegistryFactory) cacheKey(u *address.URL) (string, error) {
	return cacheKey(u, f.opt.DefaultNamespace)
}

func (f *RegistryFactory) create(ctx context.Context, u *address.URL) (registry.Registry, error) {
	if u.Parameter(address.NamespaceKey) == f.opt.DefaultNamespace {
		u = u.RemoveParameter(address.NamespaceKey)
	}

	client, err := f.opt.Open(u)
	if err != nil {
		return nil, err
	}
	return NewNamingRegistry(u, client), nil
}

// Key returns the cache key GetRegistry would use for u.
func (f *RegistryFactory) Key(u *address.URL) (string, error) {
	u, err := WithProvider(u)
	if err != nil {
		return "", err
	}
	return f.cacheKey(u)
}

// GetRegistry returns the registry handle shared by every address
// equivalent to u, building it on first use. A malformed export parameter
// fails with *errors.ParseError; a backend that cannot be reached fails with
// *errors.ConstructionError and is tried again on the next call.
func (f *RegistryFactory) GetRegistry(ctx context.Context, u *address.URL) (registry.Registry, error) {
	u, err := WithProvider(u)
	if err != nil {
		return nil, err
	}
	return f.factory.Get(ctx, u)
}

// Registries returns the live handles.
func (f *RegistryFactory) Registries() []registry.Registry {
	return f.factory.Handles()
}

// DestroyAll closes every handle. A later GetRegistry builds a new one.
func (f *RegistryFactory) DestroyAll() error {
	return f.factory.DestroyAll()
}

var (
	defaultMu sync.Mutex
	_default  *RegistryFactory
)

// Default returns the process-wide factory.
func Default() *RegistryFactory {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if _default == nil {
		_default = MustRegistryFactory(WithCacheOptions(registry.WithCacheName("default")))
	}
	return _default
}

// SetDefault replaces the process-wide factory.
func SetDefault(f *RegistryFactory) {
	defaultMu.Lock()
	_default = f
	defaultMu.Unlock()
}

func GetRegistry(ctx context.Context, u *address.URL) (registry.Registry, error) {
	return Default().GetRegistry(ctx, u)
}

func DestroyAll() error {
	return Default().DestroyAll()
}
