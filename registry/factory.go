package registry

import (
	"context"
	"io"

	"github.com/hysios/mxreg/address"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyFunc maps an address to the identity of the handle it should share.
type KeyFunc func(u *address.URL) (string, error)

// CreateFunc builds a new handle for an address.
type CreateFunc[T io.Closer] func(ctx context.Context, u *address.URL) (T, error)

type FactoryOption struct {
	CacheOptions []CacheOptionFunc
	Tracer       trace.Tracer
}

type FactoryOptionFunc func(*FactoryOption)

// WithCacheOptions configures the cache the factory builds.
func WithCacheOptions(optFns ...CacheOptionFunc) FactoryOptionFunc {
	return func(opt *FactoryOption) {
		opt.CacheOptions = append(opt.CacheOptions, optFns...)
	}
}

func WithTracer(tracer trace.Tracer) FactoryOptionFunc {
	return func(opt *FactoryOption) {
		opt.Tracer = tracer
	}
}

// Factory hands out one shared handle per key: key derivation and
// construction are supplied by the caller, caching is done by a Cache.
type Factory[T io.Closer] struct {
	key    KeyFunc
	create CreateFunc[T]
	cache  *Cache[T]
	tracer trace.Tracer
}

func NewFactory[T io.Closer](key KeyFunc, create CreateFunc[T], optFns ...FactoryOptionFunc) (*Factory[T], error) {
	var opt = FactoryOption{}
	for _, fn := range optFns {
		fn(&opt)
	}

	if opt.Tracer == nil {
		opt.Tracer = otel.Tracer("github.com/hysios/mxreg/registry")
	}

	cache, err := NewCache[T](opt.CacheOptions...)
	if err != nil {
		return nil, err
	}

	return &Factory[T]{
		key:    key,
		create: create,
		cache:  cache,
		tracer: opt.Tracer,
	}, nil
}

// Key returns the cache key for u.
func (f *Factory[T]) Key(u *address.URL) (string, error) {
	return f.key(u)
}

// Get returns the handle shared by every address with the same key as u,
// constructing it on first use. Construction is detached from ctx
// cancellation, since other callers may be waiting on the same handle.
func (f *Factory[T]) Get(ctx context.Context, u *address.URL) (T, error) {
	key, err := f.key(u)
	if err != nil {
		var zero T
		return zero, err
	}

	return f.cache.GetOrCreate(key, func() (T, error) {
		ctx, span := f.tracer.Start(context.WithoutCancel(ctx), "registry.construct",
			trace.WithAttributes(
				attribute.String("registry.key", key),
				attribute.String("registry.protocol", u.Protocol()),
			))
		defer span.End()

		h, err := f.create(ctx, u)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return h, err
	})
}

// Remove closes and evicts the handle for u's key.
func (f *Factory[T]) Remove(u *address.URL) error {
	key, err := f.key(u)
	if err != nil {
		return err
	}
	return f.cache.Remove(key)
}

// DestroyAll closes every handle the factory has handed out.
func (f *Factory[T]) DestroyAll() error {
	return f.cache.DestroyAll()
}

// Handles returns a snapshot of the live handles in key order.
func (f *Factory[T]) Handles() []T {
	var handles []T
	f.cache.Range(func(_ string, h T) bool {
		handles = append(handles, h)
		return true
	})
	return handles
}

func (f *Factory[T]) Cache() *Cache[T] {
	return f.cache
}
