package registry

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// errStale means the table was destroyed before construction started; the
// lookup is retried in the current generation.
var errStale = errors.Wrap("stale cache generation")

type CacheOption struct {
	Name       string
	Registerer prometheus.Registerer
	Metrics    *Metrics
}

type CacheOptionFunc func(*CacheOption)

// WithCacheName names the cache in logs and metric labels.
func WithCacheName(name string) CacheOptionFunc {
	return func(opt *CacheOption) {
		opt.Name = name
	}
}

// WithRegisterer registers the cache metrics on reg.
func WithRegisterer(reg prometheus.Registerer) CacheOptionFunc {
	return func(opt *CacheOption) {
		opt.Registerer = reg
	}
}

// WithMetrics uses m instead of building new collectors.
func WithMetrics(m *Metrics) CacheOptionFunc {
	return func(opt *CacheOption) {
		opt.Metrics = m
	}
}

// Cache maps keys to handles and constructs at most one handle per key.
//
// Lookups of different keys never wait on each other's construction.
// Concurrent lookups of one absent key share a single construction and all
// observe its handle or its error. A failed construction leaves nothing
// behind, so the next lookup tries again.
//
// DestroyAll swaps the table out and starts a new generation. A construction
// that began in an earlier generation and finishes after DestroyAll is closed
// at once and its callers get errors.ErrDestroyed; it never enters the new
// table.
type Cache[T io.Closer] struct {
	name    string
	metrics *Metrics
	flights singleflight.Group

	mu      sync.RWMutex
	entries map[string]T
	gen     uint64
}

func NewCache[T io.Closer](optFns ...CacheOptionFunc) (*Cache[T], error) {
	var opt = CacheOption{Name: "default"}
	for _, fn := range optFns {
		fn(&opt)
	}

	if opt.Metrics == nil {
		m, err := NewMetrics(opt.Name, opt.Registerer)
		if err != nil {
			return nil, err
		}
		opt.Metrics = m
	}

	return &Cache[T]{
		name:    opt.Name,
		metrics: opt.Metrics,
		entries: make(map[string]T),
	}, nil
}

// MustCache is like NewCache but panics on error.
func MustCache[T io.Closer](optFns ...CacheOptionFunc) *Cache[T] {
	c, err := NewCache[T](optFns...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Cache[T]) log() *zap.Logger {
	return logger.Logger.With(zap.String("cache", c.name))
}

// Get returns the handle cached for key.
func (c *Cache[T]) Get(key string) (h T, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok = c.entries[key]
	return
}

// GetOrCreate returns the handle for key, calling create when there is none.
// Errors from create come back as *errors.ConstructionError unless they
// already are parse errors.
func (c *Cache[T]) GetOrCreate(key string, create func() (T, error)) (T, error) {
	for {
		c.mu.RLock()
		h, ok := c.entries[key]
		gen := c.gen
		c.mu.RUnlock()

		if ok {
			return h, nil
		}

		v, err, shared := c.flights.Do(strconv.FormatUint(gen, 10)+"/"+key, func() (any, error) {
			return c.construct(gen, key, create)
		})
		if err == errStale {
			continue
		}
		if err != nil {
			var zero T
			return zero, err
		}

		if shared {
			c.log().Debug("joined registry construction", zap.String("key", key))
		}
		return v.(T), nil
	}
}

func (c *Cache[T]) construct(gen uint64, key string, create func() (T, error)) (T, error) {
	var zero T

	// an earlier flight may have stored the key between our read and Do
	c.mu.RLock()
	h, ok := c.entries[key]
	stale := c.gen != gen
	c.mu.RUnlock()
	if ok && !stale {
		return h, nil
	}
	if stale {
		return zero, errStale
	}

	h, err := create()
	if err != nil {
		c.metrics.Failures.Inc()
		c.log().Warn("registry construction failed", zap.String("key", key), zap.Error(err))
		if errors.IsParse(err) {
			return zero, err
		}
		return zero, errors.Construction(key, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.log().Info("registry constructed after destroy, closing", zap.String("key", key))
		if err := h.Close(); err != nil {
			c.log().Warn("close registry failed", zap.String("key", key), zap.Error(err))
		}
		c.metrics.Destroyed.Inc()
		return zero, errors.Wrap(errors.ErrDestroyed)
	}
	c.entries[key] = h
	c.mu.Unlock()

	c.metrics.Constructions.Inc()
	c.metrics.Live.Inc()
	c.log().Debug("registry constructed", zap.String("key", key))
	return h, nil
}

// Remove closes and evicts the handle cached for key.
func (c *Cache[T]) Remove(key string) error {
	c.mu.Lock()
	h, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	c.metrics.Live.Dec()
	c.metrics.Destroyed.Inc()
	return h.Close()
}

// DestroyAll closes every cached handle and empties the table. Close errors
// are collected and returned together.
func (c *Cache[T]) DestroyAll() error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]T)
	c.gen++
	c.mu.Unlock()

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs error
	for _, key := range keys {
		if err := entries[key].Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close registry %s: %w", key, err))
		}
		c.metrics.Live.Dec()
		c.metrics.Destroyed.Inc()
	}

	if len(keys) > 0 {
		c.log().Info("registries destroyed", zap.Int("count", len(keys)), zap.Error(errs))
	}
	return errs
}

// Keys returns the cached keys in sorted order.
func (c *Cache[T]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Range calls fn for a snapshot of the table in key order.
func (c *Cache[T]) Range(fn func(key string, h T) bool) {
	c.mu.RLock()
	snapshot := make(map[string]T, len(c.entries))
	for key, h := range c.entries {
		snapshot[key] = h
	}
	c.mu.RUnlock()

	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !fn(key, snapshot[key]) {
			return
		}
	}
}
