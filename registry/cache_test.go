package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hysios/mxreg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeHandle struct {
	id       int
	closed   atomic.Bool
	closeErr error
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return h.closeErr
}

type counter struct {
	n atomic.Int32
}

func (c *counter) create() (*fakeHandle, error) {
	return &fakeHandle{id: int(c.n.Add(1))}, nil
}

func TestCacheConstructsOncePerKey(t *testing.T) {
	var (
		cache   = MustCache[*fakeHandle]()
		calls   atomic.Int32
		release = make(chan struct{})
		g       errgroup.Group
		handles = make([]*fakeHandle, 64)
	)

	create := func() (*fakeHandle, error) {
		calls.Add(1)
		<-release
		return &fakeHandle{id: 1}, nil
	}

	for i := range handles {
		i := i
		g.Go(func() error {
			h, err := cache.GetOrCreate("k", create)
			handles[i] = h
			return err
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), calls.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, cache.Len())
}

func TestCacheFailureIsNotCached(t *testing.T) {
	var (
		cache = MustCache[*fakeHandle]()
		calls int
	)

	_, err := cache.GetOrCreate("k", func() (*fakeHandle, error) {
		calls++
		return nil, fmt.Errorf("backend unreachable")
	})
	require.Error(t, err)
	assert.True(t, errors.IsConstruction(err))

	var ce *errors.ConstructionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "k", ce.Key)
	assert.Equal(t, 0, cache.Len())

	h, err := cache.GetOrCreate("k", func() (*fakeHandle, error) {
		calls++
		return &fakeHandle{id: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, h.id)
	assert.Equal(t, 2, calls)
}

func TestCacheParseErrorPassesThrough(t *testing.T) {
	cache := MustCache[*fakeHandle]()

	_, err := cache.GetOrCreate("k", func() (*fakeHandle, error) {
		return nil, errors.Parse("bad://", "nope")
	})
	assert.True(t, errors.IsParse(err))
	assert.False(t, errors.IsConstruction(err))
}

func TestCacheKeysDoNotBlockEachOther(t *testing.T) {
	var (
		cache   = MustCache[*fakeHandle]()
		started = make(chan struct{})
		release = make(chan struct{})
		failed  = make(chan error, 1)
	)

	go func() {
		_, err := cache.GetOrCreate("a", func() (*fakeHandle, error) {
			close(started)
			<-release
			return nil, fmt.Errorf("a failed")
		})
		failed <- err
	}()

	<-started
	b, err := cache.GetOrCreate("b", func() (*fakeHandle, error) {
		return &fakeHandle{id: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, b.id)

	close(release)
	assert.True(t, errors.IsConstruction(<-failed))

	got, ok := cache.Get("b")
	assert.True(t, ok)
	assert.Same(t, b, got)
	_, ok = cache.Get("a")
	assert.False(t, ok)
}

func TestCacheConcurrentFailureShared(t *testing.T) {
	var (
		cache   = MustCache[*fakeHandle]()
		release = make(chan struct{})
		calls   atomic.Int32
		wg      sync.WaitGroup
		errs    = make([]error, 16)
	)

	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cache.GetOrCreate("k", func() (*fakeHandle, error) {
				calls.Add(1)
				<-release
				return nil, fmt.Errorf("down")
			})
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.True(t, errors.IsConstruction(err))
	}
	// late arrivals may start a second flight after the first failed
	assert.LessOrEqual(t, calls.Load(), int32(len(errs)))
	assert.Equal(t, 0, cache.Len())
}

func TestCacheDestroyAll(t *testing.T) {
	var (
		cache = MustCache[*fakeHandle]()
		c     counter
	)

	a, err := cache.GetOrCreate("a", c.create)
	require.NoError(t, err)
	b, err := cache.GetOrCreate("b", c.create)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cache.Keys())

	require.NoError(t, cache.DestroyAll())
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
	assert.Equal(t, 0, cache.Len())

	fresh, err := cache.GetOrCreate("a", c.create)
	require.NoError(t, err)
	assert.NotSame(t, a, fresh)
	assert.False(t, fresh.closed.Load())
	assert.Equal(t, int32(3), c.n.Load())
}

func TestCacheDestroyAllCollectsErrors(t *testing.T) {
	cache := MustCache[*fakeHandle]()

	for _, key := range []string{"a", "b", "c"} {
		key := key
		_, err := cache.GetOrCreate(key, func() (*fakeHandle, error) {
			h := &fakeHandle{}
			if key != "b" {
				h.closeErr = fmt.Errorf("close %s", key)
			}
			return h, nil
		})
		require.NoError(t, err)
	}

	err := cache.DestroyAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close a")
	assert.Contains(t, err.Error(), "close c")
	assert.Equal(t, 0, cache.Len())
}

func TestCacheDestroyDuringConstruction(t *testing.T) {
	var (
		cache   = MustCache[*fakeHandle]()
		started = make(chan struct{})
		release = make(chan struct{})
		built   = &fakeHandle{id: 1}
		result  = make(chan error, 1)
	)

	go func() {
		_, err := cache.GetOrCreate("k", func() (*fakeHandle, error) {
			close(started)
			<-release
			return built, nil
		})
		result <- err
	}()

	<-started
	require.NoError(t, cache.DestroyAll())
	close(release)

	err := <-result
	assert.True(t, errors.Is(err, errors.ErrDestroyed))
	assert.True(t, built.closed.Load())
	assert.Equal(t, 0, cache.Len())

	h, err := cache.GetOrCreate("k", func() (*fakeHandle, error) {
		return &fakeHandle{id: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, h.id)
}

func TestCacheNewGenerationDoesNotJoinOldFlight(t *testing.T) {
	var (
		cache   = MustCache[*fakeHandle]()
		started = make(chan struct{})
		release = make(chan struct{})
		old     = make(chan error, 1)
	)
	defer close(release)

	go func() {
		_, err := cache.GetOrCreate("k", func() (*fakeHandle, error) {
			close(started)
			<-release
			return &fakeHandle{id: 1}, nil
		})
		old <- err
	}()

	<-started
	require.NoError(t, cache.DestroyAll())

	h, err := cache.GetOrCreate("k", func() (*fakeHandle, error) {
		return &fakeHandle{id: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, h.id)
}

func TestCacheRemoveAndRange(t *testing.T) {
	var (
		cache = MustCache[*fakeHandle]()
		c     counter
	)

	for _, key := range []string{"c", "a", "b"} {
		_, err := cache.GetOrCreate(key, c.create)
		require.NoError(t, err)
	}

	a, _ := cache.Get("a")
	require.NoError(t, cache.Remove("a"))
	require.NoError(t, cache.Remove("missing"))
	assert.True(t, a.closed.Load())

	var keys []string
	cache.Range(func(key string, h *fakeHandle) bool {
		keys = append(keys, key)
		return true
	})
	assert.Equal(t, []string{"b", "c"}, keys)

	keys = keys[:0]
	cache.Range(func(key string, h *fakeHandle) bool {
		keys = append(keys, key)
		return false
	})
	assert.Equal(t, []string{"b"}, keys)
}

func TestCacheMetrics(t *testing.T) {
	var (
		reg   = prometheus.NewRegistry()
		cache = MustCache[*fakeHandle](WithCacheName("test"), WithRegisterer(reg))
		c     counter
	)

	_, _ = cache.GetOrCreate("a", c.create)
	_, _ = cache.GetOrCreate("a", c.create)
	_, _ = cache.GetOrCreate("b", c.create)
	_, _ = cache.GetOrCreate("x", func() (*fakeHandle, error) { return nil, fmt.Errorf("x") })

	assert.Equal(t, float64(2), testutil.ToFloat64(cache.metrics.Constructions))
	assert.Equal(t, float64(1), testutil.ToFloat64(cache.metrics.Failures))
	assert.Equal(t, float64(2), testutil.ToFloat64(cache.metrics.Live))

	require.NoError(t, cache.DestroyAll())
	assert.Equal(t, float64(0), testutil.ToFloat64(cache.metrics.Live))
	assert.Equal(t, float64(2), testutil.ToFloat64(cache.metrics.Destroyed))

	_, err := NewCache[*fakeHandle](WithCacheName("test"), WithRegisterer(reg))
	assert.Error(t, err, "duplicate collectors must be rejected")
}
