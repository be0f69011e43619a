package mxreg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/naming"
	"github.com/hysios/mxreg/naming/memory"
	"github.com/hysios/mxreg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend counts opened clients and can be told to fail per host.
type backend struct {
	srv    *memory.Server
	opened atomic.Int32
	delay  time.Duration

	mu      sync.Mutex
	failing map[string]bool
	seen    []*address.URL
}

func newBackend() *backend {
	return &backend{srv: memory.NewServer(), failing: make(map[string]bool)}
}

func (b *backend) fail(host string, on bool) {
	b.mu.Lock()
	b.failing[host] = on
	b.mu.Unlock()
}

func (b *backend) open(u *address.URL) (naming.Client, error) {
	time.Sleep(b.delay)

	b.mu.Lock()
	b.seen = append(b.seen, u)
	failing := b.failing[u.Host()]
	b.mu.Unlock()

	if failing {
		return nil, fmt.Errorf("dial %s: connection refused", u.Address())
	}
	b.opened.Add(1)
	return memory.NewClient(b.srv, u.Parameter(address.NamespaceKey)), nil
}

func newFactory(t *testing.T, b *backend) *RegistryFactory {
	t.Helper()
	f, err := NewRegistryFactory(WithOpen(b.open))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.DestroyAll() })
	return f
}

func get(t *testing.T, f *RegistryFactory, raw string) registry.Registry {
	t.Helper()
	reg, err := f.GetRegistry(context.Background(), address.MustParse(raw))
	require.NoError(t, err)
	return reg
}

func TestGetRegistryIdentity(t *testing.T) {
	var (
		b = newBackend()
		f = newFactory(t, b)
	)

	tests := []struct {
		name string
		a, b string
	}{
		{"parameter order", "nacos://h:8848/com.x.Svc?a=1&b=2", "nacos://h:8848/com.x.Svc?b=2&a=1"},
		{"default namespace", "nacos://h:8848/com.x.Svc?namespace=dubbo", "nacos://h:8848/com.x.Svc"},
		{"decoration", "nacos://h:8848/com.x.Svc?timestamp=1", "nacos://h:8848/com.x.Svc?timestamp=2&pid=7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, get(t, f, tt.a), get(t, f, tt.b))
		})
	}
}

func TestGetRegistryDisambiguation(t *testing.T) {
	var (
		b     = newBackend()
		f     = newFactory(t, b)
		dubbo = get(t, f, "nacos://h:8848/com.x.Svc?export=dubbo%3A%2F%2Fh%3A20880%2Fcom.x.Svc")
		rest  = get(t, f, "nacos://h:8848/com.x.Svc?export=rest%3A%2F%2Fh%3A8080%2Fcom.x.Svc")
		prod  = get(t, f, "nacos://h:8848/com.x.Svc?namespace=prod")
		none  = get(t, f, "nacos://h:8848/com.x.Svc")
	)

	assert.NotSame(t, dubbo, rest)
	assert.NotSame(t, prod, none)
	assert.Equal(t, int32(4), b.opened.Load())
	assert.Len(t, f.Registries(), 4)

	assert.Equal(t, "dubbo", dubbo.URL().Parameter(address.ProtocolKey))
	assert.Equal(t, "20880", dubbo.URL().Parameter(address.PortKey))
}

func TestGetRegistryStripsDefaultNamespace(t *testing.T) {
	var (
		b = newBackend()
		f = newFactory(t, b)
	)

	get(t, f, "nacos://h:8848/com.x.Svc?namespace=dubbo")
	get(t, f, "nacos://h:8848/com.x.Svc?namespace=prod")

	require.Len(t, b.seen, 2)
	assert.False(t, b.seen[0].HasParameter(address.NamespaceKey))
	assert.Equal(t, "prod", b.seen[1].Parameter(address.NamespaceKey))
}

func TestGetRegistryCustomDefaultNamespace(t *testing.T) {
	b := newBackend()
	f, err := NewRegistryFactory(WithOpen(b.open), WithDefaultNamespace("public"))
	require.NoError(t, err)
	defer f.DestroyAll()

	assert.Same(t,
		get(t, f, "nacos://h:8848/com.x.Svc?namespace=public"),
		get(t, f, "nacos://h:8848/com.x.Svc"))
	assert.NotSame(t,
		get(t, f, "nacos://h:8848/com.x.Svc?namespace=dubbo"),
		get(t, f, "nacos://h:8848/com.x.Svc"))
}

func TestGetRegistryConcurrent(t *testing.T) {
	var (
		b    = newBackend()
		f    = newFactory(t, b)
		wg   sync.WaitGroup
		n    = 50
		regs = make([]registry.Registry, n)
		errs = make([]error, n)
	)
	b.delay = 20 * time.Millisecond

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			regs[i], errs[i] = f.GetRegistry(context.Background(),
				address.MustParse("nacos://h:8848/com.x.Svc?namespace=prod"))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, regs[0], regs[i])
	}
	assert.Equal(t, int32(1), b.opened.Load())
}

func TestGetRegistryFailureIsolation(t *testing.T) {
	var (
		b = newBackend()
		f = newFactory(t, b)
	)
	b.fail("down", true)
	b.delay = 10 * time.Millisecond

	var (
		wg   sync.WaitGroup
		errA error
		regB registry.Registry
		errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = f.GetRegistry(context.Background(), address.MustParse("nacos://down:8848/com.x.Svc"))
	}()
	go func() {
		defer wg.Done()
		regB, errB = f.GetRegistry(context.Background(), address.MustParse("nacos://up:8848/com.x.Svc"))
	}()
	wg.Wait()

	require.Error(t, errA)
	assert.True(t, errors.IsConstruction(errA))
	require.NoError(t, errB)
	assert.True(t, regB.IsAvailable())

	b.fail("down", false)
	regA := get(t, f, "nacos://down:8848/com.x.Svc")
	assert.True(t, regA.IsAvailable())
	assert.Equal(t, int32(2), b.opened.Load())
}

func TestGetRegistryMalformedExport(t *testing.T) {
	var (
		b = newBackend()
		f = newFactory(t, b)
	)

	_, err := f.GetRegistry(context.Background(), address.MustParse("nacos://h:8848/svc?export=dubbo%3A%2F%2Fh%3Abad"))
	require.Error(t, err)
	assert.True(t, errors.IsParse(err))
	assert.Equal(t, int32(0), b.opened.Load())
}

func TestDestroyAllThenFreshRegistry(t *testing.T) {
	var (
		b      = newBackend()
		f      = newFactory(t, b)
		raw    = "nacos://h:8848/com.x.Svc"
		before = get(t, f, raw)
	)

	require.NoError(t, f.DestroyAll())
	assert.False(t, before.IsAvailable())
	assert.Empty(t, f.Registries())

	after := get(t, f, raw)
	assert.NotSame(t, before, after)
	assert.True(t, after.IsAvailable())
	assert.Equal(t, int32(2), b.opened.Load())
}

func TestFactoryKey(t *testing.T) {
	f := MustRegistryFactory(WithOpen(newBackend().open))

	key, err := f.Key(address.MustParse("dubbo://10.0.0.1:20880/com.x.Svc?export=dubbo%3A%2F%2F10.0.0.1%3A20881%2Fcom.x.Svc"))
	require.NoError(t, err)
	assert.Equal(t, "dubbo://10.0.0.1:20880/com.x.Svc?port=20881&protocol=dubbo", key)
}

func TestDefaultFactory(t *testing.T) {
	b := newBackend()
	SetDefault(MustRegistryFactory(WithOpen(b.open)))
	defer SetDefault(nil)

	reg, err := GetRegistry(context.Background(), address.MustParse("nacos://h:8848/svc"))
	require.NoError(t, err)
	assert.True(t, reg.IsAvailable())

	require.NoError(t, DestroyAll())
	assert.False(t, reg.IsAvailable())
}
