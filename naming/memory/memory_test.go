package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/naming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegisterAndSubscribe(t *testing.T) {
	var (
		ctx  = context.Background()
		srv  = NewServer()
		pub  = NewClient(srv, "")
		sub  = NewClient(srv, "")
		mu   sync.Mutex
		seen [][]naming.Instance
	)

	stop, err := sub.Subscribe("svc", func(service string, instances []naming.Instance) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "svc", service)
		seen = append(seen, instances)
	})
	require.NoError(t, err)

	require.NoError(t, pub.RegisterInstance(ctx, "svc", naming.Instance{ID: "a", IP: "10.0.0.1", Port: 1}))
	require.NoError(t, pub.RegisterInstance(ctx, "svc", naming.Instance{ID: "b", IP: "10.0.0.2", Port: 2}))

	instances, err := sub.Instances(ctx, "svc")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	stop()
	require.NoError(t, pub.DeregisterInstance(ctx, "svc", naming.Instance{ID: "a"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Empty(t, seen[0])
	assert.Len(t, seen[1], 1)
	assert.Len(t, seen[2], 2)
}

func TestClientNamespaceIsolation(t *testing.T) {
	var (
		ctx  = context.Background()
		srv  = NewServer()
		prod = NewClient(srv, "prod")
		dev  = NewClient(srv, "dev")
	)

	require.NoError(t, prod.RegisterInstance(ctx, "svc", naming.Instance{ID: "a"}))

	instances, err := dev.Instances(ctx, "svc")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestClientCloseRemovesInstances(t *testing.T) {
	var (
		ctx = context.Background()
		srv = NewServer()
		pub = NewClient(srv, "")
		sub = NewClient(srv, "")
	)

	require.NoError(t, pub.RegisterInstance(ctx, "svc", naming.Instance{ID: "a"}))
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	instances, err := sub.Instances(ctx, "svc")
	require.NoError(t, err)
	assert.Empty(t, instances)

	err = pub.RegisterInstance(ctx, "svc", naming.Instance{ID: "b"})
	assert.True(t, errors.Is(err, errors.ErrClosed))
}

func TestBackendSharesServerPerAddress(t *testing.T) {
	ctx := context.Background()

	a, err := naming.Open(address.MustParse("memory://shared-test:1/registry"))
	require.NoError(t, err)
	b, err := naming.Open(address.MustParse("memory://shared-test:1/registry"))
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.RegisterInstance(ctx, "svc", naming.Instance{ID: "x"}))
	instances, err := b.Instances(ctx, "svc")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}
