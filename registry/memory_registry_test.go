package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "ABCD-1234", Instance{Addr: "127.0.0.1:10883", Weight: 1}, 10))
	require.NoError(t, reg.Register(ctx, "ABCD-1234", Instance{Addr: "127.0.0.1:10882", Weight: 1}, 10))
	require.NoError(t, reg.Register(ctx, "OTHER", Instance{Addr: "127.0.0.1:10884", Weight: 1}, 10))

	instances, err := reg.Discover(ctx, "ABCD-1234")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "127.0.0.1:10882", instances[0].Addr)

	require.NoError(t, reg.Deregister(ctx, "ABCD-1234", "127.0.0.1:10882"))
	instances, _ = reg.Discover(ctx, "ABCD-1234")
	assert.Len(t, instances, 1)

	none, err := reg.Discover(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRegistryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	ch := reg.Watch(ctx, "ABCD-1234")
	require.NoError(t, reg.Register(ctx, "ABCD-1234", Instance{Addr: "127.0.0.1:10882"}, 10))

	select {
	case instances := <-ch:
		require.Len(t, instances, 1)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "watch channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestInstanceHostPort(t *testing.T) {
	host, port, err := Instance{Addr: "localhost:10882"}.HostPort()
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 10882, port)

	_, _, err = Instance{Addr: "localhost"}.HostPort()
	assert.Error(t, err)
}
