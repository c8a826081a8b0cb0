package bacnet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-automation/bar-core/internal/corelog"
)

// TestDeviceBindingExpires exercises the same ttlcache wiring NewWorker
// installs on w.devices, with a short TTL so the test doesn't have to wait
// out deviceBindingTTL: a binding that goes quiet for longer than its TTL is
// evicted, and addrToDevice is cleaned up alongside it.
func TestDeviceBindingExpires(t *testing.T) {
	addrToDevice := make(map[string]string)
	devices := ttlcache.New[string, *deviceBinding](
		ttlcache.WithTTL[string, *deviceBinding](20 * time.Millisecond),
	)
	devices.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *deviceBinding]) {
		if binding := item.Value(); binding != nil && binding.addr != nil {
			delete(addrToDevice, binding.addr.String())
		}
	})

	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 47808}
	devices.Set("101", &deviceBinding{addr: addr}, ttlcache.DefaultTTL)
	addrToDevice[addr.String()] = "101"

	require.NotNil(t, devices.Get("101"), "binding should be live immediately after Set")
	assert.Equal(t, "101", addrToDevice[addr.String()])

	time.Sleep(40 * time.Millisecond)
	devices.DeleteExpired()

	assert.Nil(t, devices.Get("101"), "stale binding should have expired")
	assert.Equal(t, 0, devices.Len())
	_, stillMapped := addrToDevice[addr.String()]
	assert.False(t, stillMapped, "addrToDevice entry should be cleaned up by the eviction callback")
}

func TestNewWorkerInstallsDeviceTTL(t *testing.T) {
	w, err := NewWorker(corelog.NewNop(), "127.0.0.1", 0, "127.0.0.1")
	require.NoError(t, err)
	defer w.conn.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.6"), Port: 47808}
	w.devices.Set("202", &deviceBinding{addr: addr}, ttlcache.DefaultTTL)
	w.addrToDevice[addr.String()] = "202"

	item := w.devices.Get("202")
	require.NotNil(t, item)
	assert.Equal(t, addr, item.Value().addr)
	assert.True(t, item.ExpiresAt().After(time.Now()), "binding should carry the worker's default device TTL")
}
