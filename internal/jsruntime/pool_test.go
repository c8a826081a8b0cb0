package jsruntime

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-automation/bar-core/internal/corelog"
)

const echoPlugin = `
defineService({
	onStart: function() { console.log("echo plugin started"); },
	onRequest: function(req) { return {ok: true, echo: req}; },
});
`

func newTestPool(t *testing.T, workers int) (*Pool, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/plugins/echo/main.js", []byte(echoPlugin), 0o644))
	deps := BridgeDeps{NowMs: func() int64 { return 0 }}
	pool := NewPool(context.Background(), corelog.NewNop(), workers, fs, deps)
	t.Cleanup(pool.Shutdown)
	return pool, fs
}

func TestLoadPluginAssignsLeastLoadedWorker(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := pool.LoadPlugin(ctx, PluginManifest{ID: "echo", Name: "echo", Main: "main.js"}, "/plugins/echo")
	require.NoError(t, err)

	status, err := pool.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalPlugins)
	assert.Equal(t, 2, status.WorkerCount)
	assert.Equal(t, []int64{1, 0}, status.PluginsPerWorker)
}

func TestHandleRequestRoundTrip(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, pool.LoadPlugin(ctx, PluginManifest{ID: "echo", Name: "echo", Main: "main.js"}, "/plugins/echo"))

	result, err := pool.HandleRequest(ctx, "echo", `{"action":"ping","payload":{"x":1}}`)
	require.NoError(t, err)
	assert.True(t, result.Ok)
	echoed, ok := result.Payload["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ping", echoed["action"])
}

func TestHandleRequestUnknownPlugin(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := pool.HandleRequest(ctx, "missing", `{"action":"ping"}`)
	require.NoError(t, err)
	assert.False(t, result.Ok)
	assert.Equal(t, "PLUGIN_NOT_FOUND", result.Code)
}

func TestStopPluginRemovesAssignment(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, pool.LoadPlugin(ctx, PluginManifest{ID: "echo", Name: "echo", Main: "main.js"}, "/plugins/echo"))
	require.NoError(t, pool.StopPlugin(ctx, "echo"))

	status, err := pool.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.TotalPlugins)
}
