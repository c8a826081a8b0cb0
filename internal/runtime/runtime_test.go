package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-automation/bar-core/internal/config"
	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/pubsub"
	"github.com/neo-automation/bar-core/internal/registry"
)

func testConfig() *config.Config {
	return &config.Config{
		BACnet: config.BACnetConfig{
			BindHost: "127.0.0.1", BindPort: 0, BroadcastAddr: "127.0.0.1", PollIntervalMs: 200,
		},
		Blueprints: config.BlueprintConfig{
			Dir: "/blueprints", LatentTickInterval: 20 * time.Millisecond, WatchDebounce: 20 * time.Millisecond,
		},
		Plugins: config.PluginsConfig{Dir: "/plugins", WorkerCount: 1},
		Logging: config.LoggingConfig{Level: "info"},
	}
}

const discoveryLoggerBlueprint = `{
	"id": "discovery-logger",
	"name": "Discovery Logger",
	"version": "1.0.0",
	"nodes": [
		{"id": "onevent", "node_type": "neo/OnEvent", "config": {"event_type": "DeviceDiscovered"}},
		{"id": "publish", "node_type": "neo/PublishEvent", "config": {"defaults": {
			"topic": "blueprint/discovery-seen", "data": {"handled": true}
		}}}
	],
	"connections": [
		{"from": "onevent.exec", "to": "publish.exec"}
	]
}`

const pingPluginManifest = `{"id": "pingpong", "name": "pingpong", "version": "1.0.0", "main": "main.js"}`

const pingPluginSource = `
defineService({
	onRequest: function(req) {
		if (req.action === "ping") return {pong: true};
		return {unknown: req.action};
	},
});
`

func newTestRuntime(t *testing.T, fs afero.Fs) *Runtime {
	t.Helper()
	cfg := testConfig()
	r, err := newWithFs(context.Background(), corelog.NewNop(), cfg, fs)
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Stop(stopCtx)
	})
	return r
}

// TestBlueprintEventHandlerFiresOnBusEvent exercises the event-router path:
// a DeviceDiscovered event published on the bus (as the BACnet service
// would on discovery) reaches a loaded blueprint's neo/OnEvent handler,
// which republishes a derived event that this test observes directly.
func TestBlueprintEventHandlerFiresOnBusEvent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/blueprints/discovery-logger.json", []byte(discoveryLoggerBlueprint), 0o644))

	r := newTestRuntime(t, fs)
	r.Start(context.Background())

	sub := r.Bus().Subscribe("blueprint/discovery-seen")
	defer sub.Unsubscribe()

	// The event router subscribes to the bus from its own goroutine on
	// Start; give it a moment to attach before publishing, since the bus
	// never redelivers to a subscriber that wasn't registered yet.
	time.Sleep(50 * time.Millisecond)
	r.Bus().Publish(pubsub.Event{Type: "DeviceDiscovered", Data: map[string]any{"device_id": "dev-1"}})

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "blueprint/discovery-seen", ev.Topic)
		assert.Equal(t, true, ev.Data["handled"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blueprint to republish its derived event")
	}
}

// TestPluginRequestRoundTrip exercises the plugin discovery + registration
// path end to end: a manifest found under the plugins directory becomes a
// registered service whose HandleRequest round-trips through the JS runtime
// pool within the spec's ~1s testable-property budget.
func TestPluginRequestRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/plugins/pingpong/neo-plugin.json", []byte(pingPluginManifest), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/plugins/pingpong/main.js", []byte(pingPluginSource), 0o644))

	r := newTestRuntime(t, fs)
	results := r.Start(context.Background())
	require.Equal(t, registry.ReplyStarted, results["pingpong"].Kind)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := r.Registry().Request(ctx, "pingpong", registry.ServiceRequest{Action: "ping"})
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	assert.Equal(t, true, resp.Payload["pong"])
}

// TestBACnetServiceRegisteredAndStartable confirms the BACnet service binds
// its UDP socket and transitions to Running as part of Start, without a
// plugins or blueprints directory doing anything unusual.
func TestBACnetServiceRegisteredAndStartable(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := newTestRuntime(t, fs)
	results := r.Start(context.Background())
	require.Equal(t, registry.ReplyStarted, results["bacnet"].Kind)

	svc, ok := r.Registry().Get("bacnet")
	require.True(t, ok)
	reply := svc.HandleMsg(context.Background(), registry.GetStatusMsg{})
	assert.Equal(t, registry.StateRunning, reply.Status.State)
}
