// Package runtime wires the runtime core's components together: the
// pub/sub broker (C1), service registry (C2), BACnet service (C4), node
// registry and blueprint engine (C5, C6), blueprint-as-service adapters
// (C9), hot-reload watcher (C10), latent tick driver (C11), and the JS
// runtime pool and plugin actors (C7, C8). It is the "entry function that,
// given a project directory and optional bind config, returns an
// actor-system handle whose lifecycle is controlled by the caller" (§6).
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/neo-automation/bar-core/internal/adapter"
	"github.com/neo-automation/bar-core/internal/bacnet"
	"github.com/neo-automation/bar-core/internal/blueprint"
	"github.com/neo-automation/bar-core/internal/config"
	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/ferrors"
	"github.com/neo-automation/bar-core/internal/jsruntime"
	"github.com/neo-automation/bar-core/internal/plugin"
	"github.com/neo-automation/bar-core/internal/pubsub"
	"github.com/neo-automation/bar-core/internal/registry"
)

// Runtime is the live handle returned by New: it owns every long-running
// goroutine the process needs and is torn down exactly once, by Stop.
type Runtime struct {
	log    corelog.Logger
	cfg    *config.Config
	bus    *pubsub.Broker
	reg    *registry.Registry
	engine *blueprint.Engine
	nodes  *blueprint.NodeRegistry
	disp   *adapter.Dispatcher
	watch  *blueprint.Watcher
	pool   *jsruntime.Pool

	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New constructs every component and registers the BACnet service, every
// service-enabled blueprint, and every discovered plugin with the service
// registry. It does not start anything yet; call Start for that.
func New(ctx context.Context, log corelog.Logger, cfg *config.Config) (*Runtime, error) {
	return newWithFs(ctx, log, cfg, afero.NewOsFs())
}

// newWithFs is New with an injectable filesystem, so tests can exercise
// blueprint loading and plugin discovery against an in-memory afero.Fs
// without touching disk.
func newWithFs(ctx context.Context, log corelog.Logger, cfg *config.Config, fs afero.Fs) (*Runtime, error) {
	runtimeCtx, cancel := context.WithCancel(ctx)

	if err := fs.MkdirAll(cfg.Blueprints.Dir, 0o755); err != nil {
		cancel()
		return nil, ferrors.Wrap(ferrors.KindIO, "create blueprints dir", err)
	}
	if err := fs.MkdirAll(cfg.Plugins.Dir, 0o755); err != nil {
		cancel()
		return nil, ferrors.Wrap(ferrors.KindIO, "create plugins dir", err)
	}

	bus := pubsub.NewBroker(log)
	reg := registry.New(log)
	disp := adapter.NewDispatcher()

	behaviours := blueprint.NewBehaviourRegistry()
	if err := behaviours.LoadDir(fs, cfg.Blueprints.BehavioursDir); err != nil {
		cancel()
		return nil, ferrors.Wrap(ferrors.KindIO, "load behaviours", err)
	}
	structs := blueprint.NewStructRegistry()
	if err := structs.LoadDir(fs, cfg.Blueprints.StructsDir); err != nil {
		cancel()
		return nil, ferrors.Wrap(ferrors.KindIO, "load structs", err)
	}

	nodes := blueprint.NewNodeRegistry()
	deps := blueprint.BuiltinDeps{
		Log:              func(msg string) { log.Info(msg, corelog.String("source", "blueprint")) },
		Publish:          func(topic string, data map[string]any) { publishEvent(bus, topic, data) },
		NowMs:            func() int64 { return time.Now().UnixMilli() },
		RespondToRequest: disp.RespondToRequest,
	}
	blueprint.RegisterBuiltins(nodes, deps)
	engine := blueprint.NewEngine(log, nodes, deps, behaviours, structs)

	watch, err := blueprint.NewWatcher(log, fs, cfg.Blueprints.Dir, engine, cfg.Blueprints.WatchDebounce)
	if err != nil {
		cancel()
		return nil, ferrors.Wrap(ferrors.KindIO, "start blueprint watcher", err)
	}
	if err := watch.LoadAll(); err != nil {
		cancel()
		watch.Close()
		return nil, ferrors.Wrap(ferrors.KindIO, "load blueprints", err)
	}

	bacnetCfg := bacnet.Config{
		BindHost: cfg.BACnet.BindHost, BindPort: cfg.BACnet.BindPort,
		BroadcastAddr: cfg.BACnet.BroadcastAddr, PollInterval: cfg.BACnet.PollIntervalMs,
	}
	bacnetSvc := bacnet.NewService(log, bus, bacnetCfg)
	if err := reg.Register("bacnet", "BACnet/IP field bus", bacnetSvc, []string{"bacnet/#"}); err != nil {
		cancel()
		watch.Close()
		return nil, ferrors.Wrap(ferrors.KindService, "register bacnet service", err)
	}

	bridgeDeps := jsruntime.BridgeDeps{
		Log: func(pluginID, level, msg string) {
			logPluginMessage(log, pluginID, level, msg)
		},
		Publish:       func(topic string, data map[string]any) { publishEvent(bus, topic, data) },
		PointRead:     func(path string) (any, error) { return pointRead(ctx, reg, path) },
		PointWrite:    func(path string, value any) error { return pointWrite(ctx, reg, path, value) },
		NowMs:         func() int64 { return time.Now().UnixMilli() },
		ListNodes:     func() (string, error) { return marshalNodeDefs(nodes.ListNodes()) },
		GetCategories: func() (string, error) { return marshalStrings(nodes.Categories()) },
	}
	pool := jsruntime.NewPool(runtimeCtx, log, cfg.Plugins.WorkerCount, fs, bridgeDeps)

	r := &Runtime{
		log: log.Named("runtime"), cfg: cfg, bus: bus, reg: reg, engine: engine,
		nodes: nodes, disp: disp, watch: watch, pool: pool,
		cancel: cancel, stop: make(chan struct{}),
	}

	for _, id := range engine.ListBlueprints() {
		bp, ok := engine.GetBlueprint(id)
		if !ok || bp.Service == nil || !bp.Service.Enabled {
			continue
		}
		a := adapter.New(id, engine, disp)
		if err := reg.Register(id, bp.Name, a, bp.Service.Subscriptions); err != nil {
			r.log.Warn("blueprint service registration failed", corelog.String("blueprint", id), corelog.Err(err))
		}
	}

	manifests, _ := discoverPlugins(fs, cfg.Plugins.Dir)
	for _, dp := range manifests {
		act := plugin.New(dp.manifest, dp.basePath, pool)
		if err := reg.Register(dp.manifest.ID, dp.manifest.Name, act, dp.manifest.Subscriptions); err != nil {
			r.log.Warn("plugin registration failed", corelog.String("plugin", dp.manifest.ID), corelog.Err(err))
		}
	}

	return r, nil
}

// Start starts every registered service, then the hot-reload watcher, the
// latent tick driver (C11), and the event router that fans bus events out
// to both the service registry and the blueprint engine's event handlers.
func (r *Runtime) Start(ctx context.Context) map[string]registry.ServiceReply {
	results := r.reg.StartAll(ctx)
	for id, reply := range results {
		if reply.Kind == registry.ReplyFailed {
			r.log.Error("service failed to start", corelog.String("service", id), corelog.String("reason", reply.Reason))
		}
	}

	r.wg.Add(3)
	go r.runWatcher()
	go r.runLatentTickDriver()
	go r.runEventRouter()

	return results
}

// Stop stops the background drivers, stops every registered service, shuts
// down the JS runtime pool, and releases the watcher's filesystem notifier.
func (r *Runtime) Stop(ctx context.Context) {
	close(r.stop)
	r.wg.Wait()

	r.reg.StopAll(ctx)
	r.pool.Shutdown()
	r.watch.Close()
	r.cancel()
}

// Registry exposes the service registry for external callers (e.g. a CLI
// or API surface) that need to issue requests (§6's "actor-system handle").
func (r *Runtime) Registry() *registry.Registry { return r.reg }

// Bus exposes the event bus for external publishers/subscribers.
func (r *Runtime) Bus() *pubsub.Broker { return r.bus }

// Engine exposes the blueprint engine, mainly for tests and tooling.
func (r *Runtime) Engine() *blueprint.Engine { return r.engine }

func (r *Runtime) runWatcher() {
	defer r.wg.Done()
	r.watch.Run(r.stop)
}

func (r *Runtime) runLatentTickDriver() {
	defer r.wg.Done()
	interval := r.cfg.Blueprints.LatentTickInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.engine.TickLatent(time.Now().UnixMilli())
		}
	}
}

// runEventRouter subscribes to every bus topic and, for each event, both
// routes it to matching registered services and wakes/dispatches any
// blueprint execution waiting on it.
func (r *Runtime) runEventRouter() {
	defer r.wg.Done()
	sub := r.bus.Subscribe("#")
	defer sub.Unsubscribe()
	ctx := context.Background()
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			r.reg.RouteEvent(ctx, ev)
			eventType := ev.CanonicalType()
			r.engine.ExecuteEventHandlers(eventType, ev.Data)
			r.engine.WakeEvent(eventType, ev.Data)
			if eventType == "PointValueChanged" {
				if path, ok := ev.Data["path"].(string); ok {
					r.engine.WakePointChanged(path, ev.Data["value"])
				}
			}
		}
	}
}
