// Package jsruntime implements the JS runtime pool (C7): a fixed set of
// OS-thread-pinned workers, each owning one QuickJS isolate per loaded
// plugin, coordinated by a pool actor that assigns plugins to the
// least-loaded worker and routes every subsequent call by plugin id.
package jsruntime

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/neo-automation/bar-core/internal/actor"
	"github.com/neo-automation/bar-core/internal/corelog"
)

type loadPluginMsg struct {
	manifest PluginManifest
	basePath string
}
type stopPluginMsg struct{ pluginID string }
type sendEventMsg struct {
	pluginID  string
	eventJSON string
}
type handleRequestMsg struct {
	pluginID    string
	requestJSON string
}
type getStatusMsg struct{}

// PoolStatus reports pool-wide bookkeeping (§4.6 GetStatus).
type PoolStatus struct {
	WorkerCount      int
	TotalPlugins     int
	PluginsPerWorker []int64
}

// Pool is the JS runtime pool actor. Its assignment table is only ever
// mutated from its own actor goroutine, so it carries no lock of its own
// (§7 "the pool's plugin_assignments is only touched from the pool actor's
// handler goroutine").
type Pool struct {
	log         corelog.Logger
	ref         actor.Ref
	actor       *actor.Actor
	workers     []*worker
	assignments map[string]int
}

// NewPool starts workerCount OS-thread-pinned workers and the pool actor
// coordinating them. fs is the filesystem plugin main modules are read
// from; deps wires the op-bridge every loaded isolate gets.
func NewPool(ctx context.Context, log corelog.Logger, workerCount int, fs afero.Fs, deps BridgeDeps) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{log: log.Named("jsruntime.pool"), assignments: make(map[string]int)}
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, log, fs, deps)
		p.workers = append(p.workers, w)
		go w.run()
	}
	p.actor, p.ref = actor.Spawn(ctx, "jsruntime-pool", 64, p.handle)
	p.log.Info("js runtime pool started", corelog.Int("workers", workerCount))
	return p
}

func (p *Pool) handle(ctx context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case loadPluginMsg:
		return p.loadPlugin(m), nil
	case stopPluginMsg:
		return p.stopPlugin(m.pluginID), nil
	case sendEventMsg:
		p.sendEvent(m.pluginID, m.eventJSON)
		return nil, nil
	case handleRequestMsg:
		return p.handleRequest(ctx, m.pluginID, m.requestJSON), nil
	case getStatusMsg:
		return p.status(), nil
	default:
		return nil, fmt.Errorf("jsruntime: unknown pool message %T", msg)
	}
}

// leastLoaded implements the pool's worker-selection strategy (§4.6): the
// worker with the fewest plugins currently assigned.
func (p *Pool) leastLoaded() int {
	best := -1
	for i, w := range p.workers {
		if best == -1 || w.PluginCount() < p.workers[best].PluginCount() {
			best = i
		}
	}
	return best
}

func (p *Pool) loadPlugin(m loadPluginMsg) error {
	idx := p.leastLoaded()
	if idx < 0 {
		return errors.New("jsruntime: no workers available in the pool")
	}
	w := p.workers[idx]
	// Reserve the slot before the (possibly slow) load so a second
	// concurrent LoadPlugin can't land on the same worker.
	w.pluginCount.Add(1)
	p.assignments[m.manifest.ID] = idx

	reply := make(chan error, 1)
	w.send(loadPluginCmd{manifest: m.manifest, basePath: m.basePath, reply: reply})
	if err := <-reply; err != nil {
		w.pluginCount.Add(-1)
		delete(p.assignments, m.manifest.ID)
		return err
	}
	p.log.Info("plugin assigned", corelog.String("plugin", m.manifest.ID), corelog.Int("worker", idx))
	return nil
}

func (p *Pool) stopPlugin(pluginID string) error {
	idx, ok := p.assignments[pluginID]
	if !ok {
		return fmt.Errorf("jsruntime: plugin %q not found", pluginID)
	}
	reply := make(chan error, 1)
	p.workers[idx].send(stopPluginCmd{pluginID: pluginID, reply: reply})
	err := <-reply
	if err == nil {
		p.workers[idx].pluginCount.Add(-1)
		delete(p.assignments, pluginID)
	}
	return err
}

func (p *Pool) sendEvent(pluginID, eventJSON string) {
	idx, ok := p.assignments[pluginID]
	if !ok {
		return
	}
	p.workers[idx].send(sendEventCmd{pluginID: pluginID, eventJSON: eventJSON})
}

func (p *Pool) handleRequest(ctx context.Context, pluginID, requestJSON string) RequestResult {
	idx, ok := p.assignments[pluginID]
	if !ok {
		return RequestResult{Ok: false, Code: "PLUGIN_NOT_FOUND", Message: fmt.Sprintf("plugin %q not loaded", pluginID)}
	}
	reply := make(chan RequestResult, 1)
	p.workers[idx].send(handleRequestCmd{pluginID: pluginID, requestJSON: requestJSON, reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return RequestResult{Ok: false, Code: "TIMEOUT", Message: ctx.Err().Error()}
	}
}

func (p *Pool) status() PoolStatus {
	counts := make([]int64, len(p.workers))
	for i, w := range p.workers {
		counts[i] = w.PluginCount()
	}
	return PoolStatus{WorkerCount: len(p.workers), TotalPlugins: len(p.assignments), PluginsPerWorker: counts}
}

// LoadPlugin assigns manifest to the least-loaded worker and waits for it to
// finish loading.
func (p *Pool) LoadPlugin(ctx context.Context, manifest PluginManifest, basePath string) error {
	return p.askErr(ctx, loadPluginMsg{manifest: manifest, basePath: basePath})
}

// StopPlugin stops and unloads a loaded plugin.
func (p *Pool) StopPlugin(ctx context.Context, pluginID string) error {
	return p.askErr(ctx, stopPluginMsg{pluginID: pluginID})
}

// SendEvent delivers an already-JSON-encoded event to a plugin's onEvent,
// without waiting for it to run.
func (p *Pool) SendEvent(ctx context.Context, pluginID, eventJSON string) error {
	return p.ref.Tell(ctx, sendEventMsg{pluginID: pluginID, eventJSON: eventJSON})
}

// HandleRequest forwards a JSON-encoded request to a plugin's onRequest and
// returns its result.
func (p *Pool) HandleRequest(ctx context.Context, pluginID, requestJSON string) (RequestResult, error) {
	reply, err := p.ref.Ask(ctx, handleRequestMsg{pluginID: pluginID, requestJSON: requestJSON})
	if err != nil {
		return RequestResult{}, err
	}
	rr, _ := reply.(RequestResult)
	return rr, nil
}

// GetStatus returns the pool's current worker/plugin bookkeeping.
func (p *Pool) GetStatus(ctx context.Context) (PoolStatus, error) {
	reply, err := p.ref.Ask(ctx, getStatusMsg{})
	if err != nil {
		return PoolStatus{}, err
	}
	ps, _ := reply.(PoolStatus)
	return ps, nil
}

// Shutdown stops every worker thread and the pool actor itself.
func (p *Pool) Shutdown() {
	for _, w := range p.workers {
		w.send(shutdownCmd{})
	}
	p.actor.Stop()
}

func (p *Pool) askErr(ctx context.Context, msg any) error {
	reply, err := p.ref.Ask(ctx, msg)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if e, ok := reply.(error); ok {
		return e
	}
	return nil
}
