package jsruntime

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"modernc.org/quickjs"

	"github.com/neo-automation/bar-core/internal/corelog"
)

// tickInterval is how often a worker drives every loaded isolate's JS-side
// timer queue (§4.6: "a fixed-interval JS-side timer tick so that
// setInterval and setTimeout ... advance even when no commands arrive").
const tickInterval = 50 * time.Millisecond

// creationLock serializes isolate creation process-wide (§4.6 "Isolate
// creation is serialized by a process-wide lock"); modernc.org/quickjs, like
// the original's deno_core, has global state that is not safe to touch from
// two goroutines concurrently during NewVM.
var creationLock sync.Mutex

// RequestResult is what HandleRequest resolves to: either a successful
// payload or an error code/message pair, mirroring ServiceResponse without
// this package depending on the registry package.
type RequestResult struct {
	Ok      bool
	Payload map[string]any
	Code    string
	Message string
}

// WorkerCommand is the closed set of messages a worker's command channel
// accepts.
type WorkerCommand interface{ isWorkerCommand() }

type loadPluginCmd struct {
	manifest PluginManifest
	basePath string
	reply    chan error
}
type stopPluginCmd struct {
	pluginID string
	reply    chan error
}
type sendEventCmd struct {
	pluginID  string
	eventJSON string
}
type handleRequestCmd struct {
	pluginID    string
	requestJSON string
	reply       chan RequestResult
}
type shutdownCmd struct{}

func (loadPluginCmd) isWorkerCommand()    {}
func (stopPluginCmd) isWorkerCommand()    {}
func (sendEventCmd) isWorkerCommand()     {}
func (handleRequestCmd) isWorkerCommand() {}
func (shutdownCmd) isWorkerCommand()      {}

// worker owns zero or more per-plugin QuickJS isolates on one dedicated OS
// thread (isolates are not safe to migrate between threads). Its isolates are
// only touched by its own run loop; the pool reaches it through the command
// channel and the atomic pluginCount.
type worker struct {
	id   int
	log  corelog.Logger
	fs   afero.Fs
	deps BridgeDeps

	cmds chan WorkerCommand
	done chan struct{}

	pluginCount atomic.Int64
}

func newWorker(id int, log corelog.Logger, fs afero.Fs, deps BridgeDeps) *worker {
	return &worker{
		id: id, log: log.Named(fmt.Sprintf("jsruntime.worker%d", id)), fs: fs, deps: deps,
		cmds: make(chan WorkerCommand, 32), done: make(chan struct{}),
	}
}

// PluginCount is read by the pool to implement least-loaded worker
// selection (§4.6). Reservation happens synchronously in the pool before
// the (possibly slow) load completes, so this counter, not the worker's own
// map size, is authoritative during a load in flight.
func (w *worker) PluginCount() int64 { return w.pluginCount.Load() }

func (w *worker) send(cmd WorkerCommand) { w.cmds <- cmd }

// run is the worker's whole lifetime: pin the OS thread, own the isolate
// map, and alternate between draining commands and ticking every isolate's
// timers (§4.6).
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	vms := make(map[string]*quickjs.VM)
	defer func() {
		for id, vm := range vms {
			w.stopOne(vm)
			_ = vm.Close()
			delete(vms, id)
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd, ok := <-w.cmds:
			if !ok {
				return
			}
			if w.handle(cmd, vms) {
				return
			}
		case <-ticker.C:
			for id, vm := range vms {
				if _, err := vm.Call("__neo_tick_timers"); err != nil {
					w.log.Warn("timer tick failed", corelog.String("plugin", id), corelog.Err(err))
				}
			}
		}
	}
}

func (w *worker) handle(cmd WorkerCommand, vms map[string]*quickjs.VM) (shutdown bool) {
	switch c := cmd.(type) {
	case loadPluginCmd:
		vm, err := w.loadPlugin(c.manifest, c.basePath)
		if err == nil {
			vms[c.manifest.ID] = vm
			w.pluginCount.Add(1)
		}
		c.reply <- err

	case stopPluginCmd:
		vm, ok := vms[c.pluginID]
		if !ok {
			c.reply <- fmt.Errorf("jsruntime: plugin %q not loaded on this worker", c.pluginID)
			return false
		}
		w.stopOne(vm)
		_ = vm.Close()
		delete(vms, c.pluginID)
		c.reply <- nil

	case sendEventCmd:
		vm, ok := vms[c.pluginID]
		if !ok {
			return false
		}
		if _, err := vm.Call("__neo_call_event", c.eventJSON); err != nil {
			w.log.Warn("plugin event handler failed", corelog.String("plugin", c.pluginID), corelog.Err(err))
		}

	case handleRequestCmd:
		vm, ok := vms[c.pluginID]
		if !ok {
			c.reply <- RequestResult{Ok: false, Code: "PLUGIN_NOT_FOUND", Message: fmt.Sprintf("plugin %q not loaded", c.pluginID)}
			return false
		}
		c.reply <- w.handleRequest(vm, c.requestJSON)

	case shutdownCmd:
		return true
	}
	return false
}

func (w *worker) loadPlugin(manifest PluginManifest, basePath string) (*quickjs.VM, error) {
	vm, err := newIsolate()
	if err != nil {
		return nil, fmt.Errorf("jsruntime: create isolate: %w", err)
	}
	if err := registerOps(vm, manifest.ID, manifest.Config, w.deps); err != nil {
		_ = vm.Close()
		return nil, err
	}
	if _, err := vm.Eval(bootstrapJS, quickjs.EvalGlobal); err != nil {
		_ = vm.Close()
		return nil, fmt.Errorf("jsruntime: bootstrap failed: %w", err)
	}
	mainPath := basePath + "/" + manifest.Main
	src, err := afero.ReadFile(w.fs, mainPath)
	if err != nil {
		_ = vm.Close()
		return nil, fmt.Errorf("jsruntime: read plugin main %q: %w", mainPath, err)
	}
	if _, err := vm.Eval(string(src), quickjs.EvalGlobal); err != nil {
		_ = vm.Close()
		return nil, fmt.Errorf("jsruntime: plugin module error: %w", err)
	}
	if _, err := vm.Call("__neo_call_start_plugin"); err != nil {
		_ = vm.Close()
		return nil, fmt.Errorf("jsruntime: plugin onStart failed: %w", err)
	}
	w.log.Info("plugin loaded", corelog.String("plugin", manifest.ID), corelog.Int("worker", w.id))
	return vm, nil
}

func (w *worker) stopOne(vm *quickjs.VM) {
	if _, err := vm.Call("__neo_call_stop_plugin"); err != nil {
		w.log.Warn("plugin onStop failed", corelog.Err(err))
	}
}

func (w *worker) handleRequest(vm *quickjs.VM, requestJSON string) RequestResult {
	res, err := vm.Call("__neo_call_request_json", requestJSON)
	if err != nil {
		return RequestResult{Ok: false, Code: "PLUGIN_ERROR", Message: err.Error()}
	}
	resStr, ok := res.(string)
	if !ok {
		return RequestResult{Ok: false, Code: "PLUGIN_ERROR", Message: "unexpected request result type"}
	}
	return parseRequestResult(resStr)
}

// newIsolate creates a fresh QuickJS VM under the process-wide creation lock.
func newIsolate() (*quickjs.VM, error) {
	creationLock.Lock()
	defer creationLock.Unlock()
	return quickjs.NewVM()
}
