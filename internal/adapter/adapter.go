// Package adapter implements the blueprint-as-service adapter (C9): it
// wraps a blueprint with service.enabled = true so it appears in the
// service registry alongside native services and plugin actors.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/neo-automation/bar-core/internal/blueprint"
	"github.com/neo-automation/bar-core/internal/registry"
)

// Dispatcher routes a node registry's single global RespondToRequest hook
// to the specific Adapter instance that owns the request id's blueprint.
// One Dispatcher is wired into blueprint.BuiltinDeps for the whole process;
// every Adapter registers itself on construction.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewDispatcher() *Dispatcher { return &Dispatcher{adapters: make(map[string]*Adapter)} }

func (d *Dispatcher) register(blueprintID string, a *Adapter) {
	d.mu.Lock()
	d.adapters[blueprintID] = a
	d.mu.Unlock()
}

// RespondToRequest implements blueprint.BuiltinDeps.RespondToRequest.
func (d *Dispatcher) RespondToRequest(requestID string, success bool, response any) {
	blueprintID := blueprintIDFromRequestID(requestID)
	d.mu.RLock()
	a, ok := d.adapters[blueprintID]
	d.mu.RUnlock()
	if ok {
		a.RespondToRequest(requestID, success, response)
	}
}

func blueprintIDFromRequestID(requestID string) string {
	idx := strings.LastIndex(requestID, "-")
	if idx < 0 {
		return requestID
	}
	return requestID[:idx]
}

// Adapter bridges a loaded blueprint to the registry.Service contract.
type Adapter struct {
	blueprintID string
	engine      *blueprint.Engine
	tracker     *registry.StateTracker

	mu             sync.Mutex
	pendingRequests map[string]chan registry.ServiceResponse
	requestCounter  int64
}

func New(blueprintID string, engine *blueprint.Engine, dispatcher *Dispatcher) *Adapter {
	a := &Adapter{
		blueprintID: blueprintID, engine: engine, tracker: registry.NewStateTracker(),
		pendingRequests: make(map[string]chan registry.ServiceResponse),
	}
	dispatcher.register(blueprintID, a)
	return a
}

// RespondToRequest is wired into the node registry's BuiltinDeps so the
// "neo/RespondToRequest" node can complete a pending HandleRequest.
func (a *Adapter) RespondToRequest(requestID string, success bool, response any) {
	a.mu.Lock()
	ch, ok := a.pendingRequests[requestID]
	if ok {
		delete(a.pendingRequests, requestID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	if success {
		payload, _ := response.(map[string]any)
		ch <- registry.ServiceResponse{Ok: true, Payload: payload}
	} else {
		message := fmt.Sprintf("%v", response)
		ch <- registry.ServiceResponse{Ok: false, Code: "BLUEPRINT_ERROR", Message: message}
	}
}

func (a *Adapter) HandleMsg(ctx context.Context, msg registry.ServiceMsg) registry.ServiceReply {
	switch m := msg.(type) {
	case registry.StartMsg:
		a.tracker.SetStarting()
		a.engine.Execute(a.blueprintID, blueprint.ServiceStartTrigger{})
		a.tracker.SetRunning()
		return registry.ServiceReply{Kind: registry.ReplyStarted}

	case registry.StopMsg:
		a.tracker.SetStopping()
		a.engine.Execute(a.blueprintID, blueprint.ServiceStopTrigger{})
		a.tracker.SetStopped()
		return registry.ServiceReply{Kind: registry.ReplyStopped}

	case registry.GetStatusMsg:
		return registry.ServiceReply{Kind: registry.ReplyStatus, Status: &registry.StatusInfo{
			ID: a.blueprintID, Name: a.blueprintID, State: a.tracker.State(), UptimeSecs: a.tracker.UptimeSecs(),
		}}

	case registry.GetConfigMsg:
		return registry.ServiceReply{Kind: registry.ReplyConfig, Config: map[string]any{"blueprint_id": a.blueprintID}}

	case registry.SetConfigMsg:
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: "blueprint service configuration is not mutable"}

	case registry.OnEventMsg:
		if a.tracker.State() != registry.StateRunning {
			return registry.ServiceReply{Kind: registry.ReplyEventHandled}
		}
		a.engine.Execute(a.blueprintID, blueprint.ServiceEventTrigger{
			EventType: m.Event.CanonicalType(), Data: m.Event.Data,
		})
		return registry.ServiceReply{Kind: registry.ReplyEventHandled}

	case registry.HandleRequestMsg:
		return a.handleRequest(m)

	default:
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: "unsupported message"}
	}
}

func (a *Adapter) handleRequest(msg registry.HandleRequestMsg) registry.ServiceReply {
	if a.tracker.State() != registry.StateRunning {
		msg.Reply <- registry.ServiceResponse{Ok: false, Code: "NOT_RUNNING", Message: "blueprint service is not running"}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
	}
	n := atomic.AddInt64(&a.requestCounter, 1)
	requestID := fmt.Sprintf("%s-%d", a.blueprintID, n)

	a.mu.Lock()
	a.pendingRequests[requestID] = msg.Reply
	a.mu.Unlock()

	payload := map[string]any{"action": msg.Request.Action}
	for k, v := range msg.Request.Payload {
		payload[k] = v
	}
	result := a.engine.Execute(a.blueprintID, blueprint.ServiceRequestTrigger{ID: requestID, Payload: payload})

	if _, suspended := result.(blueprint.SuspendedResult); suspended {
		// the graph is waiting on a later neo/RespondToRequest node; leave
		// the pending entry in place for RespondToRequest to complete.
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
	}
	if failed, isFailed := result.(blueprint.FailedResult); isFailed {
		a.mu.Lock()
		delete(a.pendingRequests, requestID)
		a.mu.Unlock()
		msg.Reply <- registry.ServiceResponse{Ok: false, Code: "BLUEPRINT_ERROR", Message: failed.Err}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
	}
	// Completed without ever reaching neo/RespondToRequest: nothing will
	// ever complete the reply, so answer with whatever outputs exist.
	if completed, isCompleted := result.(blueprint.CompletedResult); isCompleted {
		a.mu.Lock()
		_, stillPending := a.pendingRequests[requestID]
		delete(a.pendingRequests, requestID)
		a.mu.Unlock()
		if stillPending {
			msg.Reply <- registry.ServiceResponse{Ok: true, Payload: completed.Outputs}
		}
	}
	return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
}
