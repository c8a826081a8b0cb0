// Package registry implements the service registry (C2): a uniform
// ServiceMsg/ServiceReply interface that every native service, plugin
// actor, and blueprint-as-service adapter implements, plus pattern-based
// event routing across all registered services.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/pubsub"
)

// ServiceState is the lifecycle state every service reports via GetStatus.
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateFailed   ServiceState = "failed"
)

// ServiceMsg is the closed set of messages every service understands.
// Concrete types below are the sum's variants.
type ServiceMsg interface{ isServiceMsg() }

type StartMsg struct{}
type StopMsg struct{}
type GetStatusMsg struct{}
type GetConfigMsg struct{}
type SetConfigMsg struct{ Config map[string]any }
type OnEventMsg struct{ Event pubsub.Event }

// HandleRequestMsg carries the reply channel the service must eventually
// write exactly one ServiceResponse to; the HandleRequestMsg reply sent
// back via ServiceReply only acknowledges receipt, mirroring services that
// answer asynchronously (a blueprint adapter waiting on a RespondToRequest
// node, for instance).
type HandleRequestMsg struct {
	Request ServiceRequest
	Reply   chan ServiceResponse
}

func (StartMsg) isServiceMsg()         {}
func (StopMsg) isServiceMsg()          {}
func (GetStatusMsg) isServiceMsg()     {}
func (GetConfigMsg) isServiceMsg()     {}
func (SetConfigMsg) isServiceMsg()     {}
func (OnEventMsg) isServiceMsg()       {}
func (HandleRequestMsg) isServiceMsg() {}

// ServiceRequest is the request payload forwarded to HandleRequest. Custom
// covers plugin/blueprint-defined actions; other built-in kinds are added
// by callers that need them (e.g. the adapter only ever uses Custom).
type ServiceRequest struct {
	Action  string
	Payload map[string]any
}

// ServiceResponse is what a service eventually delivers on the reply
// channel of a HandleRequestMsg.
type ServiceResponse struct {
	Ok      bool
	Payload map[string]any
	Code    string
	Message string
}

// ServiceReply is the sum every ServiceMsg handler returns.
type ServiceReply struct {
	Kind    ReplyKind
	Status  *StatusInfo
	Config  map[string]any
	Reason  string
}

type ReplyKind string

const (
	ReplyStarted        ReplyKind = "started"
	ReplyStopped        ReplyKind = "stopped"
	ReplyStatus         ReplyKind = "status"
	ReplyConfig         ReplyKind = "config"
	ReplyConfigSet      ReplyKind = "config_set"
	ReplyEventHandled   ReplyKind = "event_handled"
	ReplyRequestHandled ReplyKind = "request_handled"
	ReplyFailed         ReplyKind = "failed"
)

type StatusInfo struct {
	ID         string
	Name       string
	State      ServiceState
	UptimeSecs int64
	Extra      map[string]any
}

// Service is implemented by every registrable entity: native services, the
// JS plugin actor, and the blueprint-as-service adapter.
type Service interface {
	HandleMsg(ctx context.Context, msg ServiceMsg) ServiceReply
}

// StateTracker is a small helper embedded by Service implementations to get
// consistent state/uptime bookkeeping for free.
type StateTracker struct {
	mu        sync.Mutex
	state     ServiceState
	startedAt time.Time
}

func NewStateTracker() *StateTracker { return &StateTracker{state: StateStopped} }

func (t *StateTracker) SetStarting() { t.mu.Lock(); t.state = StateStarting; t.mu.Unlock() }
func (t *StateTracker) SetRunning() {
	t.mu.Lock()
	t.state = StateRunning
	t.startedAt = time.Now()
	t.mu.Unlock()
}
func (t *StateTracker) SetStopping() { t.mu.Lock(); t.state = StateStopping; t.mu.Unlock() }
func (t *StateTracker) SetStopped()  { t.mu.Lock(); t.state = StateStopped; t.mu.Unlock() }
func (t *StateTracker) SetFailed()   { t.mu.Lock(); t.state = StateFailed; t.mu.Unlock() }

func (t *StateTracker) State() ServiceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *StateTracker) UptimeSecs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning || t.startedAt.IsZero() {
		return 0
	}
	return int64(time.Since(t.startedAt).Seconds())
}

type registration struct {
	id       string
	name     string
	svc      Service
	patterns []string
}

// Registry holds one entry per service id and routes events/requests to
// them. Registration order is preserved for StartAll/StopAll regardless of
// Go map iteration order.
type Registry struct {
	log   corelog.Logger
	mu    sync.RWMutex
	byID  map[string]*registration
	order []string
}

func New(log corelog.Logger) *Registry {
	return &Registry{log: log.Named("registry"), byID: make(map[string]*registration)}
}

// Register adds svc under id with the given event-routing patterns.
// Duplicate ids fail.
func (r *Registry) Register(id, name string, svc Service, patterns []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("service %q already registered", id)
	}
	r.byID[id] = &registration{id: id, name: name, svc: svc, patterns: patterns}
	r.order = append(r.order, id)
	return nil
}

// Unregister stops the service then removes it from the registry.
//
// Internally the map entry is deleted before the (possibly slow) Stop call
// completes: this guarantees no route_event racing with shutdown can still
// reach the service, which is the externally observable property that
// matters (P7). The service itself still fully transitions through Stop
// before Unregister returns.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	reg, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	reg.svc.HandleMsg(ctx, StopMsg{})
	return true
}

// Get returns the registered service for id, if any.
func (r *Registry) Get(id string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return reg.svc, true
}

// List returns registered ids in insertion order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if _, ok := r.byID[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// StartAll sends Start to every service in insertion order, collecting
// failures without stopping at the first one.
func (r *Registry) StartAll(ctx context.Context) map[string]ServiceReply {
	return r.forEachInOrder(ctx, StartMsg{})
}

// StopAll sends Stop to every service in insertion order.
func (r *Registry) StopAll(ctx context.Context) map[string]ServiceReply {
	return r.forEachInOrder(ctx, StopMsg{})
}

func (r *Registry) forEachInOrder(ctx context.Context, msg ServiceMsg) map[string]ServiceReply {
	results := make(map[string]ServiceReply)
	for _, id := range r.List() {
		svc, ok := r.Get(id)
		if !ok {
			continue
		}
		results[id] = svc.HandleMsg(ctx, msg)
	}
	return results
}

// RouteEvent computes the event's canonical type name and tells OnEvent to
// every service whose subscription patterns match. Each delivery runs in
// its own goroutine so one slow or failing service never blocks the rest.
func (r *Registry) RouteEvent(ctx context.Context, ev pubsub.Event) {
	topic := ev.CanonicalType()
	r.mu.RLock()
	targets := make([]*registration, 0, len(r.order))
	for _, id := range r.order {
		reg, ok := r.byID[id]
		if !ok {
			continue
		}
		for _, p := range reg.patterns {
			if pubsub.TopicMatches(p, topic) {
				targets = append(targets, reg)
				break
			}
		}
	}
	r.mu.RUnlock()

	for _, reg := range targets {
		go func(reg *registration) {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("service panicked handling event",
						corelog.String("service", reg.id), corelog.Any("panic", p))
				}
			}()
			reg.svc.HandleMsg(ctx, OnEventMsg{Event: ev})
		}(reg)
	}
}

// Request forwards req to serviceID via HandleRequest and awaits the reply
// channel, bounded by ctx's deadline.
func (r *Registry) Request(ctx context.Context, serviceID string, req ServiceRequest) (ServiceResponse, error) {
	svc, ok := r.Get(serviceID)
	if !ok {
		return ServiceResponse{}, fmt.Errorf("service %q not registered", serviceID)
	}
	reply := make(chan ServiceResponse, 1)
	ack := svc.HandleMsg(ctx, HandleRequestMsg{Request: req, Reply: reply})
	if ack.Kind == ReplyFailed {
		return ServiceResponse{Ok: false, Code: "REQUEST_REJECTED", Message: ack.Reason}, nil
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return ServiceResponse{}, ctx.Err()
	}
}
