package bacnet

import (
	"context"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/pubsub"
	"github.com/neo-automation/bar-core/internal/registry"
)

// Config is the subset of field-bus configuration the service needs to
// bind its socket; it mirrors config.BACnetConfig without importing the
// config package, keeping this package free of a dependency on it.
type Config struct {
	BindHost      string
	BindPort      int
	BroadcastAddr string
	PollInterval  int
}

// Service bridges the BACnet I/O worker (C3) to the service registry (C2)
// and the event bus (C1): it is the C4 component named in the runtime's
// field-bus integration.
type Service struct {
	log     corelog.Logger
	bus     *pubsub.Broker
	tracker *registry.StateTracker
	cfg     Config

	worker *Worker
	cancel context.CancelFunc

	mu       sync.Mutex
	replies  map[string]chan registry.ServiceResponse
	sessions map[string]chan registry.ServiceResponse
}

func NewService(log corelog.Logger, bus *pubsub.Broker, cfg Config) *Service {
	return &Service{
		log:      log.Named("bacnet.service"),
		bus:      bus,
		tracker:  registry.NewStateTracker(),
		cfg:      cfg,
		replies:  make(map[string]chan registry.ServiceResponse),
		sessions: make(map[string]chan registry.ServiceResponse),
	}
}

func (s *Service) HandleMsg(ctx context.Context, msg registry.ServiceMsg) registry.ServiceReply {
	switch m := msg.(type) {
	case registry.StartMsg:
		return s.start()
	case registry.StopMsg:
		return s.stop()
	case registry.GetStatusMsg:
		return registry.ServiceReply{Kind: registry.ReplyStatus, Status: &registry.StatusInfo{
			ID: "bacnet", Name: "BACnet/IP field bus", State: s.tracker.State(), UptimeSecs: s.tracker.UptimeSecs(),
			Extra: statsToExtra(s.worker),
		}}
	case registry.GetConfigMsg:
		return registry.ServiceReply{Kind: registry.ReplyConfig, Config: map[string]any{
			"bind_host": s.cfg.BindHost, "bind_port": s.cfg.BindPort, "broadcast_addr": s.cfg.BroadcastAddr,
		}}
	case registry.SetConfigMsg:
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: "bacnet bind configuration is immutable while running"}
	case registry.OnEventMsg:
		return s.handleEvent(m.Event)
	case registry.HandleRequestMsg:
		return s.handleRequest(m)
	default:
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: "unsupported message"}
	}
}

func statsToExtra(w *Worker) map[string]any {
	if w == nil {
		return nil
	}
	snap := w.Stats()
	return map[string]any{
		"total_reads": snap.TotalReads, "total_writes": snap.TotalWrites,
		"successful_reads": snap.SuccessfulReads, "successful_writes": snap.SuccessfulWrites,
		"failed_reads": snap.FailedReads, "failed_writes": snap.FailedWrites,
		"timeouts": snap.Timeouts, "connected_devices": snap.ConnectedDevices,
		"avg_read_time_ms": snap.AvgReadTimeMs, "avg_write_time_ms": snap.AvgWriteTimeMs,
	}
}

func (s *Service) start() registry.ServiceReply {
	if s.tracker.State() == registry.StateRunning {
		return registry.ServiceReply{Kind: registry.ReplyStarted}
	}
	s.tracker.SetStarting()

	worker, err := NewWorker(s.log, s.cfg.BindHost, s.cfg.BindPort, s.cfg.BroadcastAddr)
	if err != nil {
		s.tracker.SetFailed()
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: err.Error()}
	}
	s.worker = worker

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go worker.Run()
	go s.bridge(ctx)

	s.tracker.SetRunning()
	return registry.ServiceReply{Kind: registry.ReplyStarted}
}

func (s *Service) stop() registry.ServiceReply {
	if s.tracker.State() != registry.StateRunning {
		return registry.ServiceReply{Kind: registry.ReplyStopped}
	}
	s.tracker.SetStopping()
	if s.cancel != nil {
		s.cancel()
	}
	if s.worker != nil {
		s.worker.Commands() <- ShutdownCmd{}
	}
	s.tracker.SetStopped()
	return registry.ServiceReply{Kind: registry.ReplyStopped}
}

// bridge drains worker responses for the lifetime of ctx, translating each
// into a bus event and/or completing a pending ask-style reply.
func (s *Service) bridge(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-s.worker.Responses():
			if !ok {
				return
			}
			s.handleResponse(resp)
		}
	}
}

func (s *Service) handleResponse(resp WorkerResponse) {
	switch r := resp.(type) {
	case DeviceDiscovered:
		s.bus.Publish(pubsub.Event{Topic: "bacnet/device-discovered", Type: "DeviceDiscovered",
			Data: map[string]any{"device_id": r.DeviceID, "addr": r.Addr}})
		s.worker.Commands() <- ReadObjectListCmd{RequestID: "auto-objects:" + r.DeviceID, DeviceID: r.DeviceID}

	case SessionDeviceDiscovered:
		s.bus.Publish(pubsub.Event{Topic: "bacnet/session-device-discovered", Type: "SessionDeviceDiscovered",
			Data: map[string]any{"client_id": r.ClientID, "request_id": r.RequestID, "device_id": r.DeviceID}})

	case SessionComplete:
		s.bus.Publish(pubsub.Event{Topic: "bacnet/session-complete", Type: "SessionComplete",
			Data: map[string]any{"client_id": r.ClientID, "request_id": r.RequestID, "devices_found": r.DevicesFound}})
		s.completeReply(s.sessions, r.RequestID, registry.ServiceResponse{
			Ok: true, Payload: map[string]any{"devices_found": r.DevicesFound},
		})

	case ObjectListRead:
		pollable := make([]ObjectListEntry, 0, len(r.Objects))
		for _, o := range r.Objects {
			if IsPollable(o.ObjectType) {
				pollable = append(pollable, o)
			}
		}
		if len(pollable) > 0 {
			objs := make([]ObjectID, len(pollable))
			for i, o := range pollable {
				objs[i] = ObjectID{ObjectType: reverseObjectType(o.ObjectType), Instance: o.Instance}
			}
			interval := s.cfg.PollInterval
			if interval <= 0 {
				interval = 200
			}
			s.worker.Commands() <- StartPollingCmd{DeviceID: r.DeviceID, Objects: objs, IntervalMs: interval}
		}
		s.completeReply(s.replies, r.RequestID, registry.ServiceResponse{
			Ok: true, Payload: map[string]any{"objects": objectListToPayload(r.Objects)},
		})

	case ReadPropertyOk:
		s.bus.Publish(pubsub.Event{Topic: "bacnet/point-value-changed", Type: "PointValueChanged",
			Data: map[string]any{
				"device_id": r.DeviceID, "object_type": r.Object.ObjectType, "instance": r.Object.Instance,
				"property_id": r.PropertyID, "value": r.Value,
			}})
		s.completeReply(s.replies, r.RequestID, registry.ServiceResponse{
			Ok: true, Payload: map[string]any{"value": r.Value},
		})

	case ReadPropertyFailed:
		s.completeReply(s.replies, r.RequestID, registry.ServiceResponse{
			Ok: false, Code: "READ_FAILED", Message: r.Reason,
		})

	case WriteAck:
		s.completeReply(s.replies, r.RequestID, registry.ServiceResponse{Ok: true})

	case WriteFailed:
		s.completeReply(s.replies, r.RequestID, registry.ServiceResponse{
			Ok: false, Code: "WRITE_FAILED", Message: r.Reason,
		})

	case RequestTimeout:
		s.completeReply(s.replies, r.RequestID, registry.ServiceResponse{Ok: false, Code: "TIMEOUT", Message: "no response from device"})
		s.completeReply(s.sessions, r.RequestID, registry.ServiceResponse{Ok: false, Code: "TIMEOUT", Message: "no response from device"})
	}
}

func objectListToPayload(objs []ObjectListEntry) []map[string]any {
	out := make([]map[string]any, len(objs))
	for i, o := range objs {
		out[i] = map[string]any{"object_type": o.ObjectType, "instance": o.Instance}
	}
	return out
}

var objectTypeByName = map[string]uint16{
	"analog-input": 0, "analog-output": 1, "analog-value": 2,
	"binary-input": 3, "binary-output": 4, "binary-value": 5,
	"device": 8, "multi-state-input": 13, "multi-state-output": 14, "multi-state-value": 19,
	"integer-value": 45, "positive-integer-value": 48, "large-analog-value": 46,
	"lighting-output": 54, "binary-lighting-output": 55,
	"accumulator": 23, "pulse-converter": 24,
}

func reverseObjectType(name string) uint16 { return objectTypeByName[name] }

func (s *Service) completeReply(table map[string]chan registry.ServiceResponse, requestID string, resp registry.ServiceResponse) {
	s.mu.Lock()
	ch, ok := table[requestID]
	if ok {
		delete(table, requestID)
	}
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// handleEvent maps the request-style bacnet/* bus topics onto the same
// Discover/ReadProperty/ReadObjectList dispatch handleRequest uses for
// ask-style requests, so a blueprint publishing bacnet/discover has the same
// effect as a client issuing a "discover" request. The reply channel is
// buffered and never read; nothing is waiting on these results directly,
// they surface as the bacnet/device-discovered, bacnet/point-value-changed,
// etc. events handleResponse already publishes.
func (s *Service) handleEvent(ev pubsub.Event) registry.ServiceReply {
	var action string
	switch ev.Topic {
	case "bacnet/discover":
		action = "discover"
	case "bacnet/read":
		action = "read"
	case "bacnet/read-objects":
		action = "read-objects"
	default:
		return registry.ServiceReply{Kind: registry.ReplyEventHandled}
	}

	s.handleRequest(registry.HandleRequestMsg{
		Request: registry.ServiceRequest{Action: action, Payload: ev.Data},
		Reply:   make(chan registry.ServiceResponse, 1),
	})
	return registry.ServiceReply{Kind: registry.ReplyEventHandled}
}

func (s *Service) handleRequest(msg registry.HandleRequestMsg) registry.ServiceReply {
	if s.tracker.State() != registry.StateRunning {
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: "bacnet service not running"}
	}
	reqID, _ := gonanoid.New()
	payload := msg.Request.Payload

	switch msg.Request.Action {
	case "discover":
		low, high := rangeFromPayload(payload)
		s.worker.Commands() <- DiscoverCmd{Low: low, High: high}
		msg.Reply <- registry.ServiceResponse{Ok: true, Payload: map[string]any{"status": "broadcast sent"}}

	case "discover-session":
		low, high := rangeFromPayload(payload)
		clientID, _ := payload["client_id"].(string)
		duration, _ := payload["duration_secs"].(int)
		s.mu.Lock()
		s.sessions[reqID] = msg.Reply
		s.mu.Unlock()
		s.worker.Commands() <- DiscoverSessionCmd{
			SessionID: reqID, ClientID: clientID, RequestID: reqID, Low: low, High: high, DurationSecs: duration,
		}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}

	case "stop-discover-session":
		sessionID, _ := payload["session_id"].(string)
		s.worker.Commands() <- StopDiscoverySessionCmd{SessionID: sessionID}
		msg.Reply <- registry.ServiceResponse{Ok: true}

	case "read":
		deviceID, _ := payload["device_id"].(string)
		obj, err := objectFromPayload(payload)
		if err != nil {
			msg.Reply <- registry.ServiceResponse{Ok: false, Code: "BAD_REQUEST", Message: err.Error()}
			break
		}
		propID, _ := payload["property_id"].(uint32)
		if propID == 0 {
			propID = PropertyPresentValue
		}
		s.mu.Lock()
		s.replies[reqID] = msg.Reply
		s.mu.Unlock()
		s.worker.Commands() <- ReadPropertyCmd{RequestID: reqID, DeviceID: deviceID, Object: obj, PropertyID: propID}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}

	case "read-objects":
		deviceID, _ := payload["device_id"].(string)
		s.mu.Lock()
		s.replies[reqID] = msg.Reply
		s.mu.Unlock()
		s.worker.Commands() <- ReadObjectListCmd{RequestID: reqID, DeviceID: deviceID}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}

	case "write":
		deviceID, _ := payload["device_id"].(string)
		obj, err := objectFromPayload(payload)
		if err != nil {
			msg.Reply <- registry.ServiceResponse{Ok: false, Code: "BAD_REQUEST", Message: err.Error()}
			break
		}
		propID, _ := payload["property_id"].(uint32)
		if propID == 0 {
			propID = PropertyPresentValue
		}
		value := valueFromPayload(payload)
		s.mu.Lock()
		s.replies[reqID] = msg.Reply
		s.mu.Unlock()
		s.worker.Commands() <- WritePropertyCmd{RequestID: reqID, DeviceID: deviceID, Object: obj, PropertyID: propID, Value: value}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}

	default:
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: fmt.Sprintf("unknown action %q", msg.Request.Action)}
	}

	return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
}

func rangeFromPayload(payload map[string]any) (low, high *uint32) {
	if v, ok := payload["low"].(uint32); ok {
		low = &v
	}
	if v, ok := payload["high"].(uint32); ok {
		high = &v
	}
	return low, high
}

func objectFromPayload(payload map[string]any) (ObjectID, error) {
	typeName, _ := payload["object_type"].(string)
	instance, _ := payload["instance"].(uint32)
	t, ok := objectTypeByName[typeName]
	if !ok {
		return ObjectID{}, fmt.Errorf("unknown object type %q", typeName)
	}
	return ObjectID{ObjectType: t, Instance: instance}, nil
}

func valueFromPayload(payload map[string]any) PropertyValue {
	switch v := payload["value"].(type) {
	case float32:
		return PropertyValue{Kind: "real", Real: v}
	case float64:
		return PropertyValue{Kind: "real", Real: float32(v)}
	case bool:
		return PropertyValue{Kind: "boolean", Boolean: v}
	case uint32:
		return PropertyValue{Kind: "unsigned", Unsigned: v}
	case int:
		return PropertyValue{Kind: "unsigned", Unsigned: uint32(v)}
	default:
		return PropertyValue{Kind: "null"}
	}
}
