package bacnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/pubsub"
	"github.com/neo-automation/bar-core/internal/registry"
)

// newTestService builds a running Service backed by a real (loopback,
// ephemeral-port) worker but never starts Run(), so commands land on
// worker.cmdCh for the test to inspect directly instead of going out over
// the wire.
func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService(corelog.NewNop(), pubsub.NewBroker(corelog.NewNop()), Config{
		BindHost: "127.0.0.1", BindPort: 0, BroadcastAddr: "127.0.0.1",
	})
	worker, err := NewWorker(s.log, s.cfg.BindHost, s.cfg.BindPort, s.cfg.BroadcastAddr)
	require.NoError(t, err)
	s.worker = worker
	t.Cleanup(func() { worker.conn.Close() })
	s.tracker.SetStarting()
	s.tracker.SetRunning()
	return s
}

func TestOnEventMapsDiscoverTopic(t *testing.T) {
	s := newTestService(t)
	reply := s.HandleMsg(context.Background(), registry.OnEventMsg{Event: pubsub.Event{Topic: "bacnet/discover"}})
	assert.Equal(t, registry.ReplyEventHandled, reply.Kind)

	select {
	case cmd := <-s.worker.cmdCh:
		_, ok := cmd.(DiscoverCmd)
		assert.True(t, ok, "expected a DiscoverCmd, got %T", cmd)
	default:
		t.Fatal("expected a command on the worker channel")
	}
}

func TestOnEventMapsReadTopicDefaultingPresentValue(t *testing.T) {
	s := newTestService(t)
	reply := s.HandleMsg(context.Background(), registry.OnEventMsg{Event: pubsub.Event{
		Topic: "bacnet/read",
		Data:  map[string]any{"device_id": "dev1", "object_type": "analog-input", "instance": uint32(3)},
	}})
	assert.Equal(t, registry.ReplyEventHandled, reply.Kind)

	select {
	case cmd := <-s.worker.cmdCh:
		rp, ok := cmd.(ReadPropertyCmd)
		require.True(t, ok, "expected a ReadPropertyCmd, got %T", cmd)
		assert.Equal(t, "dev1", rp.DeviceID)
		assert.Equal(t, PropertyPresentValue, rp.PropertyID)
	default:
		t.Fatal("expected a command on the worker channel")
	}
}

func TestOnEventMapsReadObjectsTopic(t *testing.T) {
	s := newTestService(t)
	reply := s.HandleMsg(context.Background(), registry.OnEventMsg{Event: pubsub.Event{
		Topic: "bacnet/read-objects",
		Data:  map[string]any{"device_id": "dev1"},
	}})
	assert.Equal(t, registry.ReplyEventHandled, reply.Kind)

	select {
	case cmd := <-s.worker.cmdCh:
		ro, ok := cmd.(ReadObjectListCmd)
		require.True(t, ok, "expected a ReadObjectListCmd, got %T", cmd)
		assert.Equal(t, "dev1", ro.DeviceID)
	default:
		t.Fatal("expected a command on the worker channel")
	}
}

func TestOnEventIgnoresUnrelatedTopic(t *testing.T) {
	s := newTestService(t)
	reply := s.HandleMsg(context.Background(), registry.OnEventMsg{Event: pubsub.Event{Topic: "bacnet/session-complete"}})
	assert.Equal(t, registry.ReplyEventHandled, reply.Kind)

	select {
	case cmd := <-s.worker.cmdCh:
		t.Fatalf("unrelated topics must not issue a worker command, got %T", cmd)
	default:
	}
}
