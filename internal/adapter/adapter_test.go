package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-automation/bar-core/internal/blueprint"
	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/registry"
)

func newTestAdapter(t *testing.T, blueprintID string, raw string) (*Adapter, *Dispatcher) {
	t.Helper()
	dispatcher := NewDispatcher()
	reg := blueprint.NewNodeRegistry()
	blueprint.RegisterBuiltins(reg, blueprint.BuiltinDeps{
		NowMs:            func() int64 { return 0 },
		RespondToRequest: dispatcher.RespondToRequest,
	})
	engine := blueprint.NewEngine(corelog.NewNop(), reg, blueprint.BuiltinDeps{}, blueprint.NewBehaviourRegistry(), blueprint.NewStructRegistry())
	_, err := engine.LoadBytes([]byte(raw))
	require.NoError(t, err)
	a := New(blueprintID, engine, dispatcher)
	return a, dispatcher
}

func TestHandleRequestRejectedWhenNotRunning(t *testing.T) {
	a, _ := newTestAdapter(t, "req-test", `{
		"id": "req-test", "name": "req", "version": "1",
		"nodes": [{"id": "onreq", "node_type": "neo/OnServiceRequest"}],
		"connections": []
	}`)
	reply := make(chan registry.ServiceResponse, 1)
	ack := a.HandleMsg(context.Background(), registry.HandleRequestMsg{
		Request: registry.ServiceRequest{Action: "ping"}, Reply: reply,
	})
	assert.Equal(t, registry.ReplyRequestHandled, ack.Kind)
	resp := <-reply
	assert.False(t, resp.Ok)
	assert.Equal(t, "NOT_RUNNING", resp.Code)
}

func TestHandleRequestCompletesImmediatelyWithoutRespondNode(t *testing.T) {
	a, _ := newTestAdapter(t, "req-test2", `{
		"id": "req-test2", "name": "req2", "version": "1",
		"nodes": [{"id": "onreq", "node_type": "neo/OnServiceRequest"}],
		"connections": []
	}`)
	a.HandleMsg(context.Background(), registry.StartMsg{})

	reply := make(chan registry.ServiceResponse, 1)
	ack := a.HandleMsg(context.Background(), registry.HandleRequestMsg{
		Request: registry.ServiceRequest{Action: "ping"}, Reply: reply,
	})
	assert.Equal(t, registry.ReplyRequestHandled, ack.Kind)
	resp := <-reply
	assert.True(t, resp.Ok)
}

func TestHandleRequestRepliesThroughRespondToRequestNode(t *testing.T) {
	a, _ := newTestAdapter(t, "req-test3", `{
		"id": "req-test3", "name": "req3", "version": "1",
		"nodes": [
			{"id": "onreq", "node_type": "neo/OnServiceRequest"},
			{"id": "respond", "node_type": "neo/RespondToRequest", "config": {"defaults": {"success": true, "response": {"ok": true}}}}
		],
		"connections": [
			{"from": "onreq.exec", "to": "respond.exec"},
			{"from": "onreq.request_id", "to": "respond.request_id"}
		]
	}`)
	a.HandleMsg(context.Background(), registry.StartMsg{})

	reply := make(chan registry.ServiceResponse, 1)
	ack := a.HandleMsg(context.Background(), registry.HandleRequestMsg{
		Request: registry.ServiceRequest{Action: "ping"}, Reply: reply,
	})
	assert.Equal(t, registry.ReplyRequestHandled, ack.Kind)

	resp := <-reply
	assert.True(t, resp.Ok)
	assert.Equal(t, true, resp.Payload["ok"])
}

func TestDispatcherRoutesToOwningAdapter(t *testing.T) {
	dispatcher := NewDispatcher()
	reg := blueprint.NewNodeRegistry()
	blueprint.RegisterBuiltins(reg, blueprint.BuiltinDeps{
		NowMs:            func() int64 { return 0 },
		RespondToRequest: dispatcher.RespondToRequest,
	})
	engineA := blueprint.NewEngine(corelog.NewNop(), reg, blueprint.BuiltinDeps{}, blueprint.NewBehaviourRegistry(), blueprint.NewStructRegistry())
	_, err := engineA.LoadBytes([]byte(`{
		"id": "bp-a", "name": "a", "version": "1",
		"nodes": [{"id": "onreq", "node_type": "neo/OnServiceRequest"}],
		"connections": []
	}`))
	require.NoError(t, err)
	engineB := blueprint.NewEngine(corelog.NewNop(), reg, blueprint.BuiltinDeps{}, blueprint.NewBehaviourRegistry(), blueprint.NewStructRegistry())
	_, err = engineB.LoadBytes([]byte(`{
		"id": "bp-b", "name": "b", "version": "1",
		"nodes": [{"id": "onreq", "node_type": "neo/OnServiceRequest"}],
		"connections": []
	}`))
	require.NoError(t, err)

	a := New("bp-a", engineA, dispatcher)
	b := New("bp-b", engineB, dispatcher)
	a.HandleMsg(context.Background(), registry.StartMsg{})
	b.HandleMsg(context.Background(), registry.StartMsg{})

	replyA := make(chan registry.ServiceResponse, 1)
	a.mu.Lock()
	a.pendingRequests["bp-a-1"] = replyA
	a.mu.Unlock()

	replyB := make(chan registry.ServiceResponse, 1)
	b.mu.Lock()
	b.pendingRequests["bp-b-1"] = replyB
	b.mu.Unlock()

	dispatcher.RespondToRequest("bp-a-1", true, map[string]any{"from": "a"})

	select {
	case resp := <-replyA:
		assert.True(t, resp.Ok)
		assert.Equal(t, "a", resp.Payload["from"])
	default:
		t.Fatal("expected replyA to be completed")
	}
	select {
	case <-replyB:
		t.Fatal("replyB should not have been completed")
	default:
	}
}
