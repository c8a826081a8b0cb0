package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/pubsub"
)

type fakeService struct {
	mu       sync.Mutex
	events   []pubsub.Event
	tracker  *StateTracker
	onReq    func(ServiceRequest) ServiceResponse
}

func newFakeService() *fakeService { return &fakeService{tracker: NewStateTracker()} }

func (f *fakeService) HandleMsg(ctx context.Context, msg ServiceMsg) ServiceReply {
	switch m := msg.(type) {
	case StartMsg:
		f.tracker.SetRunning()
		return ServiceReply{Kind: ReplyStarted}
	case StopMsg:
		f.tracker.SetStopped()
		return ServiceReply{Kind: ReplyStopped}
	case OnEventMsg:
		f.mu.Lock()
		f.events = append(f.events, m.Event)
		f.mu.Unlock()
		return ServiceReply{Kind: ReplyEventHandled}
	case HandleRequestMsg:
		resp := ServiceResponse{Ok: true}
		if f.onReq != nil {
			resp = f.onReq(m.Request)
		}
		m.Reply <- resp
		return ServiceReply{Kind: ReplyRequestHandled}
	case GetStatusMsg:
		return ServiceReply{Kind: ReplyStatus, Status: &StatusInfo{State: f.tracker.State()}}
	}
	return ServiceReply{Kind: ReplyFailed, Reason: "unhandled"}
}

func (f *fakeService) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New(corelog.NewNop())
	require.NoError(t, r.Register("svc-a", "A", newFakeService(), nil))
	err := r.Register("svc-a", "A", newFakeService(), nil)
	assert.Error(t, err)
}

func TestStartAllStopAllInsertionOrder(t *testing.T) {
	r := New(corelog.NewNop())
	var order []string
	for _, id := range []string{"c", "a", "b"} {
		id := id
		order = append(order, id)
		require.NoError(t, r.Register(id, id, newFakeService(), nil))
	}
	assert.Equal(t, order, r.List())
	results := r.StartAll(context.Background())
	for _, id := range order {
		assert.Equal(t, ReplyStarted, results[id].Kind)
	}
}

func TestRouteEventMatchesPatterns(t *testing.T) {
	r := New(corelog.NewNop())
	svcA := newFakeService()
	svcB := newFakeService()
	require.NoError(t, r.Register("a", "A", svcA, []string{"PointValueChanged"}))
	require.NoError(t, r.Register("b", "B", svcB, []string{"alarms/#"}))

	r.RouteEvent(context.Background(), pubsub.Event{Topic: "points/ahu1/value", Type: "PointValueChanged"})
	require.Eventually(t, func() bool { return svcA.receivedCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, svcB.receivedCount())
}

func TestUnregisterStopsPreventsFurtherRouting(t *testing.T) {
	r := New(corelog.NewNop())
	svc := newFakeService()
	require.NoError(t, r.Register("a", "A", svc, []string{"#"}))

	ok := r.Unregister(context.Background(), "a")
	assert.True(t, ok)
	assert.Equal(t, StateStopped, svc.tracker.State())

	r.RouteEvent(context.Background(), pubsub.Event{Topic: "anything", Type: "Custom"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, svc.receivedCount())
}

func TestRequestRoundTrip(t *testing.T) {
	r := New(corelog.NewNop())
	svc := newFakeService()
	svc.onReq = func(req ServiceRequest) ServiceResponse {
		return ServiceResponse{Ok: true, Payload: map[string]any{"echo": req.Payload}}
	}
	require.NoError(t, r.Register("svc", "svc", svc, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := r.Request(ctx, "svc", ServiceRequest{Action: "ping", Payload: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	assert.Equal(t, map[string]any{"x": 1}, resp.Payload["echo"])
}
