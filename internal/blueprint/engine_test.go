package blueprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-automation/bar-core/internal/corelog"
)

func newTestEngine(t *testing.T, nowMs int64) *Engine {
	t.Helper()
	reg := NewNodeRegistry()
	RegisterBuiltins(reg, BuiltinDeps{NowMs: func() int64 { return nowMs }})
	return NewEngine(corelog.NewNop(), reg, BuiltinDeps{}, NewBehaviourRegistry(), NewStructRegistry())
}

func mustLoad(t *testing.T, e *Engine, raw string) *Blueprint {
	t.Helper()
	bp, err := e.LoadBytes([]byte(raw))
	require.NoError(t, err)
	return bp
}

func TestBranchTruePath(t *testing.T) {
	e := newTestEngine(t, 0)
	bp := mustLoad(t, e, `{
		"id": "branch-test", "name": "branch", "version": "1",
		"nodes": [
			{"id": "start", "node_type": "neo/OnServiceStart"},
			{"id": "branch", "node_type": "neo/Branch", "config": {"defaults": {"condition": true}}}
		],
		"connections": [
			{"from": "start.exec", "to": "branch.exec"}
		]
	}`)
	result := e.Execute(bp.ID, ServiceStartTrigger{})
	_, completed := result.(CompletedResult)
	assert.True(t, completed)
}

func TestMathChain(t *testing.T) {
	e := newTestEngine(t, 0)
	bp := mustLoad(t, e, `{
		"id": "math-test", "name": "math", "version": "1",
		"nodes": [
			{"id": "start", "node_type": "neo/OnServiceStart"},
			{"id": "add", "node_type": "neo/Add", "config": {"defaults": {"a": 2, "b": 3}}},
			{"id": "mul", "node_type": "neo/Multiply", "config": {"defaults": {"b": 10}}},
			{"id": "setvar", "node_type": "neo/SetVariable", "config": {"variable": "total"}}
		],
		"connections": [
			{"from": "start.exec", "to": "setvar.exec"},
			{"from": "add.result", "to": "mul.a"},
			{"from": "mul.result", "to": "setvar.value"}
		]
	}`)
	result := e.Execute(bp.ID, ServiceStartTrigger{})
	_, completed := result.(CompletedResult)
	require.True(t, completed)
}

func TestDelayResume(t *testing.T) {
	now := int64(1000)
	e := newTestEngine(t, now)
	bp := mustLoad(t, e, `{
		"id": "delay-test", "name": "delay", "version": "1",
		"nodes": [
			{"id": "start", "node_type": "neo/OnServiceStart"},
			{"id": "delay", "node_type": "neo/Delay", "config": {"defaults": {"duration_ms": 500}}}
		],
		"connections": [
			{"from": "start.exec", "to": "delay.exec"}
		]
	}`)
	result := e.Execute(bp.ID, ServiceStartTrigger{})
	susp, ok := result.(SuspendedResult)
	require.True(t, ok)
	wake, ok := susp.State.Wake.(DelayWake)
	require.True(t, ok)
	assert.EqualValues(t, 1500, wake.UntilMs)

	e.TickLatent(1400) // not yet due
	e.suspMu.Lock()
	_, stillSuspended := e.suspended[bp.ID+"-delay"]
	e.suspMu.Unlock()
	assert.True(t, stillSuspended)

	e.TickLatent(1600) // due now
	e.suspMu.Lock()
	_, stillSuspended = e.suspended[bp.ID+"-delay"]
	e.suspMu.Unlock()
	assert.False(t, stillSuspended)
}

func TestIntervalTickReQueues(t *testing.T) {
	now := int64(0)
	e := newTestEngine(t, now)
	bp := mustLoad(t, e, `{
		"id": "interval-test", "name": "interval", "version": "1",
		"nodes": [
			{"id": "start", "node_type": "neo/OnServiceStart"},
			{"id": "interval", "node_type": "neo/Interval", "config": {"defaults": {"interval_ms": 100}}}
		],
		"connections": [
			{"from": "start.exec", "to": "interval.exec"}
		]
	}`)
	result := e.Execute(bp.ID, ServiceStartTrigger{})
	_, ok := result.(SuspendedResult)
	require.True(t, ok)

	e.TickLatent(150)
	e.suspMu.Lock()
	entry, stillThere := e.suspended[bp.ID+"-interval"]
	e.suspMu.Unlock()
	require.True(t, stillThere, "interval timers re-queue rather than leaving the suspended table")
	iv, ok := entry.state.Wake.(IntervalWake)
	require.True(t, ok)
	assert.EqualValues(t, 1, iv.TickCount)
	assert.EqualValues(t, 250, iv.NextTickMs)
}

func TestWaitForEventResume(t *testing.T) {
	e := newTestEngine(t, 0)
	bp := mustLoad(t, e, `{
		"id": "wait-event-test", "name": "wait-event", "version": "1",
		"nodes": [
			{"id": "start", "node_type": "neo/OnServiceStart"},
			{"id": "wait", "node_type": "neo/WaitForEvent", "config": {"defaults": {"event_type": "DoorOpened"}}}
		],
		"connections": [
			{"from": "start.exec", "to": "wait.exec"}
		]
	}`)
	result := e.Execute(bp.ID, ServiceStartTrigger{})
	susp, ok := result.(SuspendedResult)
	require.True(t, ok)
	wake, ok := susp.State.Wake.(EventWake)
	require.True(t, ok)
	assert.Equal(t, "DoorOpened", wake.EventType)

	e.WakeEvent("DoorOpened", map[string]any{"value": 1})
	e.suspMu.Lock()
	_, stillSuspended := e.suspended[bp.ID+"-wait"]
	e.suspMu.Unlock()
	assert.False(t, stillSuspended)
}

func TestWaitForPointChangeResume(t *testing.T) {
	e := newTestEngine(t, 0)
	bp := mustLoad(t, e, `{
		"id": "wait-point-test", "name": "wait-point", "version": "1",
		"nodes": [
			{"id": "start", "node_type": "neo/OnServiceStart"},
			{"id": "wait", "node_type": "neo/WaitForPointChange", "config": {"defaults": {"point_path": "zone1/temp"}}}
		],
		"connections": [
			{"from": "start.exec", "to": "wait.exec"}
		]
	}`)
	result := e.Execute(bp.ID, ServiceStartTrigger{})
	susp, ok := result.(SuspendedResult)
	require.True(t, ok)
	wake, ok := susp.State.Wake.(PointChangedWake)
	require.True(t, ok)
	assert.Equal(t, "zone1/temp", wake.Path)

	e.WakePointChanged("zone1/temp", 72.5)
	e.suspMu.Lock()
	_, stillSuspended := e.suspended[bp.ID+"-wait"]
	e.suspMu.Unlock()
	assert.False(t, stillSuspended)
}

func TestUnknownNodeTypeRejectedOnLoad(t *testing.T) {
	e := newTestEngine(t, 0)
	_, err := e.LoadBytes([]byte(`{
		"id": "bad", "name": "bad", "version": "1",
		"nodes": [{"id": "n1", "node_type": "neo/DoesNotExist"}],
		"connections": []
	}`))
	assert.Error(t, err)
}

func TestDanglingConnectionRejectedOnLoad(t *testing.T) {
	e := newTestEngine(t, 0)
	_, err := e.LoadBytes([]byte(`{
		"id": "bad2", "name": "bad2", "version": "1",
		"nodes": [{"id": "n1", "node_type": "neo/OnServiceStart"}],
		"connections": [{"from": "n1.exec", "to": "ghost.exec"}]
	}`))
	assert.Error(t, err)
}

func TestCallFunctionPureRoundTrip(t *testing.T) {
	e := newTestEngine(t, 0)
	bp := mustLoad(t, e, `{
		"id": "fn-test", "name": "fn", "version": "1",
		"nodes": [
			{"id": "start", "node_type": "neo/OnServiceStart"},
			{"id": "call", "node_type": "neo/CallFunction", "config": {"function": "double"}},
			{"id": "seven", "node_type": "neo/Add", "config": {"defaults": {"a": 7, "b": 0}}}
		],
		"connections": [
			{"from": "start.exec", "to": "call.exec"},
			{"from": "seven.result", "to": "call.n"}
		],
		"functions": {
			"double": {
				"pure": true,
				"inputs": [{"name": "n", "type": "real"}],
				"outputs": [{"name": "result", "type": "real"}],
				"nodes": [
					{"id": "__entry__", "node_type": "neo/FunctionEntry"},
					{"id": "mul", "node_type": "neo/Multiply", "config": {"defaults": {"b": 2}}},
					{"id": "__exit__", "node_type": "neo/FunctionExit"}
				],
				"connections": [
					{"from": "__entry__.n", "to": "mul.a"},
					{"from": "mul.result", "to": "__exit__.result"}
				]
			}
		}
	}`)
	result := e.Execute(bp.ID, ServiceStartTrigger{})
	completed, ok := result.(CompletedResult)
	require.True(t, ok)
	assert.Equal(t, float64(14), completed.Outputs["call.result"])
}

func TestCallExternalRunsImportedFunction(t *testing.T) {
	e := newTestEngine(t, 0)
	mustLoad(t, e, `{
		"id": "lib", "name": "lib", "version": "1",
		"nodes": [],
		"connections": [],
		"functions": {
			"increment": {
				"pure": true,
				"inputs": [{"name": "n", "type": "real"}],
				"outputs": [{"name": "result", "type": "real"}],
				"nodes": [
					{"id": "__entry__", "node_type": "neo/FunctionEntry"},
					{"id": "add", "node_type": "neo/Add", "config": {"defaults": {"b": 1}}},
					{"id": "__exit__", "node_type": "neo/FunctionExit"}
				],
				"connections": [
					{"from": "__entry__.n", "to": "add.a"},
					{"from": "add.result", "to": "__exit__.result"}
				]
			}
		}
	}`)
	bp := mustLoad(t, e, `{
		"id": "caller", "name": "caller", "version": "1",
		"imports": ["lib"],
		"nodes": [
			{"id": "start", "node_type": "neo/OnServiceStart"},
			{"id": "five", "node_type": "neo/Add", "config": {"defaults": {"a": 5, "b": 0}}},
			{"id": "call", "node_type": "neo/CallExternal", "config": {"blueprint": "lib", "function": "increment"}}
		],
		"connections": [
			{"from": "start.exec", "to": "call.exec"},
			{"from": "five.result", "to": "call.n"}
		]
	}`)
	result := e.Execute(bp.ID, ServiceStartTrigger{})
	completed, ok := result.(CompletedResult)
	require.True(t, ok)
	assert.Equal(t, float64(6), completed.Outputs["call.result"])
}

func TestFunctionMissingEntryOrExitRejectedOnLoad(t *testing.T) {
	e := newTestEngine(t, 0)
	_, err := e.LoadBytes([]byte(`{
		"id": "bad-fn", "name": "bad-fn", "version": "1",
		"nodes": [],
		"connections": [],
		"functions": {
			"broken": {
				"nodes": [{"id": "__entry__", "node_type": "neo/FunctionEntry"}],
				"connections": []
			}
		}
	}`))
	assert.Error(t, err)
}

func TestBehaviourComplianceRejectedOnLoad(t *testing.T) {
	e := newTestEngine(t, 0)
	e.behaviours.Register(BehaviourDef{ID: "pingable", Callbacks: []CallbackDef{{Name: "ping"}}})
	_, err := e.LoadBytes([]byte(`{
		"id": "noncompliant", "name": "noncompliant", "version": "1",
		"implements": ["pingable"],
		"nodes": [],
		"connections": []
	}`))
	assert.Error(t, err)
}

func TestEventHandlerMatchedByEventType(t *testing.T) {
	e := newTestEngine(t, 0)
	bp := mustLoad(t, e, `{
		"id": "evt-test", "name": "evt", "version": "1",
		"nodes": [
			{"id": "onevt", "node_type": "neo/OnEvent", "config": {"event_type": "PointValueChanged"}}
		],
		"connections": []
	}`)
	results := e.ExecuteEventHandlers("PointValueChanged", map[string]any{"value": 1})
	require.Len(t, results, 1)
	_ = bp
}
