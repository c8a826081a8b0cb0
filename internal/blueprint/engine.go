package blueprint

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coreos/go-json"
	"github.com/tailscale/hujson"

	"github.com/neo-automation/bar-core/internal/corelog"
)

// Reserved node ids every non-trivial FunctionDef must contain exactly one
// of: __entry__ seeds the function's declared Inputs as its output pins,
// __exit__ reads the function's declared Outputs off its input pins once
// the private subgraph reaches it.
const (
	functionEntryNode = "__entry__"
	functionExitNode  = "__exit__"
)

// Engine owns the loaded blueprint set, the node catalogue, and every
// suspended execution awaiting a WakeCondition (C5, C6).
type Engine struct {
	log        corelog.Logger
	registry   *NodeRegistry
	deps       BuiltinDeps
	behaviours *BehaviourRegistry
	structs    *StructRegistry

	mu         sync.RWMutex
	blueprints map[string]*Blueprint

	suspMu    sync.Mutex
	suspended map[string]*suspendedExecution
}

type suspendedExecution struct {
	blueprintID string
	ctx         *ExecutionContext
	state       LatentState
}

func NewEngine(log corelog.Logger, registry *NodeRegistry, deps BuiltinDeps, behaviours *BehaviourRegistry, structs *StructRegistry) *Engine {
	return &Engine{
		log: log.Named("blueprint.engine"), registry: registry, deps: deps.withDefaults(),
		behaviours: behaviours, structs: structs,
		blueprints: make(map[string]*Blueprint), suspended: make(map[string]*suspendedExecution),
	}
}

// Structs exposes the struct registry, mainly so op-bridge introspection and
// tests can validate instances by id.
func (e *Engine) Structs() *StructRegistry { return e.structs }

// LoadBytes parses and validates a blueprint file, then swaps it into the
// engine's map under lock. Hand-authored JWCC (trailing commas, // and /* */
// comments) is accepted and standardized to strict JSON before decoding. A
// failed reload leaves the previous version (if any) in place and returns
// the validation error.
func (e *Engine) LoadBytes(raw []byte) (*Blueprint, error) {
	strict, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("blueprint: parse: %w", err)
	}
	var bp Blueprint
	if err := json.Unmarshal(strict, &bp); err != nil {
		return nil, fmt.Errorf("blueprint: parse: %w", err)
	}
	if err := e.Validate(&bp); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.blueprints[bp.ID] = &bp
	e.mu.Unlock()
	return &bp, nil
}

// RemoveBlueprint drops a blueprint from the loaded set (file removed).
func (e *Engine) RemoveBlueprint(id string) {
	e.mu.Lock()
	delete(e.blueprints, id)
	e.mu.Unlock()
}

func (e *Engine) GetBlueprint(id string) (*Blueprint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bp, ok := e.blueprints[id]
	return bp, ok
}

func (e *Engine) ListBlueprints() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.blueprints))
	for id := range e.blueprints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate enforces I1 (connection endpoints exist) and I4 (function
// connections stay within the function's own node set), and rejects
// unknown node types.
func (e *Engine) Validate(bp *Blueprint) error {
	nodeIndex := make(map[string]string, len(bp.Nodes))
	for _, n := range bp.Nodes {
		if !e.registry.Has(n.NodeType) {
			return fmt.Errorf("blueprint: node %q has unknown type %q", n.ID, n.NodeType)
		}
		nodeIndex[n.ID] = n.NodeType
	}
	for _, c := range bp.Connections {
		if err := validateEndpoint(c.From, nodeIndex); err != nil {
			return err
		}
		if err := validateEndpoint(c.To, nodeIndex); err != nil {
			return err
		}
	}
	for name, fn := range bp.Functions {
		fnIndex := make(map[string]string, len(fn.Nodes))
		var entries, exits int
		for _, n := range fn.Nodes {
			if !e.registry.Has(n.NodeType) {
				return fmt.Errorf("blueprint: function %q node %q has unknown type %q", name, n.ID, n.NodeType)
			}
			fnIndex[n.ID] = n.NodeType
			switch n.ID {
			case functionEntryNode:
				entries++
			case functionExitNode:
				exits++
			}
		}
		if entries != 1 || exits != 1 {
			return fmt.Errorf("blueprint: function %q must contain exactly one %q node and one %q node", name, functionEntryNode, functionExitNode)
		}
		for _, c := range fn.Connections {
			if err := validateEndpoint(c.From, fnIndex); err != nil {
				return fmt.Errorf("blueprint: function %q: %w", name, err)
			}
			if err := validateEndpoint(c.To, fnIndex); err != nil {
				return fmt.Errorf("blueprint: function %q: %w", name, err)
			}
		}
	}
	if e.behaviours != nil {
		if violations := e.behaviours.ValidateBlueprint(bp); len(violations) > 0 {
			msgs := make([]string, len(violations))
			for i, v := range violations {
				msgs[i] = v.Error()
			}
			return fmt.Errorf("blueprint: behaviour compliance: %s", strings.Join(msgs, "; "))
		}
	}
	return nil
}

func validateEndpoint(endpoint string, nodeIndex map[string]string) error {
	nodeID, _, err := splitEndpoint(endpoint)
	if err != nil {
		return err
	}
	if _, ok := nodeIndex[nodeID]; !ok {
		return fmt.Errorf("blueprint: connection references unknown node %q", nodeID)
	}
	return nil
}

// Execute starts a graph walk from the node(s) matching trigger and returns
// once the chain completes, fails, or suspends, recording any suspension so
// the tick driver and event wakes can find it later.
func (e *Engine) Execute(blueprintID string, trigger ExecutionTrigger) ExecutionResult {
	bp, ok := e.GetBlueprint(blueprintID)
	if !ok {
		return FailedResult{Err: fmt.Sprintf("blueprint %q not loaded", blueprintID)}
	}
	startNode, ok := e.findTriggerNode(bp, trigger)
	if !ok {
		return CompletedResult{Outputs: map[string]any{}}
	}
	ctx := newExecutionContext(bp, trigger)
	seedTriggerOutputs(ctx, startNode.ID, trigger)
	result := e.runFrom(ctx, startNode.ID, "exec")
	if s, ok := result.(SuspendedResult); ok {
		e.suspend(blueprintID, ctx, s.State)
	}
	return result
}

// findTriggerNode locates the node a trigger binds to: ServiceStart/Stop map
// to the fixed node types; events match either by config.event_type or by
// node-type substring.
func (e *Engine) findTriggerNode(bp *Blueprint, trigger ExecutionTrigger) (*BlueprintNode, bool) {
	switch t := trigger.(type) {
	case ServiceStartTrigger:
		return findNodeByType(bp, "neo/OnServiceStart")
	case ServiceStopTrigger:
		return findNodeByType(bp, "neo/OnServiceStop")
	case ServiceRequestTrigger:
		return findNodeByType(bp, "neo/OnServiceRequest")
	case EventTrigger:
		return findEventHandlerNode(bp, t.Type)
	case ServiceEventTrigger:
		return findEventHandlerNode(bp, t.EventType)
	}
	return nil, false
}

func findNodeByType(bp *Blueprint, nodeType string) (*BlueprintNode, bool) {
	for i := range bp.Nodes {
		if bp.Nodes[i].NodeType == nodeType {
			return &bp.Nodes[i], true
		}
	}
	return nil, false
}

func findEventHandlerNode(bp *Blueprint, eventType string) (*BlueprintNode, bool) {
	for i := range bp.Nodes {
		n := &bp.Nodes[i]
		if n.NodeType != "neo/OnEvent" && !containsFold(n.NodeType, "Event") {
			continue
		}
		if cfgType, _ := n.Config["event_type"].(string); cfgType == "" || cfgType == eventType {
			return n, true
		}
	}
	return nil, false
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func seedTriggerOutputs(ctx *ExecutionContext, nodeID string, trigger ExecutionTrigger) {
	switch t := trigger.(type) {
	case EventTrigger:
		ctx.NodeOutputs[outputKey(nodeID, "event_type")] = t.Type
		ctx.NodeOutputs[outputKey(nodeID, "event_data")] = t.Data
	case ServiceEventTrigger:
		ctx.NodeOutputs[outputKey(nodeID, "event_type")] = t.EventType
		ctx.NodeOutputs[outputKey(nodeID, "event_data")] = t.Data
	case ServiceRequestTrigger:
		ctx.NodeOutputs[outputKey(nodeID, "request_id")] = t.ID
		ctx.NodeOutputs[outputKey(nodeID, "action")] = actionFromPayload(t.Payload)
		ctx.NodeOutputs[outputKey(nodeID, "payload")] = t.Payload
	}
}

func actionFromPayload(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	action, _ := payload["action"].(string)
	return action
}

// runFrom drives the graph starting at nodeID's execPin, implementing the
// walk rules of §4.5: resolve inputs (recursing into pure producers),
// execute, cache outputs, fold variable writes, then dispatch on result.
func (e *Engine) runFrom(ctx *ExecutionContext, nodeID, execPin string) ExecutionResult {
	conns := connectionsFrom(ctx.Blueprint.Connections, nodeID, execPin)
	// A node's exec pin may fan out to multiple targets; run them in
	// connection order. A target whose chain suspends or fails stops the
	// fan-out; an End result ends only that target's chain.
	for _, c := range conns {
		targetID, _, err := c.ToNode()
		if err != nil {
			return FailedResult{Err: err.Error()}
		}
		result, err := e.runNode(ctx, targetID)
		if err != nil {
			return FailedResult{Err: err.Error()}
		}
		switch r := result.(type) {
		case ContinueResult:
			sub := e.runFrom(ctx, targetID, r.ExecPin)
			if _, completed := sub.(CompletedResult); !completed {
				return sub
			}
		case EndResult:
			// no further exec flow from this target.
		case LatentResult:
			return SuspendedResult{State: r.State}
		case ErrorResult:
			return FailedResult{Err: r.Msg}
		}
	}
	return CompletedResult{Outputs: ctx.Outputs}
}

// runNode resolves targetID's inputs (recursively evaluating pure
// producers per the purity rule), executes it, caches its outputs, and
// folds variable writes back into the execution context.
func (e *Engine) runNode(ctx *ExecutionContext, targetID string) (NodeResult, error) {
	node, ok := ctx.Blueprint.nodeByID(targetID)
	if !ok {
		return nil, fmt.Errorf("blueprint: node %q not found", targetID)
	}
	if node.NodeType == "neo/CallFunction" || node.NodeType == "neo/CallExternal" {
		return e.runFunctionCall(ctx, node)
	}
	def, executor, ok := e.registry.Lookup(node.NodeType)
	if !ok {
		return nil, fmt.Errorf("blueprint: unknown node type %q", node.NodeType)
	}

	inputs := make(map[string]any, len(def.InputPins()))
	for _, pin := range def.InputPins() {
		inputs[pin.Name] = e.resolveInput(ctx, node, pin)
	}

	nc := &NodeContext{NodeID: node.ID, Config: node.Config, Inputs: inputs, ctx: ctx}
	output := executor(nc)

	for name, val := range output.Values {
		ctx.NodeOutputs[outputKey(node.ID, name)] = val
		ctx.Outputs[outputKey(node.ID, name)] = val
	}
	if def.Pure {
		if _, bad := output.Result.(ContinueResult); bad {
			return nil, fmt.Errorf("blueprint: pure node %q returned Continue", node.ID)
		}
		if _, bad := output.Result.(LatentResult); bad {
			return nil, fmt.Errorf("blueprint: pure node %q returned Latent", node.ID)
		}
	}
	return output.Result, nil
}

// resolveInput implements default-value resolution and lazy pure-node
// evaluation (§4.5 step 1.1).
func (e *Engine) resolveInput(ctx *ExecutionContext, node *BlueprintNode, pin PinDef) any {
	conn, ok := connectionTo(ctx.Blueprint.Connections, node.ID, pin.Name)
	if !ok {
		return defaultValue(node, pin)
	}
	sourceID, sourcePin, err := conn.FromNode()
	if err != nil {
		return defaultValue(node, pin)
	}
	key := outputKey(sourceID, sourcePin)
	if v, cached := ctx.NodeOutputs[key]; cached {
		return v
	}
	sourceNode, ok := ctx.Blueprint.nodeByID(sourceID)
	if !ok {
		return nil
	}
	def, _, ok := e.registry.Lookup(sourceNode.NodeType)
	if !ok || !def.Pure {
		// Non-pure producers must already have run along the exec flow;
		// if they haven't, the edge reads as Null.
		return nil
	}
	if _, err := e.runNode(ctx, sourceID); err != nil {
		return nil
	}
	return ctx.NodeOutputs[key]
}

// resolveNamedInput mirrors resolveInput's connection-following semantics
// for a sink identified directly by (nodeID, pinName) rather than a real
// BlueprintNode+PinDef — used to read a function call's __exit__ outputs
// once its subgraph completes.
func (e *Engine) resolveNamedInput(ctx *ExecutionContext, nodeID, pinName string, fallback any) any {
	conn, ok := connectionTo(ctx.Blueprint.Connections, nodeID, pinName)
	if !ok {
		return fallback
	}
	sourceID, sourcePin, err := conn.FromNode()
	if err != nil {
		return fallback
	}
	key := outputKey(sourceID, sourcePin)
	if v, cached := ctx.NodeOutputs[key]; cached {
		return v
	}
	sourceNode, ok := ctx.Blueprint.nodeByID(sourceID)
	if !ok {
		return nil
	}
	def, _, ok := e.registry.Lookup(sourceNode.NodeType)
	if !ok || !def.Pure {
		return nil
	}
	if _, err := e.runNode(ctx, sourceID); err != nil {
		return nil
	}
	return ctx.NodeOutputs[key]
}

// runFunctionCall dispatches neo/CallFunction and neo/CallExternal: it looks
// up the named function — on this blueprint, or on an
// imported one for CallExternal — resolves its declared Inputs from this
// call node's own incoming connections, runs the function's private
// __entry__/__exit__ subgraph, and caches its declared Outputs under the
// call node's own output keys so downstream connections resolve exactly
// like any other node's outputs.
func (e *Engine) runFunctionCall(ctx *ExecutionContext, node *BlueprintNode) (NodeResult, error) {
	owner := ctx.Blueprint
	functionName, _ := node.Config["function"].(string)
	if node.NodeType == "neo/CallExternal" {
		blueprintID, _ := node.Config["blueprint"].(string)
		imported, ok := e.GetBlueprint(blueprintID)
		if !ok {
			return nil, fmt.Errorf("node %q calls external blueprint %q, which is not loaded", node.ID, blueprintID)
		}
		if !containsString(owner.Imports, blueprintID) {
			return nil, fmt.Errorf("node %q calls external blueprint %q, which is not in this blueprint's imports", node.ID, blueprintID)
		}
		owner = imported
	}
	fn, ok := owner.Functions[functionName]
	if !ok {
		return nil, fmt.Errorf("node %q calls unknown function %q on blueprint %q", node.ID, functionName, owner.ID)
	}

	args := make(map[string]any, len(fn.Inputs))
	for _, in := range fn.Inputs {
		args[in.Name] = e.resolveNamedInput(ctx, node.ID, in.Name, in.Default)
	}

	outputs, err := e.executeFunction(ctx, owner, fn, args)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", node.ID, err)
	}
	for name, v := range outputs {
		ctx.NodeOutputs[outputKey(node.ID, name)] = v
		ctx.Outputs[outputKey(node.ID, name)] = v
	}
	return ContinueResult{ExecPin: "exec"}, nil
}

// executeFunction runs fn's private node/connection subgraph against args
// already resolved at the call site, seeding them as __entry__'s output
// pins, and returns the values wired to __exit__'s declared input pins.
// Pure functions have no exec flow: every declared Output is resolved
// lazily by recursing into the pure producers that feed __exit__, exactly
// as a top-level blueprint's pure pins are. Impure functions walk the exec
// flow starting at __entry__.exec, the same way a blueprint's own graph
// walk starts at its trigger node.
func (e *Engine) executeFunction(parent *ExecutionContext, owner *Blueprint, fn FunctionDef, args map[string]any) (map[string]any, error) {
	fnBP := &Blueprint{ID: owner.ID, Variables: owner.Variables, Nodes: fn.Nodes, Connections: fn.Connections}
	vars := parent.Variables
	if owner != parent.Blueprint {
		// CallExternal runs against the imported blueprint's own variable
		// scope, seeded from its declared defaults, not the caller's.
		vars = make(map[string]any, len(owner.Variables))
		for name, def := range owner.Variables {
			vars[name] = def.Default
		}
	}
	fctx := &ExecutionContext{
		Blueprint: fnBP, Variables: vars, NodeOutputs: make(map[string]any),
		Trigger: RequestTrigger{Inputs: args}, Outputs: make(map[string]any),
	}
	for _, in := range fn.Inputs {
		fctx.NodeOutputs[outputKey(functionEntryNode, in.Name)] = args[in.Name]
	}

	if !fn.Pure {
		if failed, ok := e.runFrom(fctx, functionEntryNode, "exec").(FailedResult); ok {
			return nil, fmt.Errorf("function execution failed: %s", failed.Err)
		}
	}

	out := make(map[string]any, len(fn.Outputs))
	for _, o := range fn.Outputs {
		out[o.Name] = e.resolveNamedInput(fctx, functionExitNode, o.Name, o.Default)
	}
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func defaultValue(node *BlueprintNode, pin PinDef) any {
	if node.Config != nil {
		if defaults, ok := node.Config["defaults"].(map[string]any); ok {
			if v, ok := defaults[pin.Name]; ok {
				return v
			}
		}
	}
	return pin.Default
}

// ExecuteEventHandlers runs one execution per loaded blueprint whose node
// set handles eventType, returning every result.
func (e *Engine) ExecuteEventHandlers(eventType string, data map[string]any) []ExecutionResult {
	var results []ExecutionResult
	for _, id := range e.ListBlueprints() {
		bp, ok := e.GetBlueprint(id)
		if !ok {
			continue
		}
		if _, ok := findEventHandlerNode(bp, eventType); !ok {
			continue
		}
		results = append(results, e.Execute(id, EventTrigger{Type: eventType, Data: data}))
	}
	return results
}

// suspend records a Suspended result in the table keyed by
// "blueprintID-nodeID" (I6: the node must exist in the owning blueprint).
func (e *Engine) suspend(blueprintID string, ctx *ExecutionContext, state LatentState) {
	e.suspMu.Lock()
	e.suspended[blueprintID+"-"+state.NodeID] = &suspendedExecution{blueprintID: blueprintID, ctx: ctx, state: state}
	e.suspMu.Unlock()
}

// TickLatent scans the suspended table for Delay/Interval conditions ready
// to fire (C11). Event/PointChanged waiters are resumed separately by
// WakeEvent and WakePointChanged as matching bus events arrive.
func (e *Engine) TickLatent(nowMs int64) {
	e.suspMu.Lock()
	ready := make([]*suspendedExecution, 0)
	for key, s := range e.suspended {
		switch w := s.state.Wake.(type) {
		case DelayWake:
			if nowMs >= w.UntilMs {
				delete(e.suspended, key)
				ready = append(ready, s)
			}
		case IntervalWake:
			if nowMs >= w.NextTickMs {
				ready = append(ready, s)
				// tick_count saturates at math.MaxInt64 instead of wrapping.
				tickCount := w.TickCount
				if tickCount+1 > tickCount {
					tickCount++
				}
				// re-queue immediately; the tick does not leave the table.
				s.state.Wake = IntervalWake{
					IntervalMs: w.IntervalMs, NextTickMs: nowMs + w.IntervalMs,
					TimerID: w.TimerID, TickCount: tickCount,
				}
			}
		}
	}
	e.suspMu.Unlock()

	for _, s := range ready {
		e.resume(s)
	}
}

// WakeEvent resumes every suspended execution whose Event wake condition
// matches eventType, placing data on the node's event_data output.
// PointChanged waiters are resumed by WakePointChanged instead.
func (e *Engine) WakeEvent(eventType string, data map[string]any) {
	e.suspMu.Lock()
	var ready []*suspendedExecution
	for key, s := range e.suspended {
		if w, ok := s.state.Wake.(EventWake); ok && w.EventType == eventType {
			delete(e.suspended, key)
			ready = append(ready, s)
		}
	}
	e.suspMu.Unlock()
	for _, s := range ready {
		s.ctx.NodeOutputs[outputKey(s.state.NodeID, "event_data")] = data
		e.resume(s)
	}
}

func (e *Engine) WakePointChanged(path string, value any) {
	e.suspMu.Lock()
	var ready []*suspendedExecution
	for key, s := range e.suspended {
		if w, ok := s.state.Wake.(PointChangedWake); ok && w.Path == path {
			delete(e.suspended, key)
			ready = append(ready, s)
		}
	}
	e.suspMu.Unlock()
	for _, s := range ready {
		s.ctx.NodeOutputs[outputKey(s.state.NodeID, "new_value")] = value
		e.resume(s)
	}
}

func (e *Engine) resume(s *suspendedExecution) {
	if iv, ok := s.state.Wake.(IntervalWake); ok {
		s.ctx.NodeOutputs[outputKey(s.state.NodeID, "tick_count")] = iv.TickCount
	}
	result := e.runFrom(s.ctx, s.state.NodeID, s.state.ResumePin)
	if next, ok := result.(SuspendedResult); ok {
		e.suspend(s.blueprintID, s.ctx, next.State)
	}
}
