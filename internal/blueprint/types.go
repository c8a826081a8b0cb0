// Package blueprint implements the visual-scripting engine (C5, C6): a
// node-graph executor with pure/latent node semantics, hot-reloadable
// blueprint files, functions, and behaviour compliance checks.
package blueprint

import (
	"fmt"
	"strings"

	"github.com/coreos/go-json"
)

// PinType is the sum described by the data model: scalar kinds plus the
// parameterized Array/Struct/Event/Object/Handle variants.
type PinType struct {
	Kind   string // "exec","real","integer","boolean","string","point_value","array","struct","event","object","handle","any"
	Elem   *PinType
	ID     string // struct_id / event_id / object_id
	Target string // handle target
}

func (t PinType) String() string {
	switch t.Kind {
	case "array":
		if t.Elem != nil {
			return "array<" + t.Elem.String() + ">"
		}
		return "array"
	case "struct", "event", "object":
		return t.Kind + "{" + t.ID + "}"
	case "handle":
		return "handle{" + t.Target + "}"
	default:
		return t.Kind
	}
}

// ParsePinType parses the string form PinType.String() produces: a bare
// kind ("real"), "array<elem>", "struct{id}"/"event{id}"/"object{id}", or
// "handle{target}". Function, behaviour, and struct definition files name
// pin types this way rather than spelling out the struct fields.
func ParsePinType(s string) (PinType, error) {
	if open := strings.IndexByte(s, '<'); open >= 0 {
		if s[:open] != "array" || !strings.HasSuffix(s, ">") {
			return PinType{}, fmt.Errorf("blueprint: malformed pin type %q", s)
		}
		elem, err := ParsePinType(s[open+1 : len(s)-1])
		if err != nil {
			return PinType{}, err
		}
		return PinType{Kind: "array", Elem: &elem}, nil
	}
	if open := strings.IndexByte(s, '{'); open >= 0 {
		if !strings.HasSuffix(s, "}") {
			return PinType{}, fmt.Errorf("blueprint: malformed pin type %q", s)
		}
		kind, arg := s[:open], s[open+1:len(s)-1]
		switch kind {
		case "struct", "event", "object":
			return PinType{Kind: kind, ID: arg}, nil
		case "handle":
			return PinType{Kind: kind, Target: arg}, nil
		default:
			return PinType{}, fmt.Errorf("blueprint: unknown parameterized pin type %q", kind)
		}
	}
	return PinType{Kind: s}, nil
}

// UnmarshalJSON accepts the plain-string form ParsePinType parses, so
// function/behaviour/struct definition files can write `"type": "real"`
// instead of spelling out PinType's fields.
func (t *PinType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePinType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON writes PinType back out in the same plain-string form.
func (t PinType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Compatible implements the pin-type compatibility rule (I2): exact match,
// Any on either side, PointValue<->{Real,Integer,Boolean}, Real<->Integer,
// Array(a)<->Array(b) iff a<->b, identified variants compared by id.
func Compatible(a, b PinType) bool {
	if a.Kind == "any" || b.Kind == "any" {
		return true
	}
	if a.Kind == b.Kind {
		switch a.Kind {
		case "array":
			if a.Elem == nil || b.Elem == nil {
				return true
			}
			return Compatible(*a.Elem, *b.Elem)
		case "struct", "event", "object":
			return a.ID == b.ID
		case "handle":
			return a.Target == b.Target
		default:
			return true
		}
	}
	numeric := map[string]bool{"real": true, "integer": true, "boolean": true}
	if a.Kind == "point_value" && numeric[b.Kind] {
		return true
	}
	if b.Kind == "point_value" && numeric[a.Kind] {
		return true
	}
	if (a.Kind == "real" && b.Kind == "integer") || (a.Kind == "integer" && b.Kind == "real") {
		return true
	}
	return false
}

// PinDef describes one pin on a NodeDef.
type PinDef struct {
	Name        string
	Direction   string // "in" | "out"
	Type        PinType
	Default     any
	Description string
}

// NodeDef is a catalogue entry: the contract a BlueprintNode instance binds
// to by NodeType.
type NodeDef struct {
	ID          string
	Name        string
	Category    string
	Pure        bool
	Latent      bool
	Pins        []PinDef
	Description string
}

func (d NodeDef) InputPins() []PinDef  { return filterPins(d.Pins, "in") }
func (d NodeDef) OutputPins() []PinDef { return filterPins(d.Pins, "out") }

func filterPins(pins []PinDef, dir string) []PinDef {
	out := make([]PinDef, 0, len(pins))
	for _, p := range pins {
		if p.Direction == dir {
			out = append(out, p)
		}
	}
	return out
}

// BlueprintNode is one instance of a NodeDef placed in a graph.
type BlueprintNode struct {
	ID       string         `json:"id"`
	NodeType string         `json:"node_type"`
	Position [2]float64     `json:"position"`
	Config   map[string]any `json:"config"`
}

// Connection links one node's output pin to another's input pin, named by
// dotted "nodeId.pinName" strings.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func splitEndpoint(s string) (nodeID, pin string, err error) {
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return "", "", fmt.Errorf("blueprint: malformed pin reference %q", s)
	}
	return s[:idx], s[idx+1:], nil
}

func (c Connection) FromNode() (string, string, error) { return splitEndpoint(c.From) }
func (c Connection) ToNode() (string, string, error)   { return splitEndpoint(c.To) }

// VariableDef is a blueprint-level variable declaration.
type VariableDef struct {
	Type    PinType `json:"type"`
	Default any     `json:"default"`
}

// ServiceSpec marks a blueprint as registrable as a service (C9).
type ServiceSpec struct {
	Enabled       bool     `json:"enabled"`
	Subscriptions []string `json:"subscriptions"`
}

// FunctionDef is a private mini-graph with its own input/output contract
// (I4: its connections may only reference nodes in its own node set).
type FunctionDef struct {
	Inputs      []PinDef       `json:"inputs"`
	Outputs     []PinDef       `json:"outputs"`
	Pure        bool           `json:"pure"`
	Nodes       []BlueprintNode `json:"nodes"`
	Connections []Connection    `json:"connections"`
}

// BehaviourDef declares the callback contract a blueprint may implement.
type BehaviourDef struct {
	ID        string         `json:"id"`
	Callbacks []CallbackDef  `json:"callbacks"`
}

type CallbackDef struct {
	Name    string   `json:"name"`
	Inputs  []PinDef `json:"inputs"`
	Outputs []PinDef `json:"outputs"`
}

// Blueprint is the top-level loaded unit.
type Blueprint struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Description string                 `json:"description"`
	Service     *ServiceSpec           `json:"service"`
	Variables   map[string]VariableDef `json:"variables"`
	Nodes       []BlueprintNode        `json:"nodes"`
	Connections []Connection           `json:"connections"`
	Functions   map[string]FunctionDef `json:"functions"`
	Imports     []string               `json:"imports"`
	Exports     []string               `json:"exports"`
	Implements  []string               `json:"implements"`
}

func (bp *Blueprint) nodeByID(id string) (*BlueprintNode, bool) {
	for i := range bp.Nodes {
		if bp.Nodes[i].ID == id {
			return &bp.Nodes[i], true
		}
	}
	return nil, false
}

// connectionsFrom returns, in declaration order, every connection whose
// source is "fromNodeID.fromPin" (fromPin == "" matches any source pin on
// that node).
func connectionsFrom(conns []Connection, fromNodeID, fromPin string) []Connection {
	out := make([]Connection, 0)
	for _, c := range conns {
		nid, pin, err := c.FromNode()
		if err != nil || nid != fromNodeID {
			continue
		}
		if fromPin != "" && pin != fromPin {
			continue
		}
		out = append(out, c)
	}
	return out
}

func connectionTo(conns []Connection, toNodeID, toPin string) (Connection, bool) {
	for _, c := range conns {
		nid, pin, err := c.ToNode()
		if err != nil || nid != toNodeID || pin != toPin {
			continue
		}
		return c, true
	}
	return Connection{}, false
}

// ExecutionTrigger is the sum describing why an execution started.
type ExecutionTrigger interface{ isTrigger() }

type EventTrigger struct {
	Type string
	Data map[string]any
}
type ScheduleTrigger struct{ ID string }
type RequestTrigger struct{ Inputs map[string]any }
type ServiceStartTrigger struct{}
type ServiceStopTrigger struct{}
type ServiceRequestTrigger struct {
	ID      string
	Payload map[string]any
}
type ServiceEventTrigger struct {
	EventType string
	Data      map[string]any
}

func (EventTrigger) isTrigger()          {}
func (ScheduleTrigger) isTrigger()       {}
func (RequestTrigger) isTrigger()        {}
func (ServiceStartTrigger) isTrigger()   {}
func (ServiceStopTrigger) isTrigger()    {}
func (ServiceRequestTrigger) isTrigger() {}
func (ServiceEventTrigger) isTrigger()   {}

// NodeResult is the sum an executor's step returns.
type NodeResult interface{ isNodeResult() }

type ContinueResult struct{ ExecPin string }
type EndResult struct{}
type LatentResult struct{ State LatentState }
type ErrorResult struct{ Msg string }

func (ContinueResult) isNodeResult() {}
func (EndResult) isNodeResult()      {}
func (LatentResult) isNodeResult()   {}
func (ErrorResult) isNodeResult()    {}

// WakeCondition is the sum describing when a suspended node should resume.
type WakeCondition interface{ isWake() }

type DelayWake struct{ UntilMs int64 }
type EventWake struct {
	EventType string
	Filter    map[string]any
}
type PointChangedWake struct {
	Path      string
	Condition map[string]any
}
type IntervalWake struct {
	IntervalMs int64
	NextTickMs int64
	TimerID    string
	TickCount  int64
}

func (DelayWake) isWake()         {}
func (EventWake) isWake()         {}
func (PointChangedWake) isWake()  {}
func (IntervalWake) isWake()      {}

// LatentState describes a suspended node awaiting a WakeCondition.
type LatentState struct {
	NodeID    string
	ResumePin string
	Wake      WakeCondition
}

// ExecutionContext is the per-execution state the engine threads through a
// graph walk (I7: never read across executions).
type ExecutionContext struct {
	Blueprint   *Blueprint
	Variables   map[string]any
	NodeOutputs map[string]any // "nodeID.pin" -> value
	Trigger     ExecutionTrigger
	Outputs     map[string]any
}

func newExecutionContext(bp *Blueprint, trigger ExecutionTrigger) *ExecutionContext {
	vars := make(map[string]any, len(bp.Variables))
	for name, def := range bp.Variables {
		vars[name] = def.Default
	}
	return &ExecutionContext{
		Blueprint: bp, Variables: vars,
		NodeOutputs: make(map[string]any), Trigger: trigger, Outputs: make(map[string]any),
	}
}

func outputKey(nodeID, pin string) string { return nodeID + "." + pin }

// ExecutionResult is the sum an Execute call returns.
type ExecutionResult interface{ isExecutionResult() }

type CompletedResult struct{ Outputs map[string]any }
type SuspendedResult struct{ State LatentState }
type FailedResult struct{ Err string }

func (CompletedResult) isExecutionResult() {}
func (SuspendedResult) isExecutionResult() {}
func (FailedResult) isExecutionResult()    {}

// NodeContext is what an executor function receives.
type NodeContext struct {
	NodeID string
	Config map[string]any
	Inputs map[string]any
	ctx    *ExecutionContext
}

func (nc *NodeContext) GetVariable(name string) (any, bool) {
	v, ok := nc.ctx.Variables[name]
	return v, ok
}

func (nc *NodeContext) SetVariable(name string, v any) {
	nc.ctx.Variables[name] = v
}

// NodeOutput is what an executor returns: the pin values it produced, plus
// the control-flow result.
type NodeOutput struct {
	Values map[string]any
	Result NodeResult
}

// NodeExecutor implements a NodeDef's runtime behavior.
type NodeExecutor func(nc *NodeContext) NodeOutput
