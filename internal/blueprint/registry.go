package blueprint

// NodeRegistry is the node catalogue: NodeDef plus the executor bound to it.
type NodeRegistry struct {
	defs      map[string]NodeDef
	executors map[string]NodeExecutor
	order     []string
}

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{defs: make(map[string]NodeDef), executors: make(map[string]NodeExecutor)}
}

// Register adds a node type to the catalogue. Re-registering the same id
// replaces the previous definition, which lets hot-reloadable plugin-defined
// nodes (future work) override built-ins during development.
func (r *NodeRegistry) Register(def NodeDef, exec NodeExecutor) {
	if _, exists := r.defs[def.ID]; !exists {
		r.order = append(r.order, def.ID)
	}
	r.defs[def.ID] = def
	r.executors[def.ID] = exec
}

func (r *NodeRegistry) Lookup(nodeType string) (NodeDef, NodeExecutor, bool) {
	def, ok := r.defs[nodeType]
	if !ok {
		return NodeDef{}, nil, false
	}
	return def, r.executors[nodeType], true
}

func (r *NodeRegistry) Has(nodeType string) bool {
	_, ok := r.defs[nodeType]
	return ok
}

// Categories returns the distinct categories present, in first-seen order.
func (r *NodeRegistry) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range r.order {
		cat := r.defs[id].Category
		if !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}
	return out
}

// ListNodes returns every registered NodeDef in registration order.
func (r *NodeRegistry) ListNodes() []NodeDef {
	out := make([]NodeDef, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

func exec(name string) PinDef { return PinDef{Name: name, Direction: "out", Type: PinType{Kind: "exec"}} }
func execIn(name string) PinDef {
	return PinDef{Name: name, Direction: "in", Type: PinType{Kind: "exec"}}
}

func in(name string, t PinType) PinDef  { return PinDef{Name: name, Direction: "in", Type: t} }
func out(name string, t PinType) PinDef { return PinDef{Name: name, Direction: "out", Type: t} }

var (
	realT       = PinType{Kind: "real"}
	intT        = PinType{Kind: "integer"}
	boolT       = PinType{Kind: "boolean"}
	stringT     = PinType{Kind: "string"}
	anyT        = PinType{Kind: "any"}
	pointValueT = PinType{Kind: "point_value"}
)

// RegisterBuiltins installs the node catalogue this runtime ships with,
// covering service lifecycle hooks, branching, arithmetic, variables,
// timers, and bus interaction.
func RegisterBuiltins(r *NodeRegistry, deps BuiltinDeps) {
	r.Register(NodeDef{ID: "neo/OnServiceStart", Name: "On Service Start", Category: "service", Pins: []PinDef{exec("exec")}},
		func(nc *NodeContext) NodeOutput { return NodeOutput{Result: ContinueResult{ExecPin: "exec"}} })

	r.Register(NodeDef{ID: "neo/OnServiceStop", Name: "On Service Stop", Category: "service", Pins: []PinDef{exec("exec")}},
		func(nc *NodeContext) NodeOutput { return NodeOutput{Result: ContinueResult{ExecPin: "exec"}} })

	r.Register(NodeDef{ID: "neo/OnServiceRequest", Name: "On Service Request", Category: "service", Pins: []PinDef{
		exec("exec"), out("request_id", stringT), out("action", stringT), out("payload", anyT),
	}}, func(nc *NodeContext) NodeOutput {
		return NodeOutput{Values: nc.Inputs, Result: ContinueResult{ExecPin: "exec"}}
	})

	r.Register(NodeDef{ID: "neo/RespondToRequest", Name: "Respond To Request", Category: "service", Pins: []PinDef{
		execIn("exec"), in("request_id", stringT), in("success", boolT), in("response", anyT), exec("exec"),
	}}, func(nc *NodeContext) NodeOutput {
		if deps.RespondToRequest != nil {
			requestID, _ := nc.Inputs["request_id"].(string)
			success, _ := nc.Inputs["success"].(bool)
			deps.RespondToRequest(requestID, success, nc.Inputs["response"])
		}
		return NodeOutput{Result: ContinueResult{ExecPin: "exec"}}
	})

	r.Register(NodeDef{ID: "neo/OnEvent", Name: "On Event", Category: "event", Pins: []PinDef{
		exec("exec"), out("event_type", stringT), out("event_data", anyT),
	}}, func(nc *NodeContext) NodeOutput {
		return NodeOutput{Values: nc.Inputs, Result: ContinueResult{ExecPin: "exec"}}
	})

	r.Register(NodeDef{ID: "neo/Branch", Name: "Branch", Category: "flow", Pins: []PinDef{
		execIn("exec"), in("condition", boolT), exec("true"), exec("false"),
	}}, func(nc *NodeContext) NodeOutput {
		cond, _ := nc.Inputs["condition"].(bool)
		if cond {
			return NodeOutput{Result: ContinueResult{ExecPin: "true"}}
		}
		return NodeOutput{Result: ContinueResult{ExecPin: "false"}}
	})

	r.Register(NodeDef{ID: "neo/GetVariable", Name: "Get Variable", Category: "variable", Pure: true, Pins: []PinDef{
		out("value", anyT),
	}}, func(nc *NodeContext) NodeOutput {
		name, _ := nc.Config["variable"].(string)
		v, _ := nc.GetVariable(name)
		return NodeOutput{Values: map[string]any{"value": v}, Result: EndResult{}}
	})

	r.Register(NodeDef{ID: "neo/SetVariable", Name: "Set Variable", Category: "variable", Pins: []PinDef{
		execIn("exec"), in("value", anyT), exec("exec"),
	}}, func(nc *NodeContext) NodeOutput {
		name, _ := nc.Config["variable"].(string)
		nc.SetVariable(name, nc.Inputs["value"])
		return NodeOutput{Result: ContinueResult{ExecPin: "exec"}}
	})

	registerMath(r, "neo/Add", func(a, b float64) float64 { return a + b })
	registerMath(r, "neo/Subtract", func(a, b float64) float64 { return a - b })
	registerMath(r, "neo/Multiply", func(a, b float64) float64 { return a * b })
	registerMath(r, "neo/Divide", func(a, b float64) float64 {
		if b == 0 {
			return 0
		}
		return a / b
	})

	r.Register(NodeDef{ID: "neo/Compare", Name: "Compare", Category: "math", Pure: true, Pins: []PinDef{
		in("a", realT), in("b", realT), out("result", boolT),
	}}, func(nc *NodeContext) NodeOutput {
		a := asFloat(nc.Inputs["a"])
		b := asFloat(nc.Inputs["b"])
		op, _ := nc.Config["op"].(string)
		var result bool
		switch op {
		case "lt":
			result = a < b
		case "lte":
			result = a <= b
		case "gt":
			result = a > b
		case "gte":
			result = a >= b
		case "neq":
			result = a != b
		default:
			result = a == b
		}
		return NodeOutput{Values: map[string]any{"result": result}, Result: EndResult{}}
	})

	r.Register(NodeDef{ID: "neo/Log", Name: "Log", Category: "debug", Pins: []PinDef{
		execIn("exec"), in("message", stringT), exec("exec"),
	}}, func(nc *NodeContext) NodeOutput {
		if deps.Log != nil {
			msg, _ := nc.Inputs["message"].(string)
			deps.Log(msg)
		}
		return NodeOutput{Result: ContinueResult{ExecPin: "exec"}}
	})

	r.Register(NodeDef{ID: "neo/PublishEvent", Name: "Publish Event", Category: "event", Pins: []PinDef{
		execIn("exec"), in("topic", stringT), in("data", anyT), exec("exec"),
	}}, func(nc *NodeContext) NodeOutput {
		if deps.Publish != nil {
			topic, _ := nc.Inputs["topic"].(string)
			data, _ := nc.Inputs["data"].(map[string]any)
			deps.Publish(topic, data)
		}
		return NodeOutput{Result: ContinueResult{ExecPin: "exec"}}
	})

	r.Register(NodeDef{ID: "neo/Delay", Name: "Delay", Category: "timing", Latent: true, Pins: []PinDef{
		execIn("exec"), in("duration_ms", intT), exec("exec"),
	}}, func(nc *NodeContext) NodeOutput {
		durationMs := asInt64(nc.Inputs["duration_ms"])
		return NodeOutput{Result: LatentResult{State: LatentState{
			NodeID: nc.NodeID, ResumePin: "exec",
			Wake: DelayWake{UntilMs: deps.NowMs() + durationMs},
		}}}
	})

	r.Register(NodeDef{ID: "neo/Interval", Name: "Interval", Category: "timing", Latent: true, Pins: []PinDef{
		execIn("exec"), in("interval_ms", intT), exec("tick"), out("tick_count", intT),
	}}, func(nc *NodeContext) NodeOutput {
		intervalMs := asInt64(nc.Inputs["interval_ms"])
		timerID, _ := nc.Config["__timer_id"].(string)
		if timerID == "" {
			timerID = nc.NodeID
		}
		return NodeOutput{Result: LatentResult{State: LatentState{
			NodeID: nc.NodeID, ResumePin: "tick",
			Wake: IntervalWake{IntervalMs: intervalMs, NextTickMs: deps.NowMs() + intervalMs, TimerID: timerID, TickCount: 0},
		}}}
	})

	r.Register(NodeDef{ID: "neo/WaitForEvent", Name: "Wait For Event", Category: "flow control", Latent: true, Pins: []PinDef{
		execIn("exec"), in("event_type", stringT), exec("received"), out("event_data", anyT),
	}, Description: "Pause execution until a specific event type is received."},
		func(nc *NodeContext) NodeOutput {
			eventType, _ := nc.Inputs["event_type"].(string)
			return NodeOutput{Result: LatentResult{State: LatentState{
				NodeID: nc.NodeID, ResumePin: "received",
				Wake: EventWake{EventType: eventType},
			}}}
		})

	r.Register(NodeDef{ID: "neo/WaitForPointChange", Name: "Wait For Point Change", Category: "flow control", Latent: true, Pins: []PinDef{
		execIn("exec"), in("point_path", stringT), exec("changed"), out("new_value", pointValueT),
	}, Description: "Pause execution until a specific point value changes."},
		func(nc *NodeContext) NodeOutput {
			pointPath, _ := nc.Inputs["point_path"].(string)
			return NodeOutput{Result: LatentResult{State: LatentState{
				NodeID: nc.NodeID, ResumePin: "changed",
				Wake: PointChangedWake{Path: pointPath},
			}}}
		})

	// Function-call nodes are intercepted by the engine before generic
	// dispatch (their arguments and return values are named dynamically per
	// function, which a single catalogue entry's static pins can't express),
	// so these executors are never actually invoked; they exist so the
	// catalogue and hot-reload validation recognize the node type.
	r.Register(NodeDef{ID: "neo/CallFunction", Name: "Call Function", Category: "function", Pins: []PinDef{
		execIn("exec"), exec("exec"),
	}, Description: "Calls a function defined on this blueprint (config.function)."},
		func(nc *NodeContext) NodeOutput { return NodeOutput{Result: ContinueResult{ExecPin: "exec"}} })

	r.Register(NodeDef{ID: "neo/CallExternal", Name: "Call External", Category: "function", Pins: []PinDef{
		execIn("exec"), exec("exec"),
	}, Description: "Calls a function on an imported blueprint (config.blueprint, config.function)."},
		func(nc *NodeContext) NodeOutput { return NodeOutput{Result: ContinueResult{ExecPin: "exec"}} })

	// __entry__/__exit__ are the two reserved nodes every FunctionDef's node
	// set must contain exactly one of. Like the blueprint-level trigger
	// nodes (neo/OnServiceStart et al.), the graph walk treats them as
	// positions whose outputs/inputs are seeded or read directly rather than
	// produced by invoking these executors.
	r.Register(NodeDef{ID: "neo/FunctionEntry", Name: "Function Entry", Category: "function", Pins: []PinDef{
		exec("exec"),
	}, Description: "Marks a function's entry point; its output pins carry the function's declared inputs."},
		func(nc *NodeContext) NodeOutput { return NodeOutput{Result: ContinueResult{ExecPin: "exec"}} })

	r.Register(NodeDef{ID: "neo/FunctionExit", Name: "Function Exit", Category: "function", Pins: []PinDef{
		execIn("exec"),
	}, Description: "Marks a function's exit point; its input pins carry the function's declared outputs."},
		func(nc *NodeContext) NodeOutput { return NodeOutput{Result: EndResult{}} })
}

func registerMath(r *NodeRegistry, id string, op func(a, b float64) float64) {
	r.Register(NodeDef{ID: id, Name: id, Category: "math", Pure: true, Pins: []PinDef{
		in("a", realT), in("b", realT), out("result", realT),
	}}, func(nc *NodeContext) NodeOutput {
		result := op(asFloat(nc.Inputs["a"]), asFloat(nc.Inputs["b"]))
		return NodeOutput{Values: map[string]any{"result": result}, Result: EndResult{}}
	})
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}

// BuiltinDeps wires built-in nodes that need to reach outside the graph
// (logging, bus publication, the wall clock, the owning adapter's
// request-completion path) without the node registry importing those
// packages directly.
type BuiltinDeps struct {
	Log              func(msg string)
	Publish          func(topic string, data map[string]any)
	NowMs            func() int64
	RespondToRequest func(requestID string, success bool, response any)
}

func (d BuiltinDeps) withDefaults() BuiltinDeps {
	if d.NowMs == nil {
		d.NowMs = func() int64 { return 0 }
	}
	return d
}
