package jsruntime

import (
	"fmt"

	"github.com/coreos/go-json"
	"modernc.org/quickjs"
)

// BridgeDeps wires the native op set a plugin isolate is allowed to reach:
// event publication, point I/O against the field bus, the wall clock, and
// read-only introspection of the blueprint node catalogue. One BridgeDeps is
// shared by every worker; each op closes over the plugin id it was
// registered for.
type BridgeDeps struct {
	Log           func(pluginID, level, msg string)
	Publish       func(topic string, data map[string]any)
	PointRead     func(path string) (any, error)
	PointWrite    func(path string, value any) error
	NowMs         func() int64
	ListNodes     func() (string, error)
	GetCategories func() (string, error)
}

// registerOps installs the op-bridge surface on vm for the given plugin:
// get_config, get_plugin_id, log, event_publish, point_read, point_write,
// now_ms, blueprint_list_nodes, blueprint_get_categories (§4.6).
func registerOps(vm *quickjs.VM, pluginID string, config map[string]any, deps BridgeDeps) error {
	configJSON := "{}"
	if config != nil {
		if b, err := json.Marshal(config); err == nil {
			configJSON = string(b)
		}
	}

	type reg struct {
		name  string
		fn    any
		async bool
	}
	regs := []reg{
		{"__neo_get_config", func() string { return configJSON }, false},
		{"__neo_get_plugin_id", func() string { return pluginID }, false},
		{"__neo_log", func(level, msg string) {
			if deps.Log != nil {
				deps.Log(pluginID, level, msg)
			}
		}, false},
		{"__neo_event_publish", func(eventJSON string) string {
			return publishFromJSON(pluginID, eventJSON, deps)
		}, false},
		{"__neo_point_read", func(path string) string {
			return pointReadJSON(path, deps)
		}, false},
		{"__neo_point_write", func(path, valueJSON string) string {
			return pointWriteJSON(path, valueJSON, deps)
		}, false},
		{"__neo_now_ms", func() float64 {
			if deps.NowMs != nil {
				return float64(deps.NowMs())
			}
			return 0
		}, false},
		{"__neo_blueprint_list_nodes", func() string {
			if deps.ListNodes == nil {
				return "[]"
			}
			out, err := deps.ListNodes()
			if err != nil {
				return "[]"
			}
			return out
		}, false},
		{"__neo_blueprint_get_categories", func() string {
			if deps.GetCategories == nil {
				return "[]"
			}
			out, err := deps.GetCategories()
			if err != nil {
				return "[]"
			}
			return out
		}, false},
	}
	for _, r := range regs {
		if err := vm.RegisterFunc(r.name, r.fn, r.async); err != nil {
			return fmt.Errorf("jsruntime: register op %s: %w", r.name, err)
		}
	}
	return nil
}

func publishFromJSON(pluginID, eventJSON string, deps BridgeDeps) string {
	var parsed struct {
		Topic string         `json:"topic"`
		Type  string         `json:"event_type"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(eventJSON), &parsed); err != nil {
		// Unparseable payloads still go out, wrapped as Custom, so a
		// malformed plugin call never silently drops an event.
		parsed = struct {
			Topic string         `json:"topic"`
			Type  string         `json:"event_type"`
			Data  map[string]any `json:"data"`
		}{Topic: "plugin/" + pluginID, Type: "Custom", Data: map[string]any{"source": pluginID, "raw": eventJSON}}
	}
	if parsed.Topic == "" {
		parsed.Topic = "plugin/" + pluginID
	}
	if deps.Publish != nil {
		deps.Publish(parsed.Topic, map[string]any{"event_type": parsed.Type, "data": parsed.Data, "source": pluginID})
	}
	return "true"
}

func pointReadJSON(path string, deps BridgeDeps) string {
	if deps.PointRead == nil {
		return `{"error":"point_read not available"}`
	}
	v, err := deps.PointRead(path)
	if err != nil {
		b, _ := json.Marshal(map[string]any{"error": err.Error()})
		return string(b)
	}
	b, err := json.Marshal(map[string]any{"value": v})
	if err != nil {
		return `{"error":"encode failed"}`
	}
	return string(b)
}

func pointWriteJSON(path, valueJSON string, deps BridgeDeps) string {
	if deps.PointWrite == nil {
		return `{"error":"point_write not available"}`
	}
	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return `{"error":"invalid value payload"}`
	}
	if err := deps.PointWrite(path, value); err != nil {
		b, _ := json.Marshal(map[string]any{"error": err.Error()})
		return string(b)
	}
	return `{"ok":true}`
}

// parseRequestResult decodes __neo_call_request_json's
// {ok,payload?,code?,message?} envelope into a RequestResult.
func parseRequestResult(raw string) RequestResult {
	var parsed struct {
		Ok      bool           `json:"ok"`
		Payload map[string]any `json:"payload"`
		Code    string         `json:"code"`
		Message string         `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return RequestResult{Ok: false, Code: "PLUGIN_ERROR", Message: "malformed plugin response: " + err.Error()}
	}
	if !parsed.Ok {
		return RequestResult{Ok: false, Code: parsed.Code, Message: parsed.Message}
	}
	if parsed.Payload != nil {
		return RequestResult{Ok: true, Payload: parsed.Payload}
	}
	// onRequest may legitimately return a non-object value (string, number,
	// array); surface it under a single "result" key since
	// RequestResult.Payload is a map.
	var anyPayload struct {
		Payload any `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &anyPayload); err == nil && anyPayload.Payload != nil {
		return RequestResult{Ok: true, Payload: map[string]any{"result": anyPayload.Payload}}
	}
	return RequestResult{Ok: true, Payload: map[string]any{}}
}
