package jsruntime

// bootstrapJS installs the globals every plugin module sees: defineService/
// defineNode, a console shim routed through the log op, and the Host object
// wrapping the native op-bridge in a friendlier JS surface. It is evaluated
// once per isolate before the plugin's own source (§4.6 "Plugin load
// protocol").
const bootstrapJS = `
var __neo_service = null;
var __neo_nodes = [];

function defineService(handlers) {
	__neo_service = handlers;
}

function defineNode(def) {
	__neo_nodes.push(def);
}

globalThis.console = {
	log:   function() { __neo_log("info", __neo_join(arguments)); },
	info:  function() { __neo_log("info", __neo_join(arguments)); },
	warn:  function() { __neo_log("warn", __neo_join(arguments)); },
	error: function() { __neo_log("error", __neo_join(arguments)); },
};

function __neo_join(args) {
	var parts = [];
	for (var i = 0; i < args.length; i++) {
		var a = args[i];
		parts.push(typeof a === "object" ? JSON.stringify(a) : String(a));
	}
	return parts.join(" ");
}

var Host = {
	config: function() { return JSON.parse(__neo_get_config()); },
	pluginId: function() { return __neo_get_plugin_id(); },
	nowMs: function() { return __neo_now_ms(); },
	publish: function(evt) { return __neo_event_publish(JSON.stringify(evt)); },
	pointRead: function(path) {
		var r = JSON.parse(__neo_point_read(path));
		if (r.error) throw new Error(r.error);
		return r.value;
	},
	pointWrite: function(path, value) {
		var r = JSON.parse(__neo_point_write(path, JSON.stringify(value)));
		if (r.error) throw new Error(r.error);
		return true;
	},
	listNodes: function() { return JSON.parse(__neo_blueprint_list_nodes()); },
	nodeCategories: function() { return JSON.parse(__neo_blueprint_get_categories()); },
};

function __neo_call_start_plugin() {
	if (__neo_service && typeof __neo_service.onStart === "function") __neo_service.onStart();
}

function __neo_call_stop_plugin() {
	if (__neo_service && typeof __neo_service.onStop === "function") __neo_service.onStop();
}

function __neo_call_event(eventJSON) {
	if (__neo_service && typeof __neo_service.onEvent === "function") {
		__neo_service.onEvent(JSON.parse(eventJSON));
	}
}

function __neo_call_request_json(requestJSON) {
	var req = JSON.parse(requestJSON);
	if (!__neo_service || typeof __neo_service.onRequest !== "function") {
		return JSON.stringify({ok: false, code: "PLUGIN_ERROR", message: "plugin has no onRequest handler"});
	}
	try {
		var result = __neo_service.onRequest(req);
		return JSON.stringify({ok: true, payload: result});
	} catch (e) {
		return JSON.stringify({ok: false, code: "PLUGIN_ERROR", message: String((e && e.message) || e)});
	}
}

var __neo_timers = [];
var __neo_timer_seq = 0;

function setTimeout(fn, delayMs) {
	var id = ++__neo_timer_seq;
	__neo_timers.push({id: id, fn: fn, due: __neo_now_ms() + (delayMs || 0), interval: null});
	return id;
}

function setInterval(fn, intervalMs) {
	var id = ++__neo_timer_seq;
	__neo_timers.push({id: id, fn: fn, due: __neo_now_ms() + (intervalMs || 0), interval: intervalMs || 0});
	return id;
}

function clearTimeout(id) { __neo_timers = __neo_timers.filter(function(t) { return t.id !== id; }); }
function clearInterval(id) { clearTimeout(id); }

function __neo_tick_timers() {
	var now = __neo_now_ms();
	var due = __neo_timers.filter(function(t) { return t.due <= now; });
	__neo_timers = __neo_timers.filter(function(t) { return t.due > now; });
	for (var i = 0; i < due.length; i++) {
		var t = due[i];
		try { t.fn(); } catch (e) { __neo_log("error", "timer error: " + ((e && e.message) || e)); }
		if (t.interval) {
			t.due = now + t.interval;
			__neo_timers.push(t);
		}
	}
}
`
