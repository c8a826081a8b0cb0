// Package plugin implements the plugin actor (C8): it wraps one loaded
// JavaScript plugin with the common registry.Service contract, delegating
// every lifecycle and request call to the shared jsruntime.Pool.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo-automation/bar-core/internal/jsruntime"
	"github.com/neo-automation/bar-core/internal/registry"
)

const (
	stopTimeout    = 5 * time.Second
	requestTimeout = 30 * time.Second
)

// Actor bridges one plugin manifest to the registry.Service contract,
// forwarding Start/Stop/OnEvent/HandleRequest to the pool by plugin id
// (§4.6 "Plugin Actor").
type Actor struct {
	pluginID string
	manifest jsruntime.PluginManifest
	basePath string
	pool     *jsruntime.Pool
	tracker  *registry.StateTracker
}

func New(manifest jsruntime.PluginManifest, basePath string, pool *jsruntime.Pool) *Actor {
	return &Actor{
		pluginID: manifest.ID, manifest: manifest, basePath: basePath, pool: pool,
		tracker: registry.NewStateTracker(),
	}
}

func (a *Actor) HandleMsg(ctx context.Context, msg registry.ServiceMsg) registry.ServiceReply {
	switch m := msg.(type) {
	case registry.StartMsg:
		a.tracker.SetStarting()
		if err := a.pool.LoadPlugin(ctx, a.manifest, a.basePath); err != nil {
			a.tracker.SetFailed()
			return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: err.Error()}
		}
		a.tracker.SetRunning()
		return registry.ServiceReply{Kind: registry.ReplyStarted}

	case registry.StopMsg:
		a.tracker.SetStopping()
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		if err := a.pool.StopPlugin(stopCtx, a.pluginID); err != nil {
			a.tracker.SetFailed()
			return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: err.Error()}
		}
		a.tracker.SetStopped()
		return registry.ServiceReply{Kind: registry.ReplyStopped}

	case registry.GetStatusMsg:
		return registry.ServiceReply{Kind: registry.ReplyStatus, Status: &registry.StatusInfo{
			ID: a.pluginID, Name: a.manifest.Name, State: a.tracker.State(), UptimeSecs: a.tracker.UptimeSecs(),
		}}

	case registry.GetConfigMsg:
		return registry.ServiceReply{Kind: registry.ReplyConfig, Config: a.manifest.Config}

	case registry.SetConfigMsg:
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: "plugin configuration is fixed by its manifest"}

	case registry.OnEventMsg:
		if a.tracker.State() != registry.StateRunning {
			return registry.ServiceReply{Kind: registry.ReplyEventHandled}
		}
		eventJSON, err := json.Marshal(map[string]any{
			"event_type": m.Event.CanonicalType(), "topic": m.Event.Topic, "data": m.Event.Data,
		})
		if err == nil {
			_ = a.pool.SendEvent(ctx, a.pluginID, string(eventJSON))
		}
		return registry.ServiceReply{Kind: registry.ReplyEventHandled}

	case registry.HandleRequestMsg:
		return a.handleRequest(ctx, m)

	default:
		return registry.ServiceReply{Kind: registry.ReplyFailed, Reason: "unsupported message"}
	}
}

func (a *Actor) handleRequest(ctx context.Context, msg registry.HandleRequestMsg) registry.ServiceReply {
	if a.tracker.State() != registry.StateRunning {
		msg.Reply <- registry.ServiceResponse{Ok: false, Code: "NOT_RUNNING", Message: "plugin is not running"}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	reqJSON, err := json.Marshal(map[string]any{"action": msg.Request.Action, "payload": msg.Request.Payload})
	if err != nil {
		msg.Reply <- registry.ServiceResponse{Ok: false, Code: "PLUGIN_ERROR", Message: fmt.Sprintf("encode request: %v", err)}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
	}

	result, err := a.pool.HandleRequest(reqCtx, a.pluginID, string(reqJSON))
	if err != nil {
		msg.Reply <- registry.ServiceResponse{Ok: false, Code: "TIMEOUT", Message: err.Error()}
		return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
	}
	msg.Reply <- registry.ServiceResponse{Ok: result.Ok, Payload: result.Payload, Code: result.Code, Message: result.Message}
	return registry.ServiceReply{Kind: registry.ReplyRequestHandled}
}
