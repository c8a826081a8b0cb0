package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/neo-automation/bar-core/internal/blueprint"
	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/pubsub"
	"github.com/neo-automation/bar-core/internal/registry"
)

const pointRequestTimeout = 3 * time.Second

// publishEvent bridges the blueprint/plugin Publish(topic, data) closures
// onto the bus's Event{Topic,Type,Data}: if data carries its own
// "event_type" (as the plugin op-bridge's event_publish always does), that
// becomes the event's canonical routing type instead of falling back to
// the topic string.
func publishEvent(bus *pubsub.Broker, topic string, data map[string]any) {
	ev := pubsub.Event{Topic: topic, Data: data}
	if t, ok := data["event_type"].(string); ok && t != "" {
		ev.Type = t
	}
	bus.Publish(ev)
}

func logPluginMessage(log corelog.Logger, pluginID, level, msg string) {
	fields := []corelog.Field{corelog.String("plugin", pluginID)}
	switch strings.ToLower(level) {
	case "debug":
		log.Debug(msg, fields...)
	case "warn", "warning":
		log.Warn(msg, fields...)
	case "error":
		log.Error(msg, fields...)
	default:
		log.Info(msg, fields...)
	}
}

// pointPath identifies one BACnet property as "device_id/object_type/instance",
// e.g. "device-1/analog-input/3". This is the op-bridge's own addressing
// scheme: the field bus itself has no single string identifier for a point.
func parsePointPath(path string) (deviceID, objectType string, instance uint32, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("point path must be device_id/object_type/instance, got %q", path)
	}
	n, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return "", "", 0, fmt.Errorf("point path instance must be numeric: %w", err)
	}
	return parts[0], parts[1], uint32(n), nil
}

func pointRead(ctx context.Context, reg *registry.Registry, path string) (any, error) {
	deviceID, objectType, instance, err := parsePointPath(path)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, pointRequestTimeout)
	defer cancel()
	resp, err := reg.Request(reqCtx, "bacnet", registry.ServiceRequest{
		Action: "read",
		Payload: map[string]any{
			"device_id": deviceID, "object_type": objectType, "instance": instance,
		},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Ok {
		return nil, fmt.Errorf("%s: %s", resp.Code, resp.Message)
	}
	return resp.Payload["value"], nil
}

func pointWrite(ctx context.Context, reg *registry.Registry, path string, value any) error {
	deviceID, objectType, instance, err := parsePointPath(path)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, pointRequestTimeout)
	defer cancel()
	resp, err := reg.Request(reqCtx, "bacnet", registry.ServiceRequest{
		Action: "write",
		Payload: map[string]any{
			"device_id": deviceID, "object_type": objectType, "instance": instance, "value": value,
		},
	})
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("%s: %s", resp.Code, resp.Message)
	}
	return nil
}

func marshalNodeDefs(defs []blueprint.NodeDef) (string, error) {
	b, err := json.Marshal(defs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalStrings(ss []string) (string, error) {
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
