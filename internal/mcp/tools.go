package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/worker"
)

// Broker is the slice of *broker.Broker the tools use.
type Broker interface {
	AgentID() string
	NewMessage(to string, payload broker.Payload, priority broker.Priority) *broker.Message
	Publish(ctx context.Context, channel string, msg *broker.Message) (string, error)
	Collect(ctx context.Context, taskID string, timeout time.Duration) (*broker.Message, error)
	ReceiveOnce(ctx context.Context, channel string, timeout time.Duration) (string, error)
	StoreResult(ctx context.Context, taskID string, result map[string]any, status broker.ResultStatus) error
	Broadcast(ctx context.Context, action, message string) (string, error)
	Heartbeat(ctx context.Context) error
	HealthCheck(ctx context.Context) (*broker.HealthCheckResult, error)
	SetState(ctx context.Context, key string, value any, ttl time.Duration) error
	GetState(ctx context.Context, key string) (any, error)
	ListPending(ctx context.Context) ([]broker.PendingTask, error)
}

var _ Broker = (*broker.Broker)(nil)

const defaultWaitSeconds = 30

type tool struct {
	info ToolInfo
	run  func(ctx context.Context, args map[string]any) (any, error)
}

func swarmTools(b Broker) []tool {
	return []tool{
		{
			info: info("swarm_publish", "Publish a message to a worker (analyst or worker-analyst), the orchestrator, or broadcast.",
				[]string{"channel", "message_type", "payload"}, map[string]any{
					"channel":      prop("string", "Worker type, agent id, orchestrator, or broadcast"),
					"message_type": prop("string", "TASK, RESULT, BROADCAST, STATUS, HEARTBEAT or ERROR"),
					"payload":      prop("string", "Message payload as a JSON object"),
					"priority":     prop("string", "high, medium (default) or low"),
				}),
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return publish(ctx, b, args)
			},
		},
		{
			info: info("swarm_collect", "Wait for the result of a published task and consume it.",
				[]string{"task_id"}, map[string]any{
					"task_id":         prop("string", "Id returned by swarm_publish"),
					"timeout_seconds": prop("integer", "How long to wait (default 30)"),
				}),
			run: func(ctx context.Context, args map[string]any) (any, error) {
				id, err := requireString(args, "task_id")
				if err != nil {
					return nil, err
				}
				wait := waitArg(args)
				start := time.Now()
				msg, err := b.Collect(ctx, id, wait)
				if err != nil {
					return nil, err
				}
				if msg == nil {
					return map[string]any{
						"error":           "timeout",
						"message":         "timed out waiting for the result of " + id,
						"elapsed_seconds": time.Since(start).Seconds(),
					}, nil
				}
				raw, err := broker.Encode(msg)
				if err != nil {
					return nil, err
				}
				return json.RawMessage(raw), nil
			},
		},
		{
			info: info("swarm_state_set", "Store a shared state value.",
				[]string{"key", "value"}, map[string]any{
					"key":         prop("string", "State key"),
					"value":       prop("string", "Value, plain text or JSON"),
					"ttl_seconds": prop("integer", "Expiry in seconds (default: none)"),
				}),
			run: func(ctx context.Context, args map[string]any) (any, error) {
				key, err := requireString(args, "key")
				if err != nil {
					return nil, err
				}
				value, ok := args["value"].(string)
				if !ok {
					return nil, fmt.Errorf("missing argument: value")
				}
				ttl := time.Duration(intArg(args, "ttl_seconds", 0)) * time.Second
				if err := b.SetState(ctx, key, value, ttl); err != nil {
					return nil, err
				}
				return map[string]any{"success": true, "key": key}, nil
			},
		},
		{
			info: info("swarm_state_get", "Read a shared state value.",
				[]string{"key"}, map[string]any{"key": prop("string", "State key")}),
			run: func(ctx context.Context, args map[string]any) (any, error) {
				key, err := requireString(args, "key")
				if err != nil {
					return nil, err
				}
				v, err := b.GetState(ctx, key)
				if err != nil {
					return nil, err
				}
				return map[string]any{"key": key, "value": v, "exists": v != nil}, nil
			},
		},
		{
			info: info("swarm_health_check", "Report the liveness of every agent with a heartbeat.", nil, nil),
			run: func(ctx context.Context, _ map[string]any) (any, error) {
				return b.HealthCheck(ctx)
			},
		},
		{
			info: info("swarm_heartbeat", "Record that this agent is alive.", nil, nil),
			run: func(ctx context.Context, _ map[string]any) (any, error) {
				if err := b.Heartbeat(ctx); err != nil {
					return nil, err
				}
				return map[string]any{
					"success":   true,
					"agent":     b.AgentID(),
					"timestamp": float64(time.Now().UnixNano()) / 1e9,
				}, nil
			},
		},
		{
			info: info("swarm_broadcast", "Send an action (pause, resume, status, shutdown, context) to every worker.",
				[]string{"action"}, map[string]any{
					"action":  prop("string", "Action name"),
					"message": prop("string", "Optional message"),
				}),
			run: func(ctx context.Context, args map[string]any) (any, error) {
				action, err := requireString(args, "action")
				if err != nil {
					return nil, err
				}
				message, _ := args["message"].(string)
				id, err := b.Broadcast(ctx, action, message)
				if err != nil {
					return nil, err
				}
				return map[string]any{"success": true, "message_id": id, "action": action, "recipients": "all"}, nil
			},
		},
		{
			info: info("swarm_subscribe_once", "Wait for the next message on a channel (tasks, results, broadcast or swarm:<name>).",
				[]string{"channel"}, map[string]any{
					"channel":         prop("string", "Channel to listen on"),
					"timeout_seconds": prop("integer", "How long to wait (default 30)"),
				}),
			run: func(ctx context.Context, args map[string]any) (any, error) {
				channel, err := requireString(args, "channel")
				if err != nil {
					return nil, err
				}
				raw, err := b.ReceiveOnce(ctx, channel, waitArg(args))
				if err != nil {
					return nil, err
				}
				if raw == "" {
					return map[string]any{"error": "timeout", "channel": broker.SubscribeTopic(b.AgentID(), channel)}, nil
				}
				if json.Valid([]byte(raw)) {
					return json.RawMessage(raw), nil
				}
				return raw, nil
			},
		},
		{
			info: info("swarm_list_pending_tasks", "List dispatched messages that have no result yet.", nil, nil),
			run: func(ctx context.Context, _ map[string]any) (any, error) {
				tasks, err := b.ListPending(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"pending_tasks": tasks, "count": len(tasks)}, nil
			},
		},
		{
			info: info("swarm_store_result", "Store the result of a task for the orchestrator to collect.",
				[]string{"task_id", "result"}, map[string]any{
					"task_id": prop("string", "Id of the task being answered"),
					"result":  prop("string", "Result as a JSON object; other text is stored under raw"),
					"status":  prop("string", "success (default), partial or failed"),
				}),
			run: func(ctx context.Context, args map[string]any) (any, error) {
				id, err := requireString(args, "task_id")
				if err != nil {
					return nil, err
				}
				text, _ := args["result"].(string)
				status := broker.ResultStatus(stringOr(args, "status", string(broker.StatusSuccess)))
				switch status {
				case broker.StatusSuccess, broker.StatusPartial, broker.StatusFailed:
				default:
					return nil, fmt.Errorf("unknown status %q", status)
				}
				var result map[string]any
				if err := json.Unmarshal([]byte(text), &result); err != nil || result == nil {
					result = map[string]any{"raw": text}
				}
				if err := b.StoreResult(ctx, id, result, status); err != nil {
					return nil, err
				}
				return map[string]any{"success": true, "task_id": id, "stored_at": broker.ResultKey(id)}, nil
			},
		},
	}
}

func publish(ctx context.Context, b Broker, args map[string]any) (any, error) {
	channel, err := requireString(args, "channel")
	if err != nil {
		return nil, err
	}
	typeName, err := requireString(args, "message_type")
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	switch p := args["payload"].(type) {
	case string:
		raw = json.RawMessage(p)
	case map[string]any:
		if raw, err = json.Marshal(p); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("missing argument: payload")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload must be valid JSON")
	}

	msgType := broker.MessageType(strings.ToUpper(typeName))
	payload, err := broker.DecodePayload(msgType, raw)
	if err != nil {
		return nil, err
	}

	priority := broker.Priority(strings.ToLower(stringOr(args, "priority", string(broker.PriorityMedium))))
	switch priority {
	case broker.PriorityHigh, broker.PriorityMedium, broker.PriorityLow:
	default:
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	target := publishTarget(channel)
	msg := b.NewMessage(target, payload, priority)
	if msgType == broker.TypeBroadcast {
		msg.Metadata.TTL = broker.BroadcastTTLMillis
	}
	id, err := b.Publish(ctx, target, msg)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message_id": id, "channel": broker.PublishTopic(target)}, nil
}

// publishTarget maps a worker type or agent id onto the agent id workers
// listen as; broadcast and orchestrator targets pass through.
func publishTarget(channel string) string {
	switch channel {
	case "broadcast", "*", "orchestrator":
		return channel
	}
	return worker.AgentID(worker.TypeOf(channel))
}

func info(name, desc string, required []string, props map[string]any) ToolInfo {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return ToolInfo{Name: name, Description: desc, InputSchema: schema}
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing argument: %s", key)
	}
	return v, nil
}

func stringOr(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// intArg accepts JSON numbers and numeric strings.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n
		}
	}
	return fallback
}

func waitArg(args map[string]any) time.Duration {
	n := intArg(args, "timeout_seconds", defaultWaitSeconds)
	if n <= 0 {
		n = defaultWaitSeconds
	}
	return time.Duration(n) * time.Second
}
