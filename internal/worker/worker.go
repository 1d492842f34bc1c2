// Package worker runs one swarm worker: it listens for tasks addressed to
// its identity, answers each with a bounded completion/tool loop, and keeps
// a heartbeat so the orchestrator can see it is alive.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/tools"
	"github.com/joss/swarm/pkg/llm"
)

// IDPrefix is prepended to a worker type to form its bus identity.
const IDPrefix = "worker-"

// AgentID returns the bus identity for a worker type.
func AgentID(typeName string) string { return IDPrefix + typeName }

// TypeOf strips IDPrefix from an agent id.
func TypeOf(agentID string) string { return strings.TrimPrefix(agentID, IDPrefix) }

// Broker is the slice of *broker.Broker a worker uses.
type Broker interface {
	AgentID() string
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(ctx context.Context, channels []string, handler broker.Handler) error
	Listen(ctx context.Context) error
	StoreResult(ctx context.Context, taskID string, result map[string]any, status broker.ResultStatus) error
	Heartbeat(ctx context.Context) error
	SetState(ctx context.Context, key string, value any, ttl time.Duration) error
	GetState(ctx context.Context, key string) (any, error)
}

var _ Broker = (*broker.Broker)(nil)

// Options tunes a worker. Zero fields take the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	MaxTurns          int
	// DefaultModel is used when the type has no model.
	DefaultModel string
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = 20
	}
	return o
}

// Worker executes tasks for one worker type.
type Worker struct {
	typ      Type
	broker   Broker
	llm      llm.Completer
	tools    *tools.Registry
	log      *logging.Logger
	opts     Options
	recovery *logging.RecoveryHandler

	mu          sync.Mutex
	running     bool
	currentTask string
	stopListen  context.CancelFunc
	hbCancel    context.CancelFunc
	hbDone      chan struct{}
}

// New creates a worker. The broker's agent id is the worker's identity.
func New(typ Type, b Broker, c llm.Completer, reg *tools.Registry, log *logging.Logger, opts Options) *Worker {
	if log == nil {
		log = logging.New("worker")
	}
	if reg == nil {
		reg = tools.NewRegistry()
	}
	log = log.WithWorker(b.AgentID())
	return &Worker{
		typ:      typ,
		broker:   b,
		llm:      c,
		tools:    reg,
		log:      log,
		opts:     opts.withDefaults(),
		recovery: logging.NewRecoveryHandler("worker", log),
	}
}

// ID returns the worker's bus identity.
func (w *Worker) ID() string { return w.broker.AgentID() }

// Running reports whether the worker accepts tasks.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// CurrentTask returns the id of the task in progress, or "".
func (w *Worker) CurrentTask() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTask
}

func (w *Worker) model() string {
	if w.typ.Model != "" {
		return w.typ.Model
	}
	return w.opts.DefaultModel
}

// Start registers the worker, subscribes to its task and broadcast topics,
// starts heartbeats and blocks listening until ctx ends, a shutdown
// broadcast arrives, or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.broker.Connect(ctx); err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.running = true
	w.stopListen = cancel
	w.mu.Unlock()

	if err := w.broker.SetState(ctx, "agents:"+w.ID(), map[string]any{
		"type":       w.typ.Name,
		"status":     "running",
		"started_at": time.Now().Unix(),
	}, 0); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	if err := w.broker.Subscribe(ctx, []string{"tasks", "broadcast"}, w.HandleMessage); err != nil {
		return err
	}

	w.startHeartbeat(listenCtx)
	defer w.stopHeartbeat()

	w.log.Info("worker_started", zap.String("type", w.typ.Name), zap.String("model", w.model()))
	return w.broker.Listen(listenCtx)
}

// Stop halts heartbeats and listening, records the stopped state and disconnects.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.running = false
	if w.stopListen != nil {
		w.stopListen()
	}
	w.mu.Unlock()
	w.stopHeartbeat()

	if err := w.broker.SetState(ctx, "agents:"+w.ID(), map[string]any{
		"type":   w.typ.Name,
		"status": "stopped",
	}, 0); err != nil {
		w.log.Warn("stop_state_failed", err)
	}
	err := w.broker.Disconnect()
	w.log.Info("worker_stopped")
	return err
}

func (w *Worker) startHeartbeat(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.hbCancel = cancel
	w.hbDone = done
	w.mu.Unlock()

	logging.SafeGo(w.log, "heartbeat", func() {
		defer close(done)
		w.beat(hbCtx)

		ticker := time.NewTicker(w.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				w.beat(hbCtx)
			}
		}
	})
}

func (w *Worker) beat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := w.broker.Heartbeat(ctx); err != nil && ctx.Err() == nil {
		w.log.Warn("heartbeat_failed", err)
	}
}

// stopHeartbeat cancels the heartbeat goroutine and waits for it to exit.
func (w *Worker) stopHeartbeat() {
	w.mu.Lock()
	cancel, done := w.hbCancel, w.hbDone
	w.hbCancel, w.hbDone = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// HandleMessage is the broker handler for the task and broadcast topics.
func (w *Worker) HandleMessage(ctx context.Context, msg *broker.Message) error {
	switch p := msg.Payload.(type) {
	case *broker.TaskPayload:
		return w.handleTask(ctx, msg.ID, p)
	case *broker.BroadcastPayload:
		return w.handleBroadcast(ctx, p)
	default:
		w.log.Debug("message_ignored", zap.String("type", string(msg.Type)), zap.String("id", msg.ID))
		return nil
	}
}

func (w *Worker) handleTask(ctx context.Context, taskID string, task *broker.TaskPayload) error {
	w.log.Info("task_received", zap.String("task_id", taskID), zap.String("strategy", task.Strategy))
	start := time.Now()

	w.mu.Lock()
	w.currentTask = taskID
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.currentTask = ""
		w.mu.Unlock()
	}()

	result := w.ProcessTask(ctx, taskID, task.Instruction)
	status := broker.StatusSuccess
	if ok, _ := result["success"].(bool); !ok {
		status = broker.StatusFailed
	}

	if err := w.broker.StoreResult(ctx, taskID, result, status); err != nil {
		return fmt.Errorf("store result %s: %w", taskID, err)
	}
	w.log.TimedEvent("task_completed", start, zap.String("task_id", taskID), zap.String("status", string(status)))
	return nil
}

func (w *Worker) handleBroadcast(ctx context.Context, p *broker.BroadcastPayload) error {
	w.log.Info("broadcast_received", zap.String("action", p.Action))

	switch p.Action {
	case "shutdown":
		w.mu.Lock()
		w.running = false
		stop := w.stopListen
		w.mu.Unlock()
		w.stopHeartbeat()
		if stop != nil {
			stop()
		}
	case "status":
		w.mu.Lock()
		status := broker.StatusPayload{
			AgentID:     w.ID(),
			AgentType:   w.typ.Name,
			Running:     w.running,
			CurrentTask: w.currentTask,
		}
		w.mu.Unlock()
		return w.broker.SetState(ctx, "status:"+w.ID(), status, 60*time.Second)
	default:
		w.log.Warn("broadcast_unknown_action", nil, zap.String("action", p.Action))
	}
	return nil
}

// ProcessTask runs the completion loop for one instruction and always
// returns a result map: {success, output, model} on success or
// {success:false, error, model} on failure.
func (w *Worker) ProcessTask(ctx context.Context, taskID, instruction string) map[string]any {
	var result map[string]any
	err := w.recovery.WrapError(func() error {
		var err error
		result, err = w.runLoop(ctx, taskID, instruction)
		return err
	})
	if err != nil {
		w.log.Warn("task_failed", err, zap.String("task_id", taskID))
		return map[string]any{
			"success": false,
			"error":   err.Error(),
			"model":   w.model(),
		}
	}
	return result
}

func (w *Worker) runLoop(ctx context.Context, taskID, instruction string) (map[string]any, error) {
	ctx = tools.WithTaskID(ctx, taskID)
	messages := []llm.Message{llm.UserText(instruction)}
	defs := w.tools.Select(w.typ.Tools)

	var temperature *float64
	if w.typ.Temperature > 0 {
		temperature = llm.Float(w.typ.Temperature)
	}

	for turn := 0; turn < w.opts.MaxTurns; turn++ {
		resp, err := w.llm.Complete(ctx, &llm.Request{
			Model:       w.model(),
			System:      w.typ.Prompt,
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   w.typ.MaxTokens,
			Temperature: temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("completion: %w", err)
		}

		switch resp.StopReason {
		case llm.StopEndTurn:
			return map[string]any{
				"success": true,
				"output":  resp.Text(),
				"model":   w.model(),
			}, nil
		case llm.StopToolUse:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: w.runTools(ctx, resp.ToolCalls())})
		default:
			return nil, fmt.Errorf("unexpected stop reason %q", resp.StopReason)
		}
	}
	return nil, fmt.Errorf("no final answer after %d turns", w.opts.MaxTurns)
}

func (w *Worker) runTools(ctx context.Context, calls []llm.ContentBlock) []llm.ContentBlock {
	results := make([]llm.ContentBlock, 0, len(calls))
	for _, call := range calls {
		if !w.typ.HasTool(call.Name) {
			results = append(results, llm.ToolResultBlock(call.ID, fmt.Sprintf("Error: tool %s is not available to %s", call.Name, w.typ.Name), true))
			continue
		}
		out, isErr := w.tools.Run(ctx, call.Name, call.Input)
		w.log.Debug("tool_called", zap.String("tool", call.Name), zap.Bool("error", isErr))
		results = append(results, llm.ToolResultBlock(call.ID, out, isErr))
	}
	return results
}
