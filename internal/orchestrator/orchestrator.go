// Package orchestrator coordinates swarm workers. Each Execute call plans the
// task, dispatches subtasks over the broker with one of three strategies,
// collects results under timeouts and synthesizes a single outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/worker"
	"github.com/joss/swarm/pkg/llm"
)

// AgentID is the orchestrator's bus identity.
const AgentID = "orchestrator"

// Broker is the slice of *broker.Broker the orchestrator uses.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	NewMessage(to string, payload broker.Payload, priority broker.Priority) *broker.Message
	Publish(ctx context.Context, channel string, msg *broker.Message) (string, error)
	Collect(ctx context.Context, taskID string, timeout time.Duration) (*broker.Message, error)
	Broadcast(ctx context.Context, action, message string) (string, error)
	HealthCheck(ctx context.Context) (*broker.HealthCheckResult, error)
}

var _ Broker = (*broker.Broker)(nil)

// RunRecorder receives a summary of every Execute call.
type RunRecorder interface {
	Record(ctx context.Context, run RunRecord) error
}

// Options tunes an orchestrator. Zero fields take the defaults.
type Options struct {
	CollectTimeout  time.Duration
	ShutdownGrace   time.Duration
	MapReduceWorker string
	MaxChunks       int
	Model           string
	Recorder        RunRecorder
}

func (o Options) withDefaults() Options {
	if o.CollectTimeout <= 0 {
		o.CollectTimeout = 30 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 2 * time.Second
	}
	if o.MapReduceWorker == "" {
		o.MapReduceWorker = defaultWorker
	}
	if o.MaxChunks <= 0 {
		o.MaxChunks = 5
	}
	return o
}

// TaskResult is the outcome of one dispatched task. Success means a result
// was collected before the timeout.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Worker     string         `json:"worker"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result"`
	DurationMs int64          `json:"duration_ms"`
}

// WorkerOutput is one successful result as reported to the caller.
type WorkerOutput struct {
	Worker string         `json:"worker"`
	Result map[string]any `json:"result"`
}

// ExecutionResult is the structured outcome of Execute.
type ExecutionResult struct {
	Success           bool           `json:"success"`
	RunID             string         `json:"run_id,omitempty"`
	Strategy          Strategy       `json:"strategy,omitempty"`
	WorkersConsulted  int            `json:"workers_consulted"`
	WorkersSuccessful int            `json:"workers_successful"`
	WorkersFailed     int            `json:"workers_failed"`
	Synthesis         string         `json:"synthesis,omitempty"`
	RawResults        []WorkerOutput `json:"raw_results,omitempty"`
	ChunksProcessed   int            `json:"chunks_processed,omitempty"`
	AggregatedResult  string         `json:"aggregated_result,omitempty"`
	Error             string         `json:"error,omitempty"`
	Available         []string       `json:"available,omitempty"`
}

// Pending task states.
const (
	TaskPending   = "pending"
	TaskCollected = "collected"
	TaskTimedOut  = "timeout"
	TaskFailed    = "failed"
)

// PendingTask tracks a task this orchestrator dispatched.
type PendingTask struct {
	ID     string `json:"id"`
	Worker string `json:"worker"`
	Status string `json:"status"`
}

// Orchestrator plans, dispatches and aggregates swarm work.
type Orchestrator struct {
	broker Broker
	llm    llm.Completer
	log    *logging.Logger
	opts   Options

	mu      sync.Mutex
	pending map[string]*PendingTask
}

// New creates an orchestrator.
func New(b Broker, c llm.Completer, log *logging.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = logging.New("orchestrator")
	}
	return &Orchestrator{
		broker:  b,
		llm:     c,
		log:     log,
		opts:    opts.withDefaults(),
		pending: make(map[string]*PendingTask),
	}
}

// Execute runs one task end to end. A plan is always derived; auto uses the
// plan's strategy, any other strategy uses the plan's subtasks. Map-reduce
// chunks data, or the description when data is nil. Transport errors are
// returned; every other failure is reported in the result.
func (o *Orchestrator) Execute(ctx context.Context, description string, strategy Strategy, data any) (*ExecutionResult, error) {
	start := time.Now()
	if logging.RunID(ctx) == "" {
		ctx = logging.WithRunID(ctx, "")
	}
	log := o.log.Ctx(ctx)

	if err := o.broker.Connect(ctx); err != nil {
		return nil, err
	}

	plan := o.Plan(ctx, description)
	if strategy == "" || strategy == StrategyAuto {
		strategy = plan.Strategy
	}
	log.Info("execute_started",
		zap.String("strategy", string(strategy)),
		zap.Strings("workers", plan.Workers),
		zap.Int("subtasks", len(plan.Subtasks)))

	var (
		result *ExecutionResult
		err    error
	)
	switch strategy {
	case StrategyFanOut:
		result, err = o.FanOut(ctx, description, plan.Subtasks)
	case StrategyPipeline:
		result, err = o.Pipeline(ctx, description, plan.Subtasks)
	case StrategyMapReduce:
		if data == nil {
			data = description
		}
		result, err = o.MapReduce(ctx, description, data, o.opts.MapReduceWorker)
	default:
		result = &ExecutionResult{Error: fmt.Sprintf("unknown strategy: %s", strategy)}
	}
	if err != nil {
		return nil, err
	}

	result.RunID = logging.RunID(ctx)
	log.TimedEvent("execute_finished", start,
		zap.Bool("success", result.Success),
		zap.String("strategy", string(strategy)))
	o.record(ctx, description, strategy, result, time.Since(start))
	return result, nil
}

func (o *Orchestrator) record(ctx context.Context, description string, strategy Strategy, res *ExecutionResult, elapsed time.Duration) {
	if o.opts.Recorder == nil {
		return
	}
	run := RunRecord{
		RunID:       res.RunID,
		Description: description,
		Strategy:    string(strategy),
		Success:     res.Success,
		Consulted:   res.WorkersConsulted,
		Successful:  res.WorkersSuccessful,
		Failed:      res.WorkersFailed,
		DurationMs:  elapsed.Milliseconds(),
		Error:       res.Error,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.opts.Recorder.Record(ctx, run); err != nil {
		o.log.Ctx(ctx).Warn("run_record_failed", err)
	}
}

// dispatched is a published task awaiting collection.
type dispatched struct {
	id     string
	worker string
	start  time.Time
}

func (o *Orchestrator) dispatch(ctx context.Context, workerType string, task *broker.TaskPayload, priority broker.Priority) (dispatched, error) {
	to := worker.AgentID(workerType)
	msg := o.broker.NewMessage(to, task, priority)
	id, err := o.broker.Publish(ctx, to, msg)
	if err != nil {
		return dispatched{}, fmt.Errorf("dispatch to %s: %w", to, err)
	}

	o.mu.Lock()
	o.pending[id] = &PendingTask{ID: id, Worker: workerType, Status: TaskPending}
	o.mu.Unlock()

	o.log.Ctx(ctx).Debug("task_dispatched", zap.String("task_id", id), zap.String("worker", workerType))
	return dispatched{id: id, worker: workerType, start: time.Now()}, nil
}

// collect waits for one result. Only context cancellation is returned as an
// error; a timeout or an unreadable result becomes a failed TaskResult.
func (o *Orchestrator) collect(ctx context.Context, d dispatched, timeout time.Duration) (TaskResult, error) {
	msg, err := o.broker.Collect(ctx, d.id, timeout)
	tr := TaskResult{TaskID: d.id, Worker: d.worker, DurationMs: time.Since(d.start).Milliseconds()}

	switch {
	case err != nil && ctx.Err() != nil:
		return tr, ctx.Err()
	case err != nil:
		o.log.Ctx(ctx).Warn("collect_failed", err, zap.String("task_id", d.id))
		tr.Result = map[string]any{"error": err.Error()}
		o.setPending(d.id, TaskFailed)
	case msg == nil:
		tr.Result = map[string]any{"error": "timeout"}
		o.setPending(d.id, TaskTimedOut)
	default:
		tr.Success = true
		tr.Result = map[string]any{}
		if p, ok := msg.Result(); ok && p.Result != nil {
			tr.Result = p.Result
		}
		o.setPending(d.id, TaskCollected)
	}
	return tr, nil
}

// collectAll waits for every task concurrently; results keep dispatch order.
func (o *Orchestrator) collectAll(ctx context.Context, ds []dispatched, timeout time.Duration) ([]TaskResult, error) {
	results := make([]TaskResult, len(ds))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range ds {
		i, d := i, d
		g.Go(func() error {
			tr, err := o.collect(gctx, d, timeout)
			results[i] = tr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) setPending(id, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pending[id]; ok {
		p.Status = status
	}
}

// Pending returns every task this orchestrator dispatched, sorted by id.
func (o *Orchestrator) Pending() []PendingTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingTask, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Broadcast sends an action to every worker.
func (o *Orchestrator) Broadcast(ctx context.Context, action, message string) (string, error) {
	return o.broker.Broadcast(ctx, action, message)
}

// HealthCheck reports worker liveness.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*broker.HealthCheckResult, error) {
	if err := o.broker.Connect(ctx); err != nil {
		return nil, err
	}
	return o.broker.HealthCheck(ctx)
}

// Shutdown asks every worker to stop, waits ShutdownGrace and disconnects.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.log.Info("shutdown_started")
	_, berr := o.Broadcast(ctx, "shutdown", "Swarm shutting down")

	timer := time.NewTimer(o.opts.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	err := errors.Join(berr, o.broker.Disconnect())
	o.log.Info("shutdown_finished")
	return err
}
