package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/logging"
)

const twoWorkerPlan = `{"strategy":"fan-out","workers":["analyst","coder"],
	"subtasks":[{"worker":"analyst","instruction":"analyze"},{"worker":"coder","instruction":"implement"}]}`

const threeStagePlan = `{"strategy":"pipeline","workers":["analyst","coder","reviewer"],
	"subtasks":[{"worker":"analyst","instruction":"design"},{"worker":"coder","instruction":"build"},{"worker":"reviewer","instruction":"review"}]}`

func newTestOrchestrator(b *fakeBroker, c *fakeLLM, opts Options) *Orchestrator {
	if opts.CollectTimeout == 0 {
		opts.CollectTimeout = time.Second
	}
	return New(b, c, logging.Nop(), opts)
}

func TestFanOutOnlyAliveWorkers(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	b.reply("analyst", echo)
	c := &fakeLLM{plan: twoWorkerPlan}
	o := newTestOrchestrator(b, c, Options{})

	res, err := o.Execute(context.Background(), "add login", StrategyAuto, nil)
	require.NoError(t, err)

	sent := b.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "worker-analyst", sent[0].To)
	assert.Equal(t, broker.PriorityMedium, sent[0].Metadata.Priority)
	task, _ := sent[0].Task()
	assert.Equal(t, "[FAN-OUT] analyze\n\nOriginal task: add login", task.Instruction)
	assert.Equal(t, "fan-out", task.Strategy)

	assert.True(t, res.Success)
	assert.Equal(t, StrategyFanOut, res.Strategy)
	assert.Equal(t, 1, res.WorkersConsulted)
	assert.Equal(t, 1, res.WorkersSuccessful)
	assert.Equal(t, 0, res.WorkersFailed)
	assert.Equal(t, "synthesis", res.Synthesis)
	require.Len(t, res.RawResults, 1)
	assert.Equal(t, "analyst", res.RawResults[0].Worker)
	assert.NotEmpty(t, res.RunID)
	assert.Contains(t, c.lastPrompt(orchestratorPrompt), "FAILED WORKERS: None")
}

func TestFanOutNoWorkerAvailable(t *testing.T) {
	b := newFakeBroker("worker-researcher")
	o := newTestOrchestrator(b, &fakeLLM{plan: twoWorkerPlan}, Options{})

	res, err := o.Execute(context.Background(), "add login", StrategyFanOut, nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "no worker available", res.Error)
	assert.Equal(t, []string{"researcher"}, res.Available)
	assert.Empty(t, b.sent())
}

func TestFanOutTimeoutIsFailureEntry(t *testing.T) {
	b := newFakeBroker("worker-analyst", "worker-coder")
	b.reply("analyst", echo)
	c := &fakeLLM{plan: twoWorkerPlan}
	o := newTestOrchestrator(b, c, Options{CollectTimeout: 3 * time.Second})

	res, err := o.Execute(context.Background(), "add login", StrategyFanOut, nil)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.WorkersConsulted)
	assert.Equal(t, 1, res.WorkersSuccessful)
	assert.Equal(t, 1, res.WorkersFailed)
	assert.Contains(t, c.lastPrompt(orchestratorPrompt), "FAILED WORKERS: coder")
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, b.timeouts)

	pending := o.Pending()
	require.Len(t, pending, 2)
	statuses := map[string]string{}
	for _, p := range pending {
		statuses[p.Worker] = p.Status
	}
	assert.Equal(t, map[string]string{"analyst": TaskCollected, "coder": TaskTimedOut}, statuses)
}

func TestFanOutCollectsConcurrently(t *testing.T) {
	b := newFakeBroker("worker-analyst", "worker-coder")
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	slow := func(task *broker.TaskPayload) map[string]any {
		started <- struct{}{}
		<-release
		return echo(task)
	}
	b.reply("analyst", slow)
	b.reply("coder", slow)
	o := newTestOrchestrator(b, &fakeLLM{}, Options{})

	done := make(chan *ExecutionResult, 1)
	go func() {
		res, _ := o.FanOut(context.Background(), "x", []Subtask{{"analyst", "a"}, {"coder", "b"}})
		done <- res
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("collections did not run concurrently")
		}
	}
	close(release)

	res := <-done
	require.Len(t, res.RawResults, 2)
	assert.Equal(t, "analyst", res.RawResults[0].Worker, "dispatch order is kept")
	assert.Equal(t, "coder", res.RawResults[1].Worker)
}

func TestPipelineStopsAtFirstTimeout(t *testing.T) {
	b := newFakeBroker()
	b.reply("analyst", func(*broker.TaskPayload) map[string]any { return map[string]any{"design": "three layers"} })
	b.reply("coder", func(*broker.TaskPayload) map[string]any { return nil })
	b.reply("reviewer", echo)
	c := &fakeLLM{plan: threeStagePlan}
	o := newTestOrchestrator(b, c, Options{CollectTimeout: time.Second})

	res, err := o.Execute(context.Background(), "ship feature", StrategyAuto, nil)
	require.NoError(t, err)

	sent := b.sent()
	require.Len(t, sent, 2, "reviewer is never dispatched")
	assert.Equal(t, broker.PriorityHigh, sent[0].Metadata.Priority)

	first, _ := sent[0].Task()
	require.NotNil(t, first.Stage)
	assert.Equal(t, 0, *first.Stage)
	assert.Contains(t, first.Instruction, "[PIPELINE STAGE 1/3]")

	second, _ := sent[1].Task()
	assert.Equal(t, 1, *second.Stage)
	assert.Contains(t, second.Instruction, "ship feature\n\n[OUTPUT ANALYST]:\n{\n  \"design\": \"three layers\"\n}")

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, b.timeouts)
	assert.Equal(t, 2, res.WorkersConsulted)
	assert.Equal(t, 1, res.WorkersSuccessful)
	assert.Equal(t, 1, res.WorkersFailed)
	assert.Equal(t, StrategyPipeline, res.Strategy)
}

func TestPipelineAccumulatesInOrder(t *testing.T) {
	b := newFakeBroker()
	for _, w := range []string{"analyst", "coder", "reviewer"} {
		w := w
		b.reply(w, func(*broker.TaskPayload) map[string]any { return map[string]any{"by": w} })
	}
	o := newTestOrchestrator(b, &fakeLLM{}, Options{})

	_, err := o.Pipeline(context.Background(), "task", []Subtask{{"analyst", "a"}, {"coder", "b"}, {"reviewer", "c"}})
	require.NoError(t, err)

	third, _ := b.sent()[2].Task()
	ia := strings.Index(third.Instruction, "[OUTPUT ANALYST]")
	ic := strings.Index(third.Instruction, "[OUTPUT CODER]")
	require.GreaterOrEqual(t, ia, 0)
	require.GreaterOrEqual(t, ic, 0)
	assert.Less(t, ia, ic)
}

func TestMapReduce(t *testing.T) {
	b := newFakeBroker()
	b.reply("analyst", func(task *broker.TaskPayload) map[string]any {
		if *task.Chunk == 2 {
			return nil
		}
		return map[string]any{"chunk": *task.Chunk}
	})
	c := &fakeLLM{}
	o := newTestOrchestrator(b, c, Options{})

	data := []any{1, 2, 3, 4, 5, 6, 7}
	res, err := o.Execute(context.Background(), "sum numbers", StrategyMapReduce, data)
	require.NoError(t, err)

	sent := b.sent()
	require.Len(t, sent, 4)
	for i, m := range sent {
		task, _ := m.Task()
		require.NotNil(t, task.Chunk)
		assert.Equal(t, i, *task.Chunk)
		assert.Equal(t, "map-reduce", task.Strategy)
		assert.Equal(t, "worker-analyst", m.To)
	}
	last, _ := sent[3].Task()
	assert.Contains(t, last.Instruction, "[MAP-REDUCE CHUNK 4/4]")
	assert.Contains(t, last.Instruction, "[7]")

	assert.True(t, res.Success)
	assert.Equal(t, StrategyMapReduce, res.Strategy)
	assert.Equal(t, 3, res.ChunksProcessed)
	assert.Equal(t, "reduced", res.AggregatedResult)
	assert.Contains(t, c.lastPrompt(reducerPrompt), "CHUNK RESULTS (3)")
}

func TestMapReduceUsesDescriptionAndConfiguredWorker(t *testing.T) {
	b := newFakeBroker()
	b.reply("researcher", echo)
	o := newTestOrchestrator(b, &fakeLLM{}, Options{MapReduceWorker: "researcher"})

	res, err := o.Execute(context.Background(), "line one\nline two", StrategyMapReduce, nil)
	require.NoError(t, err)

	sent := b.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "worker-researcher", sent[0].To)
	assert.Equal(t, 2, res.ChunksProcessed)
}

func TestMapReduceReduceFailure(t *testing.T) {
	b := newFakeBroker()
	b.reply("analyst", echo)
	o := newTestOrchestrator(b, &fakeLLM{reduceErr: errors.New("overloaded")}, Options{})

	res, err := o.MapReduce(context.Background(), "x", "a\nb", "analyst")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ChunksProcessed)
	assert.Contains(t, res.Error, "overloaded")
}

func TestChunk(t *testing.T) {
	sizes := func(chunks []any) []int {
		var out []int
		for _, c := range chunks {
			out = append(out, len(c.([]any)))
		}
		return out
	}
	seq := func(n int) []int {
		s := make([]int, n)
		for i := range s {
			s[i] = i
		}
		return s
	}

	assert.Equal(t, []int{3, 3, 3, 3}, sizes(Chunk(seq(12), 5)))
	assert.Equal(t, []int{2, 2, 2, 1}, sizes(Chunk(seq(7), 5)))
	assert.Equal(t, []int{1, 1, 1}, sizes(Chunk(seq(3), 5)))
	assert.Equal(t, []int{2, 2, 2, 2, 2}, sizes(Chunk(seq(10), 5)))
	assert.Empty(t, Chunk([]string{}, 5))

	first := Chunk(seq(7), 5)[0].([]any)
	assert.Equal(t, []any{0, 1}, first)

	text := Chunk("a\nb\nc\nd\ne\nf\ng", 5)
	assert.Equal(t, []any{"a\nb", "c\nd", "e\nf", "g"}, text)

	assert.Equal(t, []any{map[string]any{"k": 1}}, Chunk(map[string]any{"k": 1}, 5))
	assert.Equal(t, []any{42}, Chunk(42, 5))
}

func TestExecuteRequestedStrategyUsesPlanSubtasks(t *testing.T) {
	b := newFakeBroker()
	b.reply("analyst", echo)
	b.reply("coder", echo)
	o := newTestOrchestrator(b, &fakeLLM{plan: twoWorkerPlan}, Options{})

	res, err := o.Execute(context.Background(), "x", StrategyPipeline, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyPipeline, res.Strategy)
	assert.Len(t, b.sent(), 2)
}

func TestExecuteUnknownPlanStrategy(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	o := newTestOrchestrator(b, &fakeLLM{plan: `{"strategy":"round-robin"}`}, Options{})

	res, err := o.Execute(context.Background(), "x", StrategyAuto, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown strategy: round-robin", res.Error)
	assert.Empty(t, b.sent())
}

func TestExecuteConnectFailure(t *testing.T) {
	b := newFakeBroker()
	b.connectErr = errors.New("connection refused")
	c := &fakeLLM{}
	o := newTestOrchestrator(b, c, Options{})

	_, err := o.Execute(context.Background(), "x", StrategyAuto, nil)
	require.Error(t, err)
	assert.Empty(t, c.requests, "nothing is planned without a transport")
}

func TestExecutePublishFailure(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	b.publishErr = errors.New("broken pipe")
	o := newTestOrchestrator(b, &fakeLLM{}, Options{})

	_, err := o.Execute(context.Background(), "x", StrategyFanOut, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker-analyst")
}

func TestSynthesisFailureKeepsCounts(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	b.reply("analyst", echo)
	o := newTestOrchestrator(b, &fakeLLM{synthErr: errors.New("500")}, Options{})

	res, err := o.Execute(context.Background(), "x", StrategyFanOut, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.WorkersSuccessful)
	assert.Len(t, res.RawResults, 1)
	assert.Contains(t, res.Error, "synthesis")
}

func TestExecuteRecordsRun(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	b.reply("analyst", echo)
	rec := &memRecorder{}
	o := newTestOrchestrator(b, &fakeLLM{}, Options{Recorder: rec})

	ctx := logging.WithRunID(context.Background(), "run-fixed")
	res, err := o.Execute(ctx, "describe repo", StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", res.RunID)

	require.Len(t, rec.runs, 1)
	run := rec.runs[0]
	assert.Equal(t, "run-fixed", run.RunID)
	assert.Equal(t, "describe repo", run.Description)
	assert.Equal(t, "fan-out", run.Strategy)
	assert.True(t, run.Success)
	assert.Equal(t, 1, run.Consulted)
	assert.False(t, run.CreatedAt.IsZero())
}

func TestExecuteCancelled(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	b.reply("analyst", func(*broker.TaskPayload) map[string]any { return nil })
	o := New(&cancellingBroker{fakeBroker: b}, &fakeLLM{}, logging.Nop(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.FanOut(ctx, "x", []Subtask{{"analyst", "a"}})
	assert.ErrorIs(t, err, context.Canceled)
}

// cancellingBroker reports ctx errors from Collect like the real broker.
type cancellingBroker struct {
	*fakeBroker
}

func (c *cancellingBroker) Collect(ctx context.Context, taskID string, timeout time.Duration) (*broker.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeBroker.Collect(ctx, taskID, timeout)
}

func TestShutdown(t *testing.T) {
	b := newFakeBroker()
	o := newTestOrchestrator(b, &fakeLLM{}, Options{ShutdownGrace: 10 * time.Millisecond})

	start := time.Now()
	require.NoError(t, o.Shutdown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, []string{"shutdown"}, b.broadcasts)
	assert.Equal(t, 1, b.disconnects)
}

func TestHealthCheckConnects(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	o := newTestOrchestrator(b, &fakeLLM{}, Options{})

	h, err := o.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, b.connects)
	assert.Equal(t, 2, h.Total)
	assert.Equal(t, []string{"worker-analyst"}, h.Alive())
}

func ExampleChunk() {
	for _, c := range Chunk([]int{1, 2, 3, 4, 5, 6, 7}, 5) {
		fmt.Println(c)
	}
	// Output:
	// [1 2]
	// [3 4]
	// [5 6]
	// [7]
}
