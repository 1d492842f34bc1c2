package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/worker"
	"github.com/joss/swarm/pkg/llm"
)

// FanOut sends every subtask whose worker type is alive in parallel and
// synthesizes whatever comes back.
func (o *Orchestrator) FanOut(ctx context.Context, description string, subtasks []Subtask) (*ExecutionResult, error) {
	health, err := o.broker.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	alive := make([]string, 0, len(health.Workers))
	aliveSet := make(map[string]bool)
	for _, name := range health.Alive() {
		t := worker.TypeOf(name)
		alive = append(alive, t)
		aliveSet[t] = true
	}

	var valid []Subtask
	for _, st := range subtasks {
		if aliveSet[st.Worker] {
			valid = append(valid, st)
		}
	}
	if len(valid) == 0 {
		o.log.Ctx(ctx).Warn("no_worker_available", nil, zap.Strings("alive", alive))
		return &ExecutionResult{Strategy: StrategyFanOut, Error: "no worker available", Available: alive}, nil
	}

	ds := make([]dispatched, 0, len(valid))
	for _, st := range valid {
		d, err := o.dispatch(ctx, st.Worker, &broker.TaskPayload{
			Instruction: fmt.Sprintf("[FAN-OUT] %s\n\nOriginal task: %s", st.Instruction, description),
			Strategy:    string(StrategyFanOut),
		}, broker.PriorityMedium)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}

	results, err := o.collectAll(ctx, ds, o.opts.CollectTimeout)
	if err != nil {
		return nil, err
	}
	return o.synthesize(ctx, description, results, StrategyFanOut), nil
}

// Pipeline runs subtasks in order, feeding each stage every prior output.
// The first timeout ends the chain.
func (o *Orchestrator) Pipeline(ctx context.Context, description string, subtasks []Subtask) (*ExecutionResult, error) {
	accumulated := description
	results := make([]TaskResult, 0, len(subtasks))

	for i, st := range subtasks {
		stage := i
		d, err := o.dispatch(ctx, st.Worker, &broker.TaskPayload{
			Instruction: pipelineInstruction(i, len(subtasks), st.Instruction, accumulated),
			Strategy:    string(StrategyPipeline),
			Stage:       &stage,
		}, broker.PriorityHigh)
		if err != nil {
			return nil, err
		}

		tr, err := o.collect(ctx, d, 2*o.opts.CollectTimeout)
		if err != nil {
			return nil, err
		}
		results = append(results, tr)
		if !tr.Success {
			o.log.Ctx(ctx).Warn("pipeline_stopped", nil, zap.Int("stage", i+1), zap.String("worker", st.Worker))
			break
		}
		accumulated += fmt.Sprintf("\n\n[OUTPUT %s]:\n%s", strings.ToUpper(st.Worker), indentJSON(tr.Result))
	}

	return o.synthesize(ctx, description, results, StrategyPipeline), nil
}

func pipelineInstruction(i, n int, instruction, accumulated string) string {
	return fmt.Sprintf(`[PIPELINE STAGE %d/%d]

%s

Accumulated context from previous stages:
%s

Do your part and return the result for the next stage.`, i+1, n, instruction, accumulated)
}

// MapReduce splits data into chunks, has workerType process each in
// parallel and reduces the collected chunk results with one completion.
func (o *Orchestrator) MapReduce(ctx context.Context, description string, data any, workerType string) (*ExecutionResult, error) {
	chunks := Chunk(data, o.opts.MaxChunks)

	ds := make([]dispatched, 0, len(chunks))
	for i, c := range chunks {
		idx := i
		d, err := o.dispatch(ctx, workerType, &broker.TaskPayload{
			Instruction: fmt.Sprintf(`[MAP-REDUCE CHUNK %d/%d]

Task: %s

Process this chunk of data:
%s

Return a structured JSON result.`, i+1, len(chunks), description, chunkText(c)),
			Strategy: string(StrategyMapReduce),
			Chunk:    &idx,
		}, broker.PriorityMedium)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}

	results, err := o.collectAll(ctx, ds, o.opts.CollectTimeout)
	if err != nil {
		return nil, err
	}
	var collected []map[string]any
	for _, r := range results {
		if r.Success {
			collected = append(collected, r.Result)
		}
	}

	res := &ExecutionResult{
		Strategy:          StrategyMapReduce,
		WorkersConsulted:  len(results),
		WorkersSuccessful: len(collected),
		WorkersFailed:     len(results) - len(collected),
		ChunksProcessed:   len(collected),
	}

	resp, err := o.llm.Complete(ctx, &llm.Request{
		Model:     o.opts.Model,
		System:    reducerPrompt,
		MaxTokens: 4096,
		Messages: []llm.Message{llm.UserText(fmt.Sprintf(`TASK: %s

CHUNK RESULTS (%d):
%s

Aggregate every result into one unified answer.`, description, len(collected), indentJSON(collected)))},
	})
	if err != nil {
		o.log.Ctx(ctx).Warn("reduce_failed", err)
		res.Error = fmt.Sprintf("reduce: %v", err)
		return res, nil
	}
	res.Success = true
	res.AggregatedResult = resp.Text()
	return res, nil
}

// Chunk splits data into at most limit pieces. Slices and arrays are cut into
// runs of ceil(N/limit) elements; text is cut the same way by line; anything
// else is a single chunk.
func Chunk(data any, limit int) []any {
	if limit <= 0 {
		limit = 1
	}
	if s, ok := data.(string); ok {
		lines := strings.Split(s, "\n")
		var out []any
		for _, part := range split(len(lines), limit) {
			out = append(out, strings.Join(lines[part[0]:part[1]], "\n"))
		}
		return out
	}

	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return []any{data}
	}
	out := []any{}
	for _, part := range split(v.Len(), limit) {
		piece := make([]any, 0, part[1]-part[0])
		for i := part[0]; i < part[1]; i++ {
			piece = append(piece, v.Index(i).Interface())
		}
		out = append(out, piece)
	}
	return out
}

// split returns [start,end) bounds of ceil(n/limit)-sized runs over n items.
func split(n, limit int) [][2]int {
	size := (n + limit - 1) / limit
	if size < 1 {
		size = 1
	}
	var bounds [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		bounds = append(bounds, [2]int{start, end})
	}
	return bounds
}

func chunkText(c any) string {
	if s, ok := c.(string); ok {
		return s
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprint(c)
	}
	return string(data)
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

const orchestratorPrompt = `You are the Orchestrator of the swarm, the lead that coordinates a team of specialized agents.

Responsibilities:
1. Analyze complex tasks and decompose them into subtasks
2. Delegate work to the right workers
3. Coordinate parallel or sequential execution
4. Synthesize results from several workers
5. Ensure the deliverables are complete and of good quality

Available workers:
- analyst: code, architecture and requirements analysis
- coder: implementation
- reviewer: code review and quality
- tester: writing and running tests
- researcher: research and information gathering

Execution strategies:
- fan-out: every worker in parallel (independent tasks)
- pipeline: workers in sequence (each receives the previous output)
- map-reduce: split the data, process in parallel, aggregate

Synthesize results clearly and actionably, and resolve conflicts between workers.`

const reducerPrompt = `You are the reducer of a map-reduce run. Aggregate the results of several chunks into one unified answer.
Identify patterns, aggregate metrics and synthesize insights.`

// synthesize asks the completer to merge fan-out or pipeline results.
func (o *Orchestrator) synthesize(ctx context.Context, description string, results []TaskResult, strategy Strategy) *ExecutionResult {
	var (
		successful []TaskResult
		failed     []string
	)
	for _, r := range results {
		if r.Success {
			successful = append(successful, r)
		} else {
			failed = append(failed, r.Worker)
		}
	}

	res := &ExecutionResult{
		Strategy:          strategy,
		WorkersConsulted:  len(results),
		WorkersSuccessful: len(successful),
		WorkersFailed:     len(failed),
		RawResults:        make([]WorkerOutput, 0, len(successful)),
	}
	sections := make([]string, 0, len(successful))
	for _, r := range successful {
		res.RawResults = append(res.RawResults, WorkerOutput{Worker: r.Worker, Result: r.Result})
		sections = append(sections, fmt.Sprintf("[%s]:\n%s", strings.ToUpper(r.Worker), indentJSON(r.Result)))
	}
	failedText := "None"
	if len(failed) > 0 {
		failedText = strings.Join(failed, ", ")
	}

	resp, err := o.llm.Complete(ctx, &llm.Request{
		Model:     o.opts.Model,
		System:    orchestratorPrompt,
		MaxTokens: 4096,
		Messages: []llm.Message{llm.UserText(fmt.Sprintf(`Synthesize the workers' results.

ORIGINAL TASK:
%s

STRATEGY: %s

WORKER RESULTS:
%s

FAILED WORKERS: %s

Write a consolidated synthesis with:
1. Executive summary
2. Main findings and deliverables
3. Conflicts or inconsistencies, if any
4. Recommended next steps`, description, strategy, strings.Join(sections, "\n\n"), failedText))},
	})
	if err != nil {
		o.log.Ctx(ctx).Warn("synthesis_failed", err)
		res.Error = fmt.Sprintf("synthesis: %v", err)
		return res
	}
	res.Success = true
	res.Synthesis = resp.Text()
	return res
}
