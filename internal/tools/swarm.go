package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/pkg/llm"
)

// StateReader reads shared swarm state.
type StateReader interface {
	GetState(ctx context.Context, key string) (any, error)
}

// ResultStorer makes a task result collectable.
type ResultStorer interface {
	StoreResult(ctx context.Context, taskID string, result map[string]any, status broker.ResultStatus) error
}

// StateGet exposes shared state to the model.
type StateGet struct {
	state StateReader
}

func NewStateGet(state StateReader) *StateGet { return &StateGet{state: state} }

func (t *StateGet) Info() llm.Tool {
	return llm.Tool{
		Name:        "swarm_state_get",
		Description: "Read a value from the swarm's shared state.",
		InputSchema: schema([]string{"key"}, map[string]any{
			"key": prop("string", "State key"),
		}),
	}
}

func (t *StateGet) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	key, ok := stringArg(args, "key")
	if !ok {
		return nil, ErrInvalidArgs
	}
	v, err := t.state.GetState(ctx, key)
	if err != nil {
		return &Result{Title: key, Error: err}, nil
	}
	if v == nil {
		return &Result{Title: key, Output: "null"}, nil
	}
	if s, ok := v.(string); ok {
		return &Result{Title: key, Output: s}, nil
	}
	data, _ := json.Marshal(v)
	return &Result{Title: key, Output: string(data)}, nil
}

// StoreResult lets the model report its result early. The task id comes from ctx.
type StoreResult struct {
	results ResultStorer
}

func NewStoreResult(results ResultStorer) *StoreResult { return &StoreResult{results: results} }

func (t *StoreResult) Info() llm.Tool {
	return llm.Tool{
		Name:        "swarm_store_result",
		Description: "Store the result of the current task for the orchestrator.",
		InputSchema: schema([]string{"result"}, map[string]any{
			"result": prop("string", "Result as a JSON object"),
			"status": map[string]any{
				"type": "string",
				"enum": []string{"success", "partial", "failed"},
			},
		}),
	}
}

func (t *StoreResult) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	taskID := TaskID(ctx)
	if taskID == "" {
		return &Result{Error: fmt.Errorf("no task in progress")}, nil
	}

	var result map[string]any
	switch v := args["result"].(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &result); err != nil {
			result = map[string]any{"output": v}
		}
	case map[string]any:
		result = v
	default:
		return nil, ErrInvalidArgs
	}

	status := broker.StatusSuccess
	if s, ok := stringArg(args, "status"); ok {
		status = broker.ResultStatus(s)
	}
	switch status {
	case broker.StatusSuccess, broker.StatusPartial, broker.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: status %q", ErrInvalidArgs, status)
	}

	if err := t.results.StoreResult(ctx, taskID, result, status); err != nil {
		return &Result{Error: err}, nil
	}
	return &Result{Title: taskID, Output: fmt.Sprintf("Result stored with status: %s", status)}, nil
}

var (
	_ Executor = (*StateGet)(nil)
	_ Executor = (*StoreResult)(nil)
)
