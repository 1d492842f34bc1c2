// Package tools holds the side-effecting functions a worker may call during
// its completion loop. Failures are reported back to the model as text.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/joss/swarm/pkg/llm"
)

// Executor is the interface all tools must implement
type Executor interface {
	Info() llm.Tool
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result holds the output of a tool execution
type Result struct {
	Title    string
	Output   string
	Metadata map[string]any
	Error    error
}

type ToolError string

func (e ToolError) Error() string { return string(e) }

const (
	ErrToolNotFound ToolError = "tool not found"
	ErrInvalidArgs  ToolError = "invalid arguments"
)

// Registry holds all available tools
type Registry struct {
	tools map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Executor),
	}
}

func (r *Registry) Register(t Executor) {
	r.tools[t.Info().Name] = t
}

func (r *Registry) Get(name string) (Executor, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns every tool definition sorted by name.
func (r *Registry) All() []llm.Tool {
	result := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t.Info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Select returns the definitions of the named tools, in the given order.
// Unknown names are skipped.
func (r *Registry) Select(names []string) []llm.Tool {
	var result []llm.Tool
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			result = append(result, t.Info())
		}
	}
	return result
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return &Result{Error: ErrToolNotFound}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t.Execute(ctx, args)
}

// Run executes a tool call from the model and always produces text. The
// second return reports whether the text describes a failure.
func (r *Registry) Run(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	args := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return fmt.Sprintf("Error: %s: %v", ErrInvalidArgs, err), true
		}
	}

	res, err := r.Execute(ctx, name, args)
	if err != nil {
		return "Error: " + err.Error(), true
	}
	if res.Error != nil {
		if res.Output == "" {
			return "Error: " + res.Error.Error(), true
		}
		return res.Output + "\nError: " + res.Error.Error(), true
	}
	return res.Output, false
}

type taskIDKey struct{}

// WithTaskID attaches the id of the task being processed.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskID returns the task id carried by ctx, or "".
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && v != ""
}

func schema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func truncate(s string, max int, note string) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (" + note + " truncated)"
}

// Swarm is the slice of the broker the swarm tools need.
type Swarm interface {
	StateReader
	ResultStorer
}

// DefaultRegistry registers every built-in tool. File and command tools are
// rooted at workDir.
func DefaultRegistry(workDir string, swarm Swarm) *Registry {
	r := NewRegistry()
	r.Register(NewStateGet(swarm))
	r.Register(NewStoreResult(swarm))
	r.Register(NewReadFile(workDir))
	r.Register(NewWriteFile(workDir))
	r.Register(NewEditFile(workDir))
	r.Register(NewSearchCode(workDir))
	r.Register(NewRunCommand(workDir))
	r.Register(NewWebFetch(nil))
	return r
}
