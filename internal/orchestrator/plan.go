package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/joss/swarm/pkg/llm"
)

// Strategy selects how subtasks are distributed.
type Strategy string

const (
	StrategyAuto      Strategy = "auto"
	StrategyFanOut    Strategy = "fan-out"
	StrategyPipeline  Strategy = "pipeline"
	StrategyMapReduce Strategy = "map-reduce"
)

// ParseStrategy accepts the CLI and plan spellings. Empty means auto.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyAuto:
		return StrategyAuto, nil
	case StrategyFanOut:
		return StrategyFanOut, nil
	case StrategyPipeline:
		return StrategyPipeline, nil
	case StrategyMapReduce:
		return StrategyMapReduce, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Subtask assigns one instruction to a worker type.
type Subtask struct {
	Worker      string `json:"worker"`
	Instruction string `json:"instruction"`
}

// ExecutionPlan is the decomposition of one task.
type ExecutionPlan struct {
	Strategy  Strategy  `json:"strategy"`
	Workers   []string  `json:"workers"`
	Subtasks  []Subtask `json:"subtasks"`
	Rationale string    `json:"rationale"`
	// Fallback is set when the plan did not come from the planner.
	Fallback bool `json:"-"`
}

const defaultWorker = "analyst"

const plannerPrompt = `You are a task planner. Analyze the task and return JSON with:
{
    "strategy": "fan-out" | "pipeline" | "map-reduce",
    "workers": ["list", "of", "needed", "workers"],
    "subtasks": [{"worker": "type", "instruction": "specific instruction"}],
    "rationale": "why this plan"
}

Available workers: analyst, coder, reviewer, tester, researcher

Return ONLY the JSON, with no markdown or extra explanation.`

var embeddedObject = regexp.MustCompile(`(?s)\{.*\}`)

// FallbackPlan sends the whole description to a single analyst.
func FallbackPlan(description string) ExecutionPlan {
	return ExecutionPlan{
		Strategy:  StrategyFanOut,
		Workers:   []string{defaultWorker},
		Subtasks:  []Subtask{{Worker: defaultWorker, Instruction: description}},
		Rationale: "fallback to a single analysis",
		Fallback:  true,
	}
}

// ParsePlan reads a planner response: the whole text as JSON, then the
// outermost {...} in it, then FallbackPlan. Missing fields take the fallback
// values.
func ParsePlan(text, description string) ExecutionPlan {
	var raw struct {
		Strategy  string    `json:"strategy"`
		Workers   []string  `json:"workers"`
		Subtasks  []Subtask `json:"subtasks"`
		Rationale string    `json:"rationale"`
	}

	err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw)
	if err != nil {
		m := embeddedObject.FindString(text)
		if m == "" {
			return FallbackPlan(description)
		}
		raw.Strategy, raw.Workers, raw.Subtasks, raw.Rationale = "", nil, nil, ""
		if err := json.Unmarshal([]byte(m), &raw); err != nil {
			return FallbackPlan(description)
		}
	}

	fb := FallbackPlan(description)
	plan := ExecutionPlan{
		Strategy:  Strategy(raw.Strategy),
		Workers:   raw.Workers,
		Subtasks:  raw.Subtasks,
		Rationale: raw.Rationale,
	}
	if plan.Strategy == "" {
		plan.Strategy = fb.Strategy
	}
	if len(plan.Workers) == 0 {
		plan.Workers = fb.Workers
	}
	if len(plan.Subtasks) == 0 {
		plan.Subtasks = fb.Subtasks
	}
	return plan
}

// Plan asks the completer to decompose description. It never fails: any
// error yields FallbackPlan.
func (o *Orchestrator) Plan(ctx context.Context, description string) ExecutionPlan {
	log := o.log.Ctx(ctx)
	resp, err := o.llm.Complete(ctx, &llm.Request{
		Model:     o.opts.Model,
		System:    plannerPrompt,
		Messages:  []llm.Message{llm.UserText("Task: " + description)},
		MaxTokens: 2048,
	})
	if err != nil {
		log.Warn("plan_failed", err)
		return FallbackPlan(description)
	}

	plan := ParsePlan(resp.Text(), description)
	if plan.Fallback {
		log.Warn("plan_unparsable", nil)
	}
	return plan
}
