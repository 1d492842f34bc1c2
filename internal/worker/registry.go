package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Type describes one kind of worker. All worker kinds share the same
// executor and differ only in this data.
type Type struct {
	Name        string   `yaml:"name"`
	Prompt      string   `yaml:"prompt"`
	Tools       []string `yaml:"tools"`
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`
}

// HasTool reports whether name is in the type's allow list.
func (t Type) HasTool(name string) bool {
	for _, n := range t.Tools {
		if n == name {
			return true
		}
	}
	return false
}

// Registry maps worker-type tags to their configuration.
type Registry struct {
	types map[string]Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register adds or replaces a type.
func (r *Registry) Register(t Type) {
	r.types[t.Name] = t
}

// Get returns a type by name.
func (r *Registry) Get(name string) (Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Names returns all type names, sorted.
func (r *Registry) Names() []string {
	result := make([]string, 0, len(r.types))
	for name := range r.types {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

const (
	sonnet = "claude-sonnet-4-20250514"
	opus   = "claude-opus-4-5-20251101"
)

const sharedPrompt = `

You work as part of a swarm of agents. Stay within your specialty and contribute
your findings to the collective task.`

// DefaultRegistry returns the built-in worker types.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(Type{
		Name:        "orchestrator",
		Model:       opus,
		MaxTokens:   8192,
		Temperature: 0.7,
	})
	r.Register(Type{
		Name: "analyst",
		Prompt: `You are an Analyst in the swarm.

Specialty:
- Analyze code, architecture and requirements
- Identify patterns, problems and opportunities
- Document findings clearly

Be objective and evidence based. Give structured analysis and call out risks.` + sharedPrompt,
		Tools:       []string{"swarm_state_get", "swarm_store_result", "read_file", "search_code"},
		Model:       sonnet,
		MaxTokens:   4096,
		Temperature: 0.5,
	})
	r.Register(Type{
		Name: "coder",
		Prompt: `You are a Developer in the swarm.

Specialty:
- Write clean, efficient code
- Implement features and fix bugs
- Follow the project's existing conventions

Keep code readable. Consider performance and security.` + sharedPrompt,
		Tools:       []string{"swarm_state_get", "swarm_store_result", "read_file", "write_file", "edit_file"},
		Model:       sonnet,
		MaxTokens:   8192,
		Temperature: 0.3,
	})
	r.Register(Type{
		Name: "reviewer",
		Prompt: `You are a Reviewer in the swarm.

Specialty:
- Review code for quality and security
- Find bugs, vulnerabilities and improvements
- Suggest refactorings

Be specific and constructive. Rank issues by severity.` + sharedPrompt,
		Tools:       []string{"swarm_state_get", "swarm_store_result", "read_file", "search_code"},
		Model:       sonnet,
		MaxTokens:   4096,
		Temperature: 0.4,
	})
	r.Register(Type{
		Name: "tester",
		Prompt: `You are a Test Engineer in the swarm.

Specialty:
- Write and run automated tests
- Validate requirements and behavior
- Find edge cases and failures

Tests must be reproducible. Report scenarios and results.` + sharedPrompt,
		Tools:       []string{"swarm_state_get", "swarm_store_result", "read_file", "write_file", "run_command"},
		Model:       sonnet,
		MaxTokens:   4096,
		Temperature: 0.2,
	})
	r.Register(Type{
		Name: "researcher",
		Prompt: `You are a Researcher in the swarm.

Specialty:
- Find information and documentation
- Collect data and references
- Synthesize relevant knowledge

Prefer reliable sources and present findings in a structured way.` + sharedPrompt,
		Tools:       []string{"swarm_state_get", "swarm_store_result", "web_fetch"},
		Model:       sonnet,
		MaxTokens:   4096,
		Temperature: 0.6,
	})
	return r
}

type registryFile struct {
	Workers map[string]Type `yaml:"workers"`
}

// LoadRegistry returns the built-in types overlaid with the types in path.
// Fields left empty in the file keep their built-in values. A missing file
// is not an error.
func LoadRegistry(path string) (*Registry, error) {
	r := DefaultRegistry()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	for name, override := range file.Workers {
		base, _ := r.Get(name)
		base.Name = name
		if override.Prompt != "" {
			base.Prompt = override.Prompt
		}
		if override.Tools != nil {
			base.Tools = override.Tools
		}
		if override.Model != "" {
			base.Model = override.Model
		}
		if override.MaxTokens > 0 {
			base.MaxTokens = override.MaxTokens
		}
		if override.Temperature > 0 {
			base.Temperature = override.Temperature
		}
		r.Register(base)
	}
	return r, nil
}
