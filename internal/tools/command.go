package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/joss/swarm/pkg/llm"
)

// RunCommand executes a shell command in the working directory. Commands
// the guard refuses never start.
type RunCommand struct {
	workDir string
	timeout time.Duration
	guard   *CommandGuard
}

func NewRunCommand(workDir string) *RunCommand {
	return &RunCommand{workDir: workDir, timeout: 60 * time.Second, guard: NewCommandGuard()}
}

// WithTimeout overrides the per-command limit.
func (t *RunCommand) WithTimeout(d time.Duration) *RunCommand {
	t.timeout = d
	return t
}

func (t *RunCommand) Info() llm.Tool {
	return llm.Tool{
		Name:        "run_command",
		Description: "Run a shell command and return its stdout and stderr.",
		InputSchema: schema([]string{"command"}, map[string]any{
			"command": prop("string", "Command line passed to sh -c"),
		}),
	}
}

func (t *RunCommand) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	command, ok := stringArg(args, "command")
	if !ok {
		return nil, ErrInvalidArgs
	}

	verdict := t.guard.Check(command)
	if verdict.Risk == RiskRefused {
		msg := "refused: " + verdict.Reason
		if verdict.Suggestion != "" {
			msg += " (try: " + verdict.Suggestion + ")"
		}
		return &Result{Title: commandTitle(command), Error: errors.New(msg)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := truncate(fmt.Sprintf("stdout: %s\nstderr: %s", stdout.String(), stderr.String()), 30000, "output")

	result := &Result{
		Title:    commandTitle(command),
		Output:   output,
		Metadata: map[string]any{"command": command, "exitCode": cmd.ProcessState.ExitCode()},
	}
	if verdict.Risk == RiskCaution {
		result.Metadata["caution"] = verdict.Reason
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Output += "\n(command timed out)"
		}
		result.Error = err
	}
	return result, nil
}

func commandTitle(s string) string {
	s = strings.Split(s, "\n")[0]
	if len(s) > 50 {
		return s[:47] + "..."
	}
	return s
}

var _ Executor = (*RunCommand)(nil)
