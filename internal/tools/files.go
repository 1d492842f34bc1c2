package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joss/swarm/pkg/llm"
)

const maxFileOutput = 100_000

// resolve makes path absolute against workDir.
func resolve(workDir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workDir, path)
}

// ReadFile returns a file's contents with line numbers.
type ReadFile struct {
	workDir string
}

func NewReadFile(workDir string) *ReadFile { return &ReadFile{workDir: workDir} }

func (t *ReadFile) Info() llm.Tool {
	return llm.Tool{
		Name:        "read_file",
		Description: "Read a file. Output lines are prefixed with their line number.",
		InputSchema: schema([]string{"path"}, map[string]any{
			"path":   prop("string", "File path, absolute or relative to the working directory"),
			"offset": prop("number", "First line to read (1-based)"),
			"limit":  prop("number", "Maximum number of lines"),
		}),
	}
}

func (t *ReadFile) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, ok := stringArg(args, "path")
	if !ok {
		return nil, ErrInvalidArgs
	}
	offset, limit := 0, 2000
	if v, ok := args["offset"].(float64); ok && v > 0 {
		offset = int(v)
	}
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	full := resolve(t.workDir, path)
	out, err := readFileWithLines(full, offset, limit)
	if err != nil {
		return &Result{Title: path, Error: err}, nil
	}
	return &Result{Title: path, Output: truncate(out, maxFileOutput, "file")}, nil
}

func readFileWithLines(path string, offset, limit int) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if offset > 0 && lineNum < offset {
			continue
		}
		if len(lines) >= limit {
			break
		}
		line := scanner.Text()
		if len(line) > 2000 {
			line = line[:2000] + "..."
		}
		lines = append(lines, fmt.Sprintf("%6d\t%s", lineNum, line))
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

// WriteFile creates or replaces a file.
type WriteFile struct {
	workDir string
}

func NewWriteFile(workDir string) *WriteFile { return &WriteFile{workDir: workDir} }

func (t *WriteFile) Info() llm.Tool {
	return llm.Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories.",
		InputSchema: schema([]string{"path", "content"}, map[string]any{
			"path":    prop("string", "File path"),
			"content": prop("string", "Full file content"),
		}),
	}
}

func (t *WriteFile) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, ok := stringArg(args, "path")
	if !ok {
		return nil, ErrInvalidArgs
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, ErrInvalidArgs
	}

	full := resolve(t.workDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &Result{Title: path, Error: fmt.Errorf("create directory: %w", err)}, nil
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return &Result{Title: path, Error: err}, nil
	}
	return &Result{
		Title:    path,
		Output:   fmt.Sprintf("File saved: %s", path),
		Metadata: map[string]any{"bytes": len(content)},
	}, nil
}

// EditFile replaces an exact string in a file.
type EditFile struct {
	workDir string
}

func NewEditFile(workDir string) *EditFile { return &EditFile{workDir: workDir} }

func (t *EditFile) Info() llm.Tool {
	return llm.Tool{
		Name:        "edit_file",
		Description: "Replace old_string with new_string in a file. old_string must be unique unless replace_all is set.",
		InputSchema: schema([]string{"path", "old_string", "new_string"}, map[string]any{
			"path":        prop("string", "File path"),
			"old_string":  prop("string", "Exact text to replace"),
			"new_string":  prop("string", "Replacement text"),
			"replace_all": prop("boolean", "Replace every occurrence"),
		}),
	}
}

func (t *EditFile) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, ok := stringArg(args, "path")
	if !ok {
		return nil, ErrInvalidArgs
	}
	oldStr, ok := stringArg(args, "old_string")
	if !ok {
		return nil, ErrInvalidArgs
	}
	newStr, ok := args["new_string"].(string)
	if !ok {
		return nil, ErrInvalidArgs
	}
	replaceAll, _ := args["replace_all"].(bool)

	n, err := editFile(resolve(t.workDir, path), oldStr, newStr, replaceAll)
	if err != nil {
		return &Result{Title: path, Error: err}, nil
	}
	return &Result{Title: path, Output: fmt.Sprintf("Replaced %d occurrence(s) in %s", n, path)}, nil
}

func editFile(path, oldStr, newStr string, replaceAll bool) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}

	str := string(content)
	count := strings.Count(str, oldStr)
	if count == 0 {
		return 0, fmt.Errorf("old_string not found in file")
	}
	if count > 1 && !replaceAll {
		return 0, fmt.Errorf("old_string found %d times - use replace_all or provide more context", count)
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(str, oldStr, newStr)
	} else {
		updated = strings.Replace(str, oldStr, newStr, 1)
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return 0, fmt.Errorf("write file: %w", err)
	}
	return count, nil
}

var (
	_ Executor = (*ReadFile)(nil)
	_ Executor = (*WriteFile)(nil)
	_ Executor = (*EditFile)(nil)
)
