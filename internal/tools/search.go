package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joss/swarm/pkg/llm"
)

const maxSearchMatches = 200

var errEnoughMatches = errors.New("enough matches")

// SearchCode greps files selected by a doublestar glob.
type SearchCode struct {
	workDir string
}

func NewSearchCode(workDir string) *SearchCode { return &SearchCode{workDir: workDir} }

func (t *SearchCode) Info() llm.Tool {
	return llm.Tool{
		Name:        "search_code",
		Description: "Search file contents with a regular expression.",
		InputSchema: schema([]string{"pattern"}, map[string]any{
			"pattern": prop("string", "Regular expression"),
			"path":    prop("string", "Base directory (default: working directory)"),
			"include": prop("string", "Glob of files to search, e.g. **/*.go (default **/*)"),
		}),
	}
}

func (t *SearchCode) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	pattern, ok := stringArg(args, "pattern")
	if !ok {
		return nil, ErrInvalidArgs
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern: %v", ErrInvalidArgs, err)
	}

	base := t.workDir
	if p, ok := stringArg(args, "path"); ok {
		base = resolve(t.workDir, p)
	}
	include := "**/*"
	if g, ok := stringArg(args, "include"); ok {
		include = g
	}
	if !doublestar.ValidatePattern(include) {
		return nil, fmt.Errorf("%w: include glob %q", ErrInvalidArgs, include)
	}

	var matches []string
	walkErr := doublestar.GlobWalk(os.DirFS(base), include, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || skipDir(path) {
			return nil
		}
		found, err := grepFile(filepath.Join(base, path), path, re, maxSearchMatches-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= maxSearchMatches {
			return errEnoughMatches
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errEnoughMatches) {
		return &Result{Title: pattern, Error: walkErr}, nil
	}

	if len(matches) == 0 {
		return &Result{Title: pattern, Output: "No matches"}, nil
	}
	return &Result{
		Title:    pattern,
		Output:   strings.Join(matches, "\n"),
		Metadata: map[string]any{"matches": len(matches)},
	}, nil
}

func skipDir(path string) bool {
	for _, part := range strings.Split(path, "/") {
		switch part {
		case ".git", "node_modules", "vendor":
			return true
		}
	}
	return false
}

func grepFile(full, rel string, re *regexp.Regexp, max int) ([]string, error) {
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() && len(out) < max {
		line++
		text := scanner.Text()
		if re.MatchString(text) {
			if len(text) > 300 {
				text = text[:300] + "..."
			}
			out = append(out, fmt.Sprintf("%s:%d: %s", rel, line, text))
		}
	}
	return out, scanner.Err()
}

var _ Executor = (*SearchCode)(nil)
