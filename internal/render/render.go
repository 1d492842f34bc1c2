// Package render formats swarm results for the terminal.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Writer wraps an io.Writer with line helpers.
type Writer struct {
	out io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// Stdout returns a Writer on os.Stdout.
func Stdout() *Writer {
	return NewWriter(os.Stdout)
}

func (w *Writer) Println(format string, args ...any) {
	fmt.Fprintf(w.out, format+"\n", args...)
}

func (w *Writer) Line() {
	fmt.Fprintln(w.out)
}

// Header writes an upper-cased title followed by a blank line.
func (w *Writer) Header(title string, args ...any) {
	if len(args) > 0 {
		title = fmt.Sprintf(title, args...)
	}
	fmt.Fprintln(w.out, strings.ToUpper(title))
	fmt.Fprintln(w.out)
}

func (w *Writer) Item(format string, args ...any) {
	fmt.Fprintf(w.out, "  "+format+"\n", args...)
}

// Nested writes a tree-connected sub line.
func (w *Writer) Nested(format string, args ...any) {
	fmt.Fprintf(w.out, "    └─ "+format+"\n", args...)
}

func (w *Writer) Empty(msg string) {
	fmt.Fprintln(w.out, msg)
}

// StatusIcon maps worker and task states to a glyph.
func StatusIcon(status string) string {
	switch status {
	case "alive", "success", "collected":
		return "✓"
	case "dead", "failed":
		return "✗"
	case "timeout":
		return "⏱"
	case "pending":
		return "○"
	default:
		return "•"
	}
}

// BoolIcon returns ✓ or ✗.
func BoolIcon(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}

// Truncate shortens s to max bytes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
