package logging

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type contextKey string

const runIDKey contextKey = "run_id"

// NewRunID generates a sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// WithRunID adds a run ID to context.
// If id is empty, generates a new one.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewRunID()
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunID extracts the run ID from context.
// Returns empty string if not present.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}

// Ctx returns a logger tagged with the run ID carried by ctx, if any.
func (l *Logger) Ctx(ctx context.Context) *Logger {
	id := RunID(ctx)
	if id == "" {
		return l
	}
	return l.With(zap.String("run_id", id))
}
