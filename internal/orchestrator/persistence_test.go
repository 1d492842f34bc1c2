package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := OpenRunStore(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunStoreRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.Record(ctx, RunRecord{
			RunID:       id,
			Description: "task " + id,
			Strategy:    "fan-out",
			Success:     i != 1,
			Consulted:   2,
			Successful:  2 - i%2,
			Failed:      i % 2,
			DurationMs:  int64(100 * i),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].RunID)
	assert.Equal(t, "run-b", runs[1].RunID)
	assert.False(t, runs[1].Success)
	assert.Equal(t, 1, runs[1].Failed)
	assert.True(t, runs[0].CreatedAt.Equal(base.Add(2*time.Minute)))
	assert.Empty(t, runs[0].Error)
}

func TestRunStoreReplaceAndError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, RunRecord{RunID: "r1", Description: "d", Strategy: "pipeline"}))
	require.NoError(t, s.Record(ctx, RunRecord{RunID: "r1", Description: "d", Strategy: "pipeline", Error: "no worker available"}))

	runs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "no worker available", runs[0].Error)
	assert.False(t, runs[0].CreatedAt.IsZero())
}

func TestRunStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenRunStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), RunRecord{RunID: "keep", Description: "d", Strategy: "fan-out"}))
	require.NoError(t, s.Close())

	s, err = OpenRunStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
	runs, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "keep", runs[0].RunID)
}
