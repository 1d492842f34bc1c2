package orchestrator

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/store"
	"github.com/joss/swarm/internal/tools"
	"github.com/joss/swarm/internal/worker"
	"github.com/joss/swarm/pkg/llm"
)

// TestSwarmRoundTrip runs an orchestrator and a real worker over one Redis.
func TestSwarmRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	open := store.RedisOpener(store.RedisConfig{Host: mr.Host(), Port: port})
	opts := broker.Options{PollInterval: 10 * time.Millisecond}

	wb := broker.New(worker.AgentID("analyst"), open, logging.Nop(), opts)
	typ, _ := worker.DefaultRegistry().Get("analyst")
	workerLLM := llm.CompleterFunc(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		return &llm.Response{
			StopReason: llm.StopEndTurn,
			Content:    []llm.ContentBlock{llm.TextBlock("found 3 handlers")},
		}, nil
	})
	w := worker.New(typ, wb, workerLLM, tools.DefaultRegistry(t.TempDir(), wb), logging.Nop(), worker.Options{HeartbeatInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Start(ctx) }()

	ob := broker.New(AgentID, open, logging.Nop(), opts)
	c := &fakeLLM{plan: `{"strategy":"fan-out","subtasks":[{"worker":"analyst","instruction":"count handlers"}]}`}
	o := New(ob, c, logging.Nop(), Options{CollectTimeout: 5 * time.Second, ShutdownGrace: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		h, err := o.HealthCheck(ctx)
		return err == nil && h.Healthy == 1
	}, 5*time.Second, 20*time.Millisecond)

	res, err := o.Execute(ctx, "inspect the router", StrategyAuto, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.WorkersSuccessful)
	require.Len(t, res.RawResults, 1)
	assert.Equal(t, "found 3 handlers", res.RawResults[0].Result["output"])

	pending, err := ob.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "collected task leaves no marker")

	require.NoError(t, o.Shutdown(ctx))
	select {
	case err := <-workerDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored shutdown broadcast")
	}
	require.NoError(t, w.Stop(context.Background()))
}
