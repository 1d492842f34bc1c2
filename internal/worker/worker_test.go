package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/tools"
	"github.com/joss/swarm/pkg/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type storedResult struct {
	result map[string]any
	status broker.ResultStatus
}

type fakeBroker struct {
	id    string
	inbox chan *broker.Message

	mu          sync.Mutex
	handler     broker.Handler
	channels    []string
	beats       int
	results     map[string]storedResult
	state       map[string]any
	connected   bool
	disconnects int
}

func newFakeBroker(id string) *fakeBroker {
	return &fakeBroker{
		id:      id,
		inbox:   make(chan *broker.Message, 8),
		results: map[string]storedResult{},
		state:   map[string]any{},
	}
}

func (f *fakeBroker) AgentID() string { return f.id }

func (f *fakeBroker) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeBroker) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeBroker) Subscribe(_ context.Context, channels []string, h broker.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channels...)
	f.handler = h
	return nil
}

func (f *fakeBroker) Listen(ctx context.Context) error {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return broker.ErrNotSubscribed
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-f.inbox:
			h(ctx, msg)
		}
	}
}

func (f *fakeBroker) StoreResult(_ context.Context, taskID string, result map[string]any, status broker.ResultStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[taskID] = storedResult{result: result, status: status}
	return nil
}

func (f *fakeBroker) Heartbeat(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	return nil
}

func (f *fakeBroker) SetState(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[key] = value
	return nil
}

func (f *fakeBroker) GetState(_ context.Context, key string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[key], nil
}

func (f *fakeBroker) beatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beats
}

func (f *fakeBroker) result(id string) (storedResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	return r, ok
}

func (f *fakeBroker) stateOf(key string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[key]
}

// scripted replays responses in order and records requests.
type scripted struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
	requests  []*llm.Request
}

func (s *scripted) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &llm.Response{StopReason: llm.StopEndTurn, Content: []llm.ContentBlock{llm.TextBlock("done")}}, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func endTurn(text string) *llm.Response {
	return &llm.Response{StopReason: llm.StopEndTurn, Content: []llm.ContentBlock{llm.TextBlock(text)}}
}

func toolUse(id, name, input string) *llm.Response {
	return &llm.Response{StopReason: llm.StopToolUse, Content: []llm.ContentBlock{
		{Type: llm.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)},
	}}
}

func analyst() Type {
	typ, _ := DefaultRegistry().Get("analyst")
	return typ
}

func newTestWorker(b *fakeBroker, c llm.Completer, opts Options) *Worker {
	reg := tools.DefaultRegistry(".", b)
	return New(analyst(), b, c, reg, logging.Nop(), opts)
}

func taskMessage(id, instruction string) *broker.Message {
	msg := broker.NewMessage("orchestrator", "worker-analyst", &broker.TaskPayload{Instruction: instruction}, broker.PriorityMedium)
	msg.ID = id
	return msg
}

func TestProcessTaskEndTurn(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	c := &scripted{responses: []*llm.Response{{
		StopReason: llm.StopEndTurn,
		Content:    []llm.ContentBlock{llm.TextBlock("line one"), llm.TextBlock("line two")},
	}}}
	w := newTestWorker(b, c, Options{})

	res := w.ProcessTask(context.Background(), "t1", "analyze")

	assert.Equal(t, map[string]any{"success": true, "output": "line one\nline two", "model": "claude-sonnet-4-20250514"}, res)
	require.Len(t, c.requests, 1)
	req := c.requests[0]
	assert.Equal(t, analyst().Prompt, req.System)
	assert.Equal(t, 4096, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.5, *req.Temperature)
	var names []string
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"swarm_state_get", "swarm_store_result", "read_file", "search_code"}, names)
}

func TestProcessTaskToolLoop(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	b.state["plan"] = "step one"
	c := &scripted{responses: []*llm.Response{
		toolUse("tu_1", "swarm_state_get", `{"key":"plan"}`),
		toolUse("tu_2", "run_command", `{"command":"rm -rf /"}`),
		endTurn("finished"),
	}}
	w := newTestWorker(b, c, Options{})

	res := w.ProcessTask(context.Background(), "t1", "use the plan")
	assert.Equal(t, true, res["success"])
	assert.Equal(t, "finished", res["output"])

	require.Len(t, c.requests, 3)
	second := c.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, llm.RoleAssistant, second[1].Role)
	assert.Equal(t, llm.RoleUser, second[2].Role)
	assert.Equal(t, llm.ToolResultBlock("tu_1", "step one", false), second[2].Content[0])

	third := c.requests[2].Messages
	blocked := third[4].Content[0]
	assert.True(t, blocked.IsError)
	assert.Contains(t, blocked.Content, "not available")
}

func TestProcessTaskStoreResultTool(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	c := &scripted{responses: []*llm.Response{
		toolUse("tu_1", "swarm_store_result", `{"result":"{\"k\":1}","status":"partial"}`),
		endTurn("ok"),
	}}
	w := newTestWorker(b, c, Options{})

	w.ProcessTask(context.Background(), "task-42", "store early")

	r, ok := b.result("task-42")
	require.True(t, ok)
	assert.Equal(t, broker.StatusPartial, r.status)
}

func TestProcessTaskFailures(t *testing.T) {
	cases := map[string]struct {
		completer llm.Completer
		contains  string
	}{
		"completion error": {&scripted{err: errors.New("overloaded")}, "overloaded"},
		"max tokens":       {&scripted{responses: []*llm.Response{{StopReason: llm.StopMaxTokens}}}, "max_tokens"},
		"turns exhausted": {&scripted{responses: []*llm.Response{
			toolUse("a", "swarm_state_get", `{"key":"x"}`),
			toolUse("b", "swarm_state_get", `{"key":"x"}`),
			toolUse("c", "swarm_state_get", `{"key":"x"}`),
		}}, "after 2 turns"},
		"panic": {llm.CompleterFunc(func(context.Context, *llm.Request) (*llm.Response, error) {
			panic("provider bug")
		}), "provider bug"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := newTestWorker(newFakeBroker("worker-analyst"), tc.completer, Options{MaxTurns: 2})
			res := w.ProcessTask(context.Background(), "t", "x")
			assert.Equal(t, false, res["success"])
			assert.Contains(t, res["error"], tc.contains)
			assert.Equal(t, "claude-sonnet-4-20250514", res["model"])
		})
	}
}

func TestStartHandlesTasksAndShutdown(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	c := &scripted{}
	w := newTestWorker(b, c, Options{HeartbeatInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	b.inbox <- taskMessage("t1", "analyze the repo")
	require.Eventually(t, func() bool { _, ok := b.result("t1"); return ok }, 2*time.Second, 5*time.Millisecond)

	r, _ := b.result("t1")
	assert.Equal(t, broker.StatusSuccess, r.status)
	assert.Equal(t, "done", r.result["output"])

	assert.Eventually(t, func() bool { return b.beatCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tasks", "broadcast"}, b.channels)
	registered, ok := b.stateOf("agents:worker-analyst").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "running", registered["status"])

	shutdown := broker.NewMessage("orchestrator", "*", &broker.BroadcastPayload{Action: "shutdown"}, broker.PriorityHigh)
	b.inbox <- shutdown

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after shutdown broadcast")
	}
	assert.False(t, w.Running())

	beats := b.beatCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, beats, b.beatCount(), "no heartbeat after shutdown")

	require.NoError(t, w.Stop(context.Background()))
	stopped := b.stateOf("agents:worker-analyst").(map[string]any)
	assert.Equal(t, "stopped", stopped["status"])
	assert.Equal(t, 1, b.disconnects)
}

func TestStopEndsStart(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	w := newTestWorker(b, &scripted{}, Options{HeartbeatInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	require.Eventually(t, func() bool { return b.beatCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestFailedTaskStoredAsFailed(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	w := newTestWorker(b, &scripted{err: errors.New("no credits")}, Options{})

	require.NoError(t, w.HandleMessage(context.Background(), taskMessage("t2", "x")))

	r, ok := b.result("t2")
	require.True(t, ok)
	assert.Equal(t, broker.StatusFailed, r.status)
	assert.Equal(t, false, r.result["success"])
}

func TestStatusBroadcastWritesSnapshot(t *testing.T) {
	b := newFakeBroker("worker-analyst")
	w := newTestWorker(b, &scripted{}, Options{})

	msg := broker.NewMessage("orchestrator", "*", &broker.BroadcastPayload{Action: "status"}, broker.PriorityHigh)
	require.NoError(t, w.HandleMessage(context.Background(), msg))

	snap, ok := b.stateOf("status:worker-analyst").(broker.StatusPayload)
	require.True(t, ok)
	assert.Equal(t, "worker-analyst", snap.AgentID)
	assert.Equal(t, "analyst", snap.AgentType)
	assert.False(t, snap.Running)
	assert.Empty(t, snap.CurrentTask)

	unknown := broker.NewMessage("orchestrator", "*", &broker.BroadcastPayload{Action: "dance"}, broker.PriorityHigh)
	assert.NoError(t, w.HandleMessage(context.Background(), unknown))
}

func TestAgentIDHelpers(t *testing.T) {
	assert.Equal(t, "worker-coder", AgentID("coder"))
	assert.Equal(t, "coder", TypeOf("worker-coder"))
	assert.Equal(t, "orchestrator", TypeOf("orchestrator"))
}
