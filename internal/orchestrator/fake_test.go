package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/pkg/llm"
)

// replyFunc answers a dispatched task. A nil map means the worker never replies.
type replyFunc func(task *broker.TaskPayload) map[string]any

type fakeBroker struct {
	mu          sync.Mutex
	alive       []string
	replies     map[string]replyFunc
	published   []*broker.Message
	timeouts    []time.Duration
	broadcasts  []string
	connectErr  error
	publishErr  error
	connects    int
	disconnects int
}

func newFakeBroker(alive ...string) *fakeBroker {
	return &fakeBroker{alive: alive, replies: map[string]replyFunc{}}
}

func (f *fakeBroker) reply(workerType string, fn replyFunc) {
	f.replies["worker-"+workerType] = fn
}

func (f *fakeBroker) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeBroker) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeBroker) NewMessage(to string, payload broker.Payload, priority broker.Priority) *broker.Message {
	return broker.NewMessage(AgentID, to, payload, priority)
}

func (f *fakeBroker) Publish(_ context.Context, channel string, msg *broker.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.published = append(f.published, msg)
	return msg.ID, nil
}

func (f *fakeBroker) Collect(_ context.Context, taskID string, timeout time.Duration) (*broker.Message, error) {
	f.mu.Lock()
	f.timeouts = append(f.timeouts, timeout)
	var msg *broker.Message
	for _, m := range f.published {
		if m.ID == taskID {
			msg = m
		}
	}
	var fn replyFunc
	if msg != nil {
		fn = f.replies[msg.To]
	}
	f.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	task, _ := msg.Task()
	out := fn(task)
	if out == nil {
		return nil, nil
	}
	res := broker.NewMessage(msg.To, AgentID, &broker.ResultPayload{Status: broker.StatusSuccess, Result: out}, broker.PriorityMedium)
	res.ID = taskID
	return res, nil
}

func (f *fakeBroker) Broadcast(_ context.Context, action, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, action)
	return "b-1", nil
}

func (f *fakeBroker) HealthCheck(context.Context) (*broker.HealthCheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &broker.HealthCheckResult{}
	for _, name := range f.alive {
		res.Workers = append(res.Workers, broker.WorkerHealth{Name: name, Status: broker.HealthAlive})
	}
	res.Workers = append(res.Workers, broker.WorkerHealth{Name: "worker-tester", Status: broker.HealthDead, LastSeenSecondsAgo: 45})
	res.Total = len(res.Workers)
	res.Healthy = len(f.alive)
	res.Unhealthy = 1
	return res, nil
}

func (f *fakeBroker) sent() []*broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*broker.Message(nil), f.published...)
}

// fakeLLM answers by system prompt: planner, synthesis or reducer.
type fakeLLM struct {
	mu        sync.Mutex
	plan      string
	planErr   error
	synthErr  error
	reduceErr error
	requests  []*llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	text := ""
	switch req.System {
	case plannerPrompt:
		if f.planErr != nil {
			return nil, f.planErr
		}
		text = f.plan
	case orchestratorPrompt:
		if f.synthErr != nil {
			return nil, f.synthErr
		}
		text = "synthesis"
	case reducerPrompt:
		if f.reduceErr != nil {
			return nil, f.reduceErr
		}
		text = "reduced"
	}
	return &llm.Response{StopReason: llm.StopEndTurn, Content: []llm.ContentBlock{llm.TextBlock(text)}}, nil
}

// lastPrompt returns the user text of the last request with the given system prompt.
func (f *fakeLLM) lastPrompt(system string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].System == system {
			var parts []string
			for _, b := range f.requests[i].Messages[0].Content {
				parts = append(parts, b.Text)
			}
			return strings.Join(parts, "")
		}
	}
	return ""
}

type memRecorder struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (m *memRecorder) Record(_ context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func echo(task *broker.TaskPayload) map[string]any {
	return map[string]any{"output": "ok", "seen": task.Instruction}
}
