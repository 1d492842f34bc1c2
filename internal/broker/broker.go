// Package broker moves swarm messages over a shared pub/sub transport and
// keeps the ephemeral keys that make results collectable.
//
// Delivery is at most once: a message published while nobody is subscribed
// is lost. Results are written to a key with a TTL so a late collector can
// still pick them up, and each result is consumed by exactly one Collect.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/store"
)

// ErrNotSubscribed is returned by Listen when no Subscribe preceded it.
var ErrNotSubscribed = errors.New("not subscribed to any channel")

// Options tunes timing. Zero fields take the defaults.
type Options struct {
	PollInterval   time.Duration
	PendingTTL     time.Duration
	ResultTTL      time.Duration
	HeartbeatTTL   time.Duration
	AliveThreshold time.Duration

	// Clock is used for heartbeats and health ages.
	Clock func() time.Time
}

// DefaultOptions returns the standard timing.
func DefaultOptions() Options {
	return Options{
		PollInterval:   500 * time.Millisecond,
		PendingTTL:     300 * time.Second,
		ResultTTL:      300 * time.Second,
		HeartbeatTTL:   60 * time.Second,
		AliveThreshold: 30 * time.Second,
		Clock:          time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = d.PendingTTL
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = d.ResultTTL
	}
	if o.HeartbeatTTL <= 0 {
		o.HeartbeatTTL = d.HeartbeatTTL
	}
	if o.AliveThreshold <= 0 {
		o.AliveThreshold = d.AliveThreshold
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// Handler receives decoded messages for one topic.
type Handler func(ctx context.Context, msg *Message) error

// Broker is one agent's connection to the bus.
type Broker struct {
	agentID string
	open    store.Opener
	opts    Options
	log     *logging.Logger

	mu       sync.Mutex
	closed   bool
	backend  store.Backend
	sub      store.Subscription
	handlers map[string]Handler
	stop     context.CancelFunc
}

// New creates a broker for agentID. Nothing is dialed until first use.
func New(agentID string, open store.Opener, log *logging.Logger, opts Options) *Broker {
	if log == nil {
		log = logging.New("broker")
	}
	return &Broker{
		agentID:  agentID,
		open:     open,
		opts:     opts.withDefaults(),
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// AgentID returns the identity this broker publishes as.
func (b *Broker) AgentID() string { return b.agentID }

// Connect opens and pings the backend. Calling it again while connected is a
// no-op. Connect is the only way to reuse a broker after Disconnect.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
	_, err := b.conn(ctx)
	return err
}

// conn returns the live backend, dialing it on first use. After Disconnect
// it fails with store.ErrClosed until Connect is called again.
func (b *Broker) conn(ctx context.Context) (store.Backend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.backend != nil {
		return b.backend, nil
	}
	if b.closed {
		return nil, fmt.Errorf("broker %s: %w", b.agentID, store.ErrClosed)
	}

	backend, err := b.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := backend.Ping(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	b.backend = backend
	b.log.Info("connected", zap.String("agent_id", b.agentID))
	return backend, nil
}

// Disconnect ends any Listen, closes the subscription and the backend.
// Calling it while disconnected is a no-op. Later operations fail with
// store.ErrClosed instead of redialing.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	if b.stop != nil {
		b.stop()
		b.stop = nil
	}

	var errs []error
	if b.sub != nil {
		errs = append(errs, b.sub.Close())
		b.sub = nil
	}
	b.handlers = make(map[string]Handler)
	if b.backend != nil {
		errs = append(errs, b.backend.Close())
		b.backend = nil
		b.log.Info("disconnected", zap.String("agent_id", b.agentID))
	}
	return errors.Join(errs...)
}

// NewMessage builds a message from this agent.
func (b *Broker) NewMessage(to string, payload Payload, priority Priority) *Message {
	return NewMessage(b.agentID, to, payload, priority)
}

// Publish sends msg to a logical channel and records it as pending.
func (b *Broker) Publish(ctx context.Context, channel string, msg *Message) (string, error) {
	backend, err := b.conn(ctx)
	if err != nil {
		return "", err
	}

	data, err := Encode(msg)
	if err != nil {
		return "", err
	}
	topic := PublishTopic(channel)

	// The marker goes first so a fast StoreResult always finds it to clear.
	marker, _ := json.Marshal(PendingTask{Channel: channel, Status: "pending"})
	if err := backend.Set(ctx, PendingKey(msg.ID), string(marker), b.opts.PendingTTL); err != nil {
		return "", fmt.Errorf("record pending %s: %w", msg.ID, err)
	}
	if err := backend.Publish(ctx, topic, data); err != nil {
		_, _ = backend.Delete(ctx, PendingKey(msg.ID))
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}

	b.log.Debug("published", zap.String("topic", topic), zap.String("id", msg.ID), zap.String("type", string(msg.Type)))
	return msg.ID, nil
}

// Subscribe registers handler for each logical channel. A later registration
// for the same topic replaces the earlier handler.
func (b *Broker) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	backend, err := b.conn(ctx)
	if err != nil {
		return err
	}

	topics := make([]string, 0, len(channels))
	for _, ch := range channels {
		topics = append(topics, SubscribeTopic(b.agentID, ch))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub == nil {
		sub, err := backend.Subscribe(ctx, topics...)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		b.sub = sub
	} else if err := b.sub.Add(ctx, topics...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for _, t := range topics {
		b.handlers[t] = handler
	}
	b.log.Info("subscribed", zap.Strings("topics", topics))
	return nil
}

// Listen dispatches inbound messages to their handlers, one at a time. It
// returns when ctx is cancelled, the subscription closes, or Disconnect is
// called. Undecodable payloads are logged and dropped.
func (b *Broker) Listen(ctx context.Context) error {
	b.mu.Lock()
	if b.sub == nil {
		b.mu.Unlock()
		return ErrNotSubscribed
	}
	deliveries := b.sub.Deliveries()
	ctx, cancel := context.WithCancel(ctx)
	b.stop = cancel
	b.mu.Unlock()
	defer cancel()

	b.log.Info("listening")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			b.dispatch(ctx, d)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, d store.Delivery) {
	msg, err := Decode(d.Payload)
	if err != nil {
		b.log.Warn("message_dropped", err, zap.String("topic", d.Topic))
		return
	}

	b.mu.Lock()
	h := b.handlers[d.Topic]
	b.mu.Unlock()
	if h == nil {
		return
	}
	if err := h(ctx, msg); err != nil {
		b.log.Error("handler_failed", err, zap.String("topic", d.Topic), zap.String("id", msg.ID))
	}
}

// Collect waits up to timeout for the result of taskID. The stored result is
// read and deleted atomically, so only one collector ever sees it. A timeout
// returns (nil, nil).
func (b *Broker) Collect(ctx context.Context, taskID string, timeout time.Duration) (*Message, error) {
	backend, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}

	key := ResultKey(taskID)
	start := time.Now()
	timer := time.NewTimer(b.opts.PollInterval)
	defer timer.Stop()

	for {
		raw, err := backend.Take(ctx, key)
		switch {
		case err == nil:
			return Decode(raw)
		case !store.IsNotFound(err):
			return nil, fmt.Errorf("collect %s: %w", taskID, err)
		}

		if time.Since(start) >= timeout {
			return nil, nil
		}

		timer.Reset(b.opts.PollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// ReceiveOnce waits up to timeout for the next raw payload on a logical
// channel, on a subscription of its own so a running Listen is unaffected.
// A timeout returns ("", nil).
func (b *Broker) ReceiveOnce(ctx context.Context, channel string, timeout time.Duration) (string, error) {
	backend, err := b.conn(ctx)
	if err != nil {
		return "", err
	}
	topic := SubscribeTopic(b.agentID, channel)
	sub, err := backend.Subscribe(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", topic, err)
	}
	defer sub.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d, ok := <-sub.Deliveries():
		if !ok {
			return "", fmt.Errorf("subscribe %s: %w", topic, store.ErrClosed)
		}
		return d.Payload, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StoreResult publishes a RESULT for taskID and makes it collectable.
func (b *Broker) StoreResult(ctx context.Context, taskID string, result map[string]any, status ResultStatus) error {
	backend, err := b.conn(ctx)
	if err != nil {
		return err
	}
	if status == "" {
		status = StatusSuccess
	}

	msg := b.NewMessage(orchestratorTarget, &ResultPayload{Status: status, Result: result}, PriorityMedium)
	msg.ID = taskID
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	if err := backend.Set(ctx, ResultKey(taskID), data, b.opts.ResultTTL); err != nil {
		return fmt.Errorf("store result %s: %w", taskID, err)
	}
	if err := backend.Publish(ctx, OrchestratorTopic, data); err != nil {
		return fmt.Errorf("notify result %s: %w", taskID, err)
	}
	if _, err := backend.Delete(ctx, PendingKey(taskID)); err != nil {
		return fmt.Errorf("clear pending %s: %w", taskID, err)
	}

	b.log.Info("result_stored", zap.String("task_id", taskID), zap.String("status", string(status)))
	return nil
}

// Broadcast sends a control action to every worker.
func (b *Broker) Broadcast(ctx context.Context, action, message string) (string, error) {
	msg := b.NewMessage("*", &BroadcastPayload{Action: action, Message: message}, PriorityHigh)
	msg.Metadata.TTL = BroadcastTTLMillis
	return b.Publish(ctx, "broadcast", msg)
}
