package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/joss/swarm/internal/store"
)

// SetState stores value under a shared key. Strings are stored as-is, anything
// else as JSON. A zero ttl means no expiry.
func (b *Broker) SetState(ctx context.Context, key string, value any, ttl time.Duration) error {
	backend, err := b.conn(ctx)
	if err != nil {
		return err
	}

	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode state %s: %w", key, err)
		}
		raw = string(data)
	}

	if err := backend.Set(ctx, StateKey(key), raw, ttl); err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState reads a shared key. JSON values are decoded; anything else is
// returned as the raw string. A missing key yields (nil, nil).
func (b *Broker) GetState(ctx context.Context, key string) (any, error) {
	backend, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := backend.Get(ctx, StateKey(key))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", key, err)
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw, nil
	}
	return v, nil
}

// ListState returns every shared key with the namespace removed, sorted.
func (b *Broker) ListState(ctx context.Context) ([]string, error) {
	backend, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := backend.Keys(ctx, statePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, trimPrefix(k, statePrefix))
	}
	sort.Strings(out)
	return out, nil
}

// PendingTask is a dispatched message that has no stored result yet.
type PendingTask struct {
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel"`
	Status  string `json:"status"`
}

// ListPending returns every pending marker still within its TTL.
func (b *Broker) ListPending(ctx context.Context) ([]PendingTask, error) {
	backend, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := backend.Keys(ctx, pendingPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	sort.Strings(keys)

	out := make([]PendingTask, 0, len(keys))
	for _, k := range keys {
		raw, err := backend.Get(ctx, k)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list pending %s: %w", k, err)
		}
		var p PendingTask
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			p = PendingTask{Status: "unknown"}
		}
		p.ID = trimPrefix(k, pendingPrefix)
		out = append(out, p)
	}
	return out, nil
}
