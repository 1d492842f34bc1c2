package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/joss/swarm/internal/store"
)

// Worker liveness states.
const (
	HealthAlive   = "alive"
	HealthDead    = "dead"
	HealthUnknown = "unknown"
)

// WorkerHealth is one agent's liveness, derived from its heartbeat key.
type WorkerHealth struct {
	Name               string `json:"name"`
	Status             string `json:"status"`
	LastSeenSecondsAgo int    `json:"last_seen_seconds_ago"`
}

// HealthCheckResult summarizes every agent with a heartbeat key.
type HealthCheckResult struct {
	Workers   []WorkerHealth `json:"workers"`
	Total     int            `json:"total"`
	Healthy   int            `json:"healthy"`
	Unhealthy int            `json:"unhealthy"`
}

// Alive returns the names of alive workers.
func (r *HealthCheckResult) Alive() []string {
	var names []string
	for _, w := range r.Workers {
		if w.Status == HealthAlive {
			names = append(names, w.Name)
		}
	}
	return names
}

// Heartbeat records that this agent is alive now.
func (b *Broker) Heartbeat(ctx context.Context) error {
	backend, err := b.conn(ctx)
	if err != nil {
		return err
	}
	now := b.opts.Clock()
	ts := float64(now.UnixNano()) / 1e9
	if err := backend.Set(ctx, HeartbeatKey(b.agentID), strconv.FormatFloat(ts, 'f', -1, 64), b.opts.HeartbeatTTL); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// HealthCheck reports every agent that has a heartbeat key. Workers are
// sorted by name.
func (b *Broker) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	backend, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := backend.Keys(ctx, heartbeatPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	now := float64(b.opts.Clock().UnixNano()) / 1e9
	threshold := int(b.opts.AliveThreshold.Seconds())

	result := &HealthCheckResult{Workers: make([]WorkerHealth, 0, len(keys))}
	for _, key := range keys {
		w := WorkerHealth{Name: trimPrefix(key, heartbeatPrefix), Status: HealthUnknown, LastSeenSecondsAgo: -1}

		raw, err := backend.Get(ctx, key)
		switch {
		case store.IsNotFound(err):
			// expired between scan and read
		case err != nil:
			return nil, fmt.Errorf("health check %s: %w", key, err)
		default:
			if lastSeen, perr := strconv.ParseFloat(raw, 64); perr == nil {
				w.LastSeenSecondsAgo = int(now - lastSeen)
				if w.LastSeenSecondsAgo < threshold {
					w.Status = HealthAlive
				} else {
					w.Status = HealthDead
				}
			}
		}

		result.Workers = append(result.Workers, w)
		if w.Status == HealthAlive {
			result.Healthy++
		} else {
			result.Unhealthy++
		}
	}
	sort.Slice(result.Workers, func(i, j int) bool {
		return result.Workers[i].Name < result.Workers[j].Name
	})
	result.Total = len(result.Workers)
	return result, nil
}
