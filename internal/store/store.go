// Package store provides the transport and state-store interfaces used by the swarm.
// The broker depends on these abstractions; Redis is the production implementation.
//
// The Redis adapter needs Redis 6.2 or newer: Take is a single GETDEL.
package store

import (
	"context"
	"time"
)

// Store is the minimal interface all stores must implement.
type Store interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

// KV provides ephemeral key-value access with per-key time-to-live.
type KV interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Take atomically reads and deletes key, or returns ErrNotFound.
	Take(ctx context.Context, key string) (string, error)
	// Delete removes keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Delivery is one payload received on a subscribed topic.
type Delivery struct {
	Topic   string
	Payload string
}

// Subscription is a live set of subscribed topics.
type Subscription interface {
	// Add subscribes to more topics on the same connection.
	Add(ctx context.Context, topics ...string) error
	// Deliveries is closed when the subscription is closed.
	Deliveries() <-chan Delivery
	Close() error
}

// PubSub provides fire-and-forget topics. Payloads published while nobody
// listens are lost.
type PubSub interface {
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// Backend combines everything the broker needs from the shared service.
type Backend interface {
	Store
	KV
	PubSub
}

// Opener dials a Backend. Brokers call it on Connect so that a closed
// backend can be replaced by a fresh one.
type Opener func(ctx context.Context) (Backend, error)
