package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joss/swarm/internal/logging"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Redis implements Backend on a Redis server. Key/value traffic uses the
// client's connection pool; subscriptions hold their own connection.
type Redis struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewRedis creates a Redis backend. No connection is made until first use.
func NewRedis(cfg RedisConfig) *Redis {
	return NewRedisFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// RedisOpener returns an Opener that creates a fresh Redis backend per call.
func RedisOpener(cfg RedisConfig) Opener {
	return func(ctx context.Context) (Backend, error) {
		return NewRedis(cfg), nil
	}
}

var _ Backend = (*Redis)(nil)

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping %s: %v", ErrConnection, r.client.Options().Addr, err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", NewNotFoundError(key)
	}
	if err != nil {
		return "", r.wrap("get", err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return r.wrap("set", err)
	}
	return nil
}

// Take uses GETDEL (Redis >= 6.2).
func (r *Redis) Take(ctx context.Context, key string) (string, error) {
	v, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", NewNotFoundError(key)
	}
	if err != nil {
		return "", r.wrap("getdel", err)
	}
	return v, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, r.wrap("del", err)
	}
	return n, nil
}

// Keys walks the keyspace with SCAN rather than KEYS so large databases are
// not blocked.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, r.wrap("scan", err)
	}
	return keys, nil
}

func (r *Redis) Publish(ctx context.Context, topic, payload string) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return r.wrap("publish", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topics...)
	// Wait for the subscription confirmation so callers know the topics are live.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, r.wrap("subscribe", err)
	}
	return newRedisSubscription(ps), nil
}

func (r *Redis) wrap(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis %s: %w", op, ErrClosed)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Delivery
	done chan struct{}

	closeOnce sync.Once
}

func newRedisSubscription(ps *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		ps:   ps,
		out:  make(chan Delivery, 100),
		done: make(chan struct{}),
	}
	logging.SafeGo(logging.New("store"), "redis_pump", s.pump)
	return s
}

// pump copies go-redis messages into Deliveries until the PubSub closes.
func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- Delivery{Topic: msg.Channel, Payload: msg.Payload}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Add(ctx context.Context, topics ...string) error {
	if err := s.ps.Subscribe(ctx, topics...); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	return nil
}

func (s *redisSubscription) Deliveries() <-chan Delivery {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
