// Package runtime handles process shutdown for long-running swarm commands.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/joss/swarm/internal/logging"
)

// ShutdownFunc is a cleanup step run during shutdown.
type ShutdownFunc func(ctx context.Context) error

// DefaultShutdownTimeout bounds all cleanup steps together.
const DefaultShutdownTimeout = 10 * time.Second

type namedHandler struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager cancels a root context on SIGINT/SIGTERM or an explicit
// Shutdown call, then runs cleanup handlers last-registered first.
type ShutdownManager struct {
	mu       sync.Mutex
	handlers []namedHandler
	timeout  time.Duration
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewShutdownManager derives the managed context from parent.
func NewShutdownManager(parent context.Context, timeout time.Duration, log *logging.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	if log == nil {
		log = logging.New("shutdown")
	}
	ctx, cancel := context.WithCancel(parent)
	return &ShutdownManager{
		timeout: timeout,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup handler.
func (m *ShutdownManager) Register(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// Context is cancelled when shutdown begins.
func (m *ShutdownManager) Context() context.Context {
	return m.ctx
}

// Done is closed once every handler has finished or the timeout passed.
func (m *ShutdownManager) Done() <-chan struct{} {
	return m.done
}

// ListenForSignals triggers Shutdown on SIGINT or SIGTERM. The listener
// exits when shutdown begins for any reason.
func (m *ShutdownManager) ListenForSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			m.log.Info("signal_received", zap.String("signal", sig.String()))
			m.Shutdown()
		case <-m.ctx.Done():
		}
	}()
}

// Shutdown cancels the context and runs the handlers once. Later calls
// return the first call's result.
func (m *ShutdownManager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.run()
	})
	return m.err
}

func (m *ShutdownManager) run() error {
	defer close(m.done)
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	handlers := make([]namedHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped, shutdown timed out", h.name))
			continue
		}
		start := time.Now()
		if err := h.fn(ctx); err != nil {
			m.log.Warn("shutdown_handler_failed", err, zap.String("handler", h.name))
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.log.TimedEvent("shutdown_handler_done", start, zap.String("handler", h.name))
	}
	return errors.Join(errs...)
}
