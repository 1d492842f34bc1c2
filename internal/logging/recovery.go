package logging

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// RecoveryHandler turns panics into logged errors.
type RecoveryHandler struct {
	Component string
	Log       *Logger
	OnPanic   func(err interface{}, stack string)
}

// NewRecoveryHandler creates a recovery handler for a component
func NewRecoveryHandler(component string, log *Logger) *RecoveryHandler {
	if log == nil {
		log = New(component)
	}
	return &RecoveryHandler{
		Component: component,
		Log:       log,
	}
}

// Wrap executes fn with panic recovery
func (r *RecoveryHandler) Wrap(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlePanic(rec, string(debug.Stack()))
		}
	}()
	fn()
}

// WrapError executes fn with panic recovery, returning error on panic
func (r *RecoveryHandler) WrapError(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(rec, string(debug.Stack()))
		}
	}()
	return fn()
}

func (r *RecoveryHandler) handlePanic(rec interface{}, stack string) error {
	err := fmt.Errorf("panic in %s: %v", r.Component, rec)
	r.Log.Error("panic_recovered", err, zap.String("stack", stack))
	if r.OnPanic != nil {
		r.OnPanic(rec, stack)
	}
	return err
}

// SafeGo launches a goroutine with panic recovery
func SafeGo(log *Logger, component string, fn func()) {
	go NewRecoveryHandler(component, log).Wrap(fn)
}
