// Package recovery restores in-flight work when SakePipe restarts.
//
// Components register what they need to resume (queued replies stuck in sending,
// inbound messages that were recorded but never answered) and RecoverAll runs every
// registration once at startup, before the server accepts new traffic.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// RecoverState calls f(ctx).
func (f RecoverFunc) RecoverState(ctx context.Context) error {
	return f(ctx)
}

type registration struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []registration
	timeout      time.Duration
}

// DefaultTimeout bounds one RecoverAll run.
const DefaultTimeout = 2 * time.Minute

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{timeout: DefaultTimeout}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.recoverables = append(rm.recoverables, registration{name: name, r: r})
}

// Register adds a recovery function.
func (rm *RecoveryManager) Register(name string, fn func(ctx context.Context) error) {
	rm.RegisterRecoverable(name, RecoverFunc(fn))
}

// Len returns the number of registered components.
func (rm *RecoveryManager) Len() int {
	return len(rm.recoverables)
}

// RecoverAll runs every registered recovery in order. A failing component does not
// stop the others; the returned error summarizes the failures.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rm.timeout)
	defer cancel()
	slog.Info("RecoveryManager.RecoverAll: starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, reg := range rm.recoverables {
		start := time.Now()
		if err := reg.r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "error", err, "component", reg.name)
			errorCount++
			continue
		}
		slog.Debug("RecoveryManager.RecoverAll: component recovered", "component", reg.name, "duration", time.Since(start))
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: application recovery completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}
