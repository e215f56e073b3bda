// Package recovery restores runtime state after a restart.
//
// Flow states, escalation cases and outbox messages persist across restarts,
// but their in-process runtime does not: armed grace timers and claimed
// outbox sends are gone. Each component registers a recovery step; the
// manager runs them once at startup before traffic is accepted.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is one startup recovery step.
type Recoverable interface {
	// Name identifies the step in logs.
	Name() string
	// Recover restores the component's runtime state.
	Recover(ctx context.Context) error
}

type funcStep struct {
	name string
	fn   func(ctx context.Context) error
}

func (s funcStep) Name() string                      { return s.name }
func (s funcStep) Recover(ctx context.Context) error { return s.fn(ctx) }

// Step wraps a function as a named recovery step.
func Step(name string, fn func(ctx context.Context) error) Recoverable {
	return funcStep{name: name, fn: fn}
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a new recovery manager.
func NewManager() *Manager {
	return &Manager{recoverables: make([]Recoverable, 0)}
}

// Register adds a component that can be recovered.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered step. Steps are independent; one failing
// does not stop the others.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Recovery.RecoverAll: starting application recovery", "steps", len(m.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, r := range m.recoverables {
		if err := r.Recover(ctx); err != nil {
			slog.Error("Recovery.RecoverAll: step failed", "step", r.Name(), "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Recovery.RecoverAll: application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d steps", errorCount, len(m.recoverables))
	}
	return nil
}

// TimerRearmer re-arms escalation grace timers. Satisfied by *hitl.Service.
type TimerRearmer interface {
	RearmPendingTimers() (int, error)
}

// StaleRequeuer requeues outbox messages stuck in sending. Satisfied by
// *store.OutboxSender.
type StaleRequeuer interface {
	RecoverStaleMessages() error
}

// HitlTimers builds the recovery step that re-arms grace timers for
// escalation cases that were pending when the process died.
func HitlTimers(svc TimerRearmer) Recoverable {
	return Step("hitl grace timers", func(ctx context.Context) error {
		n, err := svc.RearmPendingTimers()
		if err != nil {
			return fmt.Errorf("rearm pending timers: %w", err)
		}
		if n > 0 {
			slog.Info("Recovery.HitlTimers: re-armed grace timers", "count", n)
		}
		return nil
	})
}

// OutboxMessages builds the recovery step that requeues sends the previous
// process claimed but never finished.
func OutboxMessages(sender StaleRequeuer) Recoverable {
	return Step("outbox stale sends", func(ctx context.Context) error {
		if err := sender.RecoverStaleMessages(); err != nil {
			return fmt.Errorf("requeue stale outbox messages: %w", err)
		}
		return nil
	})
}
