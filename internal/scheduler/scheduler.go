// Package scheduler provides cron-based scheduling for OrderPilot.
//
// It runs the periodic maintenance sweeps: expiring idle flows and trimming
// old checkpoints.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep schedules. Flow expiry is cheap and latency matters for the grace
// semantics; checkpoint retention is housekeeping.
const (
	FlowSweepSchedule       = "*/5 * * * *"
	CheckpointSweepSchedule = "0 * * * *"
)

// FlowSweeper expires idle flow states past their TTL.
type FlowSweeper interface {
	SweepExpired(ctx context.Context) int
}

// CheckpointSweeper deletes checkpoints past the retention window.
type CheckpointSweeper interface {
	Sweep(now time.Time) (int, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// RegisterSweeps wires the maintenance sweeps onto the scheduler.
func (s *Scheduler) RegisterSweeps(flows FlowSweeper, checkpoints CheckpointSweeper) error {
	if err := s.AddJob(FlowSweepSchedule, func() {
		n := flows.SweepExpired(context.Background())
		if n > 0 {
			slog.Info("Scheduler: flow sweep expired idle flows", "count", n)
		}
	}); err != nil {
		return err
	}

	return s.AddJob(CheckpointSweepSchedule, func() {
		n, err := checkpoints.Sweep(time.Now())
		if err != nil {
			slog.Error("Scheduler: checkpoint sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Scheduler: checkpoint sweep removed old checkpoints", "count", n)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
