package scheduler

import (
	"context"
	"testing"
	"time"
)

type fakeFlowSweeper struct{ calls int }

func (f *fakeFlowSweeper) SweepExpired(ctx context.Context) int {
	f.calls++
	return 0
}

type fakeCheckpointSweeper struct{ calls int }

func (f *fakeCheckpointSweeper) Sweep(now time.Time) (int, error) {
	f.calls++
	return 0, nil
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error adding invalid cron expression")
	}
}

func TestRegisterSweeps(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.RegisterSweeps(&fakeFlowSweeper{}, &fakeCheckpointSweeper{}); err != nil {
		t.Errorf("Expected no error registering sweeps, got %v", err)
	}
}
