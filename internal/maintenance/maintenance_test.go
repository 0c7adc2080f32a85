package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestIsDueInterval(t *testing.T) {
	now := time.Date(2026, 2, 28, 8, 30, 0, 0, time.UTC)

	due, err := isDue("5m", now.Add(-20*time.Minute), now)
	if err != nil {
		t.Fatalf("isDue interval: %v", err)
	}
	if !due {
		t.Fatal("expected task due when anchored more than one interval ago")
	}

	due, err = isDue("5m", now.Add(-2*time.Minute), now)
	if err != nil {
		t.Fatalf("isDue interval recent anchor: %v", err)
	}
	if due {
		t.Fatal("expected task not due when anchor is too recent")
	}
}

func TestIsDueCronDescriptor(t *testing.T) {
	anchor := time.Date(2026, 2, 28, 8, 5, 0, 0, time.UTC)

	due, err := isDue("@every 15s", anchor, anchor.Add(14*time.Second))
	if err != nil {
		t.Fatalf("isDue descriptor: %v", err)
	}
	if due {
		t.Fatal("expected @every 15s not due after 14s")
	}

	due, err = isDue("@every 15s", anchor, anchor.Add(15*time.Second))
	if err != nil {
		t.Fatalf("isDue descriptor at boundary: %v", err)
	}
	if !due {
		t.Fatal("expected @every 15s due after 15s")
	}
}

func TestIsDueCronExpression(t *testing.T) {
	anchor := time.Date(2026, 2, 28, 8, 5, 0, 0, time.UTC)

	due, err := isDue("*/5 * * * *", anchor, time.Date(2026, 2, 28, 8, 9, 59, 0, time.UTC))
	if err != nil {
		t.Fatalf("isDue cron: %v", err)
	}
	if due {
		t.Fatal("expected cron schedule not due before next window")
	}

	due, err = isDue("*/5 * * * *", anchor, time.Date(2026, 2, 28, 8, 10, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("isDue cron at window: %v", err)
	}
	if !due {
		t.Fatal("expected cron schedule due at next matching minute")
	}
}

func TestAddRejectsBadTasks(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	if err := s.Add(Task{Name: "x", Schedule: "often", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("expected error for unparseable schedule")
	}
	if err := s.Add(Task{Name: "x", Schedule: "-5s", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("expected error for negative interval")
	}
	if err := s.Add(Task{Schedule: "5s", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := s.Add(Task{Name: "x", Schedule: "5s"}); err == nil {
		t.Error("expected error for missing run function")
	}
}

func TestRunDueFiresAndRearms(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	runs := 0
	if err := s.Add(Task{
		Name:     "sweep",
		Schedule: "@every 15s",
		Run: func(context.Context) error {
			runs++
			return nil
		},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	base := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	s.mu.Lock()
	s.anchors["sweep"] = base
	s.mu.Unlock()

	ctx := context.Background()
	s.runDue(ctx, base.Add(14*time.Second))
	if runs != 0 {
		t.Fatalf("runs = %d before the interval elapsed, want 0", runs)
	}

	s.runDue(ctx, base.Add(15*time.Second))
	if runs != 1 {
		t.Fatalf("runs = %d after first interval, want 1", runs)
	}

	// The anchor moves to the fire time, so the next window starts there.
	s.runDue(ctx, base.Add(29*time.Second))
	if runs != 1 {
		t.Fatalf("runs = %d inside second interval, want 1", runs)
	}
	s.runDue(ctx, base.Add(30*time.Second))
	if runs != 2 {
		t.Fatalf("runs = %d after second interval, want 2", runs)
	}
}

func TestRunDueKeepsGoingAfterTaskError(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	ran := false
	if err := s.Add(Task{
		Name:     "broken",
		Schedule: "1s",
		Run:      func(context.Context) error { return errors.New("boom") },
	}); err != nil {
		t.Fatalf("add broken: %v", err)
	}
	if err := s.Add(Task{
		Name:     "healthy",
		Schedule: "1s",
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	}); err != nil {
		t.Fatalf("add healthy: %v", err)
	}

	base := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	s.mu.Lock()
	s.anchors["broken"] = base
	s.anchors["healthy"] = base
	s.mu.Unlock()

	s.runDue(context.Background(), base.Add(2*time.Second))
	if !ran {
		t.Error("healthy task did not run after the broken one failed")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx) // second call is a no-op
	s.Stop()
	s.Stop() // so is a second stop
}
