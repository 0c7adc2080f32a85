// Package maintenance runs recurring housekeeping tasks from a single
// ticker loop: stale-lease reclaim, session expiry, embedding backfill,
// catalog refresh.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// tickInterval bounds schedule resolution. The finest task cadence is
// the 15 second lease reclaim, so a 5 second tick keeps drift small.
const tickInterval = 5 * time.Second

// Task is one recurring chore. Schedule accepts a Go duration ("90s"),
// a cron descriptor ("@every 15s", "@hourly") or a five-field cron
// expression.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler dispatches due tasks in registration order. Tasks run
// inline on the loop goroutine, one at a time; everything registered
// here is a short store sweep, not real work.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []Task
	anchors map[string]time.Time
	cancel  context.CancelFunc
	ticker  *time.Ticker
	wg      sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:  logger.Named("maintenance"),
		anchors: make(map[string]time.Time),
	}
}

// Add registers a task. The schedule is validated here so a typo fails
// startup instead of silently never firing. The first run happens one
// interval after registration.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("maintenance task needs a name and a run function")
	}
	if _, err := parseSchedule(t.Schedule); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	s.anchors[t.Name] = time.Now().UTC()
	return nil
}

// Start launches the ticker loop. Safe to call more than once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(tickInterval)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.runDue(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		ok, err := isDue(t.Schedule, s.anchors[t.Name], now)
		if err != nil || !ok {
			continue
		}
		s.anchors[t.Name] = now
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		if err := t.Run(ctx); err != nil {
			s.logger.Warn("maintenance task failed",
				zap.String("task", t.Name),
				zap.Error(err),
			)
		}
	}
}

// isDue reports whether a task anchored at its last run (or its
// registration) should fire at now.
func isDue(schedule string, anchor, now time.Time) (bool, error) {
	next, err := parseSchedule(schedule)
	if err != nil {
		return false, err
	}
	return !next(anchor).After(now), nil
}

// parseSchedule compiles a schedule into a next-fire function. Plain
// durations are tried first, then cron specs and descriptors.
func parseSchedule(schedule string) (func(time.Time) time.Time, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return func(anchor time.Time) time.Time { return anchor.Add(interval) }, nil
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return spec.Next, nil
}
