// Package scheduler owns the engine's background timers. Tasks are registered
// with an interval and run when the injected clock says they are due; the
// real-time loop only decides how often to look.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskFunc is one unit of scheduled work.
type TaskFunc func(ctx context.Context) error

type task struct {
	name    string
	every   time.Duration
	fn      TaskFunc
	next    time.Time
	running bool
	runs    int
	lastErr error
}

// TaskStatus is a snapshot of a registered task.
type TaskStatus struct {
	Name    string
	Every   time.Duration
	NextRun time.Time
	Runs    int
	LastErr string
}

// Scheduler runs registered tasks on their intervals.
type Scheduler struct {
	clock      Clock
	resolution time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	tasks   []*task
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a Scheduler. resolution is how often the real-time loop checks
// for due tasks; it is capped at one minute.
func New(clock Clock, resolution time.Duration, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if resolution <= 0 || resolution > time.Minute {
		resolution = time.Minute
	}
	return &Scheduler{
		clock:      clock,
		resolution: resolution,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// Register adds a task that first runs one interval after registration.
func (s *Scheduler) Register(name string, every time.Duration, fn TaskFunc) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: task %q: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("scheduler: task %q already registered", name)
		}
	}
	s.tasks = append(s.tasks, &task{
		name:  name,
		every: every,
		fn:    fn,
		next:  s.clock.Now().Add(every),
	})
	return nil
}

// Tick runs every task that is due at the clock's current time and returns
// how many ran. Tasks still running from a previous tick are skipped.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if t.running || now.Before(t.next) {
			continue
		}
		t.running = true
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		err := s.runTask(ctx, t)

		s.mu.Lock()
		t.running = false
		t.runs++
		t.lastErr = err
		t.next = now.Add(t.every)
		s.mu.Unlock()
	}
	return len(due)
}

func (s *Scheduler) runTask(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(ctx, "scheduled task failed",
				slog.String("task", t.name),
				slog.String("error", err.Error()),
			)
		}
	}()
	return t.fn(ctx)
}

// Run blocks, ticking every resolution, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		slog.Int("tasks", len(s.Status())),
		slog.Duration("resolution", s.resolution),
	)
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Start runs the scheduler in the background until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
}

// Stop cancels a scheduler started with Start and waits for the in-flight
// tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Status returns a snapshot of every registered task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := TaskStatus{Name: t.name, Every: t.every, NextRun: t.next, Runs: t.runs}
		if t.lastErr != nil {
			st.LastErr = t.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}
