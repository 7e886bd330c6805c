// Package scheduler runs the dispatcher's periodic background tasks
// (health checks, rebalancing, aggregation, cleanup, profile refresh) under
// one cancellable owner, so shutdown stops every interval deterministically.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic job. Errors are logged and isolated; a failing tick
// never stops the schedule or its siblings.
type Task func(ctx context.Context) error

// Scheduler owns a set of fixed-interval tasks.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*scheduledTask
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type scheduledTask struct {
	name     string
	interval time.Duration
	run      Task
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger,
		tasks:  make(map[string]*scheduledTask),
	}
}

// Register adds a periodic task. Registering after Start launches the task
// immediately on its interval.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive, got %s", name, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}

	st := &scheduledTask{name: name, interval: interval, run: task}
	s.tasks[name] = st

	if s.started {
		s.launch(st)
	}
	return nil
}

// Start launches every registered task on its interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, st := range s.tasks {
		s.launch(st)
	}
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
}

// launch must be called with the mutex held.
func (s *Scheduler) launch(st *scheduledTask) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(st.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(st)
			}
		}
	}()
}

func (s *Scheduler) runOnce(st *scheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				zap.String("task", st.name),
				zap.Any("panic", r))
		}
	}()
	if err := st.run(s.ctx); err != nil {
		s.logger.Warn("scheduled task failed",
			zap.String("task", st.name),
			zap.Error(err))
	}
}

// Stop cancels all tasks and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
