package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/metrics"
)

// Task is one periodic maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each task on its own ticker. A failing or panicking task
// does not affect the others.
type Scheduler struct {
	tasks  []Task
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *zap.Logger, tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, logger: logger}
}

// Start launches every task and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			s.logger.Warn("skipping task without interval", zap.String("task", task.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop cancels all tasks and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, task)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		metrics.RecordSchedulerRun(task.Name, err, time.Since(start))
		if err != nil {
			s.logger.Error("scheduled task failed", zap.String("task", task.Name), zap.Error(err))
		}
	}()

	err = task.Run(ctx)
}
