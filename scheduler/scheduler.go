package scheduler

import (
	"context"
	"sync"
	"time"

	"ledgersink/logger"
)

// Task represents a scheduled task
type Task struct {
	Name     string
	Interval time.Duration
	Execute  func(context.Context) error
}

// Scheduler manages periodic tasks
type Scheduler struct {
	tasks    []*Task
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *logger.Logger
	mu       sync.RWMutex
}

func New() *Scheduler {
	return &Scheduler{
		tasks:    make([]*Task, 0),
		stopChan: make(chan struct{}),
		log:      logger.L(),
	}
}

// AddTask adds a new task to the scheduler
func (s *Scheduler) AddTask(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	s.log.Info("Added new task to scheduler", map[string]interface{}{
		"task_name": task.Name,
		"interval":  task.Interval.String(),
	})
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// Start begins all scheduled tasks
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.RUnlock()

	for _, task := range tasks {
		s.wg.Add(1)
		go s.runTask(ctx, task)
	}

	s.log.Info("Scheduler started", map[string]interface{}{
		"tasks_count": len(tasks),
	})
}

// Stop gracefully stops all scheduled tasks and waits for running executions.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.log.Info("Scheduler stopped", map[string]interface{}{})
}

// runTask executes a single task at the specified interval
func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	// Execute immediately on start
	s.execute(ctx, task)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Task stopped due to context cancellation", map[string]interface{}{
				"task_name": task.Name,
			})
			return
		case <-s.stopChan:
			s.log.Info("Task stopped due to scheduler shutdown", map[string]interface{}{
				"task_name": task.Name,
			})
			return
		case <-ticker.C:
			s.execute(ctx, task)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, task *Task) {
	start := time.Now()
	if err := task.Execute(ctx); err != nil {
		s.log.Error("Task execution failed", map[string]interface{}{
			"task_name": task.Name,
			"error":     err.Error(),
		})
		return
	}
	s.log.Debug("Task executed", map[string]interface{}{
		"task_name": task.Name,
		"duration":  time.Since(start).String(),
	})
}
