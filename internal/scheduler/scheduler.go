// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Task is a named callback fired on a cron schedule.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Scheduler fires background tasks (connectivity polling, periodic sync)
// on their cron schedules.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []Task
	cron   *cron.Cron
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors such as
// "@every 15m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler with no tasks.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Add registers a task. The schedule is validated immediately.
func (s *Scheduler) Add(task Task) error {
	if _, err := cronParser.Parse(task.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", task.Schedule, task.Name, err)
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	return nil
}

// Start registers every task as a cron entry and starts the cron ticker.
// Tasks receive a context that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		task := task
		_, err := s.cron.AddFunc(task.Schedule, func() {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("cron firing task", "name", task.Name)
			task.Run(ctx)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return nil
}

// Stop cancels the task context and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}
