// Package janitor runs periodic cleanup of the gateway's in-memory state on a
// cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task removes stale entries and reports how many it removed.
type Task struct {
	Name  string
	Prune func() int
}

// Scheduler runs every task on each tick of the schedule.
type Scheduler struct {
	schedule string
	tasks    []Task
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

func New(schedule string, logger *slog.Logger, tasks ...Task) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		tasks:    tasks,
		cron:     cron.New(),
		logger:   logger.With("component", "janitor"),
	}
}

// Start schedules the tasks and returns. An empty schedule disables the
// scheduler. It stops on its own once ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("prune schedule not configured, skipping janitor")
		return nil
	}
	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("janitor started", "schedule", s.schedule, "tasks", len(s.tasks))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce runs every task now and returns the removed counts by task name.
func (s *Scheduler) RunOnce() map[string]int {
	out := make(map[string]int, len(s.tasks))
	for _, t := range s.tasks {
		n := t.Prune()
		out[t.Name] = n
		if n > 0 {
			s.logger.Info("pruned stale entries", "task", t.Name, "removed", n)
		} else {
			s.logger.Debug("nothing to prune", "task", t.Name)
		}
	}
	return out
}

// Stop stops the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("janitor stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled tick, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
