// Package scheduler runs periodic maintenance jobs such as the anomaly sweep.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultTaskTimeout bounds a single task execution.
const DefaultTaskTimeout = 10 * time.Minute

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

type scheduledTask struct {
	ID          string
	Name        string
	Schedule    string
	run         TaskFunc
	cronEntryID cron.EntryID
	lastRun     time.Time
	lastError   error
	runCount    int64
	errorCount  int64
}

// TaskStatus is a read-only view of a task.
type TaskStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	LastRun    time.Time `json:"last_run,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
}

// Scheduler manages periodic tasks on a seconds-precision UTC cron.
type Scheduler struct {
	logger  *zap.Logger
	cron    *cron.Cron
	timeout time.Duration
	tasks   map[string]*scheduledTask
	mutex   sync.RWMutex
}

// New creates a scheduler. A non-positive timeout uses DefaultTaskTimeout.
func New(logger *zap.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
		tasks:   make(map[string]*scheduledTask),
	}
}

// AddTask registers fn under id with a six-field cron schedule.
func (s *Scheduler) AddTask(id, name, schedule string, fn TaskFunc) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.tasks[id]; exists {
		return fmt.Errorf("task with ID %s already exists", id)
	}
	task := &scheduledTask{ID: id, Name: name, Schedule: schedule, run: fn}
	entryID, err := s.cron.AddFunc(schedule, func() {
		s.execute(context.Background(), task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", id, err)
	}
	task.cronEntryID = entryID
	s.tasks[id] = task

	s.logger.Debug("Task scheduled",
		zap.String("task_id", id),
		zap.String("schedule", schedule))
	return nil
}

// RemoveTask unschedules a task.
func (s *Scheduler) RemoveTask(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task with ID %s not found", id)
	}
	s.cron.Remove(task.cronEntryID)
	delete(s.tasks, id)
	return nil
}

// RunNow executes a task synchronously outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mutex.RLock()
	task, exists := s.tasks[id]
	s.mutex.RUnlock()
	if !exists {
		return fmt.Errorf("task with ID %s not found", id)
	}
	return s.execute(ctx, task)
}

// Tasks returns the status of every task ordered by id.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		st := TaskStatus{
			ID:         task.ID,
			Name:       task.Name,
			Schedule:   task.Schedule,
			LastRun:    task.lastRun,
			NextRun:    s.cron.Entry(task.cronEntryID).Next,
			RunCount:   task.runCount,
			ErrorCount: task.errorCount,
		}
		if task.lastError != nil {
			st.LastError = task.lastError.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mutex.RLock()
	n := len(s.tasks)
	s.mutex.RUnlock()
	s.logger.Info("Scheduler started", zap.Int("scheduled_tasks", n))
}

// Stop stops the cron loop and waits for running tasks, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("Stopping scheduler")
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out")
	}
}

func (s *Scheduler) execute(parent context.Context, task *scheduledTask) error {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	err := task.run(ctx)

	s.mutex.Lock()
	task.lastRun = start
	task.runCount++
	task.lastError = err
	if err != nil {
		task.errorCount++
	}
	s.mutex.Unlock()

	if err != nil {
		s.logger.Error("Scheduled task failed",
			zap.String("task_id", task.ID),
			zap.Duration("execution_time", time.Since(start)),
			zap.Error(err))
		return err
	}
	s.logger.Debug("Scheduled task completed",
		zap.String("task_id", task.ID),
		zap.Duration("execution_time", time.Since(start)))
	return nil
}
