// Package scheduler runs per-user scheduled prompts: cron jobs, one-shot
// reminders, the daily briefing, and the heartbeat. Tasks live in memory
// keyed by id and are mirrored to a JSON file on every mutation, so a
// restart picks up where the previous process left off.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/steward/internal/observability"
)

// DefaultTick is the pause between scheduler passes. A pass that fails to
// persist doubles the pause once.
const DefaultTick = 30 * time.Second

// Callback processes one due task, normally by running its prompt through
// the agent loop as the owning user. Errors are logged and the task stays
// enabled.
type Callback func(ctx context.Context, task *ScheduledTask) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the pass interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Scheduler owns the task set and the single goroutine that fires due
// tasks. All exported methods are safe for concurrent use.
type Scheduler struct {
	path string

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	tick    time.Duration

	mu       sync.Mutex
	tasks    map[string]*ScheduledTask
	callback Callback
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// New loads the task file at path and returns a stopped scheduler. Every
// enabled task gets its next_run recomputed so values persisted by the
// previous process cannot go stale; a one-shot whose time passed during
// downtime fires on the first pass.
func New(path string, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		path:    path,
		logger:  observability.NopLogger(),
		metrics: observability.NopMetrics(),
		now:     time.Now,
		tick:    DefaultTick,
		tasks:   make(map[string]*ScheduledTask),
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := loadTasks(path)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, task := range loaded {
		if task == nil || task.ID == "" {
			continue
		}
		s.refreshNextRun(task, now)
		s.tasks[task.ID] = task
	}
	if len(s.tasks) > 0 {
		s.logger.Info("scheduler loaded tasks", "count", len(s.tasks), "path", path)
	}
	return s, nil
}

// SetCallback wires the function invoked for each due task. Must be called
// before Start.
func (s *Scheduler) SetCallback(cb Callback) {
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
}

// Add validates the task, computes its next run if unset, and persists the
// schedule. An existing task with the same id is replaced, which is how
// the daily briefing gets rescheduled.
func (s *Scheduler) Add(task *ScheduledTask) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	own := task.Clone()
	if own.NextRun == nil && own.Enabled {
		next, err := own.NextRunAfter(s.now())
		if err != nil {
			return err
		}
		own.NextRun = &next
	}

	s.mu.Lock()
	s.tasks[own.ID] = own
	s.mu.Unlock()

	s.logger.Info("task added", "task_id", own.ID, "name", own.Name, "kind", string(own.Kind))
	s.persist()
	return nil
}

// Remove deletes a task by id, reporting whether it existed.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	if ok {
		s.logger.Info("task removed", "task_id", id)
		s.persist()
	}
	return ok
}

// Get returns a snapshot of the task with the given id.
func (s *Scheduler) Get(id string) (*ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// List returns snapshots of all tasks ordered by next run, soonest first.
// Tasks with no next run sort last.
func (s *Scheduler) List() []*ScheduledTask {
	s.mu.Lock()
	out := make([]*ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRun, out[j].NextRun
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		default:
			return a.Before(*b)
		}
	})
	return out
}

// Start launches the scheduler loop. It fails if the scheduler is already
// running or no callback is wired.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	if s.callback == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler callback is not set")
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	s.logger.Info("scheduler started", "tick", s.tick.String(), "tasks", len(s.List()))
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single pass immediately and reports how many tasks
// fired. Used by tests and the CLI.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	return s.runDue(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	delay := s.tick
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timer.C:
		}

		if _, err := s.runDue(ctx); err != nil {
			s.logger.Error("scheduler pass failed", "error", err)
			delay = 2 * s.tick
		} else {
			delay = s.tick
		}
		timer.Reset(delay)
	}
}

// runDue fires every task due at now. Pointers collected under the lock
// stay valid if a task is removed mid-pass; mutating a removed task is
// harmless.
func (s *Scheduler) runDue(ctx context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	cb := s.callback
	var due []*ScheduledTask
	for _, task := range s.tasks {
		if task.DueAt(now) {
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 || cb == nil {
		return 0, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRun.Equal(*due[j].NextRun) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRun.Before(*due[j].NextRun)
	})

	var firstErr error
	for _, task := range due {
		s.fire(ctx, cb, task)
		if err := s.persist(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(due), firstErr
}

// fire invokes the callback for one due task and advances its schedule.
// The callback runs a full agent turn, so the lock is released around it.
func (s *Scheduler) fire(ctx context.Context, cb Callback, task *ScheduledTask) {
	s.mu.Lock()
	snapshot := task.Clone()
	s.mu.Unlock()

	s.logger.Info("task firing", "task_id", snapshot.ID, "name", snapshot.Name, "kind", string(snapshot.Kind))
	err := cb(ctx, snapshot)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Error("task callback failed", "task_id", snapshot.ID, "name", snapshot.Name, "error", err)
	}
	s.metrics.SchedulerFiresTotal.WithLabelValues(string(snapshot.Kind), outcome).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	completed := s.now()
	task.LastRun = &completed
	if !task.Kind.CronDriven() {
		task.Enabled = false
		task.NextRun = nil
		return
	}
	next, nerr := task.NextRunAfter(completed)
	if nerr != nil {
		s.logger.Warn("cannot compute next run", "task_id", task.ID, "error", nerr)
		task.NextRun = nil
		return
	}
	task.NextRun = &next
}

// refreshNextRun recomputes task.NextRun from now. A schedule that cannot
// produce a future time leaves NextRun nil and the task never fires.
func (s *Scheduler) refreshNextRun(task *ScheduledTask, now time.Time) {
	if !task.Enabled {
		return
	}
	next, err := task.NextRunAfter(now)
	if err != nil {
		s.logger.Warn("cannot compute next run", "task_id", task.ID, "error", err)
		task.NextRun = nil
		return
	}
	task.NextRun = &next
}

// persist rewrites the task file from in-memory state. Failures are logged
// and returned; in-memory state stands and the next mutation retries.
func (s *Scheduler) persist() error {
	s.mu.Lock()
	tasks := make([]*ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	if err := saveTasks(s.path, tasks, s.now()); err != nil {
		s.logger.Error("persist tasks failed", "path", s.path, "error", err)
		return err
	}
	return nil
}
