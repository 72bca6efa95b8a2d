// Package scheduler fires configured background tasks into the message
// processor as scheduled messages.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/processor"
)

// ErrTaskNotFound is returned by RunTask for an unknown task name.
var ErrTaskNotFound = errors.New("task not found")

// Config holds the scheduler configuration.
type Config struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	Tasks        []TaskConfig  `yaml:"tasks"`
}

// TaskConfig configures one scheduled task.
type TaskConfig struct {
	Name     string         `yaml:"name"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Message  string         `yaml:"message"`
	// Model overrides the default model for this task.
	Model string `yaml:"model"`
	// InjectChatID delivers non-silent answers to this chat.
	InjectChatID string `yaml:"inject_chat_id"`
	Disabled     bool   `yaml:"disabled"`
}

// Validate checks a task definition.
func (c TaskConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("task name is required")
	}
	if strings.ContainsAny(c.Name, " \t\n:") {
		return fmt.Errorf("task %s: name must not contain whitespace or ':'", c.Name)
	}
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("task %s: message is required", c.Name)
	}
	if _, err := ParseSchedule(c.Schedule); err != nil {
		return fmt.Errorf("task %s: %w", c.Name, err)
	}
	return nil
}

// Dispatcher receives fired tasks. It is implemented by *processor.Processor.
type Dispatcher interface {
	HandleScheduledMessage(ctx context.Context, msg processor.ScheduledMessage) error
}

// Task is the runtime state of a scheduled task.
type Task struct {
	Name         string
	Message      string
	Model        string
	InjectChatID string
	Schedule     Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string
	Runs      int
}

// Scheduler fires due tasks on every tick.
type Scheduler struct {
	dispatcher   Dispatcher
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	tasks   []*Task
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithMetrics records firings in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler for the enabled tasks in cfg. Invalid or duplicate
// task definitions are an error.
func New(cfg Config, dispatcher Dispatcher, opts ...Option) (*Scheduler, error) {
	if dispatcher == nil {
		return nil, errors.New("scheduler requires a dispatcher")
	}
	s := &Scheduler{
		dispatcher:   dispatcher,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		tickInterval: cfg.TickInterval,
	}
	if s.tickInterval <= 0 {
		s.tickInterval = time.Second
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	seen := make(map[string]struct{}, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		if err := tc.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[tc.Name]; dup {
			return nil, fmt.Errorf("duplicate task %s", tc.Name)
		}
		seen[tc.Name] = struct{}{}
		if tc.Disabled {
			continue
		}
		sched, _ := ParseSchedule(tc.Schedule)
		task := &Task{
			Name:         tc.Name,
			Message:      tc.Message,
			Model:        strings.TrimSpace(tc.Model),
			InjectChatID: strings.TrimSpace(tc.InjectChatID),
			Schedule:     sched,
		}
		next, ok := sched.Next(now)
		if !ok {
			s.logger.Warn("task has no future run", "task", tc.Name, "schedule", sched.String())
			continue
		}
		task.NextRun = next
		s.tasks = append(s.tasks, task)
	}
	sort.Slice(s.tasks, func(i, j int) bool { return s.tasks[i].Name < s.tasks[j].Name })
	return s, nil
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx)
			}
		}
	}()
}

// Wait blocks until the tick loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunDue fires every task whose next run is not after now and returns the
// number fired.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if !t.NextRun.IsZero() && !now.Before(t.NextRun) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.fire(ctx, t, now)
	}
	return len(due)
}

// RunTask fires the named task immediately without changing its schedule.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *Task
	for _, t := range s.tasks {
		if t.Name == name {
			target = t
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return s.dispatch(ctx, target, s.now())
}

// Tasks returns a snapshot of the scheduled tasks.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = *t
	}
	return out
}

func (s *Scheduler) fire(ctx context.Context, t *Task, now time.Time) {
	_ = s.dispatch(ctx, t, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := t.Schedule.Next(now)
	if !ok {
		t.NextRun = time.Time{}
		return
	}
	t.NextRun = next
}

func (s *Scheduler) dispatch(ctx context.Context, t *Task, now time.Time) error {
	s.mu.Lock()
	msg := processor.ScheduledMessage{
		Name:         t.Name,
		Message:      t.Message,
		Model:        t.Model,
		InjectChatID: t.InjectChatID,
	}
	s.mu.Unlock()

	err := s.dispatcher.HandleScheduledMessage(ctx, msg)

	s.mu.Lock()
	t.LastRun = now
	t.Runs++
	if err != nil {
		t.LastError = err.Error()
	} else {
		t.LastError = ""
	}
	s.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		s.logger.Warn("scheduled task dispatch failed", "task", t.Name, "error", err)
	} else {
		s.logger.Debug("scheduled task fired", "task", t.Name)
	}
	s.metrics.RecordScheduledRun(t.Name, status)
	return err
}
