package schedule

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshboard/meshboard/internal/event"
	"github.com/meshboard/meshboard/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	taskExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshboard_task_executions_total",
			Help: "Total scheduled task executions by outcome.",
		},
		[]string{"outcome"},
	)
	tasksAutoDisabled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshboard_tasks_auto_disabled_total",
			Help: "Tasks auto-disabled after crossing their failure threshold.",
		},
	)
)

func init() {
	prometheus.MustRegister(taskExecutionsTotal)
	prometheus.MustRegister(tasksAutoDisabled)
}

// Dispatcher delivers one task firing to its owning plugin. The host wires
// this to the plugin's HandleTask through its scoped handle.
type Dispatcher func(ctx context.Context, owner string, task plugin.Task) error

// Config controls scheduler behavior.
type Config struct {
	TickInterval            time.Duration `mapstructure:"tick_interval"`
	Workers                 int           `mapstructure:"workers"`
	DefaultTimeout          time.Duration `mapstructure:"default_timeout"`
	DefaultFailureThreshold int           `mapstructure:"default_failure_threshold"`
	PruneInterval           time.Duration `mapstructure:"prune_interval"`
	HistoryRetention        time.Duration `mapstructure:"history_retention"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:            time.Second,
		Workers:                 8,
		DefaultTimeout:          30 * time.Second,
		DefaultFailureThreshold: 3,
		PruneInterval:           time.Hour,
		HistoryRetention:        30 * 24 * time.Hour,
	}
}

// Scheduler owns the task queue and the dispatch worker pool. Ticks are
// serialized by the single loop; dispatched tasks run concurrently with each
// other and with message handling.
type Scheduler struct {
	cfg      Config
	store    *Store
	dispatch Dispatcher
	bus      *event.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*Task
	queue   taskQueue
	nextSeq uint64

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. The dispatcher is called once per firing
// with the firing's deadline already applied to its context.
func NewScheduler(cfg Config, st *Store, dispatch Dispatcher, bus *event.Bus, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		dispatch: dispatch,
		bus:      bus,
		logger:   logger,
		tasks:    make(map[string]*Task),
		sem:      make(chan struct{}, cfg.Workers),
	}
}

// Restore reloads persisted task definitions. NextRun is recomputed fresh
// from the current clock; schedules do not survive restart beyond their
// definitions.
func (s *Scheduler) Restore(ctx context.Context) error {
	records, err := s.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range records {
		trig, terr := NewTrigger(plugin.TaskSpec{Cron: r.Cron, Every: r.Every, At: r.At})
		if terr != nil {
			s.logger.Warn("dropping persisted task with invalid trigger",
				zap.String("task_id", r.ID), zap.Error(terr))
			continue
		}
		t := &Task{
			ID:               r.ID,
			Plugin:           r.Plugin,
			Name:             r.Name,
			Trigger:          trig,
			Timeout:          r.Timeout,
			FailureThreshold: r.FailureThreshold,
			Enabled:          r.Enabled,
			index:            -1,
		}
		s.mu.Lock()
		t.seq = s.nextSeq
		s.nextSeq++
		s.tasks[t.ID] = t
		if t.Enabled {
			if next, ok := t.Trigger.Next(now, false); ok {
				t.NextRun = next
				heap.Push(&s.queue, t)
			}
		}
		s.mu.Unlock()
	}

	s.logger.Info("scheduler restored", zap.Int("tasks", len(records)))
	return nil
}

// Start begins the tick and prune loops. Non-blocking; Stop shuts down.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case now := <-ticker.C:
				s.Tick(now)
			}
		}
	}()

	if s.cfg.PruneInterval > 0 && s.cfg.HistoryRetention > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.cfg.PruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C:
					s.prune()
				}
			}
		}()
	}
}

// Stop cancels the loops and waits for in-flight work to unwind.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Register validates and enqueues a task for the owning plugin. The
// definition is persisted so it survives restart.
func (s *Scheduler) Register(ctx context.Context, owner string, spec plugin.TaskSpec) (string, error) {
	trig, err := NewTrigger(spec)
	if err != nil {
		return "", err
	}
	if spec.Timeout <= 0 {
		spec.Timeout = s.cfg.DefaultTimeout
	}
	if spec.FailureThreshold <= 0 {
		spec.FailureThreshold = s.cfg.DefaultFailureThreshold
	}

	now := time.Now()
	next, _ := trig.Next(now, false)
	t := &Task{
		ID:               uuid.NewString(),
		Plugin:           owner,
		Name:             spec.Name,
		Trigger:          trig,
		Timeout:          spec.Timeout,
		FailureThreshold: spec.FailureThreshold,
		Enabled:          true,
		NextRun:          next,
		index:            -1,
	}

	if err := s.store.UpsertTask(ctx, s.record(t)); err != nil {
		return "", err
	}

	s.mu.Lock()
	t.seq = s.nextSeq
	s.nextSeq++
	s.tasks[t.ID] = t
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	s.logger.Info("task registered",
		zap.String("task_id", t.ID),
		zap.String("plugin", owner),
		zap.String("name", spec.Name),
		zap.String("kind", string(trig.Kind)),
		zap.Time("next_run", next),
	)
	return t.ID, nil
}

// Cancel removes a task and its definition. History rows remain.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		if t.index >= 0 {
			heap.Remove(&s.queue, t.index)
		}
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("cancel %q: %w", id, plugin.ErrTaskNotFound)
	}
	return s.store.DeleteTask(ctx, id)
}

// CancelOwned removes every task owned by a plugin. Called on unload.
func (s *Scheduler) CancelOwned(ctx context.Context, owner string) error {
	s.mu.Lock()
	var ids []string
	for id, t := range s.tasks {
		if t.Plugin == owner {
			if t.index >= 0 {
				heap.Remove(&s.queue, t.index)
			}
			delete(s.tasks, id)
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return s.store.DeleteTasksForPlugin(ctx, owner)
}

// Owner returns the owning plugin of a task id.
func (s *Scheduler) Owner(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return t.Plugin, true
}

// Enable re-enables a disabled task, resetting its failure streak.
// Idempotent: enabling an enabled task is a no-op.
func (s *Scheduler) Enable(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok && !t.Enabled {
		t.Enabled = true
		t.ConsecutiveFailures = 0
		if next, nok := t.Trigger.Next(time.Now(), t.Fired); nok {
			t.NextRun = next
			heap.Push(&s.queue, t)
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("enable %q: %w", id, plugin.ErrTaskNotFound)
	}
	return s.store.SetTaskEnabled(ctx, id, true)
}

// Disable takes a task out of the queue without deleting it. Idempotent.
func (s *Scheduler) Disable(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok && t.Enabled {
		t.Enabled = false
		if t.index >= 0 {
			heap.Remove(&s.queue, t.index)
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("disable %q: %w", id, plugin.ErrTaskNotFound)
	}
	return s.store.SetTaskEnabled(ctx, id, false)
}

// Tasks returns a snapshot of all known tasks for the admin surface.
func (s *Scheduler) Tasks() []TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		records = append(records, s.record(t))
	}
	return records
}

// History returns recent execution rows for a task.
func (s *Scheduler) History(ctx context.Context, taskID string, limit int) ([]Execution, error) {
	return s.store.ListExecutions(ctx, taskID, limit)
}

// Tick dequeues every task due at now and dispatches it to the worker pool.
// Exported for deterministic tests; the Start loop calls it each interval.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var due []*Task
	for s.queue.Len() > 0 && !s.queue[0].NextRun.After(now) {
		due = append(due, heap.Pop(&s.queue).(*Task))
	}
	s.mu.Unlock()

	for _, t := range due {
		if s.ctx != nil {
			select {
			case <-s.ctx.Done():
				return
			case s.sem <- struct{}{}:
			}
		} else {
			s.sem <- struct{}{}
		}

		s.wg.Add(1)
		go func(t *Task, scheduledFor time.Time) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.run(t, scheduledFor)
		}(t, t.NextRun)
	}
}

// run executes one firing: deadline, dispatch, history row, failure
// accounting, and re-enqueue for recurring triggers.
func (s *Scheduler) run(t *Task, scheduledFor time.Time) {
	base := s.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, t.Timeout)
	defer cancel()

	started := time.Now()
	err := s.safeDispatch(ctx, t, scheduledFor)
	finished := time.Now()

	outcome := OutcomeSuccess
	detail := ""
	if err != nil {
		detail = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		} else {
			outcome = OutcomeFailure
		}
	}
	taskExecutionsTotal.WithLabelValues(outcome).Inc()

	// Record against a fresh context: the firing's deadline must not lose
	// the history row.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := s.store.AppendExecution(recordCtx, Execution{
		TaskID:     t.ID,
		Plugin:     t.Plugin,
		Name:       t.Name,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    outcome,
		Error:      detail,
	}); serr != nil {
		s.logger.Error("failed to record task execution",
			zap.String("task_id", t.ID), zap.Error(serr))
	}
	recordCancel()

	var (
		disabled bool
		removed  bool
		failures int
	)
	s.mu.Lock()
	if _, known := s.tasks[t.ID]; known {
		t.Fired = true
		if err == nil {
			t.ConsecutiveFailures = 0
		} else {
			t.ConsecutiveFailures++
		}
		failures = t.ConsecutiveFailures
		if err != nil && t.FailureThreshold > 0 && t.ConsecutiveFailures >= t.FailureThreshold {
			t.Enabled = false
			disabled = true
		}
		if t.Enabled {
			if next, ok := t.Trigger.Next(time.Now(), t.Fired); ok {
				t.NextRun = next
				heap.Push(&s.queue, t)
			} else {
				delete(s.tasks, t.ID)
				removed = true
			}
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task execution failed",
			zap.String("task_id", t.ID),
			zap.String("plugin", t.Plugin),
			zap.String("name", t.Name),
			zap.String("outcome", outcome),
			zap.Int("consecutive_failures", failures),
			zap.Error(err),
		)
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cleanupCancel()

	if disabled {
		tasksAutoDisabled.Inc()
		if serr := s.store.SetTaskEnabled(cleanupCtx, t.ID, false); serr != nil {
			s.logger.Error("failed to persist auto-disable",
				zap.String("task_id", t.ID), zap.Error(serr))
		}
		s.logger.Warn("task auto-disabled",
			zap.String("task_id", t.ID),
			zap.String("plugin", t.Plugin),
			zap.Int("failures", failures),
		)
		if s.bus != nil {
			s.bus.Publish(cleanupCtx, event.Event{
				Topic:  event.TopicTaskDisabled,
				Source: "scheduler",
				Payload: event.TaskDisabled{
					TaskID:   t.ID,
					Name:     t.Name,
					Plugin:   t.Plugin,
					Failures: failures,
				},
			})
		}
	}
	if removed {
		// One-shot complete; the definition goes, history stays.
		if serr := s.store.DeleteTask(cleanupCtx, t.ID); serr != nil {
			s.logger.Error("failed to remove completed one-shot",
				zap.String("task_id", t.ID), zap.Error(serr))
		}
	}
}

// safeDispatch converts handler panics into errors at the dispatch boundary.
func (s *Scheduler) safeDispatch(ctx context.Context, t *Task, scheduledFor time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return s.dispatch(ctx, t.Plugin, plugin.Task{
		ID:           t.ID,
		Name:         t.Name,
		ScheduledFor: scheduledFor,
	})
}

func (s *Scheduler) prune() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()
	n, err := s.store.PruneExecutions(ctx, time.Now().Add(-s.cfg.HistoryRetention))
	if err != nil {
		s.logger.Warn("execution history prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("pruned execution history", zap.Int64("rows", n))
	}
}

// record converts an in-memory task to its persisted form.
func (s *Scheduler) record(t *Task) TaskRecord {
	return TaskRecord{
		ID:               t.ID,
		Plugin:           t.Plugin,
		Name:             t.Name,
		Kind:             string(t.Trigger.Kind),
		Cron:             t.Trigger.Cron,
		Every:            t.Trigger.Every,
		At:               t.Trigger.At,
		Timeout:          t.Timeout,
		FailureThreshold: t.FailureThreshold,
		Enabled:          t.Enabled,
		NextRun:          t.NextRun,
		Failures:         t.ConsecutiveFailures,
	}
}
