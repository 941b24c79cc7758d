package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshboard/meshboard/internal/event"
	"github.com/meshboard/meshboard/internal/store"
	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background(), "schedule", Migrations); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return st
}

func newTestScheduler(t *testing.T, st *store.Store, dispatch Dispatcher, bus *event.Bus) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 5 * time.Second
	return NewScheduler(cfg, NewStore(st.DB()), dispatch, bus, zap.NewNop())
}

// waitFor polls cond until it holds or the test deadline expires. Dispatches
// run on the worker pool, so observable effects land asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func taskByID(s *Scheduler, id string) (TaskRecord, bool) {
	for _, r := range s.Tasks() {
		if r.ID == id {
			return r, true
		}
	}
	return TaskRecord{}, false
}

func TestRegisterAndCancel(t *testing.T) {
	s := newTestScheduler(t, openTestStore(t), func(context.Context, string, plugin.Task) error {
		return nil
	}, nil)

	before := time.Now()
	id, err := s.Register(context.Background(), "weather", plugin.TaskSpec{
		Name:  "refresh",
		Every: time.Hour,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r, ok := taskByID(s, id)
	if !ok {
		t.Fatal("registered task missing from Tasks()")
	}
	if !r.Enabled {
		t.Error("new task should be enabled")
	}
	if r.NextRun.Before(before.Add(time.Hour).Add(-time.Second)) {
		t.Errorf("NextRun = %v, want about an hour out", r.NextRun)
	}
	if owner, ok := s.Owner(id); !ok || owner != "weather" {
		t.Errorf("Owner() = %q, %v", owner, ok)
	}

	if err := s.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if len(s.Tasks()) != 0 {
		t.Error("task survived Cancel()")
	}
	if err := s.Cancel(context.Background(), id); !errors.Is(err, plugin.ErrTaskNotFound) {
		t.Errorf("second Cancel() error = %v, want ErrTaskNotFound", err)
	}
}

func TestRegisterRejectsBadTrigger(t *testing.T) {
	s := newTestScheduler(t, openTestStore(t), func(context.Context, string, plugin.Task) error {
		return nil
	}, nil)

	_, err := s.Register(context.Background(), "weather", plugin.TaskSpec{Name: "none"})
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("Register() error = %v, want ErrInvalidTrigger", err)
	}
}

func TestTickFiresOnlyDueTasks(t *testing.T) {
	var calls atomic.Int64
	var gotOwner atomic.Value
	s := newTestScheduler(t, openTestStore(t), func(_ context.Context, owner string, task plugin.Task) error {
		calls.Add(1)
		gotOwner.Store(owner + "/" + task.Name)
		return nil
	}, nil)

	id, err := s.Register(context.Background(), "weather", plugin.TaskSpec{
		Name:  "refresh",
		Every: time.Hour,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r, _ := taskByID(s, id)

	s.Tick(time.Now())
	if n := calls.Load(); n != 0 {
		t.Fatalf("dispatched %d tasks before due time", n)
	}

	s.Tick(r.NextRun)
	waitFor(t, "dispatch", func() bool { return calls.Load() == 1 })
	if got := gotOwner.Load(); got != "weather/refresh" {
		t.Errorf("dispatched %v, want weather/refresh", got)
	}

	// The recurring task goes back on the queue with a fresh next run.
	waitFor(t, "requeue", func() bool {
		r2, ok := taskByID(s, id)
		return ok && r2.NextRun.After(r.NextRun)
	})
}

func TestOneShotFiresOnceAndIsRemoved(t *testing.T) {
	var calls atomic.Int64
	st := openTestStore(t)
	s := newTestScheduler(t, st, func(context.Context, string, plugin.Task) error {
		calls.Add(1)
		return nil
	}, nil)

	// A one-shot whose moment already passed fires immediately, once.
	id, err := s.Register(context.Background(), "bbs", plugin.TaskSpec{
		Name: "announce",
		At:   time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	s.Tick(time.Now().Add(time.Second))
	waitFor(t, "one-shot dispatch", func() bool { return calls.Load() == 1 })
	waitFor(t, "one-shot removal", func() bool {
		_, ok := taskByID(s, id)
		return !ok
	})

	// The definition is gone but history remains.
	execs, err := s.History(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(execs) != 1 || execs[0].Outcome != OutcomeSuccess {
		t.Errorf("History() = %+v, want one success", execs)
	}
	records, err := NewStore(st.DB()).ListTasks(context.Background())
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("persisted tasks after one-shot = %+v, want none", records)
	}

	s.Tick(time.Now().Add(time.Hour))
	if n := calls.Load(); n != 1 {
		t.Errorf("one-shot dispatched %d times", n)
	}
}

func TestAutoDisableAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	bus := event.NewBus(zap.NewNop())

	disabled := make(chan event.TaskDisabled, 1)
	unsub := bus.Subscribe(event.TopicTaskDisabled, func(_ context.Context, e event.Event) {
		if p, ok := e.Payload.(event.TaskDisabled); ok {
			select {
			case disabled <- p:
			default:
			}
		}
	})
	defer unsub()

	st := openTestStore(t)
	s := newTestScheduler(t, st, func(context.Context, string, plugin.Task) error {
		calls.Add(1)
		return errors.New("radio on fire")
	}, bus)

	id, err := s.Register(context.Background(), "weather", plugin.TaskSpec{
		Name:             "refresh",
		Every:            time.Second,
		FailureThreshold: 2,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	fire := func(wantFailures int) {
		t.Helper()
		r, ok := taskByID(s, id)
		if !ok {
			t.Fatal("task disappeared")
		}
		s.Tick(r.NextRun)
		waitFor(t, "failure accounting", func() bool {
			r2, ok := taskByID(s, id)
			return ok && r2.Failures == wantFailures
		})
	}

	fire(1)
	if r, _ := taskByID(s, id); !r.Enabled {
		t.Fatal("task disabled below threshold")
	}

	fire(2)
	r, _ := taskByID(s, id)
	if r.Enabled {
		t.Fatal("task still enabled at threshold")
	}

	select {
	case p := <-disabled:
		if p.TaskID != id || p.Failures != 2 {
			t.Errorf("TaskDisabled payload = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no TaskDisabled event published")
	}

	// The disable is persisted, and the task no longer fires.
	records, err := NewStore(st.DB()).ListTasks(context.Background())
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(records) != 1 || records[0].Enabled {
		t.Errorf("persisted record = %+v, want disabled", records)
	}
	s.Tick(time.Now().Add(time.Hour))
	if n := calls.Load(); n != 2 {
		t.Errorf("disabled task dispatched, total calls = %d", n)
	}

	// Re-enabling resets the streak and requeues.
	if err := s.Enable(context.Background(), id); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	r, _ = taskByID(s, id)
	if !r.Enabled || r.Failures != 0 {
		t.Errorf("after Enable: enabled=%v failures=%d", r.Enabled, r.Failures)
	}
	fire(1)
}

func TestDisableIsIdempotentAndStopsFiring(t *testing.T) {
	var calls atomic.Int64
	s := newTestScheduler(t, openTestStore(t), func(context.Context, string, plugin.Task) error {
		calls.Add(1)
		return nil
	}, nil)

	id, err := s.Register(context.Background(), "weather", plugin.TaskSpec{
		Name:  "refresh",
		Every: time.Second,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := s.Disable(context.Background(), id); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if err := s.Disable(context.Background(), id); err != nil {
		t.Fatalf("second Disable() error = %v", err)
	}
	s.Tick(time.Now().Add(time.Hour))
	if n := calls.Load(); n != 0 {
		t.Errorf("disabled task fired %d times", n)
	}

	if err := s.Disable(context.Background(), "no-such-task"); !errors.Is(err, plugin.ErrTaskNotFound) {
		t.Errorf("Disable(unknown) error = %v, want ErrTaskNotFound", err)
	}
	if err := s.Enable(context.Background(), "no-such-task"); !errors.Is(err, plugin.ErrTaskNotFound) {
		t.Errorf("Enable(unknown) error = %v, want ErrTaskNotFound", err)
	}
}

func TestCancelOwnedRemovesOnlyThatOwner(t *testing.T) {
	st := openTestStore(t)
	s := newTestScheduler(t, st, func(context.Context, string, plugin.Task) error {
		return nil
	}, nil)

	ctx := context.Background()
	if _, err := s.Register(ctx, "weather", plugin.TaskSpec{Name: "a", Every: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(ctx, "weather", plugin.TaskSpec{Name: "b", Every: time.Hour}); err != nil {
		t.Fatal(err)
	}
	keep, err := s.Register(ctx, "bbs", plugin.TaskSpec{Name: "c", Every: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CancelOwned(ctx, "weather"); err != nil {
		t.Fatalf("CancelOwned() error = %v", err)
	}

	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].ID != keep {
		t.Errorf("Tasks() after CancelOwned = %+v, want only bbs/c", tasks)
	}
	records, err := NewStore(st.DB()).ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Plugin != "bbs" {
		t.Errorf("persisted tasks = %+v, want only bbs", records)
	}
}

func TestTimeoutOutcome(t *testing.T) {
	s := newTestScheduler(t, openTestStore(t), func(ctx context.Context, _ string, _ plugin.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	id, err := s.Register(context.Background(), "weather", plugin.TaskSpec{
		Name:    "slow",
		At:      time.Now().Add(-time.Second),
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	s.Tick(time.Now())
	waitFor(t, "timeout execution row", func() bool {
		execs, err := s.History(context.Background(), id, 1)
		return err == nil && len(execs) == 1 && execs[0].Outcome == OutcomeTimeout
	})
}

func TestPanickingDispatchIsRecordedAsFailure(t *testing.T) {
	s := newTestScheduler(t, openTestStore(t), func(context.Context, string, plugin.Task) error {
		panic("handler bug")
	}, nil)

	id, err := s.Register(context.Background(), "weather", plugin.TaskSpec{
		Name: "buggy",
		At:   time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	s.Tick(time.Now())
	waitFor(t, "failure execution row", func() bool {
		execs, err := s.History(context.Background(), id, 1)
		return err == nil && len(execs) == 1 &&
			execs[0].Outcome == OutcomeFailure &&
			execs[0].Error != ""
	})
}

func TestRestoreReloadsDefinitionsWithFreshNextRun(t *testing.T) {
	st := openTestStore(t)
	first := newTestScheduler(t, st, func(context.Context, string, plugin.Task) error {
		return nil
	}, nil)

	ctx := context.Background()
	active, err := first.Register(ctx, "weather", plugin.TaskSpec{Name: "refresh", Every: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	paused, err := first.Register(ctx, "bbs", plugin.TaskSpec{Name: "digest", Cron: "0 7 * * *"})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Disable(ctx, paused); err != nil {
		t.Fatal(err)
	}

	second := newTestScheduler(t, st, func(context.Context, string, plugin.Task) error {
		return nil
	}, nil)
	before := time.Now()
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	r, ok := taskByID(second, active)
	if !ok {
		t.Fatal("active task not restored")
	}
	if !r.Enabled || r.NextRun.Before(before) {
		t.Errorf("restored active task = %+v, want enabled with future NextRun", r)
	}

	p, ok := taskByID(second, paused)
	if !ok {
		t.Fatal("disabled task not restored")
	}
	if p.Enabled {
		t.Error("disabled task restored as enabled")
	}
}
