// Package scheduler runs named periodic tasks, each on its own
// goroutine, generalizing the teacher's polling worker-pool run-loop
// (projects/02-distributed-task-scheduler/scheduler/worker) from a
// shared task queue to one goroutine per registered task with no
// overlap between successive runs of the same task (§4.6).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Polqt/chainlb/internal/scheduler/cron"
)

// HandlerFunc performs one task run. Returning an error marks the run
// failed; for the registry-refresh and health-recovery tasks, a failed
// run sets the scheduler's degraded flag and a successful run clears it
// (§4.6, surfaced via /health).
type HandlerFunc func(ctx context.Context) error

// Status is a point-in-time snapshot of one task, returned by Status
// (the §4.6 "status" operation).
type Status struct {
	Name      string
	Schedule  string
	LastRun   time.Time
	NextRun   time.Time
	Enabled   bool
	LastError string
}

type task struct {
	name     string
	schedule *cron.Schedule
	handler  HandlerFunc
	timeout  time.Duration

	enabled   atomic.Bool
	trigger   chan struct{}
	mu        sync.Mutex
	lastRun   time.Time
	nextRun   time.Time
	lastError string
}

// Scheduler owns a set of named tasks and runs each on its own timer
// goroutine (§5 "Scheduled tasks run on independent timers").
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*task
	degraded atomic.Bool
	log      *zap.Logger

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates an empty Scheduler.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*task),
		log:   log,
		done:  make(chan struct{}),
	}
}

// Register adds a named task with a §4.6-narrow schedule expression. It
// does not start the task's goroutine; call Start to launch all
// registered tasks.
func (s *Scheduler) Register(name, scheduleExpr string, timeout time.Duration, handler HandlerFunc) error {
	sched, err := cron.Parse(scheduleExpr)
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	t := &task{
		name:     name,
		schedule: sched,
		handler:  handler,
		timeout:  timeout,
		trigger:  make(chan struct{}, 1),
	}
	t.enabled.Store(true)
	t.nextRun = sched.Next(time.Now())

	s.mu.Lock()
	s.tasks[name] = t
	s.mu.Unlock()
	return nil
}

// Start launches every registered task's run-loop goroutine. Tasks
// registered after Start is called are not automatically launched;
// call Start again is not supported (register everything first).
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, t)
		}()
	}
}

// Stop signals every task loop to exit and waits up to gracePeriod for
// in-flight runs to finish (§5: "the scheduler waits up to a grace
// period then detaches").
func (s *Scheduler) Stop(gracePeriod time.Duration) {
	close(s.done)
	doneWaiting := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneWaiting)
	}()
	select {
	case <-doneWaiting:
	case <-time.After(gracePeriod):
		if s.log != nil {
			s.log.Warn("scheduler shutdown grace period elapsed; detaching in-flight tasks")
		}
	}
}

func (s *Scheduler) runLoop(ctx context.Context, t *task) {
	for {
		t.mu.Lock()
		next := t.nextRun
		t.mu.Unlock()

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-t.trigger:
			timer.Stop()
		case <-timer.C:
		}

		if t.enabled.Load() {
			s.runOnce(ctx, t)
		}

		t.mu.Lock()
		t.nextRun = t.schedule.Next(time.Now())
		t.mu.Unlock()
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t *task) {
	runID := uuid.NewString()

	runCtx := ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	err := t.handler(runCtx)

	t.mu.Lock()
	t.lastRun = time.Now()
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	t.mu.Unlock()

	if s.log != nil {
		s.log.Debug("scheduled task run", zap.String("task", t.name), zap.String("runId", runID))
	}

	if err != nil {
		s.logWarn(t.name, err)
		if affectsDegraded(t.name) {
			s.degraded.Store(true)
		}
	} else if affectsDegraded(t.name) {
		s.degraded.Store(false)
	}
}

// affectsDegraded reports whether a task's outcome drives the §4.6
// health flag: registry-refresh flips it degraded on failure,
// health-recovery clears it again once a retried fetch succeeds.
func affectsDegraded(name string) bool {
	return name == "registry-refresh" || name == "health-recovery"
}

func (s *Scheduler) logWarn(name string, err error) {
	if s.log != nil {
		s.log.Warn("scheduled task failed", zap.String("task", name), zap.Error(err))
	}
}

// Enable/Disable toggle whether a task's timer fires its handler; the
// timer keeps advancing either way so re-enabling resumes on schedule
// rather than firing immediately.
func (s *Scheduler) Enable(name string) error {
	t, ok := s.taskByName(name)
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}
	t.enabled.Store(true)
	return nil
}

func (s *Scheduler) Disable(name string) error {
	t, ok := s.taskByName(name)
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}
	t.enabled.Store(false)
	return nil
}

// TriggerNow wakes a task's loop immediately, running it out of
// schedule (a no-op if a trigger is already pending).
func (s *Scheduler) TriggerNow(name string) error {
	t, ok := s.taskByName(name)
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Degraded reports whether the most recent run of registry-refresh or
// health-recovery failed (§4.6, §7 "Degraded mode").
func (s *Scheduler) Degraded() bool { return s.degraded.Load() }

// Status returns a snapshot of every registered task.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	tasks := make([]*task, 0, len(s.tasks))
	for name, t := range s.tasks {
		names = append(names, name)
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]Status, len(tasks))
	for i, t := range tasks {
		t.mu.Lock()
		out[i] = Status{
			Name:      t.name,
			Schedule:  t.schedule.String(),
			LastRun:   t.lastRun,
			NextRun:   t.nextRun,
			Enabled:   t.enabled.Load(),
			LastError: t.lastError,
		}
		t.mu.Unlock()
	}
	return out
}

func (s *Scheduler) taskByName(name string) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	return t, ok
}
