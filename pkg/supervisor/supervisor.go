// Package supervisor runs a fixed, declared set of long-lived worker tasks
// and keeps them alive.
//
// Each registered task owns one goroutine. A task returning an error is
// restarted after a capped exponential backoff with jitter; exceeding the
// attempt budget marks it failed. A task returning nil is completed.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/teleforge/teleforge/pkg/metrics"
)

// Task is a long-lived unit of work. It runs until ctx is cancelled or it
// returns on its own. Returning ctx.Err() after cancellation counts as a
// clean exit, not a failure.
type Task func(ctx context.Context) error

// RestartPolicy controls how a failing task is brought back.
type RestartPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
}

// DefaultRestartPolicy restarts aggressively at first, then backs off.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    2 * time.Minute,
		JitterRatio: 0.2,
	}
}

// State of a supervised task.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// TaskHealth is one task's slice of the health report.
type TaskHealth struct {
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at"`
	UptimeSecs   float64   `json:"uptime_seconds"`
}

// Health aggregates all tasks.
type Health struct {
	Status string                `json:"status"` // healthy | degraded | unhealthy
	Tasks  map[string]TaskHealth `json:"tasks"`
}

type taskEntry struct {
	name    string
	factory Task
	policy  RestartPolicy

	mu           sync.Mutex
	state        State
	lastError    error
	restartCount int
	startedAt    time.Time
}

// Supervisor owns the task registry and their goroutines.
type Supervisor struct {
	mu      sync.Mutex
	tasks   []*taskEntry
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Register declares a task. Must be called before Start.
func (s *Supervisor) Register(name string, factory Task, policy RestartPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		slog.Error("Register called after Start, ignoring task", "task", name)
		return
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRestartPolicy()
	}
	s.tasks = append(s.tasks, &taskEntry{
		name:    name,
		factory: factory,
		policy:  policy,
		state:   StateIdle,
	})
}

// Start launches every registered task. Safe to call once.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	slog.Info("Starting supervisor", "tasks", len(s.tasks))

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t *taskEntry) {
			defer s.wg.Done()
			s.runTask(ctx, t)
		}(t)
	}
	return nil
}

// runTask executes a task's restart loop until the context ends, the task
// completes, or its attempt budget is exhausted.
func (s *Supervisor) runTask(ctx context.Context, t *taskEntry) {
	log := slog.With("task", t.name)
	attempt := 0

	for {
		t.setState(StateRunning, nil)
		started := time.Now()
		log.Info("Task started", "attempt", attempt)

		err := t.factory(ctx)

		if ctx.Err() != nil {
			t.setState(StateStopped, nil)
			log.Info("Task stopped")
			return
		}
		if err == nil {
			t.setState(StateCompleted, nil)
			log.Info("Task completed")
			return
		}

		// A run that stayed healthy for a while earns a fresh attempt
		// budget; only rapid crash loops consume it.
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		attempt++
		t.recordRestart(err)
		metrics.TaskRestarts.WithLabelValues(t.name).Inc()

		if attempt > t.policy.MaxAttempts {
			t.setState(StateFailed, err)
			log.Error("Task failed permanently, attempt budget exhausted",
				"attempts", attempt-1, "error", err)
			return
		}

		delay := backoffDelay(t.policy, attempt)
		t.setState(StateRestarting, err)
		log.Error("Task crashed, restarting", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			t.setState(StateStopped, nil)
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes min(base * 2^(n-1), max) * (1 ± jitter).
func backoffDelay(p RestartPolicy, attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterRatio > 0 {
		span := float64(d) * p.JitterRatio
		d = time.Duration(float64(d) - span + rand.Float64()*2*span)
	}
	return d
}

// Stop cancels all tasks cooperatively and waits for them with ctx as the
// grace deadline. Tasks that do not return by the deadline are abandoned
// but logged.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	slog.Info("Stopping supervisor")
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Supervisor stopped, all tasks returned")
	case <-ctx.Done():
		for _, t := range s.tasks {
			if st, _, _, _ := t.snapshot(); st == StateRunning {
				slog.Warn("Task did not return before grace deadline, abandoning", "task", t.name)
			}
		}
	}
}

// Health reports per-task state aggregated into an overall status by the
// fraction of tasks still running (or cleanly completed).
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	tasks := make([]*taskEntry, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	report := Health{Tasks: make(map[string]TaskHealth, len(tasks))}
	alive := 0
	for _, t := range tasks {
		state, lastErr, restarts, startedAt := t.snapshot()
		th := TaskHealth{
			State:        state,
			RestartCount: restarts,
			StartedAt:    startedAt,
		}
		if state == StateRunning {
			th.UptimeSecs = time.Since(startedAt).Seconds()
		}
		if lastErr != nil {
			th.LastError = lastErr.Error()
		}
		report.Tasks[t.name] = th
		if state == StateRunning || state == StateCompleted || state == StateRestarting {
			alive++
		}
	}

	switch {
	case len(tasks) == 0 || alive == len(tasks):
		report.Status = "healthy"
	case float64(alive) >= float64(len(tasks))/2:
		report.Status = "degraded"
	default:
		report.Status = "unhealthy"
	}
	return report
}

func (t *taskEntry) setState(state State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	if state == StateRunning {
		t.startedAt = time.Now()
	}
	if err != nil {
		t.lastError = err
	}
}

func (t *taskEntry) recordRestart(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restartCount++
	t.lastError = err
}

func (t *taskEntry) snapshot() (State, error, int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.lastError, t.restartCount, t.startedAt
}
