// Package scheduler runs recurring tasks from a single polling loop. Each task
// has its own interval, optional timeout, and exponential-backoff retry
// policy. A failing or stuck task never affects the loop or other tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// DefaultPollInterval is the fixed period between poll cycles.
const DefaultPollInterval = time.Second

const registrySaveTimeout = 5 * time.Second

// TaskFunc is the unit of work run by a task. The context carries the task
// timeout, when one is configured.
type TaskFunc func(ctx context.Context) (any, error)

// TaskSpec describes a task at registration time.
type TaskSpec struct {
	Name       string
	Interval   time.Duration
	Enabled    bool
	Fn         TaskFunc
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// TaskUpdate is a partial update merged into an existing task.
type TaskUpdate struct {
	Name       *string
	Interval   *time.Duration
	Enabled    *bool
	Fn         TaskFunc
	MaxRetries *int
	RetryDelay *time.Duration
	Timeout    *time.Duration
}

// Task is a read-only snapshot of a registered task.
type Task struct {
	ID            string
	Name          string
	Interval      time.Duration
	Enabled       bool
	MaxRetries    int
	RetryDelay    time.Duration
	Timeout       time.Duration
	RetryAttempts int
	Running       bool
	LastRunTime   *time.Time
	NextRunTime   *time.Time
}

type task struct {
	id         string
	name       string
	interval   time.Duration
	enabled    bool
	fn         TaskFunc
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration

	retryAttempts int
	running       bool
	lastRun       time.Time
	nextRun       time.Time

	// runSeq identifies the current execution. Completions carrying an older
	// sequence belong to abandoned runs and are ignored.
	runSeq uint64
}

func (t *task) snapshot() Task {
	out := Task{
		ID:            t.id,
		Name:          t.name,
		Interval:      t.interval,
		Enabled:       t.enabled,
		MaxRetries:    t.maxRetries,
		RetryDelay:    t.retryDelay,
		Timeout:       t.timeout,
		RetryAttempts: t.retryAttempts,
		Running:       t.running,
	}
	if !t.lastRun.IsZero() {
		lr := t.lastRun
		out.LastRunTime = &lr
	}
	if !t.nextRun.IsZero() {
		nr := t.nextRun
		out.NextRunTime = &nr
	}
	return out
}

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	PollInterval time.Duration
	// Registry receives a snapshot of the task table after every change.
	// Save failures are logged and otherwise ignored.
	Registry domain.TaskRegistry
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Scheduler owns a table of recurring tasks and the loop that fires them.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	execCtx context.Context

	pollInterval time.Duration
	now          func() time.Time
	registry     domain.TaskRegistry
	persistMu    sync.Mutex

	listeners listeners
	inflight  sync.WaitGroup
	logger    *slog.Logger
}

// New creates a stopped Scheduler.
func New(opts Options, logger *slog.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		tasks:        make(map[string]*task),
		execCtx:      context.Background(),
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		registry:     opts.Registry,
		logger:       logger.With(slog.String("component", "scheduler")),
	}
}

// Subscribe registers a listener for log, taskComplete and taskFailed
// events. The returned function removes it.
func (s *Scheduler) Subscribe(fn Listener) (unsubscribe func()) {
	return s.listeners.add(fn)
}

// RegisterTask adds a task whose first run is due one interval from now.
func (s *Scheduler) RegisterTask(spec TaskSpec) (string, error) {
	if spec.Fn == nil {
		return "", fmt.Errorf("scheduler: register %q: %w: nil task func", spec.Name, domain.ErrValidation)
	}
	if spec.Interval <= 0 {
		return "", fmt.Errorf("scheduler: register %q: %w: interval must be positive", spec.Name, domain.ErrValidation)
	}
	if spec.MaxRetries < 0 {
		spec.MaxRetries = 0
	}

	t := &task{
		id:         uuid.NewString(),
		name:       spec.Name,
		interval:   spec.Interval,
		enabled:    spec.Enabled,
		fn:         spec.Fn,
		maxRetries: spec.MaxRetries,
		retryDelay: spec.RetryDelay,
		timeout:    spec.Timeout,
		nextRun:    s.now().Add(spec.Interval),
	}

	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	s.Log(LevelInfo, "task registered", map[string]any{
		"taskId":   t.id,
		"taskName": t.name,
		"interval": t.interval.String(),
	})
	s.persist()
	return t.id, nil
}

// UpdateTask merges upd into the task. When the interval changes and the
// task has run before, the next run is recomputed from the last run. It
// returns false when id is unknown.
func (s *Scheduler) UpdateTask(id string, upd TaskUpdate) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if upd.Name != nil {
		t.name = *upd.Name
	}
	if upd.Enabled != nil {
		t.enabled = *upd.Enabled
	}
	if upd.Fn != nil {
		t.fn = upd.Fn
	}
	if upd.MaxRetries != nil && *upd.MaxRetries >= 0 {
		t.maxRetries = *upd.MaxRetries
		if t.retryAttempts > t.maxRetries {
			t.retryAttempts = 0
		}
	}
	if upd.RetryDelay != nil {
		t.retryDelay = *upd.RetryDelay
	}
	if upd.Timeout != nil {
		t.timeout = *upd.Timeout
	}
	if upd.Interval != nil && *upd.Interval > 0 && *upd.Interval != t.interval {
		t.interval = *upd.Interval
		if !t.lastRun.IsZero() {
			t.nextRun = t.lastRun.Add(t.interval)
		}
	}
	name := t.name
	s.mu.Unlock()

	s.Log(LevelInfo, "task updated", map[string]any{"taskId": id, "taskName": name})
	s.persist()
	return true
}

// RemoveTask deletes the task. An in-flight execution runs to completion but
// its outcome is discarded. It returns false when id is unknown.
func (s *Scheduler) RemoveTask(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.Log(LevelInfo, "task removed", map[string]any{"taskId": id, "taskName": t.name})
	s.persist()
	return true
}

// Task returns a snapshot of one task.
func (s *Scheduler) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// Tasks returns snapshots of all tasks ordered by name, then id.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Running reports whether the polling loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start begins the polling loop. Executions inherit ctx's values but not its
// cancellation. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.execCtx = context.WithoutCancel(ctx)
	done := s.done
	s.mu.Unlock()

	s.Log(LevelInfo, "scheduler started", map[string]any{"pollInterval": s.pollInterval.String()})
	go s.loop(loopCtx, done)
}

// Stop halts the polling loop. In-flight executions are not interrupted.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.Log(LevelInfo, "scheduler stopped", nil)
}

// Shutdown stops the loop and waits for in-flight executions to finish or
// for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler: shutdown: %w", ctx.Err())
		}
	}

	idle := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: shutdown: %w", ctx.Err())
	}
}

// RunTaskNow executes the task immediately on the calling goroutine and
// returns its result. Normal execution bookkeeping applies. It fails with
// ErrTaskRunning if the task is already executing.
func (s *Scheduler) RunTaskNow(ctx context.Context, id string) (any, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: run %s: %w", id, domain.ErrTaskNotFound)
	}
	if t.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: run %s: %w", id, domain.ErrTaskRunning)
	}
	run := s.begin(t, s.now())
	s.mu.Unlock()

	s.inflight.Add(1)
	defer s.inflight.Done()
	return s.execute(ctx, run)
}

// Log writes a structured entry to the logger and emits a log event.
func (s *Scheduler) Log(level Level, msg string, meta map[string]any) {
	attrs := make([]any, 0, len(meta))
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		attrs = append(attrs, slog.Any(k, meta[k]))
	}
	s.logger.Log(context.Background(), slogLevel(level), msg, attrs...)

	s.listeners.emit(Event{
		Kind:     EventLog,
		Time:     s.now(),
		Level:    level,
		Message:  msg,
		Metadata: meta,
	})
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	for {
		if !s.Running() {
			return
		}
		s.poll()

		timer.Reset(s.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// run is one dispatched execution.
type run struct {
	id      string
	name    string
	fn      TaskFunc
	timeout time.Duration
	seq     uint64
}

// poll evaluates every task once: stuck executions past their timeout are
// abandoned and rescheduled, due tasks are dispatched without waiting.
func (s *Scheduler) poll() {
	now := s.now()

	type stuck struct {
		id, name string
		elapsed  time.Duration
	}
	var (
		due       []run
		abandoned []stuck
	)

	s.mu.Lock()
	for _, t := range s.tasks {
		if !t.enabled {
			continue
		}
		if t.running {
			if t.timeout > 0 && now.Sub(t.lastRun) > t.timeout {
				t.running = false
				t.runSeq++
				t.nextRun = now.Add(t.interval)
				abandoned = append(abandoned, stuck{id: t.id, name: t.name, elapsed: now.Sub(t.lastRun)})
			}
			continue
		}
		if !now.Before(t.nextRun) {
			due = append(due, s.begin(t, now))
		}
	}
	s.mu.Unlock()

	for _, a := range abandoned {
		s.Log(LevelWarning, "task exceeded timeout, abandoning execution", map[string]any{
			"taskId":   a.id,
			"taskName": a.name,
			"elapsed":  a.elapsed.String(),
		})
	}
	if len(abandoned) > 0 {
		s.persist()
	}

	for _, r := range due {
		s.inflight.Add(1)
		go func(r run) {
			defer s.inflight.Done()
			_, _ = s.execute(s.executionContext(), r)
		}(r)
	}
}

func (s *Scheduler) executionContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCtx
}

// begin marks t as running and schedules its next regular run. Caller
// holds s.mu.
func (s *Scheduler) begin(t *task, now time.Time) run {
	t.running = true
	t.lastRun = now
	t.nextRun = now.Add(t.interval)
	t.runSeq++
	return run{id: t.id, name: t.name, fn: t.fn, timeout: t.timeout, seq: t.runSeq}
}

func (s *Scheduler) execute(ctx context.Context, r run) (result any, err error) {
	s.Log(LevelInfo, "executing task", map[string]any{"taskId": r.id, "taskName": r.name})

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err = invoke(runCtx, r.fn)
	s.finish(r, result, err)
	return result, err
}

func invoke(ctx context.Context, fn TaskFunc) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) finish(r run, result any, runErr error) {
	now := s.now()

	s.mu.Lock()
	t, ok := s.tasks[r.id]
	if !ok || t.runSeq != r.seq {
		s.mu.Unlock()
		s.Log(LevelDebug, "discarding outcome of abandoned execution", map[string]any{
			"taskId":   r.id,
			"taskName": r.name,
		})
		return
	}
	t.running = false

	if runErr == nil {
		t.retryAttempts = 0
		s.mu.Unlock()

		s.Log(LevelInfo, "task completed", map[string]any{"taskId": r.id, "taskName": r.name})
		s.listeners.emit(Event{
			Kind:     EventTaskComplete,
			Time:     now,
			TaskID:   r.id,
			TaskName: r.name,
			Result:   result,
		})
		s.persist()
		return
	}

	attempts := t.retryAttempts
	retry := t.retryAttempts < t.maxRetries
	var delay time.Duration
	if retry {
		t.retryAttempts++
		attempts = t.retryAttempts
		delay = retryBackoff(t.retryDelay, t.retryAttempts)
		t.nextRun = now.Add(delay)
	} else {
		t.retryAttempts = 0
	}
	maxRetries := t.maxRetries
	s.mu.Unlock()

	s.Log(LevelError, "task failed", map[string]any{
		"taskId":        r.id,
		"taskName":      r.name,
		"error":         runErr.Error(),
		"retryAttempts": attempts,
		"maxRetries":    maxRetries,
	})
	if retry {
		s.Log(LevelInfo, "retry scheduled", map[string]any{
			"taskId":   r.id,
			"taskName": r.name,
			"attempt":  attempts,
			"delay":    delay.String(),
		})
	} else {
		s.listeners.emit(Event{
			Kind:     EventTaskFailed,
			Time:     now,
			TaskID:   r.id,
			TaskName: r.name,
			Err:      runErr,
			Error:    runErr.Error(),
		})
	}
	s.persist()
}

// persist saves a snapshot of the task table to the registry, if any.
func (s *Scheduler) persist() {
	if s.registry == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	tasks := s.Tasks()
	records := make([]domain.TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		records = append(records, t.Record())
	}

	ctx, cancel := context.WithTimeout(context.Background(), registrySaveTimeout)
	defer cancel()
	if err := s.registry.Save(ctx, records); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to persist task registry", slog.String("error", err.Error()))
	}
}

// Record returns the callback-free view of the task.
func (t Task) Record() domain.TaskRecord {
	rec := domain.TaskRecord{
		ID:            t.ID,
		Name:          t.Name,
		Interval:      t.Interval.String(),
		Enabled:       t.Enabled,
		Running:       t.Running,
		RetryAttempts: t.RetryAttempts,
		MaxRetries:    t.MaxRetries,
		RetryDelay:    t.RetryDelay.String(),
		LastRunTime:   t.LastRunTime,
		NextRunTime:   t.NextRunTime,
	}
	if t.Timeout > 0 {
		rec.Timeout = t.Timeout.String()
	}
	return rec
}
