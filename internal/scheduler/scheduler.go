package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/steward/internal/chat"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/schedule"
)

// Options configures a Scheduler.
type Options struct {
	// Tick is the poll period. Defaults to one second.
	Tick time.Duration
	// QueueSize bounds due tasks waiting for the executor.
	QueueSize int
	// Now overrides the clock, for tests.
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// History records executions when set.
	History *Store
	// Plans stores task plans when set.
	Plans *PlanStore
	// Bus receives scheduler events when set.
	Bus *events.Bus
	// Debug is applied to every session created.
	Debug bool
}

// firing is a due task handed from the poll loop to the executor.
type firing struct {
	task        *task
	scheduledAt time.Time
	firedAt     time.Time
}

type entry struct {
	session    Session
	tasks      []*task
	activePlan string
}

// Scheduler owns sessions and their scheduled tasks.
type Scheduler struct {
	factory SessionFactory
	tick    time.Duration
	now     func() time.Time
	logger  *slog.Logger
	history *Store
	plans   *PlanStore
	bus     *events.Bus
	queue   chan firing

	mu          sync.Mutex
	sessions    map[string]*entry
	order       []string                 // session ids in creation order
	pending     map[string]chan struct{} // sessions being created
	running     bool
	debug       bool
	monitor     Monitor
	broadcaster Broadcaster

	inflight sync.WaitGroup
}

// New creates a scheduler that builds sessions with factory.
func New(factory SessionFactory, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		factory:  factory,
		tick:     opts.Tick,
		now:      opts.Now,
		logger:   opts.Logger,
		history:  opts.History,
		plans:    opts.Plans,
		bus:      opts.Bus,
		queue:    make(chan firing, opts.QueueSize),
		sessions: make(map[string]*entry),
		pending:  make(map[string]chan struct{}),
		debug:    opts.Debug,
	}
}

// SetMonitor installs the continuation monitor. The monitor usually
// re-enters the scheduler through Send, so it is wired after New.
func (s *Scheduler) SetMonitor(m Monitor) {
	s.mu.Lock()
	s.monitor = m
	s.mu.Unlock()
}

// SetBroadcaster installs the receiver of scheduled exchanges.
func (s *Scheduler) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	s.broadcaster = b
	s.mu.Unlock()
}

// CreateSession registers and starts a session. An empty id gets a
// generated one. Creating an id that already exists returns the
// existing session.
func (s *Scheduler) CreateSession(ctx context.Context, id string) (Session, error) {
	if id == "" {
		id = NewID()
	}

	for {
		s.mu.Lock()
		if e, ok := s.sessions[id]; ok {
			s.mu.Unlock()
			return e.session, nil
		}
		wait, busy := s.pending[id]
		if !busy {
			break
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	done := make(chan struct{})
	s.pending[id] = done
	debug := s.debug
	s.mu.Unlock()

	sess, err := s.factory(ctx, id)

	s.mu.Lock()
	delete(s.pending, id)
	close(done)
	if err == nil {
		s.sessions[id] = &entry{session: sess}
		s.order = append(s.order, id)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	if d, ok := sess.(interface{ SetDebug(bool) }); ok {
		d.SetDebug(debug)
	}

	s.logger.Info("session created", "session", id)
	s.bus.Emit(events.SourceSession, events.KindSessionCreated, map[string]any{
		"session_id": id,
	})
	return sess, nil
}

// CloseSession closes a session's transport and drops its tasks and
// active plan.
func (s *Scheduler) CloseSession(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(s.sessions, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	removed := len(e.tasks)
	s.updateRunningLocked()
	mon, bc := s.monitor, s.broadcaster
	s.mu.Unlock()

	for _, v := range []any{mon, bc} {
		if f, ok := v.(interface{ Forget(string) }); ok {
			f.Forget(id)
		}
	}
	err := e.session.Close()

	s.logger.Info("session closed", "session", id, "tasks_removed", removed)
	s.bus.Emit(events.SourceSession, events.KindSessionClosed, map[string]any{
		"session_id":    id,
		"tasks_removed": removed,
	})
	return err
}

// Close closes every session and waits for in-flight executions to
// finish. Closing sessions first makes blocked exchanges fail fast.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	ids := slices.Clone(s.order)
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.CloseSession(id); err != nil && !errors.Is(err, ErrUnknownSession) {
			errs = append(errs, err)
		}
	}
	s.inflight.Wait()
	return errors.Join(errs...)
}

// Session returns a registered session.
func (s *Scheduler) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Sessions describes every registered session in creation order.
func (s *Scheduler) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.order))
	for _, id := range s.order {
		e := s.sessions[id]
		info := SessionInfo{ID: id, Tasks: len(e.tasks), ActivePlan: e.activePlan}
		if ci, ok := e.session.(interface{ Info() chat.Info }); ok {
			info.Detail = ci.Info()
		}
		out = append(out, info)
	}
	return out
}

// SetDebug toggles debug diagnostics on every session, current and
// future.
func (s *Scheduler) SetDebug(on bool) {
	s.mu.Lock()
	s.debug = on
	sessions := make([]Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		sessions = append(sessions, e.session)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if d, ok := sess.(interface{ SetDebug(bool) }); ok {
			d.SetDebug(on)
		}
	}
	s.logger.Info("debug mode changed", "enabled", on)
}

// Send delivers message to a session and returns its reply. This is
// the re-entry point for the monitor and broadcast collaborators.
func (s *Scheduler) Send(ctx context.Context, sessionID, message string) (string, error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return e.session.Send(ctx, message)
}

func newTask(sessionID, message, spec string, now time.Time) (*task, error) {
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("task message is empty")
	}
	trigger, err := schedule.Parse(spec)
	if err != nil {
		return nil, err
	}
	return &task{
		id:        NewID(),
		sessionID: sessionID,
		message:   message,
		spec:      spec,
		trigger:   trigger,
		nextRun:   trigger.First(now),
	}, nil
}

// Schedule adds a task to a session. Invalid specs are rejected before
// anything is stored. Duplicate tasks are allowed.
func (s *Scheduler) Schedule(sessionID, message, spec string) (TaskInfo, error) {
	t, err := newTask(sessionID, message, spec, s.now())
	if err != nil {
		return TaskInfo{}, err
	}

	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return TaskInfo{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	e.tasks = append(e.tasks, t)
	s.running = true
	info := t.info()
	s.mu.Unlock()

	s.logger.Info("task scheduled",
		"session", sessionID,
		"task", t.id,
		"schedule", t.trigger.String(),
		"next_run", t.nextRun,
	)
	s.bus.Emit(events.SourceScheduler, events.KindTaskScheduled, map[string]any{
		"session_id": sessionID,
		"task_id":    t.id,
		"schedule":   t.trigger.String(),
		"next_run":   t.nextRun,
	})
	return info, nil
}

// Tasks returns snapshots of a session's tasks in scheduling order.
func (s *Scheduler) Tasks(sessionID string) ([]TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	out := make([]TaskInfo, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.info())
	}
	return out, nil
}

// AllTasks returns every task, grouped by session in creation order.
func (s *Scheduler) AllTasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskInfo
	for _, id := range s.order {
		for _, t := range s.sessions[id].tasks {
			out = append(out, t.info())
		}
	}
	return out
}

// DeleteTask removes the task at index from a session.
func (s *Scheduler) DeleteTask(sessionID string, index int) (TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if index < 0 || index >= len(e.tasks) {
		return TaskInfo{}, fmt.Errorf("task index %d out of range (session %s has %d tasks)", index, sessionID, len(e.tasks))
	}
	removed := e.tasks[index]
	e.tasks = slices.Delete(e.tasks, index, index+1)
	s.updateRunningLocked()
	return removed.info(), nil
}

// Clear removes every task from one session and returns how many were
// removed. Other sessions are untouched.
func (s *Scheduler) Clear(sessionID string) (int, error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	n := len(e.tasks)
	e.tasks = nil
	s.updateRunningLocked()
	s.mu.Unlock()

	s.bus.Emit(events.SourceScheduler, events.KindTasksCleared, map[string]any{
		"session_id": sessionID,
		"removed":    n,
	})
	return n, nil
}

// ClearAll removes every task from every session.
func (s *Scheduler) ClearAll() int {
	s.mu.Lock()
	n := 0
	for _, e := range s.sessions {
		n += len(e.tasks)
		e.tasks = nil
	}
	s.updateRunningLocked()
	s.mu.Unlock()

	s.bus.Emit(events.SourceScheduler, events.KindTasksCleared, map[string]any{
		"removed": n,
	})
	return n
}

// Running reports whether any task is scheduled. The poll loop idles
// while this is false.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// updateRunningLocked clears the running flag once no task remains.
func (s *Scheduler) updateRunningLocked() {
	for _, e := range s.sessions {
		if len(e.tasks) > 0 {
			s.running = true
			return
		}
	}
	s.running = false
}

// Run polls for due tasks and executes them until ctx is cancelled.
// Executions already started are not cancelled; Close waits for them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick", s.tick, "queue_size", cap(s.queue))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.consume(gctx, context.WithoutCancel(ctx)) })
	g.Go(func() error { return s.pollLoop(gctx) })

	err := g.Wait()
	s.logger.Info("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.Running() {
				s.poll()
			}
		}
	}
}

// poll queues every due task that is not already running and advances
// its next run. A task whose hand-off would block stays due for the
// next tick.
func (s *Scheduler) poll() int {
	now := s.now()
	var deferred []*task
	queued := 0

	s.mu.Lock()
	for _, id := range s.order {
		for _, t := range s.sessions[id].tasks {
			if t.running || t.nextRun.After(now) {
				continue
			}
			t.running = true
			select {
			case s.queue <- firing{task: t, scheduledAt: t.nextRun, firedAt: now}:
				last := now
				t.lastRun = &last
				t.nextRun = t.trigger.Advance(t.nextRun, now)
				queued++
			default:
				t.running = false
				deferred = append(deferred, t)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range deferred {
		s.logger.Warn("task queue full, deferring task",
			"session", t.sessionID,
			"task", t.id,
		)
		s.bus.Emit(events.SourceScheduler, events.KindTaskDeferred, map[string]any{
			"session_id": t.sessionID,
			"task_id":    t.id,
		})
	}
	return queued
}

// consume starts one executor per queued firing.
func (s *Scheduler) consume(ctx, execCtx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.queue:
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.execute(execCtx, f)
			}()
		}
	}
}

// execute delivers one firing. Delivery errors become the response
// text; the running flag is cleared on every path, including panics.
func (s *Scheduler) execute(ctx context.Context, f firing) {
	t := f.task
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				"session", t.sessionID,
				"task", t.id,
				"panic", r,
			)
		}
		s.mu.Lock()
		t.running = false
		s.mu.Unlock()
	}()

	start := s.now()
	log := s.logger.With("session", t.sessionID, "task", t.id)
	log.Info("executing scheduled task", "scheduled_at", f.scheduledAt)
	s.bus.Emit(events.SourceScheduler, events.KindTaskFired, map[string]any{
		"session_id":   t.sessionID,
		"task_id":      t.id,
		"scheduled_at": f.scheduledAt,
	})

	exec := &Execution{
		TaskID:      t.id,
		SessionID:   t.sessionID,
		Message:     t.message,
		ScheduledAt: f.scheduledAt,
		StartedAt:   &start,
		Status:      StatusRunning,
	}
	s.recordExecution(exec, true)

	response, err := s.Send(ctx, t.sessionID, t.message)
	if err != nil {
		log.Warn("scheduled delivery failed", "error", err)
		response = "Error: " + err.Error()
		exec.Status = StatusFailed
	} else {
		exec.Status = StatusCompleted
	}

	s.mu.Lock()
	bc, mon := s.broadcaster, s.monitor
	s.mu.Unlock()

	if bc != nil {
		bc.BroadcastScheduled(ctx, t.sessionID, t.message, response)
	}
	if mon != nil && err == nil {
		exec.Continuations = mon.Monitor(ctx, t.sessionID, t.message, response)
	}

	done := s.now()
	exec.CompletedAt = &done
	exec.Result = response
	s.recordExecution(exec, false)

	elapsed := done.Sub(start)
	log.Info("scheduled task complete",
		"ok", err == nil,
		"elapsed", elapsed,
		"continuations", exec.Continuations,
	)
	s.bus.Emit(events.SourceScheduler, events.KindTaskComplete, map[string]any{
		"session_id":    t.sessionID,
		"task_id":       t.id,
		"ok":            err == nil,
		"duration_ms":   elapsed.Milliseconds(),
		"continuations": exec.Continuations,
	})
}

func (s *Scheduler) recordExecution(e *Execution, create bool) {
	if s.history == nil {
		return
	}
	var err error
	if create {
		err = s.history.CreateExecution(e)
	} else {
		err = s.history.UpdateExecution(e)
	}
	if err != nil {
		s.logger.Warn("failed to record execution", "task", e.TaskID, "error", err)
	}
}

// Executions returns recent execution history for a session, or for
// all sessions when sessionID is empty. It returns nil when no history
// store is configured.
func (s *Scheduler) Executions(sessionID string, limit int) ([]*Execution, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListExecutions(sessionID, limit)
}
