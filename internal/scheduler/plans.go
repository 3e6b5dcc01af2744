package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nugget/steward/internal/events"
)

// planReloadDelay coalesces bursts of file events from a single save.
const planReloadDelay = 250 * time.Millisecond

// PlanTask is one (message, schedule spec) pair in a plan.
type PlanTask struct {
	Message      string `json:"message"`
	ScheduleSpec string `json:"schedule_spec"`
}

// TaskPlan is a named, session-agnostic bundle of tasks.
type TaskPlan struct {
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	Tasks     []PlanTask `json:"tasks"`
}

type planFile struct {
	TaskPlans map[string]TaskPlan `json:"task_plans"`
}

// PlanStore keeps task plans in a JSON file.
type PlanStore struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	plans map[string]TaskPlan
}

// NewPlanStore opens the plan file at path. A missing file is an empty
// store; it is created on the first save.
func NewPlanStore(path string, logger *slog.Logger) (*PlanStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PlanStore{
		path:   path,
		logger: logger,
		plans:  make(map[string]TaskPlan),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the backing file path.
func (p *PlanStore) Path() string { return p.path }

// Reload re-reads the plan file, replacing the in-memory copy.
func (p *PlanStore) Reload() error {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		p.mu.Lock()
		p.plans = make(map[string]TaskPlan)
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plans: %w", err)
	}

	var f planFile
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse plans %s: %w", p.path, err)
		}
	}
	if f.TaskPlans == nil {
		f.TaskPlans = make(map[string]TaskPlan)
	}

	p.mu.Lock()
	p.plans = f.TaskPlans
	p.mu.Unlock()
	return nil
}

// Get returns a plan by name.
func (p *PlanStore) Get(name string) (TaskPlan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[name]
	return plan, ok
}

// List returns every plan, sorted by name.
func (p *PlanStore) List() []TaskPlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TaskPlan, 0, len(p.plans))
	for _, plan := range p.plans {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Put stores plan, replacing any plan with the same name, and writes
// the file.
func (p *PlanStore) Put(plan TaskPlan) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, had := p.plans[plan.Name]
	p.plans[plan.Name] = plan
	if err := p.writeLocked(); err != nil {
		if had {
			p.plans[plan.Name] = prev
		} else {
			delete(p.plans, plan.Name)
		}
		return err
	}
	return nil
}

// Delete removes a plan and writes the file. It reports whether the
// plan existed.
func (p *PlanStore) Delete(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.plans[name]
	if !ok {
		return false, nil
	}
	delete(p.plans, name)
	if err := p.writeLocked(); err != nil {
		p.plans[name] = prev
		return false, err
	}
	return true, nil
}

// writeLocked replaces the file atomically via a temp file in the same
// directory.
func (p *PlanStore) writeLocked() error {
	data, err := json.MarshalIndent(planFile{TaskPlans: p.plans}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plans: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plans dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".task_plans-*.json")
	if err != nil {
		return fmt.Errorf("create temp plans file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write plans: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close plans: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("replace plans: %w", err)
	}
	return nil
}

// Watch reloads the store whenever the plan file changes on disk and
// then calls onChange (which may be nil). It blocks until ctx is done.
// The parent directory is watched so atomic replacements are seen.
func (p *PlanStore) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plan watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plans dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	p.logger.Debug("watching plan file", "path", p.path)

	base := filepath.Base(p.path)
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		if err := p.Reload(); err != nil {
			p.logger.Warn("plan file reload failed", "path", p.path, "error", err)
			return
		}
		p.logger.Info("plan file reloaded", "path", p.path)
		if onChange != nil {
			onChange()
		}
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(planReloadDelay, reload)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("plan watcher error", "error", err)
		}
	}
}

// SavePlan snapshots a session's tasks into a named plan. An empty
// name generates one from the current time.
func (s *Scheduler) SavePlan(name, sessionID string) (TaskPlan, error) {
	if s.plans == nil {
		return TaskPlan{}, errors.New("no plan store configured")
	}

	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return TaskPlan{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	tasks := make([]PlanTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, PlanTask{Message: t.message, ScheduleSpec: t.spec})
	}
	s.mu.Unlock()

	if len(tasks) == 0 {
		return TaskPlan{}, fmt.Errorf("save plan for %s: %w", sessionID, ErrNoTasks)
	}

	now := s.now()
	if name == "" {
		name = "plan_" + now.Format("20060102_150405")
	}
	plan := TaskPlan{Name: name, CreatedAt: now, Tasks: tasks}
	if err := s.plans.Put(plan); err != nil {
		return TaskPlan{}, err
	}

	s.logger.Info("task plan saved", "plan", name, "session", sessionID, "tasks", len(tasks))
	s.bus.Emit(events.SourceScheduler, events.KindPlanSaved, map[string]any{
		"plan":  name,
		"tasks": len(tasks),
	})
	return plan, nil
}

// LoadPlan replaces the target session's tasks with the plan's tasks
// and marks the plan active for that session.
func (s *Scheduler) LoadPlan(name, sessionID string) ([]TaskInfo, error) {
	if s.plans == nil {
		return nil, errors.New("no plan store configured")
	}
	plan, ok := s.plans.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, name)
	}

	tasks := make([]*task, 0, len(plan.Tasks))
	now := s.now()
	for i, pt := range plan.Tasks {
		t, err := newTask(sessionID, pt.Message, pt.ScheduleSpec, now)
		if err != nil {
			return nil, fmt.Errorf("plan %s task %d: %w", name, i, err)
		}
		tasks = append(tasks, t)
	}

	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	e.tasks = tasks
	e.activePlan = name
	s.updateRunningLocked()
	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.info())
	}
	s.mu.Unlock()

	s.logger.Info("task plan loaded", "plan", name, "session", sessionID, "tasks", len(tasks))
	s.bus.Emit(events.SourceScheduler, events.KindPlanLoaded, map[string]any{
		"plan":       name,
		"session_id": sessionID,
		"tasks":      len(tasks),
	})
	return infos, nil
}

// Plans lists saved plans.
func (s *Scheduler) Plans() []TaskPlan {
	if s.plans == nil {
		return nil
	}
	return s.plans.List()
}

// ActivePlan returns the plan last loaded onto a session, if any.
func (s *Scheduler) ActivePlan(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok || e.activePlan == "" {
		return "", false
	}
	return e.activePlan, true
}

// ActiveSessions returns the sessions that currently have plan active.
func (s *Scheduler) ActiveSessions(plan string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if s.sessions[id].activePlan == plan {
			ids = append(ids, id)
		}
	}
	return ids
}

// DeletePlan removes a saved plan and clears it as the active plan of
// any session. Tasks already scheduled from it are kept.
func (s *Scheduler) DeletePlan(name string) error {
	if s.plans == nil {
		return errors.New("no plan store configured")
	}
	ok, err := s.plans.Delete(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, name)
	}
	s.mu.Lock()
	for _, e := range s.sessions {
		if e.activePlan == name {
			e.activePlan = ""
		}
	}
	s.mu.Unlock()
	return nil
}
