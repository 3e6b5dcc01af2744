// Package scheduler owns the session registry and each session's
// scheduled tasks. A poll loop finds due tasks, hands them to a queue,
// and executes them against their session without blocking the loop.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/steward/internal/schedule"
)

var (
	// ErrUnknownSession is returned for operations on a session id that
	// is not registered.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNoTasks is returned when saving a plan from a session with no
	// scheduled tasks.
	ErrNoTasks = errors.New("session has no scheduled tasks")
	// ErrUnknownPlan is returned when a named plan does not exist.
	ErrUnknownPlan = errors.New("unknown task plan")
)

// Session is the chat surface the scheduler drives. *chat.Session
// satisfies it.
type Session interface {
	ID() string
	Send(ctx context.Context, message string) (string, error)
	Close() error
}

// SessionFactory creates and starts a session for id. A factory error
// means the session never became ready and is not registered.
type SessionFactory func(ctx context.Context, id string) (Session, error)

// Monitor inspects the reply to a scheduled firing and may re-enter the
// session with continuation prompts. It returns how many it sent.
type Monitor interface {
	Monitor(ctx context.Context, sessionID, taskMessage, response string) int
}

// Broadcaster receives every scheduled exchange.
type Broadcaster interface {
	BroadcastScheduled(ctx context.Context, sessionID, message, response string)
}

// task is one scheduled entry. Fields other than id, sessionID, message,
// spec and trigger are guarded by Scheduler.mu.
type task struct {
	id        string
	sessionID string
	message   string
	spec      string
	trigger   schedule.Trigger
	nextRun   time.Time
	lastRun   *time.Time
	running   bool
}

func (t *task) info() TaskInfo {
	ti := TaskInfo{
		ID:           t.id,
		SessionID:    t.sessionID,
		Message:      t.message,
		ScheduleSpec: t.spec,
		NextRun:      t.nextRun,
		Running:      t.running,
	}
	if t.lastRun != nil {
		lr := *t.lastRun
		ti.LastRun = &lr
	}
	return ti
}

// TaskInfo is a snapshot of a scheduled task.
type TaskInfo struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Message      string     `json:"message"`
	ScheduleSpec string     `json:"schedule_spec"`
	NextRun      time.Time  `json:"next_run"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	Running      bool       `json:"running"`
}

// SessionInfo describes a registered session.
type SessionInfo struct {
	ID         string `json:"id"`
	Tasks      int    `json:"tasks"`
	ActivePlan string `json:"active_plan,omitempty"`
	// Detail carries transport state when the session exposes it.
	Detail any `json:"detail,omitempty"`
}

// Execution records a single firing of a task.
type Execution struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	SessionID   string     `json:"session_id"`
	Message     string     `json:"message"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	// Continuations is the number of monitor nudges that followed.
	Continuations int `json:"continuations"`
}

// Status represents execution state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)
