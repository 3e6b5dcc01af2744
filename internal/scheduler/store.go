package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// resultExcerpt caps the stored response text.
const resultExcerpt = 2000

// timeLayout is fixed-width UTC so that timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists execution history. Tasks themselves live in memory;
// only the record of what fired and how it went is kept on disk.
type Store struct {
	db *sql.DB
}

// NewStore creates a history store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		message TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		status TEXT NOT NULL,
		result TEXT,
		continuations INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_executions_session_id ON executions(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_scheduled_at ON executions(scheduled_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// CreateExecution records a new execution.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}

	_, err := s.db.Exec(`
		INSERT INTO executions (id, task_id, session_id, message, scheduled_at, started_at, completed_at, status, result, continuations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.SessionID, e.Message, e.ScheduledAt.UTC().Format(timeLayout),
		formatTime(e.StartedAt), formatTime(e.CompletedAt), e.Status, excerpt(e.Result), e.Continuations)

	return err
}

// UpdateExecution updates an execution record.
func (s *Store) UpdateExecution(e *Execution) error {
	_, err := s.db.Exec(`
		UPDATE executions SET started_at = ?, completed_at = ?, status = ?, result = ?, continuations = ?
		WHERE id = ?
	`, formatTime(e.StartedAt), formatTime(e.CompletedAt), e.Status, excerpt(e.Result), e.Continuations, e.ID)

	return err
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, session_id, message, scheduled_at, started_at, completed_at, status, result, continuations
		FROM executions WHERE id = ?
	`, id)

	return scanExecution(row)
}

// ListExecutions returns the most recent executions for a session, or
// for every session when sessionID is empty.
func (s *Store) ListExecutions(sessionID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, task_id, session_id, message, scheduled_at, started_at, completed_at, status, result, continuations FROM executions`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY scheduled_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}

	return execs, rows.Err()
}

// PruneExecutions deletes records scheduled before cutoff and returns
// how many were removed.
func (s *Store) PruneExecutions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM executions WHERE scheduled_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var scheduledAt string
	var startedAt, completedAt, result sql.NullString

	err := row.Scan(&e.ID, &e.TaskID, &e.SessionID, &e.Message, &scheduledAt,
		&startedAt, &completedAt, &e.Status, &result, &e.Continuations)
	if err != nil {
		return nil, err
	}

	e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	e.StartedAt = parseTime(startedAt)
	e.CompletedAt = parseTime(completedAt)
	if result.Valid {
		e.Result = result.String
	}

	return &e, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= resultExcerpt {
		return s
	}
	return string(r[:resultExcerpt])
}
