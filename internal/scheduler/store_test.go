package scheduler

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)

	scheduled := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	started := scheduled.Add(50 * time.Millisecond)
	e := &Execution{
		TaskID:      "t1",
		SessionID:   "s1",
		Message:     "check the logs",
		ScheduledAt: scheduled,
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	if err := s.CreateExecution(e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if e.ID == "" {
		t.Fatal("CreateExecution did not assign an ID")
	}

	got, err := s.GetExecution(e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.SessionID != "s1" || got.Message != "check the logs" || got.Status != StatusRunning {
		t.Errorf("GetExecution = %+v", got)
	}
	if !got.ScheduledAt.Equal(scheduled) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, scheduled)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func TestStore_UpdateExecution(t *testing.T) {
	s := newTestStore(t)

	e := &Execution{TaskID: "t1", SessionID: "s1", Message: "m", ScheduledAt: time.Now(), Status: StatusRunning}
	if err := s.CreateExecution(e); err != nil {
		t.Fatal(err)
	}

	done := time.Now()
	e.CompletedAt = &done
	e.Status = StatusCompleted
	e.Result = "all good"
	e.Continuations = 2
	if err := s.UpdateExecution(e); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	got, err := s.GetExecution(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.Result != "all good" || got.Continuations != 2 || got.CompletedAt == nil {
		t.Errorf("after update = %+v", got)
	}
}

func TestStore_ResultTruncated(t *testing.T) {
	s := newTestStore(t)

	e := &Execution{
		TaskID: "t1", SessionID: "s1", Message: "m", ScheduledAt: time.Now(),
		Status: StatusCompleted, Result: strings.Repeat("é", resultExcerpt+50),
	}
	if err := s.CreateExecution(e); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetExecution(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(got.Result)); n != resultExcerpt {
		t.Errorf("stored result runes = %d, want %d", n, resultExcerpt)
	}
}

func TestStore_ListExecutions(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, sess := range []string{"a", "b", "a", "a"} {
		e := &Execution{
			TaskID:      "t",
			SessionID:   sess,
			Message:     "m",
			ScheduledAt: base.Add(time.Duration(i) * time.Minute),
			Status:      StatusCompleted,
		}
		if err := s.CreateExecution(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListExecutions("a", 2)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].ScheduledAt.After(got[1].ScheduledAt) {
		t.Error("executions not ordered newest first")
	}
	for _, e := range got {
		if e.SessionID != "a" {
			t.Errorf("got session %q, want a", e.SessionID)
		}
	}

	all, err := s.ListExecutions("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("all executions = %d, want 4", len(all))
	}
}

func TestStore_PruneExecutions(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-25 * time.Hour), now} {
		if err := s.CreateExecution(&Execution{TaskID: "t", SessionID: "s", Message: "m", ScheduledAt: at, Status: StatusCompleted}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneExecutions(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneExecutions: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	left, _ := s.ListExecutions("", 0)
	if len(left) != 1 {
		t.Errorf("remaining = %d, want 1", len(left))
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
