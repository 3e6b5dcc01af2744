package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPlans(t *testing.T) *PlanStore {
	t.Helper()
	p, err := NewPlanStore(filepath.Join(t.TempDir(), "db", "task_plans.json"), nil)
	if err != nil {
		t.Fatalf("NewPlanStore: %v", err)
	}
	return p
}

func TestPlans_SaveLoadRoundTrip(t *testing.T) {
	plans := newTestPlans(t)
	h := newHarness(t, Options{Plans: plans})
	h.session(t, "origin")
	h.mustSchedule(t, "origin", "check the logs", "every 30 min")
	h.mustSchedule(t, "origin", "morning report", "daily 9:00am")
	h.mustSchedule(t, "origin", "check the logs", "every 30 min")

	saved, err := h.SavePlan("ops", "origin")
	if err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	if saved.Name != "ops" || len(saved.Tasks) != 3 {
		t.Errorf("SavePlan = %+v", saved)
	}

	h.session(t, "fresh")
	h.mustSchedule(t, "fresh", "stale task", "every 5 min")

	loaded, err := h.LoadPlan("ops", "fresh")
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}

	pairs := func(ts []TaskInfo) []string {
		var out []string
		for _, ti := range ts {
			out = append(out, ti.Message+"|"+ti.ScheduleSpec)
		}
		return out
	}
	origin, _ := h.Tasks("origin")
	if !slices.Equal(pairs(loaded), pairs(origin)) {
		t.Errorf("loaded pairs %v, want %v", pairs(loaded), pairs(origin))
	}
	for _, ti := range loaded {
		if ti.SessionID != "fresh" {
			t.Errorf("loaded task belongs to %q", ti.SessionID)
		}
	}

	if plan, ok := h.ActivePlan("fresh"); !ok || plan != "ops" {
		t.Errorf("ActivePlan(fresh) = %q, %v", plan, ok)
	}
	if _, ok := h.ActivePlan("origin"); ok {
		t.Error("origin should have no active plan")
	}
	if got := h.ActiveSessions("ops"); len(got) != 1 || got[0] != "fresh" {
		t.Errorf("ActiveSessions = %v", got)
	}
}

func TestPlans_FileFormatHasNoSessionIDs(t *testing.T) {
	plans := newTestPlans(t)
	h := newHarness(t, Options{Plans: plans})
	h.session(t, "secret-session")
	h.mustSchedule(t, "secret-session", "hello", "every 1 hour")

	if _, err := h.SavePlan("p1", "secret-session"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(plans.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret-session") {
		t.Error("plan file contains the originating session id")
	}

	var f struct {
		TaskPlans map[string]struct {
			Name      string    `json:"name"`
			CreatedAt time.Time `json:"created_at"`
			Tasks     []struct {
				Message      string `json:"message"`
				ScheduleSpec string `json:"schedule_spec"`
			} `json:"tasks"`
		} `json:"task_plans"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("plan file is not valid JSON: %v", err)
	}
	p, ok := f.TaskPlans["p1"]
	if !ok || p.Name != "p1" || !p.CreatedAt.Equal(t0) {
		t.Fatalf("plan entry = %+v", p)
	}
	if len(p.Tasks) != 1 || p.Tasks[0].Message != "hello" || p.Tasks[0].ScheduleSpec != "every 1 hour" {
		t.Errorf("plan tasks = %+v", p.Tasks)
	}

	// A new store on the same file sees the plan.
	reopened, err := NewPlanStore(plans.Path(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Get("p1"); !ok {
		t.Error("plan not persisted")
	}
}

func TestPlans_GeneratedNameAndEmptySession(t *testing.T) {
	h := newHarness(t, Options{Plans: newTestPlans(t)})
	h.session(t, "s1")

	if _, err := h.SavePlan("", "s1"); !errors.Is(err, ErrNoTasks) {
		t.Errorf("SavePlan of empty session = %v, want ErrNoTasks", err)
	}
	if _, err := h.SavePlan("x", "ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("SavePlan of unknown session = %v", err)
	}

	h.mustSchedule(t, "s1", "hello", "every 5 min")
	plan, err := h.SavePlan("", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Name != "plan_20260302_100000" {
		t.Errorf("generated name = %q", plan.Name)
	}
}

func TestPlans_LoadErrors(t *testing.T) {
	plans := newTestPlans(t)
	h := newHarness(t, Options{Plans: plans})
	h.session(t, "s1")
	h.mustSchedule(t, "s1", "keep me", "every 5 min")

	if _, err := h.LoadPlan("missing", "s1"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("LoadPlan(missing) = %v", err)
	}

	if err := plans.Put(TaskPlan{Name: "broken", Tasks: []PlanTask{
		{Message: "fine", ScheduleSpec: "every 5 min"},
		{Message: "bad", ScheduleSpec: "whenever"},
	}}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.LoadPlan("broken", "s1"); err == nil {
		t.Error("LoadPlan accepted an invalid spec")
	}
	if tasks, _ := h.Tasks("s1"); len(tasks) != 1 || tasks[0].Message != "keep me" {
		t.Errorf("failed load modified tasks: %+v", tasks)
	}
}

func TestPlans_Delete(t *testing.T) {
	h := newHarness(t, Options{Plans: newTestPlans(t)})
	h.session(t, "s1")
	h.mustSchedule(t, "s1", "hello", "every 5 min")
	if _, err := h.SavePlan("p", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.LoadPlan("p", "s1"); err != nil {
		t.Fatal(err)
	}

	if err := h.DeletePlan("p"); err != nil {
		t.Fatalf("DeletePlan: %v", err)
	}
	if len(h.Plans()) != 0 {
		t.Error("plan still listed after delete")
	}
	if _, ok := h.ActivePlan("s1"); ok {
		t.Error("deleted plan still active")
	}
	if tasks, _ := h.Tasks("s1"); len(tasks) != 1 {
		t.Error("deleting a plan removed scheduled tasks")
	}
	if err := h.DeletePlan("p"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("second DeletePlan = %v", err)
	}
}

func TestPlans_CloseSessionDropsActivePlan(t *testing.T) {
	h := newHarness(t, Options{Plans: newTestPlans(t)})
	h.session(t, "s1")
	h.mustSchedule(t, "s1", "hello", "every 5 min")
	if _, err := h.SavePlan("p", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.LoadPlan("p", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := h.CloseSession("s1"); err != nil {
		t.Fatal(err)
	}
	if got := h.ActiveSessions("p"); len(got) != 0 {
		t.Errorf("ActiveSessions after close = %v", got)
	}
}

func TestPlans_NoStore(t *testing.T) {
	h := newHarness(t, Options{})
	h.session(t, "s1")
	h.mustSchedule(t, "s1", "hello", "every 5 min")
	if _, err := h.SavePlan("p", "s1"); err == nil {
		t.Error("SavePlan without a store succeeded")
	}
	if h.Plans() != nil {
		t.Error("Plans without a store returned entries")
	}
}

func TestPlanStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task_plans.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPlanStore(path, nil); err == nil {
		t.Error("NewPlanStore accepted a corrupt file")
	}
}

func TestPlanStore_WatchReloads(t *testing.T) {
	plans := newTestPlans(t)
	if err := plans.Put(TaskPlan{Name: "a", Tasks: []PlanTask{{Message: "m", ScheduleSpec: "every 5 min"}}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() { done <- plans.Watch(ctx, func() { changes.Add(1) }) }()

	// Give the watcher time to register before editing the file.
	time.Sleep(100 * time.Millisecond)

	external := `{"task_plans":{"b":{"name":"b","created_at":"2026-01-01T00:00:00Z","tasks":[{"message":"x","schedule_spec":"daily 9:00"}]}}}`
	if err := os.WriteFile(plans.Path(), []byte(external), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := plans.Get("b"); ok && changes.Load() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("external edit was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := plans.Get("a"); ok {
		t.Error("reload kept a plan that is no longer in the file")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
