package cron

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "runs"))
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return store
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	store := newTestStore(t)
	if len(store.All()) != 0 {
		t.Fatalf("expected no tasks, got %d", len(store.All()))
	}
}

func TestAddAssignsIDAndPersists(t *testing.T) {
	store := newTestStore(t)
	task := &Task{Name: "backup", Schedule: "@daily", Prompt: "run backup"}
	if err := store.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected an assigned id")
	}
	if task.Status != StatusActive {
		t.Fatalf("Status = %q, want active default", task.Status)
	}

	reloaded := NewStore(store.Path(), store.runsDir)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.Get(task.ID); got == nil || got.Name != "backup" {
		t.Fatalf("expected task persisted across reload, got %+v", got)
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	task := &Task{ID: "fixed-id", Name: "a", Schedule: "@daily"}
	if err := store.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	dup := &Task{ID: "fixed-id", Name: "b", Schedule: "@daily"}
	if err := store.Add(dup); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	store := newTestStore(t)
	task := &Task{Name: "bad", Schedule: "not a cron expression"}
	if err := store.Add(task); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
}

func TestUpdateUnknownTaskFails(t *testing.T) {
	store := newTestStore(t)
	if err := store.Update(&Task{ID: "nope"}); err == nil {
		t.Fatal("expected update of an unknown task to fail")
	}
}

func TestDeleteRemovesTask(t *testing.T) {
	store := newTestStore(t)
	task := &Task{Name: "one-off", Schedule: "@daily"}
	if err := store.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Delete(task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.Get(task.ID) != nil {
		t.Fatal("expected task to be gone after Delete")
	}
}

func TestDueOrdersByNextRunAscending(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	later := now.Add(-time.Minute)
	sooner := now.Add(-time.Hour)
	notYet := now.Add(time.Hour)
	paused := now.Add(-time.Minute)

	taskLater := &Task{Name: "later", Schedule: "@daily", Status: StatusActive, NextRun: &later}
	taskSooner := &Task{Name: "sooner", Schedule: "@daily", Status: StatusActive, NextRun: &sooner}
	taskNotYet := &Task{Name: "not-yet", Schedule: "@daily", Status: StatusActive, NextRun: &notYet}
	taskPaused := &Task{Name: "paused", Schedule: "@daily", Status: StatusPaused, NextRun: &paused}

	for _, task := range []*Task{taskLater, taskSooner, taskNotYet, taskPaused} {
		if err := store.Add(task); err != nil {
			t.Fatalf("Add(%s): %v", task.Name, err)
		}
	}

	due := store.Due(now)
	if len(due) != 2 {
		t.Fatalf("expected 2 due tasks, got %d: %+v", len(due), due)
	}
	if due[0].Name != "sooner" || due[1].Name != "later" {
		t.Fatalf("due order = [%s, %s], want [sooner, later]", due[0].Name, due[1].Name)
	}
}

func TestFixUpStatusInvariantNilsNextRunWhenPaused(t *testing.T) {
	next := time.Now().Add(time.Hour)
	task := &Task{Schedule: "@daily", Status: StatusPaused, NextRun: &next}
	task.FixUpStatusInvariant()
	if task.NextRun != nil {
		t.Fatal("expected NextRun nil for a paused task")
	}
}

func TestFixUpStatusInvariantNilsNextRunWhenNoSchedule(t *testing.T) {
	next := time.Now().Add(time.Hour)
	task := &Task{Schedule: "", Status: StatusActive, NextRun: &next}
	task.FixUpStatusInvariant()
	if task.NextRun != nil {
		t.Fatal("expected NextRun nil when there is no schedule")
	}
}

func TestFixUpStatusInvariantLeavesActiveScheduledTaskAlone(t *testing.T) {
	next := time.Now().Add(time.Hour)
	task := &Task{Schedule: "@daily", Status: StatusActive, NextRun: &next}
	task.FixUpStatusInvariant()
	if task.NextRun == nil {
		t.Fatal("expected NextRun preserved for an active scheduled task")
	}
}

func TestAppendRunAndRunsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	run1 := &TaskRun{TaskID: "t1", StartedAt: time.Now(), Status: RunStatusOK, Result: "first"}
	run2 := &TaskRun{TaskID: "t1", StartedAt: time.Now(), Status: RunStatusError, Error: "boom"}
	if err := store.AppendRun(run1); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	if err := store.AppendRun(run2); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	runs, err := store.Runs("t1")
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Result != "first" || runs[1].Error != "boom" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunsOnUnknownTaskReturnsNilNoError(t *testing.T) {
	store := newTestStore(t)
	runs, err := store.Runs("never-ran")
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if runs != nil {
		t.Fatalf("expected nil, got %v", runs)
	}
}
