package db

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")

	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer database.Close()

	version, err := CurrentVersion(database.SQL())
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestMigrateIdempotent(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer database.Close()

	if err := Migrate(database.SQL()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestCounterStore(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	store := NewCounterStore(database)

	got, err := store.Get("tm-1", PurposeReviewCycles)
	if err != nil || got != 0 {
		t.Fatalf("Get() = %d, %v; want 0, nil", got, err)
	}

	for want := 1; want <= 3; want++ {
		got, err := store.Increment("tm-1", PurposeReviewCycles)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if got != want {
			t.Errorf("Increment() = %d, want %d", got, want)
		}
	}

	// A second teammate is independent.
	if got, _ := store.Get("tm-2", PurposeReviewCycles); got != 0 {
		t.Errorf("tm-2 counter = %d, want 0", got)
	}

	if err := store.Clear("tm-1", PurposeReviewCycles); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := store.Get("tm-1", PurposeReviewCycles); got != 0 {
		t.Errorf("counter after Clear = %d, want 0", got)
	}
}

func TestCounterSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")

	database, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	store := NewCounterStore(database)
	if _, err := store.Increment("tm-1", PurposeReviewCycles); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Increment("tm-1", PurposeReviewCycles); err != nil {
		t.Fatal(err)
	}
	_ = database.Close()

	// Reopen simulates a process restart with a cold cache.
	database, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	store = NewCounterStore(database)
	got, err := store.Get("tm-1", PurposeReviewCycles)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != 2 {
		t.Errorf("counter after restart = %d, want 2", got)
	}
}

func TestCounterForgetDropsCacheOnly(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	store := NewCounterStore(database)
	if _, err := store.Increment("tm-1", PurposeReviewCycles); err != nil {
		t.Fatal(err)
	}

	store.Forget("tm-1")

	// Read-through repopulates from the persisted row.
	if got, _ := store.Get("tm-1", PurposeReviewCycles); got != 1 {
		t.Errorf("counter after Forget = %d, want 1", got)
	}
}

func TestGateResultsRoundTrip(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	rec := GateResultRecord{
		TeamID:         "team-1",
		SessionID:      "sess-1",
		AggregateScore: 96,
		Passed:         true,
		Cycle:          1,
		MaxCycles:      2,
		Stages:         `{"syntax":100}`,
	}
	if err := database.StoreGateResult(rec); err != nil {
		t.Fatalf("StoreGateResult() error = %v", err)
	}

	results, err := database.GateResults("team-1", 0)
	if err != nil {
		t.Fatalf("GateResults() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("GateResults() = %d rows, want 1", len(results))
	}
	if results[0].AggregateScore != 96 || !results[0].Passed {
		t.Errorf("round trip mismatch: %+v", results[0])
	}
}

func TestRunHistory(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	if err := database.StartRun(RunRecord{ID: "run-1", Objective: "build the thing", State: "spec_pending", Strategy: "flat"}); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := database.FinishRun("run-1", "completed", "", 4, 4); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	runs, err := database.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("RecentRuns() = %d, want 1", len(runs))
	}
	if runs[0].State != "completed" || runs[0].TasksCompleted != 4 {
		t.Errorf("run record mismatch: %+v", runs[0])
	}
}

func TestActivityLogFiltersByTeam(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	entries := []ActivityRecord{
		{TeamID: "team-1", SessionID: "sess-1", Name: "builder", Action: "task_assigned", Message: "wire the parser", CreatedAt: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)},
		{TeamID: "team-1", SessionID: "sess-1", Name: "builder", Action: "task_completed", Message: "wire the parser", CreatedAt: time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)},
		{TeamID: "team-2", SessionID: "sess-9", Name: "tester", Action: "terminated", Message: "stall", CreatedAt: time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)},
	}
	for _, rec := range entries {
		if err := database.LogActivity(rec); err != nil {
			t.Fatalf("LogActivity() error = %v", err)
		}
	}

	teamOnly, err := database.RecentActivity("team-1", 0)
	if err != nil {
		t.Fatalf("RecentActivity() error = %v", err)
	}
	if len(teamOnly) != 2 {
		t.Fatalf("RecentActivity(team-1) = %d rows, want 2", len(teamOnly))
	}
	if teamOnly[0].Action != "task_completed" {
		t.Errorf("newest first: got %q", teamOnly[0].Action)
	}

	all, err := database.RecentActivity("", 2)
	if err != nil {
		t.Fatalf("RecentActivity() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("RecentActivity(all, limit 2) = %d rows, want 2", len(all))
	}
	if all[0].TeamID != "team-2" {
		t.Errorf("newest first across teams: got team %q", all[0].TeamID)
	}
}
