package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ldi/sprintdeck/pkg/models"
)

func seedHistory(t *testing.T, db *DB, projectID, suiteID string) *models.SuiteHistory {
	t.Helper()

	h := &models.SuiteHistory{
		ProjectID:  projectID,
		SuiteID:    suiteID,
		UserStory:  "As a user I can log in",
		Component:  "Auth",
		Priority:   "P1",
		Format:     "gherkin",
		TotalCases: 12,
	}
	if err := db.CreateSuiteHistory(context.Background(), h); err != nil {
		t.Fatalf("Failed to create suite history: %v", err)
	}
	return h
}

func TestCreateAndGetSuiteHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	h := seedHistory(t, db, "proj-1", "suite-abc")
	if len(h.ID) != 36 {
		t.Errorf("Expected UUID id, got %q", h.ID)
	}

	fetched, err := db.GetSuiteHistory(ctx, h.ID)
	if err != nil {
		t.Fatalf("Failed to get suite history: %v", err)
	}
	if fetched == nil {
		t.Fatalf("Suite history not found")
	}
	if fetched.SuiteID != "suite-abc" || fetched.TotalCases != 12 {
		t.Errorf("Unexpected record: %+v", fetched)
	}
	if fetched.RunCount != 0 || fetched.LastRun != nil {
		t.Errorf("New record should have no runs: count=%d last=%v", fetched.RunCount, fetched.LastRun)
	}

	missing, err := db.GetSuiteHistory(ctx, "nope")
	if err != nil {
		t.Fatalf("Expected no error for unknown id, got %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for unknown id")
	}
}

func TestResolveSuiteHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	older := seedHistory(t, db, "proj-1", "suite-dup")
	newer := seedHistory(t, db, "proj-1", "suite-dup")

	// Direct id wins over suite id
	h, err := db.ResolveSuiteHistory(ctx, "proj-1", older.ID, "suite-dup")
	if err != nil {
		t.Fatalf("Failed to resolve by id: %v", err)
	}
	if h.ID != older.ID {
		t.Errorf("Expected resolve by id to return %s, got %s", older.ID, h.ID)
	}

	// Suite id lookup returns the most recently updated record
	h, err = db.ResolveSuiteHistory(ctx, "proj-1", "", "suite-dup")
	if err != nil {
		t.Fatalf("Failed to resolve by suite id: %v", err)
	}
	if h.ID != newer.ID {
		t.Errorf("Expected most recent record %s, got %s", newer.ID, h.ID)
	}

	// Touching the older record makes it the winner
	if _, _, err := db.SaveRunSnapshot(ctx, "proj-1", older.ID, "", models.RunPayload{RunID: "r1", Status: "queued"}); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}
	if _, err := db.Exec(`UPDATE suite_history SET updated_at = datetime('now', '+1 hour') WHERE id = ?`, older.ID); err != nil {
		t.Fatalf("Failed to bump updated_at: %v", err)
	}
	h, err = db.ResolveSuiteHistory(ctx, "proj-1", "", "suite-dup")
	if err != nil {
		t.Fatalf("Failed to resolve after update: %v", err)
	}
	if h.ID != older.ID {
		t.Errorf("Expected updated record %s to win, got %s", older.ID, h.ID)
	}

	// Nothing matches
	if _, err := db.ResolveSuiteHistory(ctx, "proj-1", "", "suite-unknown"); !errors.Is(err, ErrNoHistory) {
		t.Errorf("Expected ErrNoHistory, got %v", err)
	}
	if _, err := db.ResolveSuiteHistory(ctx, "proj-1", "", ""); !errors.Is(err, ErrNoHistory) {
		t.Errorf("Expected ErrNoHistory for empty identifiers, got %v", err)
	}
}

func TestSaveRunSnapshotMergesRunsAndCountsFirstSightingOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	h := seedHistory(t, db, "proj-1", "suite-1")

	updated, key, err := db.SaveRunSnapshot(ctx, "proj-1", h.ID, "", models.RunPayload{
		RunID: "12345", Status: "queued",
	})
	if err != nil {
		t.Fatalf("Failed to save first snapshot: %v", err)
	}
	if key != "12345" {
		t.Errorf("Expected run key 12345, got %s", key)
	}
	if updated.RunCount != 1 {
		t.Errorf("Expected run_count 1 after first sighting, got %d", updated.RunCount)
	}
	if updated.LastRun == nil || updated.LastRun.Status != "queued" {
		t.Errorf("Expected last_run queued, got %+v", updated.LastRun)
	}

	// Second status for the same run merges, run_count stays put
	updated, _, err = db.SaveRunSnapshot(ctx, "proj-1", h.ID, "", models.RunPayload{
		RunID: "12345", Status: "completed", Conclusion: "success",
	})
	if err != nil {
		t.Fatalf("Failed to save second snapshot: %v", err)
	}
	if updated.RunCount != 1 {
		t.Errorf("Expected run_count to stay 1 for repeated run, got %d", updated.RunCount)
	}
	if updated.LastRun == nil || updated.LastRun.Status != "completed" || updated.LastRun.Conclusion != "success" {
		t.Errorf("Expected last_run to follow the latest state, got %+v", updated.LastRun)
	}

	runs, err := db.ListRuns(ctx, h.ID)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 merged run, got %d", len(runs))
	}
	if runs[0].Summary.Status != "completed" {
		t.Errorf("Expected merged run status completed, got %s", runs[0].Summary.Status)
	}

	// The audit trail keeps every observed state
	snapshots, err := db.ListRunSnapshots(ctx, h.ID, "12345")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("Expected 2 audit snapshots, got %d", len(snapshots))
	}
	if snapshots[0].Status != "queued" || snapshots[1].Status != "completed" {
		t.Errorf("Expected snapshot order queued then completed, got %s then %s",
			snapshots[0].Status, snapshots[1].Status)
	}
}

func TestSaveRunSnapshotCountsEachDistinctRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	h := seedHistory(t, db, "proj-1", "suite-1")

	if _, _, err := db.SaveRunSnapshot(ctx, "proj-1", h.ID, "", models.RunPayload{
		RunID: "r1", Status: "completed", Conclusion: "success",
	}); err != nil {
		t.Fatalf("Failed to save first run: %v", err)
	}
	updated, _, err := db.SaveRunSnapshot(ctx, "proj-1", h.ID, "", models.RunPayload{
		RunID: "r2", Status: "queued",
	})
	if err != nil {
		t.Fatalf("Failed to save second run: %v", err)
	}

	if updated.RunCount != 2 {
		t.Errorf("Expected run_count 2 for two distinct runs, got %d", updated.RunCount)
	}
	if updated.LastRun == nil || updated.LastRun.Status != "queued" {
		t.Errorf("Expected last_run to track the latest save, got %+v", updated.LastRun)
	}

	runs, err := db.ListRuns(ctx, h.ID)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 run records, got %d", len(runs))
	}
}

func TestSaveRunSnapshotSynthesizesKeyWithoutRunID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	h := seedHistory(t, db, "proj-1", "suite-1")

	updated, key, err := db.SaveRunSnapshot(ctx, "proj-1", h.ID, "", models.RunPayload{Status: "error", Message: "dispatch failed"})
	if err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}
	if !strings.HasPrefix(key, "run-") {
		t.Errorf("Expected synthesized run- key, got %s", key)
	}
	if updated.RunCount != 1 {
		t.Errorf("Expected run_count 1, got %d", updated.RunCount)
	}
}

func TestSaveRunSnapshotResolvesBySuiteID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	h := seedHistory(t, db, "proj-1", "suite-xyz")

	updated, _, err := db.SaveRunSnapshot(ctx, "proj-1", "", "suite-xyz", models.RunPayload{RunID: "r9", Status: "in_progress"})
	if err != nil {
		t.Fatalf("Failed to save snapshot via suite id: %v", err)
	}
	if updated.ID != h.ID {
		t.Errorf("Expected resolution to %s, got %s", h.ID, updated.ID)
	}

	_, _, err = db.SaveRunSnapshot(ctx, "proj-1", "", "suite-missing", models.RunPayload{RunID: "r9", Status: "queued"})
	if !errors.Is(err, ErrNoHistory) {
		t.Errorf("Expected ErrNoHistory, got %v", err)
	}
}

func TestListSuiteHistoryOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := seedHistory(t, db, "proj-1", "s1")
	second := seedHistory(t, db, "proj-1", "s2")
	seedHistory(t, db, "proj-other", "s3")

	list, err := db.ListSuiteHistory(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Failed to list suite history: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 records for proj-1, got %d", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("Expected newest first, got %s then %s", list[0].ID, list[1].ID)
	}
}

func TestDeleteSuiteHistoryCascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	h := seedHistory(t, db, "proj-1", "suite-del")
	for _, runID := range []string{"r1", "r2"} {
		if _, _, err := db.SaveRunSnapshot(ctx, "proj-1", h.ID, "", models.RunPayload{RunID: runID, Status: "queued"}); err != nil {
			t.Fatalf("Failed to save run %s: %v", runID, err)
		}
	}

	if err := db.DeleteSuiteHistory(ctx, h.ID); err != nil {
		t.Fatalf("Failed to delete suite history: %v", err)
	}

	fetched, err := db.GetSuiteHistory(ctx, h.ID)
	if err != nil {
		t.Fatalf("Failed to get after delete: %v", err)
	}
	if fetched != nil {
		t.Errorf("Expected record gone after delete")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM runs WHERE history_id = ?`, h.ID).Scan(&count); err != nil {
		t.Fatalf("Failed to count runs: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected runs removed, %d left", count)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM run_snapshots WHERE history_id = ?`, h.ID).Scan(&count); err != nil {
		t.Fatalf("Failed to count snapshots: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected snapshots removed, %d left", count)
	}

	if err := db.DeleteSuiteHistory(ctx, h.ID); !errors.Is(err, ErrNoHistory) {
		t.Errorf("Expected ErrNoHistory on second delete, got %v", err)
	}
}
