package db

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var mode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected journal_mode wal, got %s", mode)
	}

	var fk int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&fk)
	if err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("Expected foreign_keys enabled (1), got %d", fk)
	}
}

func TestInitIdempotent(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO tasks (id, project_id, name) VALUES ('t1', 'p1', 'keep me')"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Re-running the schema must not touch existing rows
	if err := db.Init(ctx); err != nil {
		t.Fatalf("Second init failed: %v", err)
	}

	var name string
	if err := db.QueryRow("SELECT name FROM tasks WHERE id = 't1'").Scan(&name); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if name != "keep me" {
		t.Errorf("Expected existing row preserved, got %s", name)
	}
}

func TestInit(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// Check if the tables from the schema exist
	for _, table := range []string{"tasks", "suite_history", "runs", "run_snapshots", "analyses"} {
		if _, err := db.Exec("SELECT 1 FROM " + table + " LIMIT 1"); err != nil {
			t.Fatalf("Table %s does not exist or query failed: %v", table, err)
		}
	}
}
