package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	embedsql "github.com/ldi/sprintdeck/embed/sql"
	_ "modernc.org/sqlite"
)

// openPragmas are applied to every new connection before first use. WAL for
// concurrent readers, foreign_keys so the runs/run_snapshots cascade holds.
var openPragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA foreign_keys=ON;",
}

// DB wraps the sqlite handle together with the in-memory import staging area
// and an optional change hook used for automatic backups.
type DB struct {
	*sql.DB
	Staging          *StagingManager
	onChange         func(ctx context.Context)
	onChangeMu       sync.RWMutex
	onChangeDisabled bool
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) SetOnChange(fn func(ctx context.Context)) {
	db.onChangeMu.Lock()
	defer db.onChangeMu.Unlock()
	db.onChange = fn
}

func (db *DB) DisableOnChange() {
	db.onChangeMu.Lock()
	defer db.onChangeMu.Unlock()
	db.onChangeDisabled = true
}

func (db *DB) EnableOnChange() {
	db.onChangeMu.Lock()
	defer db.onChangeMu.Unlock()
	db.onChangeDisabled = false
}

func (db *DB) triggerChange(ctx context.Context) {
	db.onChangeMu.RLock()
	fn := db.onChange
	disabled := db.onChangeDisabled
	db.onChangeMu.RUnlock()

	if fn != nil && !disabled {
		fn(ctx)
	}
}

// Open opens (creating if needed) the SQLite database at path. The parent
// directory is created for on-disk paths; ":memory:" is passed through.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range openPragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	// SQLite works best with a single writer.
	sqlDB.SetMaxOpenConns(1)

	return &DB{
		DB:      sqlDB,
		Staging: NewStagingManager(),
	}, nil
}

// Init applies the embedded schema. Statements are idempotent, so calling it
// against an existing database is safe.
func (db *DB) Init(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, embedsql.Schema); err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}
	db.triggerChange(ctx)
	return nil
}
