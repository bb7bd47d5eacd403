package db

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ldi/sprintdeck/pkg/models"
)

// EnableAutoSnapshot sets up a hook that automatically exports a snapshot
// to the given path after every successful write operation.
func (db *DB) EnableAutoSnapshot(path string) {
	db.SetOnChange(func(ctx context.Context) {
		// Hooks are best-effort; a failed export must not fail the
		// original write.
		if err := db.ExportSnapshot(ctx, path); err != nil {
			log.Printf("snapshot export failed: %v", err)
		}
	})
}

type snapshotMeta struct {
	RecordType string `json:"record_type"`
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
}

type snapshotRecord struct {
	RecordType string          `json:"record_type"`
	Data       json.RawMessage `json:"data"`
}

// ExportSnapshot writes every task, suite history record, run, run snapshot
// and analysis as JSONL to the given path, atomically via a temporary file.
func (db *DB) ExportSnapshot(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "snapshot-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	w := bufio.NewWriter(tempFile)

	meta := snapshotMeta{RecordType: "meta", Version: 1, ExportedAt: time.Now().UTC().Format(time.RFC3339)}
	if err := writeSnapshotLine(w, meta); err != nil {
		return err
	}

	if err := db.exportRecords(ctx, w, "task",
		`SELECT `+taskColumns+` FROM tasks ORDER BY project_id, created_at, rowid`,
		func(rows rowScanner) (any, error) {
			t := &models.Task{}
			err := rows.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Module, &t.DueDate,
				&t.Velocity, &t.Bugs, &t.Status, &t.CreatedAt, &t.UpdatedAt)
			return t, err
		},
	); err != nil {
		return err
	}

	if err := db.exportRecords(ctx, w, "history",
		`SELECT `+historyColumns+` FROM suite_history ORDER BY project_id, created_at, rowid`,
		func(rows rowScanner) (any, error) {
			return scanHistory(rows)
		},
	); err != nil {
		return err
	}

	if err := db.exportRecords(ctx, w, "run",
		`SELECT history_id, run_key, run_id, status, conclusion, message, logs, html_url, repo, file_path, raw, created_at, updated_at
		 FROM runs ORDER BY history_id, created_at, rowid`,
		func(rows rowScanner) (any, error) {
			r := &models.Run{}
			var raw *string
			err := rows.Scan(&r.HistoryID, &r.Key, &r.Summary.RunID, &r.Summary.Status, &r.Summary.Conclusion,
				&r.Summary.Message, &r.Summary.Logs, &r.Summary.HTMLURL, &r.Summary.Repo, &r.Summary.FilePath,
				&raw, &r.CreatedAt, &r.UpdatedAt)
			if raw != nil {
				r.Raw = json.RawMessage(*raw)
			}
			return r, err
		},
	); err != nil {
		return err
	}

	if err := db.exportRecords(ctx, w, "run_snapshot",
		`SELECT id, history_id, run_key, status, conclusion, message, logs, html_url, raw, recorded_at
		 FROM run_snapshots ORDER BY history_id, recorded_at, rowid`,
		func(rows rowScanner) (any, error) {
			s := &models.RunSnapshot{}
			var raw *string
			err := rows.Scan(&s.ID, &s.HistoryID, &s.RunKey, &s.Status, &s.Conclusion,
				&s.Message, &s.Logs, &s.HTMLURL, &raw, &s.RecordedAt)
			if raw != nil {
				s.Raw = json.RawMessage(*raw)
			}
			return s, err
		},
	); err != nil {
		return err
	}

	if err := db.exportRecords(ctx, w, "analysis",
		`SELECT id, project_id, overall_risk, task_count, result, created_at
		 FROM analyses ORDER BY project_id, created_at, rowid`,
		func(rows rowScanner) (any, error) {
			a := &models.Analysis{}
			var result string
			err := rows.Scan(&a.ID, &a.ProjectID, &a.OverallRisk, &a.TaskCount, &result, &a.CreatedAt)
			a.Result = json.RawMessage(result)
			return a, err
		},
	); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	filename := tempFile.Name()
	tempFile = nil // Prevent defer from removing it

	if err := os.Rename(filename, path); err != nil {
		os.Remove(filename)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (db *DB) exportRecords(ctx context.Context, w *bufio.Writer, recordType, query string, scan func(rowScanner) (any, error)) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query %s records: %w", recordType, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return fmt.Errorf("failed to scan %s record: %w", recordType, err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s record: %w", recordType, err)
		}
		if err := writeSnapshotLine(w, snapshotRecord{RecordType: recordType, Data: data}); err != nil {
			return err
		}
	}

	return rows.Err()
}

func writeSnapshotLine(w *bufio.Writer, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot line: %w", err)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write snapshot line: %w", err)
	}
	return nil
}

// ImportSnapshot reads a JSONL snapshot and merges it into the database in
// one transaction. Records are matched by id (runs by history id and run
// key); matches are overwritten, everything else is inserted.
func (db *DB) ImportSnapshot(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var base struct {
			RecordType string          `json:"record_type"`
			Data       json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(line, &base); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot line: %w", err)
		}

		switch base.RecordType {
		case "meta":
			// Skip meta

		case "task":
			var t models.Task
			if err := json.Unmarshal(base.Data, &t); err != nil {
				return fmt.Errorf("failed to unmarshal task: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, project_id, name, module, due_date, velocity, bugs, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					project_id = excluded.project_id, name = excluded.name, module = excluded.module,
					due_date = excluded.due_date, velocity = excluded.velocity, bugs = excluded.bugs,
					status = excluded.status, created_at = excluded.created_at, updated_at = excluded.updated_at`,
				t.ID, t.ProjectID, t.Name, t.Module, t.DueDate, t.Velocity, t.Bugs, t.Status, t.CreatedAt, t.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to merge task %s: %w", t.ID, err)
			}

		case "history":
			var h models.SuiteHistory
			if err := json.Unmarshal(base.Data, &h); err != nil {
				return fmt.Errorf("failed to unmarshal suite history: %w", err)
			}
			var lastRun any
			if h.LastRun != nil {
				encoded, err := json.Marshal(h.LastRun)
				if err != nil {
					return fmt.Errorf("failed to encode last_run: %w", err)
				}
				lastRun = string(encoded)
			}
			var suiteData any
			if len(h.SuiteData) > 0 {
				suiteData = string(h.SuiteData)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO suite_history (id, project_id, owner_id, suite_id, user_story, component, priority, format,
					total_cases, run_count, last_run, suite_data, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					project_id = excluded.project_id, owner_id = excluded.owner_id, suite_id = excluded.suite_id,
					user_story = excluded.user_story, component = excluded.component, priority = excluded.priority,
					format = excluded.format, total_cases = excluded.total_cases, run_count = excluded.run_count,
					last_run = excluded.last_run, suite_data = excluded.suite_data,
					created_at = excluded.created_at, updated_at = excluded.updated_at`,
				h.ID, h.ProjectID, h.OwnerID, h.SuiteID, h.UserStory, h.Component, h.Priority, h.Format,
				h.TotalCases, h.RunCount, lastRun, suiteData, h.CreatedAt, h.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to merge suite history %s: %w", h.ID, err)
			}

		case "run":
			var r models.Run
			if err := json.Unmarshal(base.Data, &r); err != nil {
				return fmt.Errorf("failed to unmarshal run: %w", err)
			}
			var raw any
			if len(r.Raw) > 0 {
				raw = string(r.Raw)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO runs (history_id, run_key, run_id, status, conclusion, message, logs, html_url, repo, file_path, raw, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (history_id, run_key) DO UPDATE SET
					run_id = excluded.run_id, status = excluded.status, conclusion = excluded.conclusion,
					message = excluded.message, logs = excluded.logs, html_url = excluded.html_url,
					repo = excluded.repo, file_path = excluded.file_path, raw = excluded.raw,
					created_at = excluded.created_at, updated_at = excluded.updated_at`,
				r.HistoryID, r.Key, r.Summary.RunID, r.Summary.Status, r.Summary.Conclusion,
				r.Summary.Message, r.Summary.Logs, r.Summary.HTMLURL, r.Summary.Repo, r.Summary.FilePath,
				raw, r.CreatedAt, r.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to merge run %s/%s: %w", r.HistoryID, r.Key, err)
			}

		case "run_snapshot":
			var s models.RunSnapshot
			if err := json.Unmarshal(base.Data, &s); err != nil {
				return fmt.Errorf("failed to unmarshal run snapshot: %w", err)
			}
			var raw any
			if len(s.Raw) > 0 {
				raw = string(s.Raw)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO run_snapshots (id, history_id, run_key, status, conclusion, message, logs, html_url, raw, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, s.HistoryID, s.RunKey, s.Status, s.Conclusion, s.Message, s.Logs, s.HTMLURL, raw, s.RecordedAt)
			if err != nil {
				return fmt.Errorf("failed to merge run snapshot %s: %w", s.ID, err)
			}

		case "analysis":
			var a models.Analysis
			if err := json.Unmarshal(base.Data, &a); err != nil {
				return fmt.Errorf("failed to unmarshal analysis: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO analyses (id, project_id, overall_risk, task_count, result, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					project_id = excluded.project_id, overall_risk = excluded.overall_risk,
					task_count = excluded.task_count, result = excluded.result, created_at = excluded.created_at`,
				a.ID, a.ProjectID, a.OverallRisk, a.TaskCount, string(a.Result), a.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to merge analysis %s: %w", a.ID, err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}
