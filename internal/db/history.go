package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/sprintdeck/pkg/models"
)

const historyColumns = `id, project_id, owner_id, suite_id, user_story, component, priority, format,
	total_cases, run_count, last_run, suite_data, created_at, updated_at`

// CreateSuiteHistory inserts a new suite history record.
// If h.ID is empty, a new UUID is generated.
func (db *DB) CreateSuiteHistory(ctx context.Context, h *models.SuiteHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Component == "" {
		h.Component = "General"
	}
	if h.Priority == "" {
		h.Priority = "P1"
	}
	if h.Format == "" {
		h.Format = "gherkin"
	}

	var suiteData any
	if len(h.SuiteData) > 0 {
		suiteData = string(h.SuiteData)
	}

	query := `
		INSERT INTO suite_history (id, project_id, owner_id, suite_id, user_story, component, priority, format, total_cases, suite_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at, updated_at
	`
	err := db.QueryRowContext(ctx, query,
		h.ID, h.ProjectID, h.OwnerID, h.SuiteID, h.UserStory, h.Component, h.Priority, h.Format, h.TotalCases, suiteData,
	).Scan(&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create suite history: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// GetSuiteHistory retrieves a history record by its ID. Returns (nil, nil)
// when the id is unknown.
func (db *DB) GetSuiteHistory(ctx context.Context, id string) (*models.SuiteHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM suite_history WHERE id = ?`
	h, err := scanHistory(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suite history: %w", err)
	}
	return h, nil
}

// ResolveSuiteHistory locates a history record by its own id, or failing
// that by the external suite id. When several records share a suite id the
// most recently updated one wins. Returns ErrNoHistory when nothing matches.
func (db *DB) ResolveSuiteHistory(ctx context.Context, projectID, historyID, suiteID string) (*models.SuiteHistory, error) {
	if historyID != "" {
		h, err := db.GetSuiteHistory(ctx, historyID)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
	}

	if suiteID != "" {
		query := `
			SELECT ` + historyColumns + `
			FROM suite_history
			WHERE project_id = ? AND suite_id = ?
			ORDER BY updated_at DESC, rowid DESC
			LIMIT 1
		`
		h, err := scanHistory(db.QueryRowContext(ctx, query, projectID, suiteID))
		if err == nil {
			return h, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to resolve suite history: %w", err)
		}
	}

	return nil, ErrNoHistory
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (*models.SuiteHistory, error) {
	h := &models.SuiteHistory{}
	var lastRun, suiteData sql.NullString
	err := row.Scan(
		&h.ID, &h.ProjectID, &h.OwnerID, &h.SuiteID, &h.UserStory, &h.Component, &h.Priority, &h.Format,
		&h.TotalCases, &h.RunCount, &lastRun, &suiteData, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastRun.Valid && lastRun.String != "" {
		var summary models.RunSummary
		if err := json.Unmarshal([]byte(lastRun.String), &summary); err != nil {
			return nil, fmt.Errorf("failed to decode last_run: %w", err)
		}
		h.LastRun = &summary
	}
	if suiteData.Valid && suiteData.String != "" {
		h.SuiteData = json.RawMessage(suiteData.String)
	}

	return h, nil
}

// ListSuiteHistory returns a project's history records, most recently
// updated first.
func (db *DB) ListSuiteHistory(ctx context.Context, projectID string) ([]*models.SuiteHistory, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM suite_history
		WHERE project_id = ?
		ORDER BY updated_at DESC, rowid DESC
	`
	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SuiteHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan suite history: %w", err)
		}
		out = append(out, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// SaveRunSnapshot records one observed run state against a history record.
//
// The history is resolved by id or suite id; the run sub-record keyed by the
// run identifier is upserted; an immutable audit snapshot is appended; and
// the parent's run_count (first sighting only) and last_run are refreshed.
// The steps run in order without a wrapping transaction, so a reader may
// briefly observe the new run before the parent counters catch up.
func (db *DB) SaveRunSnapshot(ctx context.Context, projectID, historyID, suiteID string, payload models.RunPayload) (*models.SuiteHistory, string, error) {
	h, err := db.ResolveSuiteHistory(ctx, projectID, historyID, suiteID)
	if err != nil {
		return nil, "", err
	}

	runKey := payload.RunID
	if runKey == "" {
		runKey = fmt.Sprintf("run-%d", time.Now().UnixMilli())
	}

	var exists bool
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE history_id = ? AND run_key = ?)`,
		h.ID, runKey,
	).Scan(&exists)
	if err != nil {
		return nil, "", fmt.Errorf("failed to check run: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode run payload: %w", err)
	}

	upsert := `
		INSERT INTO runs (history_id, run_key, run_id, status, conclusion, message, logs, html_url, repo, file_path, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (history_id, run_key) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			conclusion = excluded.conclusion,
			message = excluded.message,
			logs = excluded.logs,
			html_url = excluded.html_url,
			repo = excluded.repo,
			file_path = excluded.file_path,
			raw = excluded.raw,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = db.ExecContext(ctx, upsert,
		h.ID, runKey, payload.RunID, payload.Status, payload.Conclusion,
		payload.Message, payload.Logs, payload.HTMLURL, payload.Repo, payload.FilePath, string(raw),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to upsert run: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO run_snapshots (id, history_id, run_key, status, conclusion, message, logs, html_url, raw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), h.ID, runKey, payload.Status, payload.Conclusion,
		payload.Message, payload.Logs, payload.HTMLURL, string(raw),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to append run snapshot: %w", err)
	}

	summary := models.RunSummary{
		RunID:      payload.RunID,
		Status:     payload.Status,
		Conclusion: payload.Conclusion,
		Message:    payload.Message,
		Logs:       payload.Logs,
		HTMLURL:    payload.HTMLURL,
		Repo:       payload.Repo,
		FilePath:   payload.FilePath,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	lastRun, err := json.Marshal(summary)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode run summary: %w", err)
	}

	delta := 0
	if !exists {
		delta = 1
	}
	_, err = db.ExecContext(ctx,
		`UPDATE suite_history
		 SET run_count = run_count + ?, last_run = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		delta, string(lastRun), h.ID,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to update suite history: %w", err)
	}

	db.triggerChange(ctx)

	updated, err := db.GetSuiteHistory(ctx, h.ID)
	if err != nil {
		return nil, "", err
	}
	return updated, runKey, nil
}

// ListRuns returns the run sub-records of a history record, newest first.
func (db *DB) ListRuns(ctx context.Context, historyID string) ([]*models.Run, error) {
	query := `
		SELECT history_id, run_key, run_id, status, conclusion, message, logs, html_url, repo, file_path, raw, created_at, updated_at
		FROM runs
		WHERE history_id = ?
		ORDER BY updated_at DESC, rowid DESC
	`
	rows, err := db.QueryContext(ctx, query, historyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		r := &models.Run{}
		var raw sql.NullString
		err := rows.Scan(
			&r.HistoryID, &r.Key, &r.Summary.RunID, &r.Summary.Status, &r.Summary.Conclusion,
			&r.Summary.Message, &r.Summary.Logs, &r.Summary.HTMLURL, &r.Summary.Repo, &r.Summary.FilePath,
			&raw, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if raw.Valid && raw.String != "" {
			r.Raw = json.RawMessage(raw.String)
		}
		r.Summary.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// ListRunSnapshots returns the audit trail for one run, oldest first.
func (db *DB) ListRunSnapshots(ctx context.Context, historyID, runKey string) ([]*models.RunSnapshot, error) {
	query := `
		SELECT id, history_id, run_key, status, conclusion, message, logs, html_url, raw, recorded_at
		FROM run_snapshots
		WHERE history_id = ? AND run_key = ?
		ORDER BY recorded_at ASC, rowid ASC
	`
	rows, err := db.QueryContext(ctx, query, historyID, runKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RunSnapshot
	for rows.Next() {
		s := &models.RunSnapshot{}
		var raw sql.NullString
		err := rows.Scan(
			&s.ID, &s.HistoryID, &s.RunKey, &s.Status, &s.Conclusion,
			&s.Message, &s.Logs, &s.HTMLURL, &raw, &s.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run snapshot: %w", err)
		}
		if raw.Valid && raw.String != "" {
			s.Raw = json.RawMessage(raw.String)
		}
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// DeleteSuiteHistory removes a history record and all of its runs and
// snapshots in one transaction, deepest level first.
func (db *DB) DeleteSuiteHistory(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_snapshots WHERE history_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE history_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM suite_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete suite history: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNoHistory, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}
