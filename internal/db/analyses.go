package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/ldi/sprintdeck/pkg/models"
)

// SaveAnalysis persists one AI sprint analysis result.
// If a.ID is empty, a new UUID is generated.
func (db *DB) SaveAnalysis(ctx context.Context, a *models.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query := `
		INSERT INTO analyses (id, project_id, overall_risk, task_count, result)
		VALUES (?, ?, ?, ?, ?)
		RETURNING created_at
	`
	err := db.QueryRowContext(ctx, query,
		a.ID, a.ProjectID, a.OverallRisk, a.TaskCount, string(a.Result),
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// GetAnalysis retrieves an analysis by its ID. Returns (nil, nil) when the
// id is unknown.
func (db *DB) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	query := `SELECT id, project_id, overall_risk, task_count, result, created_at FROM analyses WHERE id = ?`
	a := &models.Analysis{}
	var result string
	err := db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.ProjectID, &a.OverallRisk, &a.TaskCount, &result, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	a.Result = json.RawMessage(result)
	return a, nil
}

// ListAnalyses returns a project's saved analyses, newest first.
func (db *DB) ListAnalyses(ctx context.Context, projectID string, limit int) ([]*models.Analysis, error) {
	query := `
		SELECT id, project_id, overall_risk, task_count, result, created_at
		FROM analyses
		WHERE project_id = ?
		ORDER BY created_at DESC, rowid DESC
	`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Analysis
	for rows.Next() {
		a := &models.Analysis{}
		var result string
		err := rows.Scan(&a.ID, &a.ProjectID, &a.OverallRisk, &a.TaskCount, &result, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		a.Result = json.RawMessage(result)
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}
