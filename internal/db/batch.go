package db

import (
	"context"
	"fmt"
)

// CommitBatch writes a staged import batch in a single transaction and
// returns the number of tasks created. The batch is consumed either way; a
// failed commit rolls back entirely and the caller re-parses the upload.
func (db *DB) CommitBatch(ctx context.Context, sessionID string) (int, error) {
	batch := db.Staging.GetAndClear(sessionID)
	if batch == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoBatch, sessionID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range batch.Tasks {
		if t.ProjectID == "" {
			t.ProjectID = batch.ProjectID
		}
		if err := db.createTask(ctx, tx, t); err != nil {
			return 0, fmt.Errorf("failed to create imported task %q: %w", t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return len(batch.Tasks), nil
}
