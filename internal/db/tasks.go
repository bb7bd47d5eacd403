package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ldi/sprintdeck/pkg/models"
)

const taskColumns = `id, project_id, name, module, due_date, velocity, bugs, status, created_at, updated_at`

// CreateTask inserts a new task into the database.
// If t.ID is empty, a new UUID is generated.
func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	if err := db.createTask(ctx, db.DB, t); err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

func (db *DB) createTask(ctx context.Context, exec executor, t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusTodo
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status: %s", t.Status)
	}
	if t.Velocity < 0 || t.Bugs < 0 {
		return fmt.Errorf("velocity and bugs must be non-negative")
	}

	query := `
		INSERT INTO tasks (id, project_id, name, module, due_date, velocity, bugs, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at, updated_at
	`
	err := exec.QueryRowContext(ctx, query,
		t.ID, t.ProjectID, t.Name, t.Module, t.DueDate, t.Velocity, t.Bugs, t.Status,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by its ID. Returns (nil, nil) when the id is unknown.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	t := &models.Task{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.ProjectID, &t.Name, &t.Module, &t.DueDate,
		&t.Velocity, &t.Bugs, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a project's tasks, optionally filtered by status.
func (db *DB) ListTasks(ctx context.Context, projectID string, status *models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}

	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}

	query += " ORDER BY created_at ASC, rowid ASC"

	return db.queryTasks(ctx, query, args...)
}

func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t := &models.Task{}
		err := rows.Scan(
			&t.ID, &t.ProjectID, &t.Name, &t.Module, &t.DueDate,
			&t.Velocity, &t.Bugs, &t.Status, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tasks, nil
}

// UpdateTask replaces all mutable fields of an existing task.
func (db *DB) UpdateTask(ctx context.Context, t *models.Task) error {
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status: %s", t.Status)
	}
	if t.Velocity < 0 || t.Bugs < 0 {
		return fmt.Errorf("velocity and bugs must be non-negative")
	}

	query := `
		UPDATE tasks
		SET name = ?, module = ?, due_date = ?, velocity = ?, bugs = ?, status = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING updated_at
	`
	err := db.QueryRowContext(ctx, query,
		t.Name, t.Module, t.DueDate, t.Velocity, t.Bugs, t.Status, t.ID,
	).Scan(&t.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNoTask, t.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// PatchTask applies a partial update and returns the updated task.
func (db *DB) PatchTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	query := "UPDATE tasks SET updated_at = CURRENT_TIMESTAMP"
	args := []any{}

	if patch.Name != nil {
		query += ", name = ?"
		args = append(args, *patch.Name)
	}
	if patch.Module != nil {
		query += ", module = ?"
		args = append(args, *patch.Module)
	}
	if patch.DueDate != nil {
		query += ", due_date = ?"
		args = append(args, *patch.DueDate)
	}
	if patch.Velocity != nil {
		if *patch.Velocity < 0 {
			return nil, fmt.Errorf("velocity must be non-negative")
		}
		query += ", velocity = ?"
		args = append(args, *patch.Velocity)
	}
	if patch.Bugs != nil {
		if *patch.Bugs < 0 {
			return nil, fmt.Errorf("bugs must be non-negative")
		}
		query += ", bugs = ?"
		args = append(args, *patch.Bugs)
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return nil, fmt.Errorf("invalid task status: %s", *patch.Status)
		}
		query += ", status = ?"
		args = append(args, *patch.Status)
	}

	query += " WHERE id = ? RETURNING " + taskColumns
	args = append(args, id)

	t := &models.Task{}
	err := db.QueryRowContext(ctx, query, args...).Scan(
		&t.ID, &t.ProjectID, &t.Name, &t.Module, &t.DueDate,
		&t.Velocity, &t.Bugs, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNoTask, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to patch task: %w", err)
	}

	db.triggerChange(ctx)
	return t, nil
}

// UpdateTaskStatus moves a task to the given status.
func (db *DB) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid task status: %s", status)
	}

	query := `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	res, err := db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNoTask, id)
	}

	db.triggerChange(ctx)
	return nil
}

// DeleteTask deletes a task by its ID.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	query := `DELETE FROM tasks WHERE id = ?`
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNoTask, id)
	}

	db.triggerChange(ctx)
	return nil
}
