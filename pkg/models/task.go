package models

import "time"

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusDone:
		return true
	}
	return false
}

// Task is a unit of planned work on the sprint board. DueDate is an ISO
// calendar date (YYYY-MM-DD) or the empty string when unset; Velocity is a
// static size estimate and is not decremented as work progresses.
type Task struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	Module    string     `json:"module"`
	DueDate   string     `json:"due_date"`
	Velocity  int        `json:"velocity"`
	Bugs      int        `json:"bugs"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskPatch is a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Name     *string     `json:"name,omitempty"`
	Module   *string     `json:"module,omitempty"`
	DueDate  *string     `json:"due_date,omitempty"`
	Velocity *int        `json:"velocity,omitempty"`
	Bugs     *int        `json:"bugs,omitempty"`
	Status   *TaskStatus `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Name == nil && p.Module == nil && p.DueDate == nil &&
		p.Velocity == nil && p.Bugs == nil && p.Status == nil
}
