package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ldi/sprintdeck/internal/db"
	"github.com/ldi/sprintdeck/internal/importer"
	"github.com/ldi/sprintdeck/internal/metrics"
	"github.com/ldi/sprintdeck/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const defaultProject = "default"

// NewServer creates a new MCP server.
func NewServer(database *db.DB) *server.MCPServer {
	s := server.NewMCPServer("Sprintdeck", "0.1.0")

	// Task Management
	s.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a sprint task."),
		mcp.WithString("name", mcp.Description("Task name"), mcp.Required()),
		mcp.WithString("module", mcp.Description("Module the task belongs to")),
		mcp.WithString("due_date", mcp.Description("Due date (YYYY-MM-DD)")),
		mcp.WithNumber("velocity", mcp.Description("Story point estimate")),
		mcp.WithNumber("bugs", mcp.Description("Open bug count")),
		mcp.WithString("status", mcp.Description("Status (todo|in-progress|done)")),
		mcp.WithString("project", mcp.Description("Project ID (defaults to 'default')")),
	), createTaskHandler(database))

	s.AddTool(mcp.NewTool("update_task",
		mcp.WithDescription("Update fields of an existing task. Omitted fields are left unchanged."),
		mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("module", mcp.Description("New module")),
		mcp.WithString("due_date", mcp.Description("New due date (YYYY-MM-DD, empty to clear)")),
		mcp.WithNumber("velocity", mcp.Description("New story point estimate")),
		mcp.WithNumber("bugs", mcp.Description("New bug count")),
		mcp.WithString("status", mcp.Description("New status (todo|in-progress|done)")),
	), updateTaskHandler(database))

	s.AddTool(mcp.NewTool("update_task_status",
		mcp.WithDescription("Move a task to a new status."),
		mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithString("status", mcp.Description("New status (todo|in-progress|done)"), mcp.Required()),
	), updateTaskStatusHandler(database))

	s.AddTool(mcp.NewTool("delete_task",
		mcp.WithDescription("Delete a task."),
		mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
	), deleteTaskHandler(database))

	s.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a single task by ID."),
		mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
	), getTaskHandler(database))

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List a project's tasks with an optional status filter."),
		mcp.WithString("status", mcp.Description("Filter by status (todo|in-progress|done)")),
		mcp.WithString("project", mcp.Description("Project ID (defaults to 'default')")),
	), listTasksHandler(database))

	// Sprint Metrics
	s.AddTool(mcp.NewTool("sprint_metrics",
		mcp.WithDescription("Compute sprint health: velocity progress, per-task risk scores and predicted delay."),
		mcp.WithString("project", mcp.Description("Project ID (defaults to 'default')")),
	), sprintMetricsHandler(database))

	// Import
	s.AddTool(mcp.NewTool("import_tasks",
		mcp.WithDescription("Stage tasks from delimited text (one task per line: name, module, due date, velocity, bugs, status). Staged tasks must be committed to take effect."),
		mcp.WithString("text", mcp.Description("Delimited task lines"), mcp.Required()),
		mcp.WithString("delimiter", mcp.Description("Field delimiter (defaults to ',')")),
		mcp.WithString("project", mcp.Description("Project ID (defaults to 'default')")),
		mcp.WithString("session_id", mcp.Description("Session ID for staging (defaults to 'default').")),
	), importTasksHandler(database))

	s.AddTool(mcp.NewTool("list_staged_tasks",
		mcp.WithDescription("List staged import tasks for a session. Use this to review a batch before committing."),
		mcp.WithString("session_id", mcp.Description("Session ID (defaults to 'default').")),
	), listStagedTasksHandler(database))

	s.AddTool(mcp.NewTool("commit_import",
		mcp.WithDescription("Commit a staged import batch. All staged tasks are written in one transaction."),
		mcp.WithString("session_id", mcp.Description("Session ID (defaults to 'default').")),
	), commitImportHandler(database))

	// Test Suite History
	s.AddTool(mcp.NewTool("list_suite_history",
		mcp.WithDescription("List a project's test suite history records, most recently updated first."),
		mcp.WithString("project", mcp.Description("Project ID (defaults to 'default')")),
	), listSuiteHistoryHandler(database))

	s.AddTool(mcp.NewTool("record_run",
		mcp.WithDescription("Record an observed run state against a suite history record. Repeated states for the same run id merge; every state is kept in the audit trail."),
		mcp.WithString("history_id", mcp.Description("History record ID (preferred)")),
		mcp.WithString("suite_id", mcp.Description("External suite ID (fallback; the most recently updated match wins)")),
		mcp.WithString("run_id", mcp.Description("External run identifier")),
		mcp.WithString("status", mcp.Description("Run status (e.g. queued|in_progress|completed|error)"), mcp.Required()),
		mcp.WithString("conclusion", mcp.Description("Run conclusion for terminal states")),
		mcp.WithString("message", mcp.Description("Human-readable status message")),
		mcp.WithString("project", mcp.Description("Project ID (defaults to 'default')")),
	), recordRunHandler(database))

	s.AddTool(mcp.NewTool("delete_suite_history",
		mcp.WithDescription("Delete a suite history record together with its runs and audit snapshots."),
		mcp.WithString("id", mcp.Description("History record ID"), mcp.Required()),
	), deleteSuiteHistoryHandler(database))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func createTaskHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t := &models.Task{
			ProjectID: mcp.ParseString(request, "project", defaultProject),
			Name:      mcp.ParseString(request, "name", ""),
			Module:    mcp.ParseString(request, "module", ""),
			DueDate:   importer.NormalizeDate(mcp.ParseString(request, "due_date", "")),
			Velocity:  mcp.ParseInt(request, "velocity", 0),
			Bugs:      mcp.ParseInt(request, "bugs", 0),
			Status:    models.TaskStatus(mcp.ParseString(request, "status", string(models.TaskStatusTodo))),
		}
		if t.Name == "" {
			return mcp.NewToolResultError("task name is required"), nil
		}

		if err := database.CreateTask(ctx, t); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(t)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func updateTaskHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")

		var patch models.TaskPatch
		args, _ := request.Params.Arguments.(map[string]any)
		if name, ok := args["name"].(string); ok {
			patch.Name = &name
		}
		if module, ok := args["module"].(string); ok {
			patch.Module = &module
		}
		if due, ok := args["due_date"].(string); ok {
			normalized := importer.NormalizeDate(due)
			patch.DueDate = &normalized
		}
		if velocity, ok := args["velocity"].(float64); ok {
			v := int(velocity)
			patch.Velocity = &v
		}
		if bugs, ok := args["bugs"].(float64); ok {
			b := int(bugs)
			patch.Bugs = &b
		}
		if status, ok := args["status"].(string); ok {
			st := models.TaskStatus(status)
			patch.Status = &st
		}

		if patch.Empty() {
			return mcp.NewToolResultError("nothing to update"), nil
		}

		t, err := database.PatchTask(ctx, id, patch)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(t)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func updateTaskStatusHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")
		status := mcp.ParseString(request, "status", "")

		if err := database.UpdateTaskStatus(ctx, id, models.TaskStatus(status)); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Task status updated successfully"), nil
	}
}

func deleteTaskHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")

		if err := database.DeleteTask(ctx, id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Task deleted successfully"), nil
	}
}

func getTaskHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")

		t, err := database.GetTask(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if t == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Task with id '%s' not found", id)), nil
		}

		data, err := json.Marshal(t)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func listTasksHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project := mcp.ParseString(request, "project", defaultProject)

		var status *models.TaskStatus
		args, _ := request.Params.Arguments.(map[string]any)
		if s, ok := args["status"].(string); ok && s != "" {
			ts := models.TaskStatus(s)
			if !ts.Valid() {
				return mcp.NewToolResultError(fmt.Sprintf("unknown status '%s'", s)), nil
			}
			status = &ts
		}

		tasks, err := database.ListTasks(ctx, project, status)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(map[string]any{"tasks": tasks})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func sprintMetricsHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project := mcp.ParseString(request, "project", defaultProject)

		tasks, err := database.ListTasks(ctx, project, nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(metrics.Compute(tasks, time.Now()))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func importTasksHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text := mcp.ParseString(request, "text", "")
		delimiter := mcp.ParseString(request, "delimiter", ",")
		project := mcp.ParseString(request, "project", defaultProject)
		sessionID := mcp.ParseString(request, "session_id", "default")

		tasks := importer.ParseDelimited(text, delimiter)
		if len(tasks) == 0 {
			return mcp.NewToolResultError("no tasks found in text"), nil
		}
		for _, t := range tasks {
			t.ProjectID = project
		}

		database.Staging.Stage(sessionID, &db.StagedImport{
			ProjectID: project,
			Source:    "mcp text import",
			Tasks:     tasks,
		})
		return mcp.NewToolResultText(fmt.Sprintf("%d tasks staged for session '%s'. Call 'commit_import' to apply.", len(tasks), sessionID)), nil
	}
}

func listStagedTasksHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", "default")

		batch := database.Staging.Peek(sessionID)
		if batch == nil {
			return mcp.NewToolResultText(`{"tasks":[]}`), nil
		}

		data, err := json.Marshal(map[string]any{"source": batch.Source, "tasks": batch.Tasks})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func commitImportHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", "default")

		n, err := database.CommitBatch(ctx, sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%d imported tasks committed for session '%s'", n, sessionID)), nil
	}
}

func listSuiteHistoryHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project := mcp.ParseString(request, "project", defaultProject)

		history, err := database.ListSuiteHistory(ctx, project)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(map[string]any{"history": history})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func recordRunHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		historyID := mcp.ParseString(request, "history_id", "")
		suiteID := mcp.ParseString(request, "suite_id", "")
		project := mcp.ParseString(request, "project", defaultProject)

		if historyID == "" && suiteID == "" {
			return mcp.NewToolResultError("history_id or suite_id is required"), nil
		}

		payload := models.RunPayload{
			RunID:      mcp.ParseString(request, "run_id", ""),
			Status:     mcp.ParseString(request, "status", ""),
			Conclusion: mcp.ParseString(request, "conclusion", ""),
			Message:    mcp.ParseString(request, "message", ""),
		}

		history, runKey, err := database.SaveRunSnapshot(ctx, project, historyID, suiteID, payload)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(map[string]any{"run_key": runKey, "history": history})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func deleteSuiteHistoryHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")

		if err := database.DeleteSuiteHistory(ctx, id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Suite history deleted successfully"), nil
	}
}
