package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ldi/sprintdeck/internal/db"
	"github.com/ldi/sprintdeck/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func TestServerInitialization(t *testing.T) {
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := database.Init(context.Background()); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	s := NewServer(database)
	stdio := server.NewStdioServer(s)

	r, w := io.Pipe()
	stdout := &bytes.Buffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- stdio.Listen(ctx, r, stdout)
	}()

	initReq := mcp.InitializeRequest{}
	initReq.Method = "initialize"
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}

	rawReq := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params":  initReq.Params,
	}

	data, err := json.Marshal(rawReq)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	w.Write(data)
	w.Write([]byte("\n"))

	// Give it a moment to process
	time.Sleep(200 * time.Millisecond)

	if stdout.Len() == 0 {
		t.Fatal("Expected response from server, got none")
	}

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}

	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v\nOutput: %s", err, stdout.String())
	}

	if resp.ID != 1 {
		t.Errorf("Expected id 1, got %v", resp.ID)
	}

	if resp.Result.ServerInfo.Name != "Sprintdeck" {
		t.Errorf("Expected server name Sprintdeck, got %v", resp.Result.ServerInfo.Name)
	}
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()

	tool := s.GetTool(name)
	if tool == nil {
		t.Fatalf("Tool %s not found", name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("Handler %s failed: %v", name, err)
	}
	return result
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatalf("Tool returned no content")
	}
	return result.Content[0].(mcp.TextContent).Text
}

func TestToolHandlers(t *testing.T) {
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	s := NewServer(database)
	var taskID string

	t.Run("create_task", func(t *testing.T) {
		result := callTool(t, s, "create_task", map[string]interface{}{
			"name":     "mcp task",
			"module":   "Auth",
			"due_date": "09/15/2026",
			"velocity": 8.0,
			"bugs":     2.0,
		})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		var created models.Task
		if err := json.Unmarshal([]byte(toolText(t, result)), &created); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if created.ID == "" || created.Status != models.TaskStatusTodo {
			t.Fatalf("Unexpected created task: %+v", created)
		}
		if created.DueDate != "2026-09-15" {
			t.Errorf("Expected due date normalized, got %s", created.DueDate)
		}
		taskID = created.ID
	})

	t.Run("list_tasks", func(t *testing.T) {
		result := callTool(t, s, "list_tasks", map[string]interface{}{})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		var resp struct {
			Tasks []models.Task `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if len(resp.Tasks) != 1 || resp.Tasks[0].Name != "mcp task" {
			t.Errorf("Unexpected tasks: %+v", resp.Tasks)
		}
	})

	t.Run("update_task", func(t *testing.T) {
		result := callTool(t, s, "update_task", map[string]interface{}{
			"id":       taskID,
			"velocity": 13.0,
			"status":   "in-progress",
		})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		task, _ := database.GetTask(ctx, taskID)
		if task.Velocity != 13 || task.Status != models.TaskStatusInProgress {
			t.Errorf("Update not applied: %+v", task)
		}
		if task.Name != "mcp task" {
			t.Errorf("Expected untouched fields to survive, got %+v", task)
		}
	})

	t.Run("update_task_status", func(t *testing.T) {
		result := callTool(t, s, "update_task_status", map[string]interface{}{
			"id":     taskID,
			"status": "done",
		})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		task, _ := database.GetTask(ctx, taskID)
		if task.Status != models.TaskStatusDone {
			t.Errorf("Expected status done, got %s", task.Status)
		}
	})

	t.Run("sprint_metrics", func(t *testing.T) {
		result := callTool(t, s, "sprint_metrics", map[string]interface{}{})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		var summary struct {
			TotalTasks     int `json:"total_tasks"`
			CompletedTasks int `json:"completed_tasks"`
		}
		if err := json.Unmarshal([]byte(toolText(t, result)), &summary); err != nil {
			t.Fatalf("Failed to unmarshal summary: %v", err)
		}
		if summary.TotalTasks != 1 || summary.CompletedTasks != 1 {
			t.Errorf("Unexpected summary: %+v", summary)
		}
	})

	t.Run("delete_task", func(t *testing.T) {
		result := callTool(t, s, "delete_task", map[string]interface{}{"id": taskID})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		task, _ := database.GetTask(ctx, taskID)
		if task != nil {
			t.Fatal("Task still exists after deletion")
		}
	})

	t.Run("import_staging_and_commit", func(t *testing.T) {
		result := callTool(t, s, "import_tasks", map[string]interface{}{
			"text":       "Staged A,Core,2026-09-15,5,0,todo\nStaged B,Billing,,3,1,done",
			"session_id": "import-session",
		})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		// Nothing written before commit
		tasks, _ := database.ListTasks(ctx, "default", nil)
		if len(tasks) != 0 {
			t.Fatalf("Staging must not write tasks, found %d", len(tasks))
		}

		result = callTool(t, s, "list_staged_tasks", map[string]interface{}{"session_id": "import-session"})
		if !strings.Contains(toolText(t, result), "Staged A") {
			t.Errorf("Staged task not listed: %s", toolText(t, result))
		}

		result = callTool(t, s, "commit_import", map[string]interface{}{"session_id": "import-session"})
		if result.IsError {
			t.Fatalf("Commit returned error: %v", result.Content[0])
		}

		tasks, _ = database.ListTasks(ctx, "default", nil)
		if len(tasks) != 2 {
			t.Errorf("Expected 2 tasks after commit, got %d", len(tasks))
		}

		// Second commit of the consumed session errors
		result = callTool(t, s, "commit_import", map[string]interface{}{"session_id": "import-session"})
		if !result.IsError {
			t.Error("Expected error for consumed session")
		}
	})

	t.Run("suite_history_tools", func(t *testing.T) {
		h := &models.SuiteHistory{ProjectID: "default", SuiteID: "suite-7", UserStory: "story", TotalCases: 4}
		if err := database.CreateSuiteHistory(ctx, h); err != nil {
			t.Fatalf("Failed to seed history: %v", err)
		}

		for _, status := range []string{"queued", "completed"} {
			result := callTool(t, s, "record_run", map[string]interface{}{
				"suite_id": "suite-7",
				"run_id":   "r1",
				"status":   status,
			})
			if result.IsError {
				t.Fatalf("record_run(%s) returned error: %v", status, result.Content[0])
			}
		}

		result := callTool(t, s, "list_suite_history", map[string]interface{}{})
		var resp struct {
			History []models.SuiteHistory `json:"history"`
		}
		if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
			t.Fatalf("Failed to unmarshal history: %v", err)
		}
		if len(resp.History) != 1 || resp.History[0].RunCount != 1 {
			t.Errorf("Unexpected history: %+v", resp.History)
		}
		if resp.History[0].LastRun == nil || resp.History[0].LastRun.Status != "completed" {
			t.Errorf("Expected last_run completed, got %+v", resp.History[0].LastRun)
		}

		result = callTool(t, s, "delete_suite_history", map[string]interface{}{"id": h.ID})
		if result.IsError {
			t.Fatalf("delete_suite_history returned error: %v", result.Content[0])
		}
		if fetched, _ := database.GetSuiteHistory(ctx, h.ID); fetched != nil {
			t.Error("History still exists after deletion")
		}
	})

	t.Run("error_handling", func(t *testing.T) {
		result := callTool(t, s, "get_task", map[string]interface{}{"id": "does-not-exist"})
		if !result.IsError {
			t.Error("Expected error for unknown task id")
		}

		result = callTool(t, s, "create_task", map[string]interface{}{"name": ""})
		if !result.IsError {
			t.Error("Expected error for blank task name")
		}

		result = callTool(t, s, "record_run", map[string]interface{}{"status": "queued"})
		if !result.IsError {
			t.Error("Expected error without history_id or suite_id")
		}

		result = callTool(t, s, "record_run", map[string]interface{}{"suite_id": "missing", "status": "queued"})
		if !result.IsError {
			t.Error("Expected error for unknown suite id")
		}
	})
}
