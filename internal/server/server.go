// Package server exposes the dashboard API over HTTP. Handlers are thin:
// parsing and status codes live here, behavior lives in the db, metrics,
// importer and ai packages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/sprintdeck/internal/ai"
	"github.com/ldi/sprintdeck/internal/db"
	"github.com/ldi/sprintdeck/internal/importer"
	"github.com/ldi/sprintdeck/internal/metrics"
	"github.com/ldi/sprintdeck/internal/runs"
	"github.com/ldi/sprintdeck/internal/testgen"
	"github.com/ldi/sprintdeck/pkg/models"
)

// DefaultProject is used when a request does not name a project.
const DefaultProject = "default"

const maxUploadSize = 10 << 20

type Server struct {
	db      *db.DB
	ai      *ai.Client
	testgen *testgen.Client
	poller  *runs.Poller
	server  *http.Server
}

// NewServer builds a server. aiClient may be nil, in which case the
// analysis endpoints report the feature as unavailable.
func NewServer(database *db.DB, aiClient *ai.Client) *Server {
	return &Server{db: database, ai: aiClient}
}

// WithTestgen connects the external test-generation backend. Dispatched
// runs are polled in the background and every observation is persisted
// through the history reconciler.
func (s *Server) WithTestgen(client *testgen.Client) *Server {
	s.testgen = client
	s.poller = runs.New(client.RunStatus, 0)
	return s
}

// Handler returns the route table, exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/import/preview", s.handleImportPreview)
	mux.HandleFunc("/api/import/commit", s.handleImportCommit)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/history/runs", s.handleRecordRun)
	mux.HandleFunc("/api/history/", s.handleHistoryByID)
	mux.HandleFunc("/api/analyses", s.handleAnalyses)
	mux.HandleFunc("/api/suites/generate", s.handleSuiteGenerate)
	mux.HandleFunc("/api/suites/", s.handleSuiteByID)

	return mux
}

func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.poller != nil {
		s.poller.StopAll()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func projectID(r *http.Request) string {
	if p := r.URL.Query().Get("project"); p != "" {
		return p
	}
	return DefaultProject
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrNoTask), errors.Is(err, db.ErrNoHistory):
		status = http.StatusNotFound
	case errors.Is(err, db.ErrNoBatch):
		status = http.StatusConflict
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.respond(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var status *models.TaskStatus
		if raw := r.URL.Query().Get("status"); raw != "" {
			st := models.TaskStatus(raw)
			if !st.Valid() {
				s.badRequest(w, fmt.Sprintf("unknown status %q", raw))
				return
			}
			status = &st
		}
		tasks, err := s.db.ListTasks(r.Context(), projectID(r), status)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if tasks == nil {
			tasks = []*models.Task{}
		}
		s.respond(w, http.StatusOK, tasks)

	case http.MethodPost:
		var task models.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			s.badRequest(w, "invalid task payload")
			return
		}
		if strings.TrimSpace(task.Name) == "" {
			s.badRequest(w, "task name is required")
			return
		}
		if task.ProjectID == "" {
			task.ProjectID = projectID(r)
		}
		if err := s.db.CreateTask(r.Context(), &task); err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, task)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.db.GetTask(r.Context(), id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if task == nil {
			s.respond(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		s.respond(w, http.StatusOK, task)

	case http.MethodPut:
		var task models.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			s.badRequest(w, "invalid task payload")
			return
		}
		task.ID = id
		if err := s.db.UpdateTask(r.Context(), &task); err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, task)

	case http.MethodPatch:
		var patch models.TaskPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			s.badRequest(w, "invalid patch payload")
			return
		}
		if patch.Empty() {
			s.badRequest(w, "patch changes nothing")
			return
		}
		task, err := s.db.PatchTask(r.Context(), id, patch)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, task)

	case http.MethodDelete:
		if err := s.db.DeleteTask(r.Context(), id); err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusNoContent, nil)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := s.db.ListTasks(r.Context(), projectID(r), nil)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, metrics.Compute(tasks, time.Now()))
}

type previewResponse struct {
	SessionID string         `json:"session_id"`
	Source    string         `json:"source"`
	Tasks     []*models.Task `json:"tasks"`
}

// handleImportPreview parses an upload into staged tasks without writing
// anything. Multipart requests carry a "file" part (csv or xlsx by
// extension); form or JSON requests carry pasted "text" plus an optional
// "delimiter".
func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	project := projectID(r)
	var tasks []*models.Task
	var source string

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			s.badRequest(w, "invalid multipart upload")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			s.badRequest(w, "missing file part")
			return
		}
		defer file.Close()
		source = header.Filename

		switch strings.ToLower(path.Ext(header.Filename)) {
		case ".csv":
			tasks, err = importer.ParseCSV(file)
		case ".xlsx":
			tasks, err = importer.ParseWorkbook(file)
		default:
			s.badRequest(w, fmt.Sprintf("unsupported file type %q", path.Ext(header.Filename)))
			return
		}
		if err != nil {
			s.badRequest(w, err.Error())
			return
		}

	default:
		var req struct {
			Text      string `json:"text"`
			Delimiter string `json:"delimiter"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, "invalid preview payload")
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			s.badRequest(w, "text is required")
			return
		}
		source = "pasted text"
		tasks = importer.ParseDelimited(req.Text, req.Delimiter)
	}

	if len(tasks) == 0 {
		s.badRequest(w, "no tasks found in upload")
		return
	}
	for _, t := range tasks {
		t.ProjectID = project
	}

	sessionID := uuid.NewString()
	s.db.Staging.Stage(sessionID, &db.StagedImport{
		ProjectID: project,
		Source:    source,
		Tasks:     tasks,
	})

	s.respond(w, http.StatusOK, previewResponse{SessionID: sessionID, Source: source, Tasks: tasks})
}

func (s *Server) handleImportCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.badRequest(w, "session_id is required")
		return
	}

	n, err := s.db.CommitBatch(r.Context(), req.SessionID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.db.ListSuiteHistory(r.Context(), projectID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		if list == nil {
			list = []*models.SuiteHistory{}
		}
		s.respond(w, http.StatusOK, list)

	case http.MethodPost:
		var h models.SuiteHistory
		if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
			s.badRequest(w, "invalid history payload")
			return
		}
		if h.ProjectID == "" {
			h.ProjectID = projectID(r)
		}
		if err := s.db.CreateSuiteHistory(r.Context(), &h); err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, h)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type recordRunRequest struct {
	HistoryID string            `json:"history_id"`
	SuiteID   string            `json:"suite_id"`
	Run       models.RunPayload `json:"run"`
}

func (s *Server) handleRecordRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req recordRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid run payload")
		return
	}
	if req.HistoryID == "" && req.SuiteID == "" {
		s.badRequest(w, "history_id or suite_id is required")
		return
	}
	if req.Run.Status == "" {
		s.badRequest(w, "run status is required")
		return
	}

	history, runKey, err := s.db.SaveRunSnapshot(r.Context(), projectID(r), req.HistoryID, req.SuiteID, req.Run)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.watchRun(projectID(r), req.HistoryID, req.SuiteID, &req.Run)
	s.respond(w, http.StatusOK, map[string]any{"run_key": runKey, "history": history})
}

// watchRun keeps polling a dispatched run and records every observation
// until the run reaches a terminal state. No-op when no backend is
// configured or the run is already terminal.
func (s *Server) watchRun(project, historyID, suiteID string, payload *models.RunPayload) {
	if s.poller == nil || payload == nil || payload.RunID == "" || payload.Terminal() {
		return
	}
	s.poller.Watch(context.Background(), payload.RunID, func(p *models.RunPayload, err error) {
		if err != nil {
			log.Printf("run %s: poll failed: %v", payload.RunID, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, _, err := s.db.SaveRunSnapshot(ctx, project, historyID, suiteID, *p); err != nil {
			log.Printf("run %s: failed to record update: %v", p.RunID, err)
		}
	})
}

// handleHistoryByID serves /api/history/{id}, /api/history/{id}/runs and
// /api/history/{id}/runs/{key}/snapshots.
func (s *Server) handleHistoryByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/history/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			h, err := s.db.GetSuiteHistory(r.Context(), id)
			if err != nil {
				s.respondError(w, err)
				return
			}
			if h == nil {
				s.respond(w, http.StatusNotFound, map[string]string{"error": "suite history not found"})
				return
			}
			s.respond(w, http.StatusOK, h)

		case http.MethodDelete:
			if err := s.db.DeleteSuiteHistory(r.Context(), id); err != nil {
				s.respondError(w, err)
				return
			}
			s.respond(w, http.StatusNoContent, nil)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	case len(parts) == 2 && parts[1] == "runs":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runsList, err := s.db.ListRuns(r.Context(), id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if runsList == nil {
			runsList = []*models.Run{}
		}
		s.respond(w, http.StatusOK, runsList)

	case len(parts) == 4 && parts[1] == "runs" && parts[3] == "snapshots":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snapshots, err := s.db.ListRunSnapshots(r.Context(), id, parts[2])
		if err != nil {
			s.respondError(w, err)
			return
		}
		if snapshots == nil {
			snapshots = []*models.RunSnapshot{}
		}
		s.respond(w, http.StatusOK, snapshots)

	default:
		http.NotFound(w, r)
	}
}

// handleSuiteGenerate proxies suite generation to the backend and records
// the result as a new suite history entry.
func (s *Server) handleSuiteGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.testgen == nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"error": "test generation backend is not configured"})
		return
	}

	var req testgen.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid generate payload")
		return
	}
	if strings.TrimSpace(req.UserStory) == "" {
		s.badRequest(w, "user_story is required")
		return
	}

	suite, err := s.testgen.Generate(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}

	history := &models.SuiteHistory{
		ProjectID:  projectID(r),
		SuiteID:    suite.ID,
		UserStory:  suite.UserStory,
		Component:  suite.Component,
		Priority:   suite.Priority,
		Format:     suite.Format,
		TotalCases: suite.TotalCases,
		SuiteData:  suite.Cases,
	}
	if err := s.db.CreateSuiteHistory(r.Context(), history); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"suite": suite, "history": history})
}

// handleSuiteByID serves /api/suites/{id}/run and /api/suites/{id}/export,
// both proxied to the backend.
func (s *Server) handleSuiteByID(w http.ResponseWriter, r *http.Request) {
	if s.testgen == nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"error": "test generation backend is not configured"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/suites/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	suiteID := parts[0]

	switch parts[1] {
	case "run":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			HistoryID string `json:"history_id"`
			Repo      string `json:"repo"`
			FilePath  string `json:"file_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, "invalid run payload")
			return
		}

		payload, err := s.testgen.RunSuite(r.Context(), suiteID, testgen.RunRequest{Repo: req.Repo, FilePath: req.FilePath})
		if err != nil {
			s.respondError(w, err)
			return
		}

		project := projectID(r)
		history, runKey, err := s.db.SaveRunSnapshot(r.Context(), project, req.HistoryID, suiteID, *payload)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.watchRun(project, req.HistoryID, suiteID, payload)
		s.respond(w, http.StatusOK, map[string]any{"run_key": runKey, "run": payload, "history": history})

	case "export":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, contentType, err := s.testgen.ExportSuite(r.Context(), suiteID, r.URL.Query().Get("format"))
		if err != nil {
			s.respondError(w, err)
			return
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write(data)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.db.ListAnalyses(r.Context(), projectID(r), 0)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if list == nil {
			list = []*models.Analysis{}
		}
		s.respond(w, http.StatusOK, list)

	case http.MethodPost:
		if s.ai == nil {
			s.respond(w, http.StatusServiceUnavailable, map[string]string{"error": "ai analysis is not configured"})
			return
		}

		project := projectID(r)
		tasks, err := s.db.ListTasks(r.Context(), project, nil)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if len(tasks) == 0 {
			s.badRequest(w, "no tasks to analyze")
			return
		}

		summary := metrics.Compute(tasks, time.Now())
		result, raw, err := ai.Analyze(r.Context(), s.ai, tasks, summary)
		if err != nil {
			s.respondError(w, err)
			return
		}

		record := &models.Analysis{
			ProjectID:   project,
			OverallRisk: result.Summary.OverallRisk,
			TaskCount:   len(tasks),
			Result:      raw,
		}
		if err := s.db.SaveAnalysis(r.Context(), record); err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, record)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
