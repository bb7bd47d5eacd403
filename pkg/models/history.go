package models

import (
	"encoding/json"
	"time"
)

// SuiteHistory is the persisted record of one generated test suite. The
// suite summary fields are denormalized at creation time and never re-derived
// from the generation backend afterwards.
type SuiteHistory struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	OwnerID    *string         `json:"owner_id"`
	SuiteID    string          `json:"suite_id"`
	UserStory  string          `json:"user_story"`
	Component  string          `json:"component"`
	Priority   string          `json:"priority"`
	Format     string          `json:"format"`
	TotalCases int             `json:"total_cases"`
	RunCount   int             `json:"run_count"`
	LastRun    *RunSummary     `json:"last_run"`
	SuiteData  json.RawMessage `json:"suite_data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RunSummary is the denormalized view of one execution attempt, stored both
// as the mutable run sub-record and as the parent's last_run copy.
type RunSummary struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
	Message    string `json:"message,omitempty"`
	Logs       string `json:"logs,omitempty"`
	HTMLURL    string `json:"html_url,omitempty"`
	Repo       string `json:"repo,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// Run is the mutable sub-record for one run identifier under a history
// record. Repeated status updates for the same identifier merge into the
// same row; Key is derived from the external run id when present.
type Run struct {
	HistoryID string          `json:"history_id"`
	Key       string          `json:"key"`
	Summary   RunSummary      `json:"summary"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunSnapshot is an immutable audit entry appended on every observed run
// state, even when the run sub-record itself is merely updated.
type RunSnapshot struct {
	ID         string          `json:"id"`
	HistoryID  string          `json:"history_id"`
	RunKey     string          `json:"run_key"`
	Status     string          `json:"status"`
	Conclusion string          `json:"conclusion,omitempty"`
	Message    string          `json:"message,omitempty"`
	Logs       string          `json:"logs,omitempty"`
	HTMLURL    string          `json:"html_url,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// RunPayload is the shape reported by the test-generation backend for a
// dispatched run.
type RunPayload struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
	Message    string `json:"message,omitempty"`
	Logs       string `json:"logs,omitempty"`
	HTMLURL    string `json:"html_url,omitempty"`
	Repo       string `json:"repo,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

// Terminal reports whether the run has reached a final state and polling
// for it should stop.
func (p RunPayload) Terminal() bool {
	return p.Status == "completed" || p.Status == "error"
}
