package models

import (
	"encoding/json"
	"time"
)

// Analysis is one persisted AI sprint analysis. Result holds the model's
// full JSON response; OverallRisk and TaskCount are lifted out for listing.
type Analysis struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	OverallRisk int             `json:"overall_risk"`
	TaskCount   int             `json:"task_count"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
}
