package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ldi/sprintdeck/embed/prompts"
	"github.com/ldi/sprintdeck/internal/metrics"
	"github.com/ldi/sprintdeck/pkg/models"
)

// AnalysisSummary is the headline block of an analysis result.
type AnalysisSummary struct {
	TotalTasks     int `json:"totalTasks"`
	CompletedTasks int `json:"completedTasks"`
	NewTasks       int `json:"newTasks"`
	OverallRisk    int `json:"overallRisk"`
	PredictedDelay int `json:"predictedDelay"`
	Confidence     int `json:"confidence"`
}

// TaskPrediction is the per-task forecast block.
type TaskPrediction struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Module            string   `json:"module"`
	PlannedVelocity   int      `json:"plannedVelocity"`
	PredictedVelocity int      `json:"predictedVelocity"`
	PredictedDays     int      `json:"predictedDays"`
	RiskLevel         string   `json:"riskLevel"`
	RiskScore         int      `json:"riskScore"`
	Bugs              int      `json:"bugs"`
	PredictedBugs     int      `json:"predictedBugs"`
	Reasoning         string   `json:"reasoning"`
	Recommendations   []string `json:"recommendations"`
}

type AnalysisSection struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Insights    []string `json:"insights"`
}

type PredictionSection struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Tasks       []TaskPrediction `json:"tasks"`
}

type Suggestion struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Action      string `json:"action"`
}

// AnalysisResult is the full structured response of a sprint analysis.
type AnalysisResult struct {
	Summary                AnalysisSummary   `json:"summary"`
	CompletedTasksAnalysis AnalysisSection   `json:"completedTasksAnalysis"`
	NewTasksPredictions    PredictionSection `json:"newTasksPredictions"`
	Suggestions            []Suggestion      `json:"suggestions"`
	ExecutiveSummary       string            `json:"executiveSummary"`
}

// BuildAnalysisPrompt assembles the sprint analysis prompt from the static
// header and footer plus the live task data and engine numbers.
func BuildAnalysisPrompt(tasks []*models.Task, summary *metrics.Summary) (string, error) {
	var completed, active []*models.Task
	for _, t := range tasks {
		if t.Status == models.TaskStatusDone {
			completed = append(completed, t)
		} else {
			active = append(active, t)
		}
	}

	completedJSON, err := json.MarshalIndent(completed, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode completed tasks: %w", err)
	}
	activeJSON, err := json.MarshalIndent(active, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode active tasks: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(prompts.AnalysisHeader)
	sb.WriteString("\n## SPRINT DATA\n\n")
	fmt.Fprintf(&sb, "Total tasks: %d, completed: %d, velocity progress: %d%%.\n",
		summary.TotalTasks, summary.CompletedTasks, summary.VelocityPercentage)
	fmt.Fprintf(&sb, "Engine baseline: average risk %d/100, %d high-risk tasks, predicted delay %d days.\n\n",
		summary.AverageRisk, summary.HighRiskCount, summary.PredictedDelayDays)
	sb.WriteString("### COMPLETED TASKS\n")
	sb.Write(completedJSON)
	sb.WriteString("\n\n### CURRENT TASKS (incomplete)\n")
	sb.Write(activeJSON)
	sb.WriteString("\n\n")
	sb.WriteString(prompts.AnalysisFooter)

	return sb.String(), nil
}

// Analyze runs a sprint analysis over the task list and returns the parsed
// result together with the raw JSON as returned by the model.
func Analyze(ctx context.Context, client *Client, tasks []*models.Task, summary *metrics.Summary) (*AnalysisResult, json.RawMessage, error) {
	prompt, err := BuildAnalysisPrompt(tasks, summary)
	if err != nil {
		return nil, nil, err
	}

	text, err := client.Complete(ctx, "", prompt)
	if err != nil {
		return nil, nil, err
	}

	return ParseAnalysis(text)
}

// ParseAnalysis decodes a model response into an AnalysisResult.
func ParseAnalysis(text string) (*AnalysisResult, json.RawMessage, error) {
	payload := ExtractJSON(text)
	if payload == "" {
		return nil, nil, fmt.Errorf("analysis response contained no JSON object")
	}

	var result AnalysisResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, nil, fmt.Errorf("failed to decode analysis: %w", err)
	}

	if result.Summary.OverallRisk < 0 {
		result.Summary.OverallRisk = 0
	}
	if result.Summary.OverallRisk > 100 {
		result.Summary.OverallRisk = 100
	}

	return &result, json.RawMessage(payload), nil
}

// GenerateInsights produces quality insights from arbitrary project data
// using the insights system prompt. The result is returned as raw JSON.
func GenerateInsights(ctx context.Context, client *Client, data any) (json.RawMessage, error) {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode insight data: %w", err)
	}

	text, err := client.Complete(ctx, prompts.Insights, string(payload))
	if err != nil {
		return nil, err
	}

	extracted := ExtractJSON(text)
	if extracted == "" {
		return nil, fmt.Errorf("insights response contained no JSON object")
	}
	if !json.Valid([]byte(extracted)) {
		return nil, fmt.Errorf("insights response was not valid JSON")
	}

	return json.RawMessage(extracted), nil
}
