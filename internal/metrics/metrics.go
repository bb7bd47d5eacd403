// Package metrics computes sprint health numbers from the task list.
// Scores are derived from velocity, open bug counts and due-date pressure;
// done tasks carry no risk.
package metrics

import (
	"math"
	"time"

	"github.com/ldi/sprintdeck/pkg/models"
)

// HighRiskThreshold is the raw score above which a task is flagged.
const HighRiskThreshold = 10

// TaskRisk is the per-task output of the engine.
type TaskRisk struct {
	Task        *models.Task `json:"task"`
	Score       float64      `json:"score"`
	Badge       int          `json:"badge"`
	HighRisk    bool         `json:"high_risk"`
	OverdueDays int          `json:"overdue_days"`
	DelayDays   float64      `json:"delay_days"`
}

// Summary is the aggregate sprint view.
type Summary struct {
	TotalTasks         int        `json:"total_tasks"`
	TodoTasks          int        `json:"todo_tasks"`
	InProgressTasks    int        `json:"in_progress_tasks"`
	CompletedTasks     int        `json:"completed_tasks"`
	TotalVelocity      int        `json:"total_velocity"`
	CompletedVelocity  int        `json:"completed_velocity"`
	VelocityPercentage int        `json:"velocity_percentage"`
	PredictedDelayDays int        `json:"predicted_delay_days"`
	AverageRisk        int        `json:"average_risk"`
	HighRiskCount      int        `json:"high_risk_count"`
	Risks              []TaskRisk `json:"risks"`
}

// parseDue returns the due date truncated to a whole UTC day, or false when
// the date is unset or unparseable.
func parseDue(dueDate string) (time.Time, bool) {
	if dueDate == "" {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(time.DateOnly, dueDate, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// OverdueDays returns how many whole days past due a task is at the given
// time. Tasks without a due date, or not yet due, report zero.
func OverdueDays(dueDate string, now time.Time) int {
	due, ok := parseDue(dueDate)
	if !ok {
		return 0
	}
	days := int(truncateDay(now).Sub(due).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// DaysLeft returns the whole days remaining until the due date. Overdue
// tasks report negative values; tasks without a due date report zero.
func DaysLeft(dueDate string, now time.Time) int {
	due, ok := parseDue(dueDate)
	if !ok {
		return 0
	}
	return int(math.Ceil(due.Sub(truncateDay(now)).Hours() / 24))
}

// RiskScore weighs remaining size, open bugs and schedule slip into one
// number. Done tasks score zero.
func RiskScore(t *models.Task, now time.Time) float64 {
	if t.Status == models.TaskStatusDone {
		return 0
	}
	return float64(t.Velocity)*0.4 +
		float64(t.Bugs)*2 +
		float64(OverdueDays(t.DueDate, now))*3
}

// DelayDays estimates how many days a task will land past its due date.
// Velocity stands in for remaining work; tasks without a due date count as
// having zero days left.
func DelayDays(t *models.Task, now time.Time) float64 {
	if t.Status == models.TaskStatusDone {
		return 0
	}
	delay := float64(t.Velocity) + float64(t.Bugs)*0.5 - float64(DaysLeft(t.DueDate, now))
	if delay < 0 {
		return 0
	}
	return delay
}

// BadgeScore maps a task's story points onto the coarser 0-100 badge
// scale. This is a separate scale from RiskScore, not a rescaling of it.
func BadgeScore(points float64) int {
	badge := int(points * 10)
	if badge > 100 {
		return 100
	}
	if badge < 0 {
		return 0
	}
	return badge
}

// Compute runs the engine over a task list at the given time.
func Compute(tasks []*models.Task, now time.Time) *Summary {
	s := &Summary{TotalTasks: len(tasks)}

	var delaySum float64
	var badgeSum int

	for _, t := range tasks {
		s.TotalVelocity += t.Velocity
		badgeSum += BadgeScore(float64(t.Velocity))
		if t.Status == models.TaskStatusDone {
			s.CompletedTasks++
			s.CompletedVelocity += t.Velocity
			continue
		}
		if t.Status == models.TaskStatusInProgress {
			s.InProgressTasks++
		} else {
			s.TodoTasks++
		}

		score := RiskScore(t, now)
		risk := TaskRisk{
			Task:        t,
			Score:       score,
			Badge:       BadgeScore(float64(t.Velocity)),
			HighRisk:    score > HighRiskThreshold,
			OverdueDays: OverdueDays(t.DueDate, now),
			DelayDays:   DelayDays(t, now),
		}
		if risk.HighRisk {
			s.HighRiskCount++
		}
		delaySum += risk.DelayDays
		s.Risks = append(s.Risks, risk)
	}

	if s.TotalVelocity > 0 {
		s.VelocityPercentage = s.CompletedVelocity * 100 / s.TotalVelocity
	}
	s.PredictedDelayDays = int(math.Round(delaySum))
	// The badge average covers every task, done included.
	if s.TotalTasks > 0 {
		s.AverageRisk = badgeSum / s.TotalTasks
	}

	return s
}
