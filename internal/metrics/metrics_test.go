package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/ldi/sprintdeck/pkg/models"
)

var now = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

func TestRiskScoreWeights(t *testing.T) {
	// velocity 13 -> 5.2, bugs 2 -> 4.0, 2 days overdue -> 6.0
	task := &models.Task{
		Name:     "overdue heavyweight",
		Velocity: 13,
		Bugs:     2,
		DueDate:  "2026-03-08",
		Status:   models.TaskStatusInProgress,
	}

	got := RiskScore(task, now)
	if math.Abs(got-15.2) > 1e-9 {
		t.Errorf("Expected risk score 15.2, got %v", got)
	}
	if got <= HighRiskThreshold {
		t.Errorf("Expected score above the high-risk threshold")
	}
}

func TestRiskScoreDoneTaskIsZero(t *testing.T) {
	task := &models.Task{Velocity: 21, Bugs: 9, DueDate: "2026-01-01", Status: models.TaskStatusDone}
	if got := RiskScore(task, now); got != 0 {
		t.Errorf("Expected done task to score 0, got %v", got)
	}
}

func TestRiskScoreNoDueDate(t *testing.T) {
	task := &models.Task{Velocity: 5, Bugs: 1, Status: models.TaskStatusTodo}
	// 5*0.4 + 1*2, no overdue component
	if got := RiskScore(task, now); math.Abs(got-4.0) > 1e-9 {
		t.Errorf("Expected risk score 4.0, got %v", got)
	}
}

func TestOverdueDays(t *testing.T) {
	cases := []struct {
		due  string
		want int
	}{
		{"2026-03-08", 2},
		{"2026-03-10", 0},  // due today
		{"2026-03-14", 0},  // future
		{"", 0},            // unset
		{"not-a-date", 0},  // unparseable
		{"2026-02-28", 10}, // well past
	}
	for _, tc := range cases {
		if got := OverdueDays(tc.due, now); got != tc.want {
			t.Errorf("OverdueDays(%q) = %d, want %d", tc.due, got, tc.want)
		}
	}
}

func TestDaysLeft(t *testing.T) {
	if got := DaysLeft("2026-03-13", now); got != 3 {
		t.Errorf("Expected 3 days left, got %d", got)
	}
	if got := DaysLeft("2026-03-08", now); got != -2 {
		t.Errorf("Expected -2 days left for overdue, got %d", got)
	}
	if got := DaysLeft("", now); got != 0 {
		t.Errorf("Expected 0 for unset due date, got %d", got)
	}
}

func TestDelayDays(t *testing.T) {
	// velocity 8 + bugs 4*0.5 = 10 effort, 1 day left -> 9 days late
	task := &models.Task{Velocity: 8, Bugs: 4, DueDate: "2026-03-11", Status: models.TaskStatusTodo}
	if got := DelayDays(task, now); math.Abs(got-9.0) > 1e-9 {
		t.Errorf("Expected delay 9, got %v", got)
	}

	// Plenty of runway clamps to zero
	roomy := &models.Task{Velocity: 2, Bugs: 0, DueDate: "2026-04-01", Status: models.TaskStatusTodo}
	if got := DelayDays(roomy, now); got != 0 {
		t.Errorf("Expected no delay with slack, got %v", got)
	}

	// No due date counts as zero days left, so remaining work is all delay
	undated := &models.Task{Velocity: 20, Bugs: 5, Status: models.TaskStatusTodo}
	if got := DelayDays(undated, now); math.Abs(got-22.5) > 1e-9 {
		t.Errorf("Expected delay 22.5 without due date, got %v", got)
	}

	done := &models.Task{Velocity: 20, Bugs: 5, DueDate: "2026-01-01", Status: models.TaskStatusDone}
	if got := DelayDays(done, now); got != 0 {
		t.Errorf("Expected 0 delay for done task, got %v", got)
	}
}

func TestBadgeScore(t *testing.T) {
	cases := []struct {
		points float64
		want   int
	}{
		{0, 0},
		{4.0, 40},
		{9.99, 99},
		{10, 100},
		{15.2, 100}, // clamped
		{-1, 0},
	}
	for _, tc := range cases {
		if got := BadgeScore(tc.points); got != tc.want {
			t.Errorf("BadgeScore(%v) = %d, want %d", tc.points, got, tc.want)
		}
	}
}

func TestComputeSummary(t *testing.T) {
	tasks := []*models.Task{
		{Name: "done 1", Velocity: 5, Status: models.TaskStatusDone},
		{Name: "done 2", Velocity: 8, Bugs: 3, DueDate: "2026-01-01", Status: models.TaskStatusDone},
		{Name: "risky", Velocity: 13, Bugs: 2, DueDate: "2026-03-08", Status: models.TaskStatusInProgress},
		{Name: "calm", Velocity: 3, Bugs: 0, DueDate: "2026-04-01", Status: models.TaskStatusTodo},
	}

	s := Compute(tasks, now)

	if s.TotalTasks != 4 || s.CompletedTasks != 2 {
		t.Errorf("Expected 4 total / 2 completed, got %d/%d", s.TotalTasks, s.CompletedTasks)
	}
	if s.TodoTasks != 1 || s.InProgressTasks != 1 {
		t.Errorf("Expected 1 todo / 1 in-progress, got %d/%d", s.TodoTasks, s.InProgressTasks)
	}
	// completed velocity 13 of 29 total -> floor(44.8)
	if s.VelocityPercentage != 44 {
		t.Errorf("Expected 44%% velocity, got %d", s.VelocityPercentage)
	}
	if len(s.Risks) != 2 {
		t.Fatalf("Expected risks only for active tasks, got %d", len(s.Risks))
	}
	if s.HighRiskCount != 1 {
		t.Errorf("Expected 1 high-risk task, got %d", s.HighRiskCount)
	}

	// badges by points: 50, 80, 100 (clamped), 30 -> floor mean 65
	if s.AverageRisk != 65 {
		t.Errorf("Expected average risk 65, got %d", s.AverageRisk)
	}

	// risky delay: 13 + 1 - (-2) = 16; calm delay: 0 -> rounded sum 16
	if s.PredictedDelayDays != 16 {
		t.Errorf("Expected predicted delay 16, got %d", s.PredictedDelayDays)
	}
}

func TestAverageRiskCountsDoneTasks(t *testing.T) {
	// Both tasks badge 50; finishing one must not drop it from the mean.
	tasks := []*models.Task{
		{Name: "shipped", Velocity: 5, Status: models.TaskStatusDone},
		{Name: "pending", Velocity: 5, Status: models.TaskStatusTodo},
	}
	s := Compute(tasks, now)
	if s.AverageRisk != 50 {
		t.Errorf("Expected average risk 50 over all tasks, got %d", s.AverageRisk)
	}
}

func TestBadgeUsesPointsNotWeightedScore(t *testing.T) {
	// velocity 13, bugs 2, 2 days overdue: weighted score 15.2 but the
	// badge reads the points scale, 13 -> clamped 100 either way, so use a
	// small task where the scales diverge: velocity 5, bugs 3 -> score 11
	// would badge 100 if rescaled, points badge is 50.
	tasks := []*models.Task{
		{Name: "buggy", Velocity: 5, Bugs: 3, Status: models.TaskStatusTodo},
	}
	s := Compute(tasks, now)
	if len(s.Risks) != 1 {
		t.Fatalf("Expected 1 risk entry, got %d", len(s.Risks))
	}
	if s.Risks[0].Badge != 50 {
		t.Errorf("Expected badge 50 from 5 points, got %d", s.Risks[0].Badge)
	}
	if s.AverageRisk != 50 {
		t.Errorf("Expected average risk 50, got %d", s.AverageRisk)
	}
}

func TestComputeEmpty(t *testing.T) {
	s := Compute(nil, now)
	if s.TotalTasks != 0 || s.VelocityPercentage != 0 || s.AverageRisk != 0 || s.PredictedDelayDays != 0 {
		t.Errorf("Expected zeroed summary, got %+v", s)
	}
}

func TestVelocityPercentageFloors(t *testing.T) {
	tasks := []*models.Task{
		{Name: "a", Velocity: 1, Status: models.TaskStatusDone},
		{Name: "b", Velocity: 1, Status: models.TaskStatusTodo},
		{Name: "c", Velocity: 1, Status: models.TaskStatusTodo},
	}
	s := Compute(tasks, now)
	if s.VelocityPercentage != 33 {
		t.Errorf("Expected floor(100/3)=33, got %d", s.VelocityPercentage)
	}
}

func TestVelocityPercentageZeroTotal(t *testing.T) {
	tasks := []*models.Task{
		{Name: "a", Status: models.TaskStatusDone},
		{Name: "b", Status: models.TaskStatusTodo},
	}
	if s := Compute(tasks, now); s.VelocityPercentage != 0 {
		t.Errorf("Expected 0%% with zero total velocity, got %d", s.VelocityPercentage)
	}
}

func TestAllDoneDrivesRiskToZero(t *testing.T) {
	tasks := []*models.Task{
		{Name: "a", Velocity: 8, Bugs: 3, DueDate: "2026-03-01", Status: models.TaskStatusDone},
		{Name: "b", Velocity: 13, Bugs: 5, DueDate: "2026-02-01", Status: models.TaskStatusDone},
	}
	s := Compute(tasks, now)
	if s.PredictedDelayDays != 0 || s.HighRiskCount != 0 || len(s.Risks) != 0 {
		t.Errorf("Expected all-done sprint to carry no risk, got %+v", s)
	}
	if s.VelocityPercentage != 100 {
		t.Errorf("Expected 100%% velocity, got %d", s.VelocityPercentage)
	}
}
