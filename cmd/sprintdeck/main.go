package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ldi/sprintdeck/internal/ai"
	"github.com/ldi/sprintdeck/internal/db"
	"github.com/ldi/sprintdeck/internal/importer"
	"github.com/ldi/sprintdeck/internal/mcp"
	"github.com/ldi/sprintdeck/internal/metrics"
	"github.com/ldi/sprintdeck/internal/server"
	"github.com/ldi/sprintdeck/internal/testgen"
	"github.com/ldi/sprintdeck/pkg/models"
)

var (
	dbPath       string
	snapshotPath string
	projectID    string
)

func main() {
	flag.StringVar(&dbPath, "db-path", ".sprintdeck/sprintdeck.db", "Path to database file")
	flag.StringVar(&snapshotPath, "snapshot-path", ".sprintdeck/snapshot.jsonl", "Path to snapshot file")
	flag.StringVar(&projectID, "project", "default", "Project identifier")
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "init":
		err = runInit(args)
	case "serve":
		err = runServe(args)
	case "mcp":
		err = runMCP(args)
	case "import":
		err = runImport(args)
	case "status":
		err = runStatus(args)
	case "list-tasks":
		err = runListTasks(args)
	case "analyze":
		err = runAnalyze(args)
	case "export":
		err = runExport(args)
	case "db":
		err = runDBCommand(args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: sprintdeck [flags] <command> [arguments]")
	fmt.Println("\nCommands:")
	fmt.Println("  init        Create the .sprintdeck directory and initialize the database")
	fmt.Println("  serve       Start the JSON API server")
	fmt.Println("  mcp         Start the MCP server on stdio")
	fmt.Println("  import      Import tasks from a CSV, XLSX, or delimited text file")
	fmt.Println("  status      Show sprint status and metrics")
	fmt.Println("  list-tasks  List tasks")
	fmt.Println("  analyze     Run an AI sprint-risk analysis")
	fmt.Println("  export      Write a JSONL snapshot of the database")
	fmt.Println("  db          Database utilities")
}

func openDatabase(ctx context.Context) (*db.DB, error) {
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := database.Init(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func runInit(args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	deckDir := filepath.Join(targetDir, ".sprintdeck")
	if err := os.MkdirAll(deckDir, 0755); err != nil {
		return fmt.Errorf("failed to create .sprintdeck directory: %w", err)
	}
	fmt.Println("✓ Created .sprintdeck/ directory")

	gitignorePath := filepath.Join(deckDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte("sprintdeck.db*\n"), 0644); err != nil {
		return fmt.Errorf("failed to create .gitignore: %w", err)
	}
	fmt.Println("✓ Created .sprintdeck/.gitignore")

	// Default paths if not overridden by flags
	finalDBPath := dbPath
	if dbPath == ".sprintdeck/sprintdeck.db" {
		finalDBPath = filepath.Join(deckDir, "sprintdeck.db")
	}

	finalSnapshotPath := snapshotPath
	if snapshotPath == ".sprintdeck/snapshot.jsonl" {
		finalSnapshotPath = filepath.Join(deckDir, "snapshot.jsonl")
	}

	database, err := db.Open(finalDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	fmt.Printf("✓ Initialized database at %s\n", finalDBPath)

	// Restore from an existing snapshot if one is present
	if _, err := os.Stat(finalSnapshotPath); err == nil {
		if err := database.ImportSnapshot(ctx, finalSnapshotPath); err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
		fmt.Printf("✓ Imported snapshot from %s\n", finalSnapshotPath)
	}

	fmt.Println("✓ Sprintdeck initialized successfully")
	return nil
}

func runServe(args []string) error {
	serveFlags := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := serveFlags.String("port", "8000", "Port to listen on")
	if err := serveFlags.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	database.EnableAutoSnapshot(snapshotPath)

	aiClient := newAIClient("")

	srv := server.NewServer(database, aiClient)
	if backendURL := os.Getenv("TESTGEN_URL"); backendURL != "" {
		srv.WithTestgen(testgen.NewClient(backendURL, os.Getenv("TESTGEN_API_KEY")))
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Listening on http://localhost:%s\n", *port)
	if err := srv.Start(fmt.Sprintf(":%s", *port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runMCP(args []string) error {
	ctx := context.Background()
	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	database.EnableAutoSnapshot(snapshotPath)

	s := mcp.NewServer(database)
	return mcp.Serve(s)
}

func runImport(args []string) error {
	importFlags := flag.NewFlagSet("import", flag.ContinueOnError)
	delimiter := importFlags.String("delimiter", ",", "Field delimiter for plain text files")
	preview := importFlags.Bool("preview", false, "Parse and print the normalized tasks without writing")
	if err := importFlags.Parse(args); err != nil {
		return err
	}
	if importFlags.NArg() == 0 {
		return fmt.Errorf("usage: sprintdeck import [flags] <file>")
	}
	path := importFlags.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var tasks []*models.Task
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		tasks, err = importer.ParseWorkbook(f)
	case ".csv":
		tasks, err = importer.ParseCSV(f)
	default:
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		tasks = importer.ParseDelimited(string(data), *delimiter)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks found in %s", path)
	}

	if *preview {
		fmt.Printf("%-30s %-15s %-12s %8s %5s %-12s\n", "NAME", "MODULE", "DUE", "VELOCITY", "BUGS", "STATUS")
		for _, t := range tasks {
			fmt.Printf("%-30s %-15s %-12s %8d %5d %-12s\n", t.Name, t.Module, t.DueDate, t.Velocity, t.Bugs, t.Status)
		}
		fmt.Printf("\n%d task(s) parsed (preview only, nothing written)\n", len(tasks))
		return nil
	}

	ctx := context.Background()
	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	sessionID := fmt.Sprintf("cli-%d", time.Now().UnixMilli())
	database.Staging.Stage(sessionID, &db.StagedImport{
		ProjectID: projectID,
		Source:    path,
		Tasks:     tasks,
	})
	count, err := database.CommitBatch(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Imported %d task(s) from %s\n", count, path)
	return nil
}

func runListTasks(args []string) error {
	taskFlags := flag.NewFlagSet("list-tasks", flag.ContinueOnError)
	statusFilter := taskFlags.String("status", "", "Filter by status (todo, in-progress, done)")
	if err := taskFlags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	var status *models.TaskStatus
	if *statusFilter != "" {
		s := models.TaskStatus(*statusFilter)
		status = &s
	}

	tasks, err := database.ListTasks(ctx, projectID, status)
	if err != nil {
		return err
	}

	fmt.Printf("%-30s %-15s %-12s %8s %5s %-12s\n", "NAME", "MODULE", "DUE", "VELOCITY", "BUGS", "STATUS")
	fmt.Println(strings.Repeat("-", 86))
	for _, t := range tasks {
		fmt.Printf("%-30s %-15s %-12s %8d %5d %-12s\n", t.Name, t.Module, t.DueDate, t.Velocity, t.Bugs, t.Status)
	}
	return nil
}

func runStatus(args []string) error {
	ctx := context.Background()
	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	tasks, err := database.ListTasks(ctx, projectID, nil)
	if err != nil {
		return err
	}

	summary := metrics.Compute(tasks, time.Now().UTC())

	fmt.Println("Sprintdeck Project Status")
	fmt.Println("=========================")
	fmt.Printf("Project:         %s\n", projectID)
	fmt.Printf("Total Tasks:     %d\n", summary.TotalTasks)
	fmt.Printf("Completed:       %d\n", summary.CompletedTasks)
	fmt.Printf("Velocity:        %d%%\n", summary.VelocityPercentage)
	fmt.Printf("Predicted Delay: %d day(s)\n", summary.PredictedDelayDays)
	fmt.Printf("Average Risk:    %d\n", summary.AverageRisk)
	fmt.Printf("High Risk Tasks: %d\n", summary.HighRiskCount)

	statusCounts := make(map[models.TaskStatus]int)
	for _, t := range tasks {
		statusCounts[t.Status]++
	}

	fmt.Println("\nTask Breakdown:")
	fmt.Printf("  Todo:        %d\n", statusCounts[models.TaskStatusTodo])
	fmt.Printf("  In Progress: %d\n", statusCounts[models.TaskStatusInProgress])
	fmt.Printf("  Done:        %d\n", statusCounts[models.TaskStatusDone])

	if len(summary.Risks) > 0 {
		risks := make([]metrics.TaskRisk, len(summary.Risks))
		copy(risks, summary.Risks)
		sort.Slice(risks, func(i, j int) bool { return risks[i].Score > risks[j].Score })

		fmt.Println("\nHighest Risk Tasks:")
		for i, r := range risks {
			if i >= 5 {
				break
			}
			fmt.Printf("  - %s (risk: %.1f)\n", r.Task.Name, r.Score)
		}
	}

	return nil
}

func runAnalyze(args []string) error {
	analyzeFlags := flag.NewFlagSet("analyze", flag.ContinueOnError)
	model := analyzeFlags.String("model", "", "Anthropic model to use")
	apiKey := analyzeFlags.String("api-key", "", "Anthropic API key (defaults to ANTHROPIC_API_KEY)")
	if err := analyzeFlags.Parse(args); err != nil {
		return err
	}

	client, err := ai.NewClient(*apiKey, *model)
	if err != nil {
		return err
	}

	ctx := context.Background()
	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	tasks, err := database.ListTasks(ctx, projectID, nil)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks to analyze in project %s", projectID)
	}

	summary := metrics.Compute(tasks, time.Now().UTC())

	fmt.Printf("Analyzing %d task(s)...\n", len(tasks))
	result, raw, err := ai.Analyze(ctx, client, tasks, summary)
	if err != nil {
		return err
	}

	analysis := &models.Analysis{
		ProjectID:   projectID,
		OverallRisk: result.Summary.OverallRisk,
		TaskCount:   len(tasks),
		Result:      raw,
	}
	if err := database.SaveAnalysis(ctx, analysis); err != nil {
		return err
	}

	fmt.Println("\nSprint Analysis")
	fmt.Println("===============")
	fmt.Printf("Overall Risk:    %d/100\n", result.Summary.OverallRisk)
	fmt.Printf("Predicted Delay: %d day(s)\n", result.Summary.PredictedDelay)
	fmt.Printf("Confidence:      %d%%\n", result.Summary.Confidence)
	if result.ExecutiveSummary != "" {
		fmt.Printf("\n%s\n", result.ExecutiveSummary)
	}
	for _, s := range result.Suggestions {
		fmt.Printf("  - [%s] %s\n", s.Severity, s.Title)
	}
	fmt.Printf("\n✓ Analysis saved (%s)\n", analysis.ID)
	return nil
}

func runExport(args []string) error {
	exportFlags := flag.NewFlagSet("export", flag.ContinueOnError)
	out := exportFlags.String("out", "", "Output path (defaults to the snapshot path)")
	if err := exportFlags.Parse(args); err != nil {
		return err
	}

	target := *out
	if target == "" {
		target = snapshotPath
	}

	ctx := context.Background()
	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.ExportSnapshot(ctx, target); err != nil {
		return err
	}
	fmt.Printf("✓ Exported snapshot to %s\n", target)
	return nil
}

func runDBCommand(args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage: sprintdeck db <command> [arguments]")
		fmt.Println("\nCommands:")
		fmt.Println("  status    Show database status")
		fmt.Println("  restore   Import a JSONL snapshot into the database")
		return nil
	}

	command := args[0]
	subArgs := args[1:]

	switch command {
	case "status":
		return runStatus(subArgs)
	case "restore":
		source := snapshotPath
		if len(subArgs) > 0 {
			source = subArgs[0]
		}
		ctx := context.Background()
		database, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.ImportSnapshot(ctx, source); err != nil {
			return err
		}
		fmt.Printf("✓ Restored snapshot from %s\n", source)
		return nil
	default:
		return fmt.Errorf("unknown db command: %s", command)
	}
}

// newAIClient returns nil when no API key is configured; the server treats a
// nil client as "analysis unavailable".
func newAIClient(model string) *ai.Client {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return nil
	}
	client, err := ai.NewClient("", model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: AI analysis disabled: %v\n", err)
		return nil
	}
	return client
}
