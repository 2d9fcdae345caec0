package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/farmhand/internal/audit"
	"github.com/mattjoyce/farmhand/internal/config"
	"github.com/mattjoyce/farmhand/internal/storage"
)

func runAuditNoun(args []string) int {
	if len(args) < 1 {
		printAuditNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printAuditNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			printAuditShowHelp()
			return 0
		}
		return runAuditShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown audit action: %s\n", action)
		return 1
	}
}

func printAuditNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: farmhand audit <action>")
	fmt.Fprintln(w, "Actions: show")
}

func printAuditShowHelp() {
	fmt.Println("Usage: farmhand audit show [--db PATH | --config PATH] [--run ID] [--json]")
	fmt.Println("Show a run and its job assignments. Defaults to the latest run.")
}

type auditReport struct {
	Run         *audit.Run         `json:"run"`
	Assignments []audit.Assignment `json:"assignments"`
}

func runAuditShow(args []string) int {
	fs := flag.NewFlagSet("audit show", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Path to the audit database")
	configPath := fs.String("config", "", "Read audit.path from this config")
	runID := fs.String("run", "", "Run ID (default: latest)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *dbPath
	if path == "" && *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		path = cfg.Audit.Path
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Either --db or --config is required")
		return 1
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Audit database not found: %s\n", path)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit database: %v\n", err)
		return 1
	}
	defer db.Close()
	ledger := audit.NewLedger(db)

	var run *audit.Run
	if *runID != "" {
		run, err = ledger.GetRun(ctx, *runID)
	} else {
		run, err = ledger.LatestRun(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read run: %v\n", err)
		return 1
	}
	assignments, err := ledger.Assignments(ctx, run.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read assignments: %v\n", err)
		return 1
	}

	if *jsonOut {
		if assignments == nil {
			assignments = []audit.Assignment{}
		}
		data, err := json.MarshalIndent(auditReport{Run: run, Assignments: assignments}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("run:       %s\n", run.ID)
	fmt.Printf("status:    %s\n", run.Status)
	fmt.Printf("started:   %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Printf("finished:  %s (%s)\n", run.FinishedAt.Format(time.RFC3339), run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Printf("group:     size %d, boss %d, include_boss %t\n", run.GroupSize, run.Boss, run.IncludeBoss)
	fmt.Printf("jobs:      %d planned, %d dispatched\n", run.Jobs, len(assignments))
	if run.ConfigHash != "" {
		fmt.Printf("config:    %s\n", run.ConfigHash)
	}
	if run.LastError != "" {
		fmt.Printf("error:     %s\n", run.LastError)
	}
	for _, a := range assignments {
		fmt.Printf("  job %d -> worker %d at %s\n", a.JobID, a.WorkerID, a.DispatchedAt.Format(time.RFC3339Nano))
	}
	return 0
}
