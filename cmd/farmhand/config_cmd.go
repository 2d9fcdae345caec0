package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/farmhand/internal/config"
	"github.com/mattjoyce/farmhand/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: farmhand config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: farmhand config check [--config PATH] [--probe] [--json]")
	fmt.Println("Validate syntax, group layout, executor, and the .checksums entry if present.")
	fmt.Println("--probe also checks that every peer answers /healthz as the expected rank.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: farmhand config lock [--config PATH]")
	fmt.Println("Validate the config and record its BLAKE3 hash in .checksums beside it.")
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "farmhand.yaml", "Path to configuration file or directory")
	probe := fs.Bool("probe", false, "Also ask every peer for /healthz")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
		return 1
	}

	d := doctor.New(cfg)
	result := d.Validate()
	if *probe {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result.Merge(d.Probe(ctx, nil))
		cancel()
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Printf("Config: %s\n", cfg.SourcePath)
		fmt.Printf("  group:    size %d, boss %d, include_boss %t, transport %s\n",
			cfg.Group.Size, cfg.Group.Boss, cfg.Group.IncludeBoss, cfg.Group.Transport)
		fmt.Printf("  jobs:     %d\n", cfg.JobTotal())
		fmt.Printf("  executor: %s\n", cfg.Executor.Kind)
		fmt.Printf("  blake3:   %s\n", cfg.Fingerprint)
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "farmhand.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "farmhand.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock an invalid config: %v\n", err)
		return 1
	}

	hash, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n  blake3: %s\n", path, hash)
	return 0
}
