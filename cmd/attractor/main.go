package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/strongdm/attractor/internal/attractor/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		attractorRun(os.Args[2:])
	case "resume":
		attractorResume(os.Args[2:])
	case "validate":
		attractorValidate(os.Args[2:])
	case "status":
		attractorStatus(os.Args[2:])
	case "stop":
		attractorStop(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  attractor run [--detach] --graph <file.dot> [--config <run.yaml>] [--run-id <id>] [--logs-root <dir>] [--max-steps <n>]")
	fmt.Fprintln(os.Stderr, "  attractor resume --logs-root <dir>")
	fmt.Fprintln(os.Stderr, "  attractor validate --graph <file.dot>")
	fmt.Fprintln(os.Stderr, "  attractor status (--logs-root <dir> | --latest) [--json] [--follow [--raw]] [--watch] [--interval <sec>]")
	fmt.Fprintln(os.Stderr, "  attractor stop --logs-root <dir> [--grace-ms <n>] [--force]")
}

func attractorRun(args []string) {
	var graphPath string
	var configPath string
	var runID string
	var logsRoot string
	var maxSteps int
	var detach bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--detach":
			detach = true
		case "--graph":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			graphPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		case "--max-steps":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--max-steps requires a value")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintln(os.Stderr, "--max-steps must be a positive integer")
				os.Exit(1)
			}
			maxSteps = n
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if graphPath == "" {
		usage()
		os.Exit(1)
	}

	if detach {
		if runID == "" {
			runID = engine.NewRunID()
		}
		if logsRoot == "" {
			logsRoot = engine.DefaultLogsRoot(runID)
		}

		childArgs := []string{"run", "--graph", graphPath, "--run-id", runID, "--logs-root", logsRoot}
		if configPath != "" {
			childArgs = append(childArgs, "--config", configPath)
		}
		if maxSteps > 0 {
			childArgs = append(childArgs, "--max-steps", strconv.Itoa(maxSteps))
		}

		if err := launchDetached(childArgs, logsRoot); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("detached=true\nrun_id=%s\nlogs_root=%s\npid_file=%s\n", runID, logsRoot, filepath.Join(logsRoot, "run.pid"))
		os.Exit(0)
	}

	dotSource, err := os.ReadFile(graphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	opts := engine.RunOptions{
		RunID:        runID,
		LogsRoot:     logsRoot,
		MaxSteps:     maxSteps,
		GraphBaseDir: filepath.Dir(graphPath),
	}

	// No deadline: pipeline runs are bounded by max steps and per-stage
	// timeouts, not wall clock.
	ctx := context.Background()

	var (
		res    *engine.Result
		runErr error
	)
	if configPath != "" {
		cfg, err := engine.LoadRunConfigFile(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		res, runErr = engine.RunWithConfig(ctx, dotSource, cfg, opts)
	} else {
		res, runErr = engine.Run(ctx, dotSource, opts)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}

	printResult(res)
	if string(res.FinalStatus) == "success" {
		os.Exit(0)
	}
	os.Exit(1)
}

func attractorResume(args []string) {
	var logsRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if logsRoot == "" {
		usage()
		os.Exit(1)
	}

	// No deadline: resume may replay long stages.
	ctx := context.Background()
	res, err := engine.Resume(ctx, logsRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	printResult(res)
	if string(res.FinalStatus) == "success" {
		os.Exit(0)
	}
	os.Exit(1)
}

func attractorValidate(args []string) {
	var graphPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			graphPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if graphPath == "" {
		usage()
		os.Exit(1)
	}
	dotSource, err := os.ReadFile(graphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, diags, err := engine.PrepareWithOptions(dotSource, engine.PrepareOptions{
		Transforms: []engine.Transform{engine.PromptFileTransform{BaseDir: filepath.Dir(graphPath)}},
	})
	if err != nil {
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", filepath.Base(graphPath))
	for _, d := range diags {
		fmt.Printf("%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}
	os.Exit(0)
}

func printResult(res *engine.Result) {
	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("logs_root=%s\n", res.LogsRoot)
	fmt.Printf("final_status=%s\n", res.FinalStatus)
	fmt.Printf("last_node=%s\n", res.LastNode)
	fmt.Printf("steps=%d\n", res.Steps)
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
}
