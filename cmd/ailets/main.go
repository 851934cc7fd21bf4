// Command ailets is the driver surface for the orchestration core: it
// builds an Environment, seeds the prompt/tool aliases, runs (or
// single-steps, or dry-runs) the scheduler, and prints the terminal
// node's output.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/ailets/ailets-go/config"
	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/env"
)

// stringSlice implements flag.Value for a repeatable string flag, e.g.
// `--prompt a --prompt b` collects ["a", "b"].
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	if os.Args[1] == "help" || os.Args[1] == "-h" || os.Args[1] == "--help" {
		printUsage()
		return
	}

	model := os.Args[1]

	fs := flag.NewFlagSet("ailets", flag.ExitOnError)
	var prompts, tools, opts stringSlice
	fs.Var(&prompts, "prompt", "prompt text (repeatable)")
	fs.Var(&tools, "tool", "tool spec as name=json (repeatable)")
	fs.Var(&opts, "opt", "model option as key=value (repeatable)")
	dryRun := fs.Bool("dry-run", false, "print the dependency tree without dispatching")
	oneStep := fs.Bool("one-step", false, "run exactly one scheduler step")
	stopBefore := fs.String("stop-before", "", "stop before the named node/alias runs")
	stopAfter := fs.String("stop-after", "", "stop after the named node/alias settles")
	saveState := fs.String("save-state", "", "snapshot finished nodes to this SQLite file after the run")
	loadState := fs.String("load-state", "", "restore finished nodes from this SQLite file before the run")
	fileSystem := fs.String("file-system", "", "host filesystem root (reserved for a future WebAssembly host boundary)")
	downloadTo := fs.String("download-to", "", "directory for downloaded artifacts (reserved for a future WebAssembly host boundary)")
	debug := fs.Bool("debug", false, "start the live debug inspector")

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}

	cfg, err := config.NewLoader().Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Debug.Enabled = cfg.Debug.Enabled || *debug

	logger := newLogger(cfg.Log)
	defer logger.Sync()

	if *fileSystem != "" || *downloadTo != "" {
		logger.Warn("file-system and download-to are reserved for an external WebAssembly host boundary; this build does not mount one",
			zap.String("file_system", *fileSystem), zap.String("download_to", *downloadTo))
	}

	e, err := env.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build environment: %v\n", err)
		os.Exit(1)
	}
	defer e.Close(context.Background())

	registerQueryStub(e, model, opts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Debug.Enabled {
		go func() {
			if err := e.StartDebug(ctx); err != nil {
				logger.Warn("debug inspector stopped", zap.Error(err))
			}
		}()
	}

	if *loadState != "" {
		if err := e.Restore(stateFileConfig(*loadState)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load state: %v\n", err)
			os.Exit(1)
		}
	} else {
		e.SeedPrompt(prompts)
		for _, t := range tools {
			name, spec, ok := strings.Cut(t, "=")
			if !ok {
				fmt.Fprintf(os.Stderr, "invalid --tool value %q, want name=spec\n", t)
				os.Exit(1)
			}
			e.SeedTool(name, []byte(spec))
		}
		if err := buildGPTPipeline(e); err != nil {
			fmt.Fprintf(os.Stderr, "failed to build graph: %v\n", err)
			os.Exit(1)
		}
	}

	switch {
	case *dryRun:
		fmt.Println(e.Scheduler.DryRun())
		return
	case *oneStep:
		finished, err := e.Scheduler.OneStep(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "step failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "one step done, finished=%v\n", finished)
		return
	}

	if *stopBefore != "" {
		e.Scheduler.StopBefore(*stopBefore)
	}
	if *stopAfter != "" {
		e.Scheduler.StopAfter(*stopAfter)
	}

	if err := e.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}

	if *saveState != "" {
		if err := e.Snapshot(stateFileConfig(*saveState)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save state: %v\n", err)
			os.Exit(1)
		}
	}

	os.Exit(printResult(e))
}

// printResult writes .end's output to stdout and returns the process
// exit code: 0 if the terminal node finished, non-zero if it failed.
func printResult(e *env.Environment) int {
	ids, err := e.DAG.Resolve(dag.AliasRef(".end"))
	if err != nil || len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "no .end alias resolved")
		return 1
	}
	n, ok := e.DAG.Get(ids[len(ids)-1])
	if !ok {
		fmt.Fprintln(os.Stderr, "terminal node missing")
		return 1
	}
	if n.Pipe != nil {
		os.Stdout.Write(n.Pipe.Snapshot())
	}
	if n.State == dag.Failed {
		return 1
	}
	return 0
}

func stateFileConfig(path string) config.DatabaseConfig {
	return config.DatabaseConfig{Driver: "sqlite", Name: filepath.Clean(path)}
}

func printUsage() {
	fmt.Println(`ailets - AI-actor DAG orchestration driver

Usage:
  ailets MODEL [--prompt TEXT]... [--tool NAME=SPEC]... [--opt KEY=VALUE]...
               [--dry-run | --one-step | --stop-before NAME | --stop-after NAME]
               [--save-state FILE] [--load-state FILE]
               [--file-system PATH] [--download-to DIR] [--debug]

MODEL names the query actor's model identifier; it does not select a
real AI vendor (the orchestration core treats query bodies as opaque
plugin-table entries).`)
}
