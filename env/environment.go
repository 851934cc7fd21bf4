// Package env implements the Environment (C7): the sole owner of one
// run's state. It constructs the notification queue, key-stream store,
// DAG store, plugin table, and scheduler, seeds the well-known aliases
// the actor bodies rely on, and exposes snapshot/restore against the
// persistence store plus an optional debug inspector.
package env

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ailets/ailets-go/config"
	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/debugserver"
	"github.com/ailets/ailets-go/kv"
	"github.com/ailets/ailets-go/persistence"
	"github.com/ailets/ailets-go/plugins"
	"github.com/ailets/ailets-go/queue"
	"github.com/ailets/ailets-go/scheduler"
	"github.com/ailets/ailets-go/telemetry"
)

const (
	promptAlias   = ".prompt"
	messagesAlias = ".chat_messages"
	endAlias      = ".end"
	toolAliasFmt  = ".tools.%s"
)

// Environment is one run's complete, isolated state. There is no
// process-wide singleton: tests and the CLI driver each construct their
// own Environment.
type Environment struct {
	cfg *config.Config

	Queue     *queue.Queue
	KV        *kv.Store
	DAG       *dag.Store
	Registry  *plugins.Registry
	Scheduler *scheduler.Scheduler

	telemetryProviders *telemetry.Providers
	metrics            *telemetry.Collector
	debug              *debugserver.Server

	logger *zap.Logger
}

// New builds a fresh Environment from cfg, wiring the stdlib actor
// kinds into the plugin table. Callers needing custom actor kinds
// should use registry.RegisterKind on the returned Environment's
// Registry before seeding the graph.
func New(cfg *config.Config, logger *zap.Logger) (*Environment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := queue.New(
		queue.WithMaxWaiters(cfg.Queue.MaxWaiters),
		queue.WithMaxSubscribers(cfg.Queue.MaxSubscribers),
	)
	kvStore := kv.New()
	dags := dag.New(q, kvStore)

	registry := plugins.New()
	plugins.RegisterStdlib(registry)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	var metrics *telemetry.Collector
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewCollector("ailets")
	}

	sched := scheduler.New(dags, kvStore, q, registry, cfg.Scheduler, providers.Tracer(), metricsOrNil(metrics))

	e := &Environment{
		cfg:                cfg,
		Queue:              q,
		KV:                 kvStore,
		DAG:                dags,
		Registry:           registry,
		Scheduler:          sched,
		telemetryProviders: providers,
		metrics:            metrics,
		logger:             logger,
	}

	if cfg.Debug.Enabled {
		e.debug = debugserver.New(sched)
	}

	return e, nil
}

// metricsOrNil returns nil (untyped) rather than a non-nil interface
// wrapping a nil *Collector, so scheduler.OneStep's `s.metrics != nil`
// checks behave correctly when telemetry is disabled.
func metricsOrNil(c *telemetry.Collector) scheduler.Metrics {
	if c == nil {
		return nil
	}
	return c
}

// SeedPrompt joins prompts with newlines into a value node and aliases
// it `.prompt`, the well-known input the prompt-to-messages actors
// read from.
func (e *Environment) SeedPrompt(prompts []string) {
	text := joinLines(prompts)
	n := e.DAG.AddValueNode([]byte(text), "seeded prompt")
	e.DAG.Alias(promptAlias, &dag.Ref{NodeID: n.ID})
}

// SeedTool registers a tool specification value node and aliases it
// `.tools.<name>`, so `instantiate_with_deps` templates can resolve a
// dependency named after the tool.
func (e *Environment) SeedTool(name string, spec []byte) {
	n := e.DAG.AddValueNode(spec, fmt.Sprintf("seeded tool %s", name))
	e.DAG.Alias(fmt.Sprintf(toolAliasFmt, name), &dag.Ref{NodeID: n.ID})
}

// AliasEnd points `.end`, the sentinel the scheduler and driver watch
// for run completion, at sink.
func (e *Environment) AliasEnd(sink *dag.Node) {
	e.DAG.Alias(endAlias, &dag.Ref{NodeID: sink.ID})
}

// AliasChatMessages points `.chat_messages` at node, the running
// conversation history actors append to via detach/re-alias.
func (e *Environment) AliasChatMessages(node *dag.Node) {
	e.DAG.Alias(messagesAlias, &dag.Ref{NodeID: node.ID})
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// StartDebug starts the debug inspector's WebSocket/HTTP listener on
// the configured cfg.Debug.Addr, blocking until ctx is cancelled. Call this in its own
// goroutine. It is a no-op if the Environment was built with debug
// disabled.
func (e *Environment) StartDebug(ctx context.Context) error {
	if e.debug == nil {
		return nil
	}
	return e.debug.Listen(ctx, e.cfg.Debug.Addr)
}

// Snapshot opens the persistence store described by cfg and
// writes every finished node's stdout buffer into it, per the design's
// persisted-state layout.
func (e *Environment) Snapshot(cfg config.DatabaseConfig) error {
	store, err := persistence.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open persistence store: %w", err)
	}
	defer store.Close()
	return persistence.Snapshot(store, e.DAG)
}

// Restore opens the persistence store described by cfg and
// replays every entry into this Environment's DAG store as a named,
// already-finished value node.
func (e *Environment) Restore(cfg config.DatabaseConfig) error {
	store, err := persistence.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open persistence store: %w", err)
	}
	defer store.Close()
	return persistence.Restore(store, e.DAG)
}

// Run drives the scheduler to completion.
func (e *Environment) Run(ctx context.Context) error {
	return e.Scheduler.Run(ctx)
}

// Close flushes telemetry. It does not close the persistence store,
// which callers open and close per Snapshot/Restore call rather than
// holding open for the Environment's lifetime.
func (e *Environment) Close(ctx context.Context) error {
	return e.telemetryProviders.Shutdown(ctx)
}
