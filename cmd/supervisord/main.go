package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/supervisor/common/config"
	"github.com/lyzr/supervisor/common/logger"
	"github.com/lyzr/supervisor/common/metrics"
	"github.com/lyzr/supervisor/common/queue"
	"github.com/lyzr/supervisor/services"
	"github.com/lyzr/supervisor/workflow/archive"
	"github.com/lyzr/supervisor/workflow/engine"
	"github.com/lyzr/supervisor/workflow/nodes"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/store"
	"github.com/lyzr/supervisor/workflow/trigger"
)

const scheduleTick = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	eng, st, q, err := setup(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start supervisor: %v\n", err)
		os.Exit(1)
	}
	defer q.Close()

	stats := metrics.NewCollector()
	eng.Subscribe(observe(stats))

	dispatcher := trigger.New(st, eng.Registry(), eng, log)

	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}

	go func() {
		if err := st.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Error("workflow watcher stopped", "error", err)
		}
	}()

	log.Info("supervisor started",
		"data_dir", cfg.DataDir,
		"workflows", len(st.List()),
		"node_types", len(eng.Registry().ListNodeTypes()))

	if err := dispatcher.Start(ctx, q, scheduleTick); err != nil && ctx.Err() == nil {
		log.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}

	snap := stats.Snapshot()
	log.Info("supervisor shut down",
		"runs", snap.Counters[metrics.RunsStarted],
		"nodes", snap.Counters[metrics.NodesExecuted],
		"uptime_ms", snap.UptimeMs)
}

// observe maps engine lifecycle events onto the stats counters.
func observe(stats *metrics.Collector) func(engine.Event) {
	return func(ev engine.Event) {
		switch ev.Type {
		case engine.EventWorkflowStart:
			stats.Inc(metrics.RunsStarted)
		case engine.EventWorkflowComplete:
			if status, _ := ev.Payload["status"].(string); status == "completed" {
				stats.Inc(metrics.RunsCompleted)
			} else {
				stats.Inc(metrics.RunsFailed)
			}
		case engine.EventNodeComplete:
			stats.Inc(metrics.NodesExecuted)
		case engine.EventNodeError:
			stats.Inc(metrics.NodesFailed)
		case engine.EventNodeRetry:
			stats.Inc(metrics.NodeRetries)
		}
	}
}

// setup wires the store, archive, registry, and engine from configuration.
func setup(cfg *config.Config, log *logger.Logger) (*engine.Engine, *store.Store, *queue.MemoryQueue, error) {
	st, err := store.New(cfg.DataDir, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := st.Load(); err != nil {
		return nil, nil, nil, err
	}

	arc, err := archive.New(cfg.DataDir, cfg.MaxPersistedRuns, cfg.StuckThreshold, log)
	if err != nil {
		return nil, nil, nil, err
	}

	reg := registry.New()
	nodes.RegisterBuiltins(reg)

	q := queue.NewMemoryQueue(log)

	eng, err := engine.New(st, reg, arc, services.NewRegistry(), cfg, q, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, st, q, nil
}
