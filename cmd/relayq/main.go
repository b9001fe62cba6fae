// Command relayq runs the job processing node: workers, scheduler, reaper
// and the metrics listener, configured from the environment. Embedders that
// need their own task handlers construct a manager.Manager directly; this
// binary is the operational entry point and wiring reference.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/manager"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/observability"
	"github.com/relayq/relayq/internal/scheduler"
	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/storage/memory"
	"github.com/relayq/relayq/internal/storage/postgres"
	"github.com/relayq/relayq/internal/storage/sqlite"
	"github.com/relayq/relayq/internal/task"
	"github.com/relayq/relayq/internal/worker"
)

// Build-time version injection via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "relayq",
		Short:         "Distributed background job processing",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), migrateCmd(), healthCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Connect(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        int32(cfg.MaxOpenConns),
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			Migrate:         cfg.Migrate,
		})
	case "sqlite":
		return sqlite.Open(ctx, cfg.DSN)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run workers, scheduler and reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.LoadRunConfig()
			if err != nil {
				return err
			}

			shutdownTelemetry, err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.OTelEnabled,
				ServiceName: cfg.Observability.ServiceName,
			})
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(flushCtx); err != nil {
					slog.Error("telemetry shutdown failed", "error", err)
				}
			}()

			store, err := openStorage(ctx, cfg.Storage)
			if err != nil {
				return err
			}

			registry := task.NewRegistry()
			if err := registerBuiltins(registry); err != nil {
				return err
			}

			priorities, err := parsePriorities(cfg.Worker.Priorities)
			if err != nil {
				return err
			}

			collector := metrics.NewCollector()
			mgr := manager.New(store, registry, manager.Config{
				Workers: []worker.Config{{
					ID:                cfg.Worker.ID,
					Queues:            cfg.Worker.Queues,
					Priorities:        priorities,
					Mode:              worker.Mode(cfg.Worker.Mode),
					Capacity:          cfg.Worker.Capacity,
					Lease:             cfg.Worker.Lease,
					PollInterval:      cfg.Worker.PollInterval,
					HeartbeatInterval: cfg.Worker.HeartbeatInterval,
					Prefetch:          cfg.Worker.Prefetch,
				}},
				Scheduler: scheduler.Config{
					CheckInterval:    cfg.Scheduler.CheckInterval,
					LockTTL:          cfg.Scheduler.LockTTL,
					MissedThreshold:  cfg.Scheduler.MissedThreshold,
					MaxStartupJitter: cfg.Scheduler.StartupJitter,
				},
				SchedulerEnabled:  cfg.Scheduler.Enabled,
				ReaperInterval:    cfg.Reaper.Interval,
				LivenessThreshold: cfg.Reaper.LivenessThreshold,
				SweepLimit:        cfg.Reaper.SweepLimit,
				PruneRetention:    cfg.Reaper.PruneRetention,
				ShutdownGrace:     cfg.Worker.ShutdownGrace,
			}, manager.WithMetrics(collector))

			if err := mgr.Start(ctx); err != nil {
				return err
			}

			httpServer := serveOps(cfg.Observability.MetricsAddr, collector, mgr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			sig := <-sigCh
			slog.InfoContext(ctx, "received shutdown signal", "signal", sig.String())

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace+10*time.Second)
			defer cancel()
			if httpServer != nil {
				_ = httpServer.Shutdown(stopCtx)
			}
			return mgr.Stop(stopCtx)
		},
	}
}

// serveOps exposes /metrics and /healthz. Failure to bind is logged, not
// fatal: the node can process jobs without a scrape endpoint.
func serveOps(addr string, collector *metrics.Collector, mgr *manager.Manager) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := mgr.Health(r.Context())
		status := http.StatusOK
		if health.Status == manager.Unhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		fmt.Fprintln(w, health.Status)
		for _, c := range health.Components {
			fmt.Fprintf(w, "%s: %s %s\n", c.Name, c.Status, c.Message)
		}
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops listener failed", "addr", addr, "error", err)
		}
	}()
	return server
}

// registerBuiltins installs the maintenance tasks every node carries.
func registerBuiltins(registry *task.Registry) error {
	return registry.Register("relayq.noop", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		return map[string]any{"ok": true}, nil
	}, task.Config{MaxAttempts: 1})
}

func parsePriorities(names []string) ([]domain.Priority, error) {
	var out []domain.Priority
	for _, name := range names {
		p, err := domain.ParsePriority(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRunConfig()
			if err != nil {
				return err
			}
			cfg.Storage.Migrate = true
			store, err := openStorage(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check storage connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRunConfig()
			if err != nil {
				return err
			}
			cfg.Storage.Migrate = false
			store, err := openStorage(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("storage unhealthy: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}
