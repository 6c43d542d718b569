package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hive/internal/api"
	"hive/internal/buildinfo"
	"hive/internal/config"
	"hive/internal/directive"
	"hive/internal/telemetry"
	"hive/pkg/consolidate"
	"hive/pkg/coord"
	"hive/pkg/eventbus"
	"hive/pkg/eventlog"
	"hive/pkg/monitor"
	"hive/pkg/msgbus"
	"hive/pkg/registry"
	"hive/pkg/supervisor"
	"hive/pkg/vcs"
)

func newServeCmd() *cobra.Command {
	var (
		listen   string
		jsonLogs bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), listen, jsonLogs)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs")
	return cmd
}

func runServe(parent context.Context, listenOverride string, jsonLogs bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := buildLogger(jsonLogs)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	paths, err := config.ResolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureHome(); err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}

	personas, err := config.LoadPersonas(paths.PersonasPath)
	if err != nil {
		logger.Warn("persona catalog unreadable", zap.Error(err))
		personas = config.Personas{}
	}

	metrics, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, buildinfo.String())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// Event fabric and its durable mirror.
	bus := eventbus.New(logger)
	log, err := eventlog.Open(paths.EventDBPath, logger)
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	log.Attach(ctx, bus)

	reg := registry.New(paths.RegistryPath, bus, logger)
	reg.Start(ctx)

	git := vcs.NewGit(&vcs.ExecRunner{}, logger)

	supCfg := supervisor.Config{
		MaxActive:      cfg.Workers.MaxActive,
		WallClock:      cfg.WallClock(),
		GracePeriod:    3 * time.Second,
		LogBufferLines: 10000,
		DefaultCommand: cfg.Workers.DefaultCommand,
	}

	// The monitor's breach callback closes over the supervisor, which in
	// turn tracks pids through the monitor; bind late through the pointer.
	var sup *supervisor.Supervisor
	mon := monitor.New(monitor.Gopsutil{}, func(workerID, reason string) {
		if err := sup.Terminate(context.Background(), workerID, reason); err != nil {
			logger.Warn("breach termination failed",
				zap.String("worker", workerID), zap.Error(err))
		}
	}, logger,
		monitor.WithInterval(cfg.SampleInterval()),
		monitor.WithMemoryLimit(cfg.MemoryLimitBytes()),
		monitor.WithWindowSize(cfg.Monitor.WindowSize),
	)
	sup = supervisor.New(supCfg, reg, git, bus, mon, logger)
	mon.Start(ctx)

	msgs := msgbus.New(paths.MessagesDir, stdinDeliverer(sup), bus, reg, logger)
	msgs.Start(ctx)

	coordinator := coord.New(bus, msgs, logger)

	consStore := consolidate.NewStore(paths.Consolidations, logger)
	cons := consolidate.New(consStore, git, reg, bus, logger)

	// Control directives adjust spawning without a restart.
	watcher := directive.NewWatcher(paths.ControlPath, bus, func(d directive.Directive) {
		switch d.Action {
		case directive.ActionPause, directive.ActionDrain:
			sup.SetDraining(true)
		case directive.ActionResume:
			sup.SetDraining(false)
		}
		logger.Info("directive applied", zap.String("action", d.Action))
	}, logger)

	wireMetrics(ctx, bus, metrics)

	handler := api.NewHandler(reg, sup, mon, msgs, coordinator, cons, git, bus, log, personas, logger)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("engine listening",
		zap.String("addr", cfg.Listen),
		zap.String("home", paths.HiveHome),
		zap.String("version", buildinfo.String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
		sup.Shutdown(shutdownCtx)
		msgs.Shutdown()
		mon.Shutdown()
		reg.Shutdown()
		_ = log.Close()
		bus.Close()
		_ = telemetryShutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}

// stdinDeliverer forwards bus messages to the target worker's stdin as one
// JSON line.
func stdinDeliverer(sup *supervisor.Supervisor) msgbus.Deliverer {
	return msgbus.DelivererFunc(func(_ context.Context, m msgbus.Message) error {
		envelope := map[string]any{
			"id":      m.ID,
			"kind":    m.Kind,
			"source":  m.Source,
			"payload": json.RawMessage(m.Payload),
		}
		return sup.Send(m.Target, envelope)
	})
}

// wireMetrics feeds the OTEL instruments from the event fabric.
func wireMetrics(ctx context.Context, bus *eventbus.Bus, m *telemetry.Metrics) {
	sub := bus.Subscribe("worker:spawned", "worker:exit", "message:queued",
		"message:delivered", "message:failed", "consolidation:completed")
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				switch ev.Topic {
				case "worker:spawned":
					m.SpawnsTotal.Add(ctx, 1)
					m.ActiveWorkers.Add(ctx, 1)
				case "worker:exit":
					m.ExitsTotal.Add(ctx, 1)
					m.ActiveWorkers.Add(ctx, -1)
				case "message:queued":
					m.QueueDepth.Add(ctx, 1)
				case "message:delivered", "message:failed":
					m.MessagesTotal.Add(ctx, 1)
					m.QueueDepth.Add(ctx, -1)
				case "consolidation:completed":
					m.Consolidations.Add(ctx, 1)
				}
			}
		}
	}()
}

func buildLogger(jsonLogs bool) (*zap.Logger, error) {
	if jsonLogs {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
