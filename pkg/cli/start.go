package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/breaker"
	"github.com/droverhq/drover/pkg/capacity"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/loop"
	"github.com/droverhq/drover/pkg/notify"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/runtime"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the orchestrator in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOrchestrator(cmd.Context())
	},
}

// runOrchestrator composes every subsystem and runs until a signal or an API
// shutdown request arrives.
func runOrchestrator(ctx context.Context) error {
	logger := slog.Default().With("component", "main")

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	st, err := store.NewPostgresStore(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var rt agent.Runtime
	rtClient := runtime.NewClient(cfg.RuntimeAddr)
	defer rtClient.Close()
	rt = rtClient

	notifier := notify.NewService(cfg.Notify)
	brk := breaker.New(cfg.Breaker, notifier)
	monitor := health.NewMonitor(st, cfg.Loop.MaxConsecutiveDBFailures, func(event string) {
		logger.Info("Database health event", "event", event)
	})
	dispatcher := events.NewDispatcher(events.DefaultHistorySize)
	tracker := capacity.NewTracker(cfg.Limits)
	taskQueue := queue.NewTaskQueue()

	sched := scheduler.New(taskQueue, tracker, rt, func(taskID string, err error) {
		brk.RecordError("spawn:"+taskID, err, breaker.Outcome{})
	})

	mainLoop := loop.New(cfg.Loop, loop.Deps{
		Store:      st,
		Runtime:    rt,
		Scheduler:  sched,
		Breaker:    brk,
		Health:     monitor,
		Dispatcher: dispatcher,
		Notifier:   notifier,
	})

	if err := mainLoop.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := api.NewServer(mainLoop, st, cancel)
	apiErr := make(chan error, 1)
	go func() { apiErr <- server.Run(runCtx, cfg.HTTPPort) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Signal received, shutting down", "signal", sig)
	case <-runCtx.Done():
		logger.Info("Shutdown requested")
	case err := <-apiErr:
		if err != nil {
			logger.Error("API server failed", "error", err)
		}
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(),
		cfg.Loop.GracefulShutdownTimeout)
	defer stopCancel()
	if err := mainLoop.Stop(stopCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Drover stopped")
	return nil
}
