// wmag-worker is a standalone claim-loop worker for scale-out
// deployments against the Postgres store. SSE subscribers of the API
// process see its events on reconnect replay; live tailing across
// processes needs a shared bus and is not provided here.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Mindburn-Labs/wmag/pkg/config"
	"github.com/Mindburn-Labs/wmag/pkg/executor"
	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/hydrator"
	"github.com/Mindburn-Labs/wmag/pkg/pipeline"
	"github.com/Mindburn-Labs/wmag/pkg/planner"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
	"github.com/Mindburn-Labs/wmag/pkg/store"
	"github.com/Mindburn-Labs/wmag/pkg/stream"
	"github.com/Mindburn-Labs/wmag/pkg/tools"
	"github.com/Mindburn-Labs/wmag/pkg/worker"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	cfg := config.Load()
	var lvl slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		return errors.New("wmag-worker requires DATABASE_URL; the memory store is process-local")
	}

	ring, err := hashchain.KeyringFromEnv()
	if err != nil {
		return err
	}
	chain := hashchain.New(ring)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	st := store.NewPostgres(db, chain, cfg.TenantMaxConcurrent, logger).
		WithMVRefreshEvery(cfg.RefreshMVEvery)
	if err := st.InitSchema(ctx); err != nil {
		return err
	}
	defer st.Close()

	hub := stream.NewHub(st, cfg.StreamBuffer, logger)
	provider := registry.NewFSProvider(cfg.RegistryPath, cfg.RegistryLayersDir)

	var plnr pipeline.Planner
	if cfg.PlanTemplatePath != "" {
		plnr, err = planner.FromFile(cfg.PlanTemplatePath)
		if err != nil {
			return err
		}
	} else {
		plnr = planner.NewStub(nil)
	}

	httpRunner, err := tools.HTTPRunnerFromEnv()
	if err != nil {
		return err
	}
	router := tools.NewRouter("stub").
		Register("stub", tools.NewDemoStub()).
		Register("http", httpRunner)

	exec := executor.New(st, router, cfg.ExecutorParallelism, logger)
	pipe := pipeline.New(st, hub, provider, plnr,
		hydrator.NewStub([]string{"SUPPORT/KB", "SUPPORT/PLAYBOOKS"}), exec,
		pipeline.Options{
			ApprovalTimeout: cfg.ApprovalTimeout,
			ApprovalPoll:    cfg.ApprovalPoll,
			SnapshotEvery:   cfg.SnapshotEvery,
		}, logger)

	wrk := worker.New(st, pipe, cfg.WorkerID,
		worker.Options{Poll: cfg.WorkerPoll, Lease: cfg.WorkerLease}, logger)

	logger.Info("wmag-worker started", "worker_id", cfg.WorkerID)
	if err := wrk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
