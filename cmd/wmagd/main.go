// wmagd is the kernel daemon: HTTP API, SSE streaming and an embedded
// worker claiming run jobs, all sharing one process so live events flow
// from the pipeline straight to subscribers.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/wmag/pkg/api"
	"github.com/Mindburn-Labs/wmag/pkg/auth"
	"github.com/Mindburn-Labs/wmag/pkg/config"
	"github.com/Mindburn-Labs/wmag/pkg/executor"
	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/hydrator"
	"github.com/Mindburn-Labs/wmag/pkg/pipeline"
	"github.com/Mindburn-Labs/wmag/pkg/planner"
	"github.com/Mindburn-Labs/wmag/pkg/ratelimit"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
	"github.com/Mindburn-Labs/wmag/pkg/store"
	"github.com/Mindburn-Labs/wmag/pkg/stream"
	"github.com/Mindburn-Labs/wmag/pkg/tools"
	"github.com/Mindburn-Labs/wmag/pkg/worker"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ring, err := hashchain.KeyringFromEnv()
	if err != nil {
		return err
	}
	chain := hashchain.New(ring)

	var (
		st        store.Store
		db        *sql.DB
		refresher *store.MVRefresher
	)
	if cfg.UsePostgres && cfg.DatabaseURL == "" {
		return errors.New("USE_POSTGRES is set but DATABASE_URL is empty")
	}
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		pg := store.NewPostgres(db, chain, cfg.TenantMaxConcurrent, logger).
			WithMVRefreshEvery(cfg.RefreshMVEvery)
		if err := pg.InitSchema(ctx); err != nil {
			return err
		}
		if err := pg.SaveAuditKeys(ctx, ring.Export()); err != nil {
			logger.Warn("persisting audit keys failed", "error", err)
		}
		refresher = store.NewMVRefresher(db, cfg.MVRefreshInterval, cfg.MVRefreshMaxBackoff, logger)
		go refresher.Run(ctx)
		st = pg
		logger.Info("store: postgres")
	} else {
		st = store.NewMemory(chain, cfg.TenantMaxConcurrent)
		logger.Info("store: memory")
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
	go func() {
		if err := wrk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", "error", err)
		}
	}()

	var limiter *ratelimit.Limiter
	switch {
	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.New(ratelimit.NewRedisCounters(client), cfg.RateLimitWindow)
		logger.Info("rate limits: redis", "addr", cfg.RedisAddr)
	case db != nil:
		limiter = ratelimit.New(ratelimit.NewPostgresCounters(db), cfg.RateLimitWindow)
	default:
		limiter = ratelimit.New(ratelimit.NewMemoryCounters(), cfg.RateLimitWindow)
	}

	keys, err := auth.APIKeysFromEnv()
	if err != nil {
		return err
	}
	var issuer *auth.Issuer
	var authSvc *auth.Service
	if cfg.JWTSecret != "" {
		issuer = auth.NewIssuer([]byte(cfg.JWTSecret), cfg.AccessTTL)
		authSvc = auth.NewService(keys, issuer, st, cfg.RefreshTTL)
	} else {
		logger.Warn("JWT_SECRET unset, API rejects all authenticated routes")
	}

	opts := api.Options{
		RegistryAdmin: provider,
		AuthService:   authSvc,
		Issuer:        issuer,
		Limiter:       limiter,
		Keyring:       ring,
		Heartbeat:     cfg.HeartbeatInterval,
	}
	if refresher != nil {
		opts.Refresher = refresher
	}
	server := api.NewServer(st, hub, provider, opts, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("wmagd listening", "port", cfg.Port)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
