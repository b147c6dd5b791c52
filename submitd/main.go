package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/popgenlabs/slurmflow/internal/platform/auth"
	"github.com/popgenlabs/slurmflow/internal/platform/env"
	"github.com/popgenlabs/slurmflow/internal/platform/httpserver"
	"github.com/popgenlabs/slurmflow/internal/platform/objectstore"
	"github.com/popgenlabs/slurmflow/internal/platform/postgres"
	repopg "github.com/popgenlabs/slurmflow/internal/repo/postgres"
	"github.com/popgenlabs/slurmflow/internal/scheduler"
	storage "github.com/popgenlabs/slurmflow/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("SUBMITD_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("SUBMITD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	scriptDir := env.String("SUBMITD_SCRIPT_DIR", "/var/lib/slurmflow/scripts")
	execBin := env.String("SUBMITD_EXEC_BIN", "")
	reportURL := env.String("SUBMITD_REPORT_URL", "")
	syncInterval, err := env.Duration("SUBMITD_SYNC_INTERVAL", 15*time.Second)
	if err != nil {
		logger.Error("invalid sync interval", "error", err)
		os.Exit(2)
	}

	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		logger.Error("script dir unavailable", "dir", scriptDir, "error", err)
		os.Exit(1)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc provider unavailable", "error", err)
			os.Exit(1)
		}
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	default:
		authenticator = auth.DisabledAuthenticator{}
	}

	sched := scheduler.NewSlurm()
	if err := sched.Available(); err != nil {
		logger.Warn("scheduler binaries not found, submissions will fail until available", "error", err)
	}

	submissions := repopg.NewSubmissionStore(db)
	stageResults := repopg.NewStageResultStore(db)
	logStore, err := storage.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store wrapper init failed", "error", err)
		os.Exit(2)
	}

	api := newSubmitAPI(logger, db, submissions, stageResults, sched, logStore, storeCfg, scriptDir, execBin, reportURL)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz("submitd"))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks("submitd",
		httpserver.ReadinessCheck{Name: "database", Check: func(ctx context.Context) error {
			return db.PingContext(ctx)
		}},
		httpserver.ReadinessCheck{Name: "scheduler", Check: func(ctx context.Context) error {
			return sched.Available()
		}},
		httpserver.ReadinessCheck{Name: "object_store", Check: func(ctx context.Context) error {
			return objectstore.CheckBuckets(ctx, storeClient, storeCfg)
		}},
	))
	api.register(mux)

	authMiddleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     authorizeByMode(authCfg.Mode),
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}
	handler := httpserver.Wrap(logger, "submitd", authMiddleware.Wrap(mux))

	startSubmissionSyncer(ctx, logger, submissions, sched, syncInterval)

	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         "submitd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, handler); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// authorizeByMode requires the submitter role only when a real identity
// provider is in play. Disabled mode is for single-user head nodes.
func authorizeByMode(mode auth.Mode) auth.AuthorizeFunc {
	if mode == auth.ModeDisabled {
		return nil
	}
	return auth.RequireRole("submitter")
}
