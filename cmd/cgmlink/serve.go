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

	"github.com/ericfisherdev/cgmlink/internal/adapter/driven/cipher"
	"github.com/ericfisherdev/cgmlink/internal/adapter/driven/dexcom"
	sqliteadapter "github.com/ericfisherdev/cgmlink/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/cgmlink/internal/adapter/driving/http"
	"github.com/ericfisherdev/cgmlink/internal/application"
	"github.com/ericfisherdev/cgmlink/internal/config"
	"github.com/ericfisherdev/cgmlink/internal/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// writeTimeout covers the slowest data read: a refresh, a fetch, the retry
// wait and one retried fetch, each vendor call bounded by upstream, plus
// headroom for the credential write.
func writeTimeout(upstream time.Duration) time.Duration {
	return 3*upstream + application.MaxRetryWait + 10*time.Second
}

func runServe(parent context.Context) error {
	logger := slog.Default()

	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	baseURL := cfg.DexcomBaseURL
	if baseURL == "" {
		baseURL = dexcom.BaseURLForEnvironment(cfg.DexcomEnvironment)
	}
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"dexcom_environment", cfg.DexcomEnvironment,
		"dexcom_base_url", baseURL,
		"rate_limit", cfg.RateLimit,
		"rate_window", cfg.RateWindow,
		"refresh_threshold", cfg.RefreshThreshold,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the cipher before touching the database so a bad key fails fast.
	aead, err := cipher.NewFromBase64(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("CGMLINK_SECRET_KEY: %w", err)
	}

	auth, err := httphandler.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("CGMLINK_JWT_SECRET: %w", err)
	}

	// 4. Open database (dual reader/writer with WAL mode) and migrate.
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Info("database opened", "path", cfg.DBPath)

	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", "version", version)

	// 5. Wire adapters.
	rec := metrics.Init(cfg.MetricsEnabled)
	governor := application.NewRateGovernor(cfg.RateLimit, cfg.RateWindow,
		application.WithQuotaRecorder(rec))

	client, err := dexcom.NewClient(dexcom.Config{
		ClientID:     cfg.DexcomClientID,
		ClientSecret: cfg.DexcomClientSecret,
		RedirectURI:  cfg.DexcomRedirectURI,
		BaseURL:      baseURL,
		AuthBaseURL:  cfg.DexcomAuthBaseURL,
		Timeout:      cfg.UpstreamTimeout,
	}, governor, logger, dexcom.WithCallRecorder(rec))
	if err != nil {
		return err
	}

	credentialStore := sqliteadapter.NewCredentialRepo(db, aead)
	userStore := sqliteadapter.NewUserRepo(db)
	stateStore := sqliteadapter.NewAuthStateRepo(db)

	// 6. Create services.
	tokenSvc := application.NewTokenService(credentialStore, userStore, stateStore, aead, client, logger,
		application.WithRefreshThreshold(cfg.RefreshThreshold),
		application.WithStateTTL(cfg.StateTTL),
		application.WithTokenRecorder(rec),
	)
	gateway := application.NewGateway(tokenSvc, client, governor, logger)

	// 7. Create HTTP handler and routes.
	opts := httphandler.MuxOptions{Recorder: rec}
	if cfg.MetricsEnabled {
		opts.Metrics = rec.Handler()
	}
	apiHandler := httphandler.NewHandler(tokenSvc, gateway, db, logger)
	handler := httphandler.NewServeMux(apiHandler, auth, logger, opts)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout(cfg.UpstreamTimeout),
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("cgmlink started",
		"listen_addr", cfg.ListenAddr,
		"metrics_enabled", cfg.MetricsEnabled,
	)

	// 8. Wait for shutdown signal or listener failure.
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// 9. Graceful shutdown with 10s timeout to drain in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
