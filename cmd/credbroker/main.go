package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/credbroker/internal/adapter/driven/browser"
	httphandler "github.com/ericfisherdev/credbroker/internal/adapter/driving/http"
	"github.com/ericfisherdev/credbroker/internal/application"
	"github.com/ericfisherdev/credbroker/internal/bootstrap"
	"github.com/ericfisherdev/credbroker/internal/config"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on malformed env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser := bootstrap.NewLogger(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"cache_backend", cfg.CacheBackend,
		"mail_source", cfg.MailSource,
		"max_attempts", cfg.MaxAttempts,
		"upstream", cfg.UpstreamBaseURL,
	)
	if !cfg.HasLoginCredentials() {
		slog.Warn("no login credentials configured, acquisitions will fail until CREDBROKER_LOGIN_EMAIL and CREDBROKER_LOGIN_PASSWORD are set")
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the credential cache backend.
	stores, err := bootstrap.NewStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stores.Close(); closeErr != nil {
			slog.Error("error closing stores", "error", closeErr)
		}
	}()

	// 4. Metrics registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := application.NewMetrics(reg)

	// 5. Wire driven adapters.
	source, err := bootstrap.NewMessageSource(cfg, logger)
	if err != nil {
		return err
	}

	flow, err := loginFlow(cfg)
	if err != nil {
		return err
	}
	acquirer := browser.New(browser.Config{
		Flow:          flow,
		Headless:      cfg.Headless,
		InstallDriver: cfg.InstallBrowser,
		ArtifactDir:   cfg.ArtifactDir,
	}, logger)
	defer func() {
		if closeErr := acquirer.Close(); closeErr != nil {
			slog.Error("error stopping browser driver", "error", closeErr)
		}
	}()

	// 6. Application services.
	cache := application.NewCredentialCache(stores.Record, application.CacheOptions{
		FallbackTTL: cfg.FallbackTTL,
		SafetySkew:  cfg.SafetySkew,
	}, logger)

	correlator := application.NewMessageCorrelator(source, logger, application.WithCorrelatorMetrics(metrics))

	orchOpts := []application.OrchestratorOption{application.WithOrchestratorMetrics(metrics)}
	if stores.History != nil {
		orchOpts = append(orchOpts, application.WithAcquisitionLog(stores.History))
	}
	orchestrator := application.NewAcquisitionOrchestrator(acquirer, correlator, cache, application.OrchestratorConfig{
		Credentials: model.LoginCredentials{Email: cfg.LoginEmail, Password: cfg.LoginPassword},
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		OTP: application.OTPPolicy{
			Sender:       cfg.OTPSender,
			PollAttempts: cfg.OTPPollAttempts,
			PollInterval: cfg.OTPPollInterval,
			MaxAge:       cfg.OTPMaxAge,
			MinLength:    cfg.OTPMinLength,
			MaxLength:    cfg.OTPMaxLength,
		},
	}, logger, orchOpts...)

	refreshSvc := application.NewRefreshService(orchestrator, cfg.RefreshInterval, cfg.RefreshAhead)
	go refreshSvc.Start(ctx)

	// 7. HTTP handler.
	apiHandler := httphandler.NewHandler(orchestrator, logger,
		httphandler.WithRefresher(refreshSvc),
		httphandler.WithUpstream(cfg.UpstreamBaseURL, &http.Client{Timeout: 60 * time.Second}),
		httphandler.WithMetrics(reg),
		httphandler.WithAPIKey(cfg.APIKey),
		httphandler.WithAcquireTimeout(cfg.AcquireTimeout),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A cold request waits for a full login sequence.
		WriteTimeout: cfg.AcquireTimeout + 90*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	// 8. Log startup complete.
	slog.Info("credbroker started",
		"listen_addr", cfg.ListenAddr,
		"refresh_interval", cfg.RefreshInterval,
		"proxy_enabled", cfg.UpstreamBaseURL != "",
	)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with 10s timeout for in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// 11. Log shutdown complete.
	slog.Info("shutdown complete")
	return nil
}

// loginFlow layers the optional YAML profile and the env overrides on top
// of the default selectors.
func loginFlow(cfg *config.Config) (browser.Flow, error) {
	flow := browser.DefaultFlow()
	if cfg.FlowFile != "" {
		loaded, err := browser.LoadFlow(cfg.FlowFile, flow)
		if err != nil {
			return browser.Flow{}, err
		}
		flow = loaded
	}
	if cfg.LoginURL != "" {
		flow.LoginURL = cfg.LoginURL
	}
	if cfg.PostLoginURL != "" {
		flow.PostLoginURL = cfg.PostLoginURL
	}
	if cfg.PostLoginSelector != "" {
		flow.PostLoginSelector = cfg.PostLoginSelector
	}
	return flow, nil
}
