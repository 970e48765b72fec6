// Package main is the entry point for the CartoGraph API server.
//
// It loads configuration, connects Postgres and SQS, wires the repositories
// and handlers onto the core HTTP chassis, and serves until a shutdown
// signal arrives.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"cartograph/internal/api/handlers"
	"cartograph/internal/billing"
	"cartograph/internal/config"
	"cartograph/internal/core"
	"cartograph/internal/db"
	"cartograph/internal/external"
	"cartograph/internal/queue"
	"cartograph/internal/tiering"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main can exit cleanly on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("cartograph API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})

	// Repositories.
	workspaces := db.NewWorkspaceRepository(pool, logger)
	domains := db.NewDomainRepository(pool)
	alerts := db.NewAlertRepository(pool)
	endpoints := db.NewWebhookRepository(pool)

	// Publishers.
	tasks := queue.NewTaskPublisher(sqsClient, cfg.AWS, logger)
	jobs := queue.NewWebhookPublisher(sqsClient, cfg.AWS, logger)

	// Stripe.
	stripeClient := external.NewStripeClient(&http.Client{Timeout: 20 * time.Second}, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		Logger:    logger,
	})
	lifecycle := billing.NewLifecycle(
		workspaces,
		stripeClient,
		cfg.Billing.PriceToTier(),
		cfg.Billing.FoundingMemberCap,
		logger,
	)

	catalog := tiering.NewCatalog()

	srv, err := core.NewServer(cfg, workspaces, catalog, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
	}

	// Handlers.
	fanout := handlers.NewWebhookFanout(endpoints, jobs, logger)
	domainsHandler := handlers.NewDomainsHandler(domains, workspaces, tasks, fanout, catalog, srv.Validator, logger)
	exportsHandler := handlers.NewExportsHandler(domains, workspaces, catalog, logger)
	alertsHandler := handlers.NewAlertsHandler(alerts, catalog, srv.Validator, logger)
	endpointsHandler := handlers.NewEndpointsHandler(endpoints, jobs, catalog, srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(workspaces, stripeClient, cfg.Server, cfg.Billing, srv.Validator, logger)
	stripeHandler := handlers.NewStripeWebhookHandler(lifecycle, &external.StripeVerifier{}, cfg.Billing.StripeWebhookSecret, logger)
	tokensHandler := handlers.NewTokensHandler(workspaces, logger)
	usageHandler := handlers.NewUsageHandler(workspaces, catalog, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		domainsHandler.RegisterRoutes,
		// The export route must register before the /domains/{domain}
		// wildcard would otherwise swallow "export"; chi routes static
		// segments first, so ordering here is for readability only.
		exportsHandler.RegisterRoutes,
		alertsHandler.RegisterRoutes,
		endpointsHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
		stripeHandler.RegisterRoutes,
		tokensHandler.RegisterRoutes,
		usageHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return serveHTTP(srv, cfg, logger)
}

// serveHTTP runs the server with graceful shutdown on SIGINT/SIGTERM.
func serveHTTP(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates the process-wide JSON logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
