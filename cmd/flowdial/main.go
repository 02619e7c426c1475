package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/flowdial/flowdial/internal/api"
	"github.com/flowdial/flowdial/internal/api/middleware"
	"github.com/flowdial/flowdial/internal/channel"
	"github.com/flowdial/flowdial/internal/config"
	"github.com/flowdial/flowdial/internal/database"
	"github.com/flowdial/flowdial/internal/dialer"
	"github.com/flowdial/flowdial/internal/metrics"
	"github.com/flowdial/flowdial/internal/originate"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting flowdial",
		"http_port", cfg.HTTPPort,
		"originator", cfg.Originator,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Initialize encryptor for channel passwords at rest.
	var enc *database.Encryptor
	if keyBytes, err := cfg.EncryptionKeyBytes(); err != nil {
		slog.Error("failed to decode encryption key", "error", err)
		os.Exit(1)
	} else if keyBytes != nil {
		enc, err = database.NewEncryptor(keyBytes)
		if err != nil {
			slog.Error("failed to create encryptor", "error", err)
			os.Exit(1)
		}
		slog.Info("field encryption enabled")
	} else {
		slog.Warn("no encryption key configured, channel passwords will be stored in plaintext")
	}

	eventSecret, err := cfg.EventSecretBytes()
	if err != nil {
		slog.Error("failed to decode event secret", "error", err)
		os.Exit(1)
	}

	// Repositories.
	campaigns := database.NewCampaignRepository(db)
	contacts := database.NewContactRepository(db)
	identities := database.NewCallerIdentityRepository(db)
	channels := database.NewChannelRepository(db)
	callLogs := database.NewCallLogRepository(db)
	dnc := database.NewDNCRepository(db)

	// Channel pool: load stored channels, fall back to synthesized ones.
	pool := channel.NewPool(channels, identities, enc, cfg.ContactHost(), cfg.PromoteBusy, logger)
	pool.Connect(appCtx)
	pool.Start(appCtx)

	// Dispatch engine.
	engine := dialer.NewEngine(db, campaigns, contacts, identities, callLogs, dnc, pool, dialer.Config{
		DispatchInterval:  cfg.DispatchInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		HealthInterval:    cfg.HealthInterval,
		CallTimeout:       cfg.CallTimeout,
		DialRate:          cfg.DialRate,
		TokenFunc: func(callID string) (string, error) {
			return middleware.GenerateEventToken(eventSecret, callID)
		},
	}, logger)

	// Telephony backend. The engine is the event sink for both providers.
	var originator originate.Originator
	switch cfg.Originator {
	case "exec":
		originator = originate.NewExecOriginator(cfg.OriginatorCommand, engine, logger)
	default:
		sipOrig, err := originate.NewSIPOriginator(cfg.ContactHost(), cfg.SIPPort, engine, logger)
		if err != nil {
			slog.Error("failed to create sip originator", "error", err)
			os.Exit(1)
		}
		defer sipOrig.Close()
		originator = sipOrig
	}
	engine.SetOriginator(originator)
	engine.Start(appCtx)

	// Prometheus collector for the /metrics endpoint.
	prometheus.MustRegister(metrics.NewCollector(engine, pool, callLogs, time.Now()))

	// HTTP server using the api package.
	handler := api.NewServer(api.Config{
		APIToken:    cfg.APIToken,
		EventSecret: eventSecret,
	}, engine, pool, campaigns, contacts, callLogs, dnc)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Stopping the app context halts the
	// dispatch tickers; in-flight calls are bounded by the call timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("flowdial stopped")
}
