package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/siryox/socketwss/internal/admission"
	"github.com/siryox/socketwss/internal/apiclient"
	"github.com/siryox/socketwss/internal/config"
	"github.com/siryox/socketwss/internal/httpapi"
	"github.com/siryox/socketwss/internal/observability"
	"github.com/siryox/socketwss/internal/registry"
	"github.com/siryox/socketwss/internal/scheduler"
	"github.com/siryox/socketwss/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config error")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := tasks.NewFileStore(cfg.TasksFile)
	if err != nil {
		log.Fatal().Err(err).Msg("snapshot store init failed")
	}

	table := tasks.NewTable()
	conns := registry.New()
	api := apiclient.New(cfg.APITimeout, strings.TrimRight(cfg.WebhookBaseURL, "/")+"/webhook", log)

	sched := scheduler.New(
		scheduler.Config{
			PollInterval:      cfg.PollInterval,
			DefaultExecutions: cfg.DefaultExecutions,
		},
		table, store, conns, api, log, metrics,
	)

	ctx := context.Background()
	if cfg.DatabaseURL != "" {
		audit, err := tasks.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("audit store init failed")
		}
		defer audit.Close()
		sched.SetAuditStore(audit)
		log.Info().Msg("postgres audit mirror enabled")
	}

	if err := sched.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("snapshot restore failed")
	}

	admit := admission.NewController(admission.Config{
		MaxPerSource:  cfg.MaxConnsPerSource,
		RatePerSource: cfg.ConnRatePerSource,
		CheckOrigin:   cfg.CheckOrigin,
		Origins:       cfg.AllowedOrigins,
	}, log, metrics)

	srv := httpapi.New(sched, conns, admit, log, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sched.StartPoller(runCtx)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
