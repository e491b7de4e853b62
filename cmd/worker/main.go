package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"chatreel/internal/blob"
	"chatreel/internal/config"
	"chatreel/internal/queue"
	"chatreel/internal/renderer"
	"chatreel/internal/store"
	"chatreel/internal/telemetry"
	"chatreel/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("component", "worker").
		Logger()

	ctx, cancel := signal.NotifyContext(log.WithContext(context.Background()), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	blobs, err := blob.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init blob store")
	}

	var q worker.Queue
	if cfg.QueueEnabled() {
		q = queue.NewDispatcher(cfg)
	} else {
		log.Info().Dur("interval", cfg.WorkerPollInterval).Msg("no redis configured, polling for pending jobs")
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	rc := renderer.NewHTTPClient(cfg.RendererURL, cfg.RenderTimeout)
	processor := worker.New(cfg, st, q, rc, blobs, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Str("renderer", cfg.RendererURL).
		Bool("queue", cfg.QueueEnabled()).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("worker stopped")
	}
}
