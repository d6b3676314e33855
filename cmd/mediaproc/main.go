package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/amqpclient"
	"github.com/synaptiq/biopipe/internal/api"
	"github.com/synaptiq/biopipe/internal/config"
	"github.com/synaptiq/biopipe/internal/database"
	"github.com/synaptiq/biopipe/internal/mediaproc"
	"github.com/synaptiq/biopipe/internal/storage"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("media processor starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.ConnectWithRetry(ctx, cfg.DatabaseDSN(), dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	store, err := storage.NewS3Store(storage.S3Options{
		Endpoint:  cfg.MinioURL(),
		Region:    cfg.MinioRegion,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Log:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create object store client")
	}
	if err := storage.EnsureBucketWithRetry(ctx, store, cfg.MediaBucket, 5, log); err != nil {
		log.Fatal().Err(err).Str("bucket", cfg.MediaBucket).Msg("failed to ensure bucket")
	}

	proc := mediaproc.New(store, db, cfg.MediaBucket, log)

	broker := amqpclient.New(amqpclient.Options{
		URL: cfg.AMQPURL(),
		Topology: amqpclient.Topology{
			Queues: []amqpclient.QueueSpec{
				{Name: cfg.MediaQueue},
			},
		},
		Log: log,
	})
	defer broker.Close()
	broker.Subscribe(cfg.MediaQueue, cfg.MediaPrefetch, proc.Handle)

	health := api.NewHealthHandler(broker, db, store)
	srv := api.NewServer(cfg.HTTPAddr(), api.Timeouts{
		Read:  cfg.ReadTimeout,
		Write: cfg.WriteTimeout,
		Idle:  cfg.IdleTimeout,
	}, health, nil, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("media processor stopped")
}
