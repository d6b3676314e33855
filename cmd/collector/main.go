package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/amqpclient"
	"github.com/synaptiq/biopipe/internal/api"
	"github.com/synaptiq/biopipe/internal/collector"
	"github.com/synaptiq/biopipe/internal/config"
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
	log.Info().Str("version", version).Msg("collector starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := amqpclient.New(amqpclient.Options{
		URL: cfg.AMQPURL(),
		Topology: amqpclient.Topology{
			Exchanges: []amqpclient.ExchangeSpec{
				{Name: cfg.RawExchange, Kind: "fanout"},
			},
			Queues: []amqpclient.QueueSpec{
				{Name: cfg.ProcessingQueue, BindExchange: cfg.RawExchange},
				{Name: cfg.MediaQueue},
			},
		},
		Log: log,
	})
	defer broker.Close()

	handler := collector.NewHandler(broker, cfg.RawExchange, cfg.MediaQueue, log)

	if cfg.SpoolDir != "" {
		spool := collector.NewSpoolWatcher(broker, cfg.RawExchange, cfg.SpoolDir, cfg.SpoolUserID, log)
		if err := spool.Start(); err != nil {
			log.Fatal().Err(err).Str("spool_dir", cfg.SpoolDir).Msg("failed to start spool watcher")
		}
		defer spool.Stop()
	}

	health := api.NewHealthHandler(broker, nil, nil)
	srv := api.NewServer(cfg.HTTPAddr(), api.Timeouts{
		Read:  cfg.ReadTimeout,
		Write: cfg.WriteTimeout,
		Idle:  cfg.IdleTimeout,
	}, health, func(r chi.Router) { handler.Routes(r) }, log)

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

	log.Info().Msg("collector stopped")
}
