package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/openchess/go/internal/config"
	"github.com/mcdev12/openchess/go/internal/relay/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.InstanceID = cfg.Relay.InstanceID
	gatewayConfig.InactivityTimeout = cfg.Relay.InactivityTimeout
	gatewayConfig.SweepInterval = cfg.Relay.SweepInterval
	gatewayConfig.AllowedOrigins = cfg.Relay.AllowedOrigins

	var opts []gateway.Option

	if cfg.Relay.Redis.Addr != "" {
		presence, err := gateway.NewRedisPresence(ctx, gateway.RedisConfig{
			Addr:      cfg.Relay.Redis.Addr,
			Password:  cfg.Relay.Redis.Password,
			DB:        cfg.Relay.Redis.DB,
			KeyPrefix: cfg.Relay.Redis.KeyPrefix,
		})
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Relay.Redis.Addr).Msg("failed to connect to redis")
		}
		defer presence.Close()
		opts = append(opts, gateway.WithPresence(presence))
	}

	if cfg.Relay.NATS.URL != "" {
		natsConfig := gateway.DefaultNATSConfig()
		natsConfig.URL = cfg.Relay.NATS.URL
		if cfg.Relay.NATS.SubjectPrefix != "" {
			natsConfig.SubjectPrefix = cfg.Relay.NATS.SubjectPrefix
		}
		bus, err := gateway.NewNATSBus(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Str("url", natsConfig.URL).Msg("failed to connect to NATS")
		}
		opts = append(opts, gateway.WithBus(bus))
	}

	if cfg.Relay.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, gateway.WithMetrics(gateway.NewPrometheusMetrics(registry), registry))
	}

	service := gateway.NewService(gatewayConfig, opts...)

	log.Info().
		Str("port", cfg.Relay.Port).
		Bool("redis", cfg.Relay.Redis.Addr != "").
		Bool("nats", cfg.Relay.NATS.URL != "").
		Bool("metrics", cfg.Relay.MetricsEnabled).
		Msg("starting relay gateway")

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Relay.Port),
		Handler:     service.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
	}

	log.Info().Msg("relay gateway shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
