package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httphandlers "peercall/internal/handlers/http"
	"peercall/internal/infrastructure/distributed"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
	relaysignal "peercall/internal/infrastructure/signal"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to the relay configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// config errors are reported before a logger exists
		logger.New("info").Sugar().Fatalw("Invalid configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("service", "relay")

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("Failed to initialise tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	relayCfg := relaysignal.RelayConfig{
		MaxParties:      cfg.Relay.MaxParties,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		PingInterval:    cfg.Relay.PingInterval,
		PongTimeout:     cfg.Relay.PongTimeout,
		WriteTimeout:    cfg.Relay.WriteTimeout,
		SendQueue:       cfg.Relay.SendQueue,
		AllowedOrigins:  cfg.Relay.AllowedOrigins,
	}
	if cfg.Relay.RateLimit.Enabled {
		relayCfg.MessagesPerSecond = cfg.Relay.RateLimit.MessagesPerSecond
		relayCfg.Burst = cfg.Relay.RateLimit.Burst
	}

	opts := []relaysignal.RelayOption{
		relaysignal.WithRelayMetrics(monitoring.NewRelayCollector(registry)),
	}

	health := monitoring.NewHealthChecker(log)

	if cfg.Redis.Enabled {
		client, err := distributed.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("Failed to connect to Redis", "address", cfg.Redis.Address, "error", err)
		}
		defer client.Close()

		instanceID := uuid.NewString()
		ttl := cfg.Relay.PongTimeout + cfg.Relay.PingInterval
		bridge := distributed.NewRelayBridge(client, cfg.Redis.Channel, instanceID, log)
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			log.Warnw("Relay bridge circuit breaker", "from", from, "to", to)
		})
		bridge.UseBreaker(breaker)
		opts = append(opts,
			relaysignal.WithBroker(bridge),
			relaysignal.WithPartyRegistry(distributed.NewPartyRegistry(client, cfg.Redis.Channel+":parties", ttl)),
		)
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
		log.Infow("Redis bridge enabled", "address", cfg.Redis.Address, "channel", cfg.Redis.Channel, "instance_id", instanceID)
	}

	relay := relaysignal.NewRelay(relayCfg, log, opts...)
	health.StartBackgroundChecks(ctx)

	relayErr := make(chan error, 1)
	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			relayErr <- err
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewRelayHandler(relay, health).SetupRoutes(router, middleware.NewUpgradeRateLimitMiddleware(cfg))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting relay", "address", cfg.Relay.Address, "max_parties", cfg.Relay.MaxParties)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case err := <-relayErr:
		log.Errorw("Relay bridge failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down relay...")
	cancel()
	relay.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("Relay stopped")
}
