package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/internal/handlers/console"
	"peercall/internal/infrastructure/monitoring"
	peersignal "peercall/internal/infrastructure/signal"
	webrtcinfra "peercall/internal/infrastructure/webrtc"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/peer.yaml", "path to the peer configuration file")
	role := flag.String("role", "", "session role, offerer or answerer (overrides config)")
	signalingURL := flag.String("signaling", "", "relay websocket URL (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("info").Sugar().Fatalw("Invalid configuration", "path", *configPath, "error", err)
	}
	if *role != "" {
		cfg.Session.Role = *role
	}
	if *signalingURL != "" {
		cfg.Signaling.URL = *signalingURL
	}
	if err := cfg.Validate(); err != nil {
		logger.New("info").Sugar().Fatalw("Invalid flags", "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(logger.WithSessionID(context.Background(), uuid.NewString()))
	defer cancel()
	log := logger.NewContextLogger(zapLogger).Sugar(ctx).With("service", "peer", "name", cfg.Session.DisplayName)

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("Failed to initialise tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewSessionCollector(registry)
	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		metricsSrv = startMetricsServer(cfg.Monitoring.MetricsAddress, registry, log)
	}

	wcfg := webrtcinfra.Config{
		PortMin:       cfg.WebRTC.PortRange.Min,
		PortMax:       cfg.WebRTC.PortRange.Max,
		PLIInterval:   cfg.WebRTC.PLIInterval,
		LoggerFactory: webrtcinfra.NewLoggerFactory(log),
	}
	for _, s := range cfg.WebRTC.ICEServers {
		wcfg.ICEServers = append(wcfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	api, err := webrtcinfra.NewAPI(wcfg)
	if err != nil {
		log.Fatalw("Failed to build WebRTC API", "error", err)
	}
	engine, err := webrtcinfra.NewEngine(api, wcfg, metrics, log)
	if err != nil {
		log.Fatalw("Failed to create peer connection", "error", err)
	}

	capture := webrtcinfra.NewSyntheticCapture(webrtcinfra.CaptureConfig{
		Camera:         cfg.Media.Camera,
		Microphone:     cfg.Media.Microphone,
		Screen:         cfg.Media.Screen,
		PacketInterval: cfg.Media.PacketInterval,
	}, log)
	defer capture.Close()

	client := peersignal.NewClient(peersignal.ClientConfig{
		URL:       cfg.Signaling.URL,
		Reconnect: cfg.Signaling.Reconnect,
	}, peersignal.NewWebSocketTransport(cfg.Signaling.DialTimeout, cfg.Signaling.WriteTimeout), log)

	presenter := console.NewPresenter(os.Stdout, log)
	session := services.NewSession(services.SessionConfig{
		Role:               domain.SessionRole(cfg.Session.Role),
		ChannelLabel:       cfg.Session.ChannelLabel,
		NegotiationTimeout: cfg.Negotiation.Timeout,
		RetryInterval:      cfg.Negotiation.RetryInterval,
		EventBuffer:        cfg.Session.EventBuffer,
	}, engine, client, capture, presenter, metrics, log)
	engine.Bind(session)

	if err := client.Connect(ctx); err != nil {
		log.Fatalw("Failed to reach the relay", "url", cfg.Signaling.URL, "error", err)
	}
	defer client.Close()

	if err := session.Start(); err != nil {
		log.Fatalw("Failed to start session", "error", err)
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("Session loop stopped", "error", err)
		}
	}()
	log.Infow("Joined call", "role", cfg.Session.Role, "relay", cfg.Signaling.URL)

	opts := console.Options{
		Camera: domain.Constraints{Video: true, Audio: cfg.Media.Microphone != ""},
	}
	if cfg.Media.StartCamera {
		if err := session.StartCamera(ctx, opts.Camera); err != nil {
			log.Warnw("Camera not started", "error", err)
		}
	}
	if cfg.Media.StartScreen {
		if err := session.StartScreenShare(ctx); err != nil {
			log.Warnw("Screen share not started", "error", err)
		}
	}

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- console.Loop(ctx, os.Stdin, os.Stdout, session, opts, log)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	case err := <-inputDone:
		if err != nil {
			log.Warnw("Input closed", "error", err)
		}
	case <-client.Lost():
		log.Warn("Relay connection lost")
	case <-session.Done():
		log.Info("Session ended")
	}

	log.Info("Leaving call...")
	cancel()
	session.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// the loop goroutine closes the peer connection on its way out
	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for the session to close")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Error stopping metrics server", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}
}

func startMetricsServer(address string, registry *prometheus.Registry, log *zap.SugaredLogger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("Serving metrics", "address", address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("Metrics server failed", "error", err)
		}
	}()
	return srv
}
