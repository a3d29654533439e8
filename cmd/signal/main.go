package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/services"
	httphandlers "castwave/internal/handlers/http"
	"castwave/internal/infrastructure/middleware"
	"castwave/internal/infrastructure/monitoring"
	"castwave/internal/infrastructure/repositories"
	signalinfra "castwave/internal/infrastructure/signal"
	webrtcinfra "castwave/internal/infrastructure/webrtc"
	"castwave/pkg/config"
	"castwave/pkg/logger"
	"castwave/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type stateSubscriber interface {
	Subscribe(ctx context.Context, fn func(*domain.BroadcastState)) error
}

func loadConfig() (*config.Config, string) {
	configPaths := []string{
		os.Getenv("CASTWAVE_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/castwave/config.yaml",
		"config.yaml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			// A present but broken file is a deployment error, not a fallback case.
			zap.NewExample().Sugar().Fatalw("invalid configuration", "path", path, "error", err)
		}
		return cfg, path
	}

	cfg, err := config.Load("")
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "error", err)
	}
	return cfg, ""
}

func engineConfig(cfg *config.Config) webrtcinfra.Config {
	ec := webrtcinfra.Config{
		ListenIP:      cfg.Engine.ListenIP,
		AnnouncedIP:   cfg.Engine.AnnouncedIP,
		ICELite:       cfg.Engine.ICELite,
		GatherTimeout: cfg.Engine.GatherTimeout,
	}
	ec.PortRange.Min = cfg.Engine.PortRange.Min
	ec.PortRange.Max = cfg.Engine.PortRange.Max

	for _, s := range cfg.Engine.ICEServers {
		ec.ICEServers = append(ec.ICEServers, webrtcinfra.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	for _, c := range cfg.Engine.Codecs {
		codec := webrtcinfra.Codec{
			Kind:        domain.MediaKind(c.Kind),
			MimeType:    c.MimeType,
			PayloadType: c.PayloadType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			Parameters:  c.Parameters,
		}
		for _, fb := range c.RtcpFeedback {
			codec.RtcpFeedback = append(codec.RtcpFeedback, domain.RtcpFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}
		ec.Codecs = append(ec.Codecs, codec)
	}
	return ec
}

func main() {
	cfg, configPath := loadConfig()

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	log.Infow("configuration loaded", "path", configPath, "address", cfg.Server.Address)

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Media engine
	sfu, err := webrtcinfra.NewSFU(engineConfig(cfg), log.Named("engine"))
	if err != nil {
		log.Fatalw("failed to start media engine", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	policy, err := services.ParseBroadcasterPolicy(cfg.Session.BroadcasterPolicy)
	if err != nil {
		log.Fatalw("invalid broadcaster policy", "error", err)
	}
	session := services.NewSessionService(sfu, services.Options{
		Logger:            log.Named("session"),
		CallTimeout:       cfg.Engine.CallTimeout,
		BroadcasterPolicy: policy,
		DiscoveryMode:     services.DiscoveryMode(cfg.Session.DiscoveryMode),
		Observer:          collector,
	})

	// State store
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log.Named("repositories"))
	stateRepo := repoFactory.CreateBroadcastRepository()
	publisher := services.NewStatePublisher(session, stateRepo, cfg.Session.PublishInterval, log.Named("publisher"))

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddEngineCheck(sfu)
	healthChecker.AddStateStoreCheck(stateRepo, 2*time.Second)

	// Signaling
	wsOpts := signalinfra.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		RateLimitEnabled:  cfg.RateLimiting.Enabled,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
	}
	wsServer := signalinfra.NewWebSocketServer(session, wsOpts, collector, zapLogger.Named("signal"))

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	httphandlers.NewHealthHandler(healthChecker, wsServer.ConnectionCount).SetupRoutes(router)
	httphandlers.NewBroadcastHandler(stateRepo, session).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	go session.Run(ctx)
	go publisher.Run(ctx)
	go collector.Run(ctx, session, cfg.Monitoring.MetricsInterval)

	if sub, ok := stateRepo.(stateSubscriber); ok {
		go func() {
			err := sub.Subscribe(ctx, func(state *domain.BroadcastState) {
				log.Debugw("broadcast state published",
					"broadcaster", state.Broadcaster,
					"viewer_count", state.ViewerCount,
					"producers", len(state.Producers),
				)
			})
			if err != nil {
				log.Warnw("broadcast state subscription ended", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting castwave signaling server",
			"address", cfg.Server.Address,
			"path", cfg.Signal.Path,
			"redis", repoFactory.UsingRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case <-sfu.Died():
		// Live sessions cannot recover without the engine; let the supervisor restart us.
		log.Errorw("media engine died, exiting", "grace_period", cfg.Engine.DeathGracePeriod)
		wsServer.Shutdown()
		time.Sleep(cfg.Engine.DeathGracePeriod)
		zapLogger.Sync()
		os.Exit(1)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down castwave signaling server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	wsServer.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	cancel()

	if err := sfu.Close(); err != nil {
		log.Errorw("error closing media engine", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("castwave signaling server stopped")
}
