package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qrpair/pairing-server/internal/config"
	"github.com/qrpair/pairing-server/internal/handler"
	"github.com/qrpair/pairing-server/internal/jobs"
	"github.com/qrpair/pairing-server/internal/metrics"
	"github.com/qrpair/pairing-server/internal/middleware"
	"github.com/qrpair/pairing-server/internal/redis"
	"github.com/qrpair/pairing-server/internal/service"
	"github.com/qrpair/pairing-server/internal/watch"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if !isProduction {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	be, err := openBackend(cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer be.Close()
	log.Info().Str("backend", cfg.StoreBackend).Msg("session store ready")

	var notifier watch.Notifier
	var limiter middleware.Limiter
	if redisClient != nil {
		notifier = watch.NewRedisBroker(redisClient)
		limiter = middleware.NewRedisRateLimiter(redisClient.Client, config.IssueRateLimitWindow)
		be.checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		notifier = watch.NewLocalBroker()
		limiter = middleware.NewRateLimiter(config.IssueRateLimitWindow)
	}
	defer notifier.Close()

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	protocols, err := service.NewDefaultRegistry(service.ProtocolConfig{
		DeviceLoginTTL:   cfg.DeviceLoginTTL(),
		PanelLoginTTL:    cfg.PanelLoginTTL(),
		DeviceLoginRoles: cfg.DeviceLoginRoles,
		PanelLoginRoles:  cfg.PanelLoginRoles,
	}, be.directory)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pairing protocols")
	}

	opts := []service.Option{
		service.WithMetrics(m),
		service.WithNotifier(notifier),
		service.WithMaxPending(cfg.MaxPendingPerIssuer),
		service.WithPollInterval(cfg.PollInterval()),
	}
	issuer, err := service.NewIssuer(be.store, protocols, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create issuer")
	}
	activator, err := service.NewActivator(be.store, protocols, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create activator")
	}
	resolver, err := service.NewResolver(be.store, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create resolver")
	}

	authMiddleware := middleware.NewAuthMiddleware(be.directory)
	issueRateLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.IssueRateLimitPerMin, redis.IssueRateLimitKey)
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(cfg.AdminPasswordHash, middleware.NewLoginRateLimiter())
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(config.MaxRequestBodyBytes)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	pairingHandler := handler.NewPairingHandler(handler.PairingHandlerConfig{
		Issuer:       issuer,
		Activator:    activator,
		Resolver:     resolver,
		Notifier:     notifier,
		Metrics:      m,
		PollInterval: cfg.PollInterval(),
		IssueLimit:   issueRateLimit.Handler,
		Auth:         authMiddleware.Handler,
	})
	adminHandler := handler.NewAdminHandler(be.store, be.directory)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", handler.Health(be.checks))
	r.Handle("/metrics", metrics.Handler(registry))

	r.Mount("/v1/pairing", pairingHandler.Routes())

	r.Route("/admin", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(adminAuthMiddleware.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(be.store, m, cfg.CleanupInterval(), cfg.SessionRetention())
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		// Watch streams stay open until the session settles.
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
