package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/config"
	"github.com/gantry-ai/gantry/pkg/gateway"
	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/middleware"
	"github.com/gantry-ai/gantry/pkg/models"
	"github.com/gantry-ai/gantry/pkg/observability"
	"github.com/gantry-ai/gantry/pkg/providers"
	"github.com/gantry-ai/gantry/pkg/spend"
	"github.com/gantry-ai/gantry/pkg/sso"
	"github.com/gantry-ai/gantry/pkg/storage"
)

// version is stamped at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to the YAML model list config (overrides GANTRY_CONFIG_PATH)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gantry: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	if configPath != "" {
		cfg.Gateway.ModelConfigPath = configPath
	}

	var fileCfg *config.FileConfig
	if cfg.Gateway.ModelConfigPath != "" {
		fc, err := config.LoadFile(cfg.Gateway.ModelConfigPath)
		if err != nil {
			return err
		}
		fileCfg = fc
		cfg.ApplySettings(fc)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("version", version).Info("starting gantry gateway")

	// OpenTelemetry
	if cfg.Observability.OTelEnabled {
		otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("otel init: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := otelProviders.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("otel shutdown failed")
			}
		}()
	}

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	// Model registry and hot reload
	var entries []config.ModelEntry
	if fileCfg != nil {
		entries = fileCfg.ModelList
	}
	modelRegistry, err := models.NewRegistry(entries)
	if err != nil {
		return fmt.Errorf("model list: %w", err)
	}
	logger.Infof("loaded %d model deployments", len(entries))

	if cfg.Gateway.ModelConfigPath != "" {
		watcher, err := config.NewWatcher(cfg.Gateway.ModelConfigPath, logger, func(fc *config.FileConfig) {
			if err := modelRegistry.Replace(fc.ModelList); err != nil {
				logger.WithError(err).Error("model list reload rejected")
			}
		})
		if err != nil {
			logger.WithError(err).Warn("config hot reload disabled")
		} else {
			go watcher.Run(ctx)
		}
	}

	// Postgres (optional: no DB means master-key-only operation)
	var db *sql.DB
	if cfg.Gateway.DatabaseURL != "" {
		db, err = storage.Connect(storage.DefaultPostgresConfig(cfg.Gateway.DatabaseURL))
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()

		if err := storage.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database connected and migrated")
		go reportDBStats(ctx, db, metrics)
	} else {
		logger.Warn("no DATABASE_URL set, virtual keys and SSO are disabled")
	}

	// Redis (optional)
	var redisClient *redis.Client
	if cfg.Gateway.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(storage.RedisConfig{URL: cfg.Gateway.RedisURL, DB: -1})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("redis connected")
	}

	providerRegistry := providers.NewRegistry(cfg.Gateway.UpstreamTimeout)
	limiter := middleware.NewKeyLimiter()
	limiter.StartCleanup(ctx)

	var redisLimiter *middleware.RedisKeyLimiter
	if redisClient != nil {
		redisLimiter = middleware.NewRedisKeyLimiter(redisClient)
	}

	// Database-backed components
	var (
		keyManager *auth.KeyManager
		audit      *auth.AuditRecorder
		tracker    *spend.Tracker
		reporter   *spend.Reporter
	)
	if db != nil {
		var upperbound *config.UpperboundKeyParams
		if fileCfg != nil {
			upperbound = fileCfg.GantrySettings.UpperboundKeyParams
		}
		keyManager = auth.NewKeyManager(db, auth.NewKeyGenerator(cfg.Gateway.SaltKey), logger, auth.KeyManagerOptions{
			Redis:      redisClient,
			Upperbound: upperbound,
			Metrics:    metrics,
		})
		audit = auth.NewAuditRecorder(db, logger)
		reporter = spend.NewReporter(db)

		callbacks, closeCallbacks, err := buildCallbacks(ctx, fileCfg, logger)
		if err != nil {
			return err
		}
		defer closeCallbacks()
		tracker = spend.NewTracker(db, keyManager, metrics, logger, callbacks...)
	}

	server := gateway.NewServer(gateway.Options{
		MasterKey:       cfg.Gateway.MasterKey,
		MaxRequestBytes: cfg.Gateway.MaxRequestBytes,
		Models:          modelRegistry,
		Providers:       providerRegistry,
		Keys:            keyManager,
		Tracker:         tracker,
		Reporter:        reporter,
		Audit:           audit,
		Limiter:         limiter,
		Redis:           redisLimiter,
		Metrics:         metrics,
		Logger:          logger,
	})

	// SSO routes attach to the gateway router with their own cookie auth
	var sessions *sso.SessionManager
	if db != nil && cfg.Gateway.ProxyBaseURL != "" {
		ssoHandlers := sso.NewHandlers(db, cfg.Gateway.ProxyBaseURL, cfg.Gateway.AdminUserID, audit, logger)
		ssoHandlers.RegisterRoutes(server.Router())
		sessions = sso.NewSessionManager(db)
		logger.Info("SSO routes registered")
	}

	// Maintenance jobs
	if db != nil && sessions != nil {
		scheduler, err := spend.NewScheduler(reporter, keyManager, sessions, metrics, logger)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	mainServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := &http.Server{
		Addr:        cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:     healthMux(promRegistry, db, redisClient, cfg.Observability.MetricsEnabled),
		ReadTimeout: 10 * time.Second,
	}

	sm := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, mainServer, healthServer)
	sm.RegisterShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	})

	g := new(errgroup.Group)
	g.Go(func() error {
		logger.Infof("gateway listening on %s", mainServer.Addr)
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("health/metrics listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(sm.WaitForShutdown)

	return g.Wait()
}

// buildCallbacks wires the general_settings callbacks into spend callbacks.
// The returned close function drains buffered callbacks at shutdown.
func buildCallbacks(ctx context.Context, fileCfg *config.FileConfig, logger *observability.Logger) ([]spend.Callback, func(), error) {
	noop := func() {}
	if fileCfg == nil {
		return nil, noop, nil
	}

	var callbacks []spend.Callback
	closeFn := noop

	for _, name := range fileCfg.GeneralSettings.Callbacks {
		switch name {
		case "webhook":
			if fileCfg.GeneralSettings.WebhookURL == "" {
				return nil, noop, fmt.Errorf("callback %q requires general_settings.webhook_url", name)
			}
			callbacks = append(callbacks,
				spend.NewWebhookCallback(spend.DefaultWebhookConfig(fileCfg.GeneralSettings.WebhookURL)))

		case "s3":
			archiver, err := spend.NewS3Archiver(ctx, spend.S3Config{
				Bucket:    fileCfg.GeneralSettings.S3Bucket,
				Region:    fileCfg.GeneralSettings.S3Region,
				Endpoint:  fileCfg.GeneralSettings.S3Endpoint,
				AccessKey: fileCfg.GeneralSettings.S3AccessKey,
				SecretKey: fileCfg.GeneralSettings.S3SecretKey,
			}, logger)
			if err != nil {
				return nil, noop, fmt.Errorf("s3 callback: %w", err)
			}
			callbacks = append(callbacks, archiver)
			closeFn = func() {
				drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer drainCancel()
				if err := archiver.Close(drainCtx); err != nil {
					logger.WithError(err).Warn("s3 archiver drain failed")
				}
			}

		case "prometheus":
			// Prometheus counting is built into the tracker

		default:
			return nil, noop, fmt.Errorf("unknown callback %q in general_settings.callbacks", name)
		}
	}
	return callbacks, closeFn, nil
}

func reportDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
		}
	}
}

func healthMux(registry *prometheus.Registry, db *sql.DB, redisClient *redis.Client, metricsEnabled bool) http.Handler {
	router := mux.NewRouter()
	checker := observability.NewHealthChecker(db, redisClient)
	router.HandleFunc("/health/liveness", checker.Liveness).Methods("GET")
	router.HandleFunc("/health/readiness", checker.Readiness).Methods("GET")
	if metricsEnabled {
		router.Handle("/metrics", observability.Handler(registry)).Methods("GET")
	}
	return httputil.Chain(httputil.RecoveryMiddleware, httputil.RequestIDMiddleware)(router)
}
