package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/DukeRupert/geepity/internal"
	"github.com/DukeRupert/geepity/internal/archive"
	"github.com/DukeRupert/geepity/internal/auth"
	"github.com/DukeRupert/geepity/internal/billing"
	"github.com/DukeRupert/geepity/internal/handler"
	"github.com/DukeRupert/geepity/internal/jobs"
	"github.com/DukeRupert/geepity/internal/metrics"
	"github.com/DukeRupert/geepity/internal/middleware"
	"github.com/DukeRupert/geepity/internal/notify"
	"github.com/DukeRupert/geepity/internal/scheduler"
	"github.com/DukeRupert/geepity/internal/service"
	"github.com/DukeRupert/geepity/internal/store"
	"github.com/DukeRupert/geepity/internal/tracing"
	"github.com/DukeRupert/geepity/internal/upstream"
	"github.com/DukeRupert/geepity/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:   cfg.OTLPEndpoint,
		SampleRate: cfg.TracingSampleRate,
		Enabled:    cfg.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	// Initialize account store
	accounts, events, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Account store ready", "provider", cfg.AccountStore)

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.FirebaseProjectID, cfg.FirebaseJWKSURL)
	if err != nil {
		return fmt.Errorf("token verifier initialization failed: %w", err)
	}

	sender, err := newPushSender(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("push sender initialization failed: %w", err)
	}

	archiver, err := newArchiver(cfg, logger)
	if err != nil {
		return fmt.Errorf("archive initialization failed: %w", err)
	}

	// ==========================================================================
	// Background worker
	// ==========================================================================

	wrk, err := worker.New(worker.Config{
		Concurrency:     cfg.NotifyConcurrency,
		QueueSize:       cfg.NotifyQueueSize,
		JobTimeout:      cfg.NotifyJobTimeout,
		ShutdownTimeout: shutdownTimeout,
		MaxAttempts:     cfg.NotifyMaxAttempts,
		RetryBaseDelay:  worker.DefaultConfig().RetryBaseDelay,
	}, logger)
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}

	notifier := notify.NewQueueNotifier(wrk, logger)
	wrk.Register(jobs.NewSendNotificationHandler(accounts, sender, logger))
	resetJob := jobs.NewMonthlyResetJob(accounts, notifier, logger)

	// ==========================================================================
	// Services and handlers
	// ==========================================================================

	var billingService billing.Service
	if cfg.StripeWebhookSecret != "" {
		billingService = billing.NewStripeService(billing.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		logger.Info("Stripe webhooks enabled")
	}

	usageService := service.NewUsageService(accounts, notifier, logger)
	subscriptionService := service.NewSubscriptionService(accounts, events, archiver, notifier, logger)

	streamer := upstream.New()
	freeProxy := handler.NewProxyHandler(cfg.FreePolicy(), verifier, usageService, streamer, cfg.RequestTimeout, logger)
	proProxy := handler.NewProxyHandler(cfg.ProPolicy(), verifier, usageService, streamer, cfg.RequestTimeout, logger)
	webhookHandler := handler.NewWebhookHandler(subscriptionService, billingService, cfg.RevenueCatWebhookSecret, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	var routeMiddleware []func(http.Handler) http.Handler
	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, logger)
		routeMiddleware = append(routeMiddleware, middleware.NewRateLimitMiddleware(limiter, logger).Limit)
	}

	freeProxy.RegisterRoutes(mux, routeMiddleware...)
	proProxy.RegisterRoutes(mux, routeMiddleware...)
	webhookHandler.RegisterRoutes(mux, routeMiddleware...)

	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)
	if !metricsAuth.Enabled() {
		logger.Warn("METRICS_USERNAME and METRICS_PASSWORD are not set; /metrics is unprotected")
	}
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	stack := middleware.Stack(
		middleware.RequestID,
		middleware.NewRequestLoggingMiddleware(logger).Handler,
		metrics.Middleware,
		middleware.NewSecurityHeadersMiddleware(!cfg.IsDevelopment()).Handler,
	)

	// No WriteTimeout: streams are bounded by REQUEST_TIMEOUT instead.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           stack(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// ==========================================================================
	// Start worker, scheduler and server
	// ==========================================================================

	// Jobs keep running while the worker drains after a shutdown signal.
	workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorker()
	wrk.Start(workerCtx)

	sched := scheduler.New(workerCtx, logger)
	if cfg.ResetEnabled {
		id, err := sched.Add(cfg.ResetSchedule, "monthly_reset", resetJob.Run)
		if err != nil {
			return err
		}
		logger.Info("Monthly reset scheduled", "schedule", cfg.ResetSchedule, "next", sched.Next(id))
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}

		for _, p := range []*handler.ProxyHandler{freeProxy, proProxy} {
			if err := p.Wait(shutdownCtx); err != nil {
				logger.Error("Pending settlements abandoned", "path", p.Path(), "error", err)
			}
		}

		select {
		case <-sched.Stop().Done():
		case <-shutdownCtx.Done():
			// Unblocks a reset still waiting on the queue.
			logger.Warn("Scheduled tasks still running at shutdown")
			cancelWorker()
		}
		wrk.Stop()
		cancelWorker()

		if limiter != nil {
			limiter.Stop()
		}
		if err := accounts.Close(); err != nil {
			logger.Error("Account store close error", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("Tracing shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// openStores opens the configured account store and the billing event
// ledger that goes with it.
func openStores(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (store.AccountStore, store.EventLog, error) {
	switch cfg.AccountStore {
	case store.ProviderPostgres:
		db, err := sql.Open("pgx", cfg.DatabaseUrl)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		if err := internal.RunMigrations(ctx, db, logger); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		return store.NewPostgresStore(db), store.NewPostgresEventLog(db), nil

	case store.ProviderRedis:
		client, err := store.NewRedisClient(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		accounts := store.NewRedisStore(client, store.WithKeyPrefix(cfg.RedisKeyPrefix))
		events := store.NewRedisEventLog(client, cfg.RedisKeyPrefix+"event:", store.DefaultEventTTL)
		return accounts, events, nil

	default:
		logger.Warn("Using in-memory account store; records are lost on restart")
		return store.NewMemoryStore(), store.NewMemoryEventLog(), nil
	}
}

func newPushSender(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (notify.Sender, error) {
	if cfg.PushProvider != notify.ProviderFCM {
		logger.Info("Push notifications are logged, not sent", "provider", cfg.PushProvider)
		return notify.NewLogSender(logger), nil
	}

	if cfg.GoogleCredentialsFile == "" {
		logger.Warn("GOOGLE_APPLICATION_CREDENTIALS is not set; FCM falls back to ambient credentials")
	}
	sender, err := notify.NewFCMSender(ctx, cfg.FirebaseProjectID, logger)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// newArchiver returns nil when archiving is disabled.
func newArchiver(cfg *internal.Config, logger *slog.Logger) (service.Archiver, error) {
	switch cfg.ArchiveProvider {
	case archive.ProviderLocal:
		s, err := archive.NewLocalStore(archive.LocalConfig{BasePath: cfg.ArchiveLocalPath}, logger)
		if err != nil {
			return nil, err
		}
		return archive.New(s), nil

	case archive.ProviderR2:
		s, err := archive.NewR2Store(archive.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
		}, logger)
		if err != nil {
			return nil, err
		}
		return archive.New(s), nil

	default:
		return nil, nil
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
