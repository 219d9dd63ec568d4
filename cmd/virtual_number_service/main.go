package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aradsms/virtual_number_services/internal/platform/cache"
	"github.com/aradsms/virtual_number_services/internal/platform/config"
	"github.com/aradsms/virtual_number_services/internal/platform/database"
	"github.com/aradsms/virtual_number_services/internal/platform/logger"
	"github.com/aradsms/virtual_number_services/internal/platform/messagebroker"
	httpadapter "github.com/aradsms/virtual_number_services/internal/virtual_number_service/adapters/http"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/app"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/provider"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/repository/postgres"
)

const serviceName = "virtual_number_service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(serviceName, cfg.LogLevel)
	appLogger.Info("Virtual number service starting...", "port", cfg.VirtualNumberHTTPPort)

	if err := run(cfg, appLogger); err != nil {
		appLogger.Error("Virtual number service failed", logger.Err(err))
		os.Exit(1)
	}
	appLogger.Info("Virtual number service shut down.")
}

func run(cfg *config.Config, appLogger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := newRegistry(cfg, appLogger)
	if err != nil {
		return err
	}
	appLogger.Info("Providers registered", "providers", registry.Names(), "default", registry.Default())

	var repo domain.PhoneNumberRepository
	if cfg.PostgresDSN != "" {
		dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer dbPool.Close()
		pgRepo := postgres.NewPgPhoneNumberRepository(dbPool, appLogger)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		repo = pgRepo
		appLogger.Info("Connected to PostgreSQL database")
	} else {
		appLogger.Warn("POSTGRES_DSN not set, sessions are kept in memory only")
	}

	feed := app.NewNotificationFeed(cfg.NotificationFeedSize)
	notifiers := app.MultiNotifier{feed}

	var natsClient *messagebroker.NATSClient
	if cfg.NATSUrl != "" {
		natsClient, err = messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		notifiers = append(notifiers, app.NewNATSNotifier(natsClient, cfg.EventsSubjectPrefix, appLogger))
		appLogger.Info("Connected to NATS", "events_subject_prefix", cfg.EventsSubjectPrefix)
	}

	var catalogCache app.Cache
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, serviceName+":catalog:")
		if err != nil {
			return err
		}
		defer redisCache.Close()
		catalogCache = redisCache
		appLogger.Info("Connected to Redis", "addr", cfg.RedisAddr)
	}

	manager := app.NewSessionManager(registry, repo, notifiers, appLogger, app.TrackerConfig{
		PollInterval:   cfg.SessionPollInterval,
		PollTimeout:    cfg.SessionPollTimeout,
		MaxErrorStreak: cfg.SessionMaxErrorStreak,
	})
	defer manager.Shutdown()

	if _, err := manager.Resume(ctx); err != nil {
		return fmt.Errorf("resume sessions: %w", err)
	}

	catalog := app.NewCatalogService(registry, catalogCache, cfg.CatalogCacheTTL, appLogger)
	handler := httpadapter.NewNumberHandler(manager, catalog, feed, validator.New(), appLogger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.VirtualNumberHTTPPort),
		Handler:           httpadapter.NewRouter(handler, 60*time.Second),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if natsClient != nil {
		consumer := app.NewInboundSMSConsumer(natsClient, manager, cfg.InboundSMSSubject, cfg.InboundSMSQueueGroup, appLogger)
		g.Go(func() error {
			return consumer.Run(gCtx)
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		appLogger.Info("Shutdown signal received, shutting down HTTP server...")
		ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(ctxShutdown); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		appLogger.Info("HTTP server shut down gracefully.")
		return nil
	})

	return g.Wait()
}

func newRegistry(cfg *config.Config, appLogger *slog.Logger) (*provider.Registry, error) {
	var gateways []provider.Gateway
	httpOptions := func(baseURL, token string) provider.HTTPOptions {
		return provider.HTTPOptions{
			BaseURL:   baseURL,
			Token:     token,
			Timeout:   cfg.ProviderHTTPTimeout,
			RateLimit: rate.Limit(cfg.ProviderRateLimitRPS),
			RateBurst: cfg.ProviderRateLimitBurst,
		}
	}
	if cfg.BackendAPIURL != "" {
		gateways = append(gateways, provider.NewBackendProvider(appLogger, httpOptions(cfg.BackendAPIURL, cfg.BackendAPIToken)))
	}
	if cfg.FiveSimAPIURL != "" {
		gateways = append(gateways, provider.NewFiveSimProvider(appLogger, httpOptions(cfg.FiveSimAPIURL, cfg.FiveSimAPIToken)))
	}
	if cfg.MockProviderEnabled {
		gateways = append(gateways, provider.NewMockProvider(appLogger, cfg.MockProviderBalance,
			provider.WithAutoDeliver(cfg.MockProviderAutoDeliver)))
	}
	return provider.NewRegistry(cfg.DefaultProvider, gateways...)
}
