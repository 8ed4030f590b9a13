package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codecollab/internal/api"
	"github.com/manpreetbhatti/codecollab/internal/auth"
	"github.com/manpreetbhatti/codecollab/internal/config"
	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/events"
	"github.com/manpreetbhatti/codecollab/internal/identity"
	"github.com/manpreetbhatti/codecollab/internal/jobs"
	"github.com/manpreetbhatti/codecollab/internal/logging"
	"github.com/manpreetbhatti/codecollab/internal/metrics"
	"github.com/manpreetbhatti/codecollab/internal/persist"
	"github.com/manpreetbhatti/codecollab/internal/room"
	"github.com/manpreetbhatti/codecollab/internal/ws"
)

const profileCacheTTL = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err), zap.String("path", cfg.DBPath))
	}

	var (
		rdb       *redis.Client
		publisher *events.Publisher
		notifier  events.Notifier = events.Nop{}
		directory identity.Directory = identity.NewDBDirectory(database)
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, room events and profile cache disabled",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
			rdb.Close()
			rdb = nil
		} else {
			publisher = events.NewPublisher(rdb, logger)
			notifier = publisher
			directory = identity.NewCachedDirectory(directory, rdb, profileCacheTTL, logger)
			logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
		}
	}
	profiles := identity.NewResolver(directory, cfg.ProfileTimeout, logger)

	bridge := persist.New(database, persist.Config{
		Debounce:    cfg.Persistence.Debounce,
		MaxWait:     cfg.Persistence.MaxWait,
		MaxAttempts: cfg.Persistence.MaxAttempts,
		ChatQueue:   cfg.Persistence.ChatQueue,
	}, logger)
	bridge.Start()

	store := room.NewStore(room.Config{
		DefaultLanguage: cfg.DefaultLanguage,
		ChatReplaySize:  cfg.ChatReplaySize,
		Loader:          bridge.Load,
	}, logger)

	hub := ws.NewHub(ws.Options{
		Store:    store,
		Bridge:   bridge,
		Notifier: notifier,
		Logger:   logger,
	})

	authenticator, err := auth.New(cfg.JWTSecret, cfg.TrustClientUserID)
	if err != nil {
		logger.Fatal("failed to initialize authenticator", zap.Error(err))
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, tokens are rejected and connections use client or guest ids")
	}

	wsServer := ws.NewServer(hub, authenticator, profiles, cfg.AllowedOrigins, ws.ClientConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBufferSize,
		RatePerSecond:  cfg.RateLimit.PerSecond,
		RateBurst:      cfg.RateLimit.Burst,
	}, logger)

	retention := jobs.NewRetentionJob(database, jobs.RetentionConfig{
		Schedule: cfg.Retention.Schedule,
		MaxAge:   cfg.Retention.ChatMaxAge,
	}, logger)
	if err := retention.Start(); err != nil {
		logger.Fatal("failed to start retention job", zap.Error(err))
	}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: !cfg.AllowAllOrigins(),
	}))
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Use(metrics.Middleware(routePattern))

	router.Handle("/ws", wsServer)
	router.Handle("/metrics", metrics.Handler())
	api.New(hub, database, logger).Routes(router)

	// No write timeout: /ws connections are long lived.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("codecollab server starting",
			zap.String("addr", cfg.Addr()),
			zap.String("db", cfg.DBPath),
			zap.Strings("origins", cfg.AllowedOrigins))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				logger.Info("shutting down")

				// Hijacked WebSocket connections are not tracked by the HTTP
				// server, so the hub closes them first.
				var errs []error
				if err := hub.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("hub: %w", err))
				}
				if err := server.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("http: %w", err))
				}
				if err := bridge.Stop(ctx); err != nil {
					errs = append(errs, fmt.Errorf("persistence: %w", err))
				}
				if err := retention.Stop(ctx); err != nil {
					errs = append(errs, fmt.Errorf("retention: %w", err))
				}
				if publisher != nil {
					if err := publisher.Close(ctx); err != nil {
						errs = append(errs, fmt.Errorf("events: %w", err))
					}
				}
				if rdb != nil {
					if err := rdb.Close(); err != nil {
						errs = append(errs, fmt.Errorf("redis: %w", err))
					}
				}
				if err := database.Close(); err != nil {
					errs = append(errs, fmt.Errorf("database: %w", err))
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info("server exited", zap.Int("code", exitCode))
	logger.Sync()
	os.Exit(exitCode)
}

// routePattern labels requests by their chi route so metric cardinality
// stays bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
