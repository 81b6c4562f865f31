package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/auth"
	"wine-quiz-live/internal/config"
	"wine-quiz-live/internal/infra/memory"
	"wine-quiz-live/internal/infra/postgres"
	redisinfra "wine-quiz-live/internal/infra/redis"
	"wine-quiz-live/internal/registry"
	transport "wine-quiz-live/internal/transport/http"
)

const shutdownTimeout = 5 * time.Second

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := slog.Default()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)
	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)

	var (
		catalog app.Catalog
		store   app.SessionStore
	)
	if cfg.Postgres.URL != "" {
		db, err := openBun(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := applyMigrations(ctx, db); err != nil {
			return err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		catalog = postgres.NewCatalogLoader(pool)
		store = postgres.NewSessionStore(db)
		log.Info("using postgres storage")
	} else {
		data, err := catalogData(cfg)
		if err != nil {
			return err
		}
		catalog = memory.NewStaticCatalog(data)
		store = memory.NewSessionStore()
		log.Warn("postgres url not configured, sessions are kept in memory")
	}

	authn := auth.Chain{auth.NewStaticAuthenticator(cfg.Auth.Tokens)}
	if redisClient != nil {
		catalog = redisinfra.NewQuestionCache(redisClient, catalog, catalogTTL)
		store = redisinfra.NewResumeStateCache(store, redisClient, redisTTL, log)
		if cfg.Auth.RedisTokens {
			authn = append(authn, redisinfra.NewTokenAuthenticator(redisClient))
		}
	}
	// Scoring lists teams and users on every pass; serve them from process memory.
	catalog = memory.NewCatalogCache(catalog, catalogTTL)

	reg := registry.New(cfg.Gateway.SendBuffer, log)
	engine := app.NewEngine(store, catalog, reg, app.WithLogger(log))

	ws := transport.NewWSHandler(engine, reg, authn, transport.GatewayConfig{
		WriteWait:      config.TTLDuration(cfg.Gateway.WriteWait, 0),
		PongWait:       config.TTLDuration(cfg.Gateway.PongWait, 0),
		PingPeriod:     config.TTLDuration(cfg.Gateway.PingPeriod, 0),
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
	}, log)
	api := transport.NewAPI(engine, reg, authn, log)

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      transport.NewRouter(api, ws),
		ReadTimeout:  config.TTLDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: config.TTLDuration(cfg.Server.WriteTimeout, 15*time.Second),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting live quiz server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		reg.Close()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
