// Command authd serves the authcore HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/edulab/authcore"
	"github.com/edulab/authcore/credentials"
	"github.com/edulab/authcore/httpapi"
	"github.com/edulab/authcore/internal/config"
	"github.com/edulab/authcore/internal/migrations"
	"github.com/edulab/authcore/internal/telemetry"
	otelexport "github.com/edulab/authcore/metrics/export/otel"
	promexport "github.com/edulab/authcore/metrics/export/prometheus"
	"github.com/edulab/authcore/middleware"
	"github.com/edulab/authcore/password"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML or .env config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg.Log.Development)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("authd stopped", zap.Error(err))
	}
	logger.Info("server exited")
}

func newLogger(development bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	b := authcore.New().
		WithConfig(engineCfg).
		WithLogger(logger).
		WithAuditSink(authcore.NewZapSink(logger.Named("audit")))

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			if err := migrations.Up(cfg.Database.URL); err != nil {
				return err
			}
			logger.Info("database migrations applied")
		}
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	switch cfg.Storage.Backend {
	case "postgres":
		b.WithPostgres(pool)
	default:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		b.WithRedis(rdb)
	}

	users, err := userProvider(cfg, pool, logger)
	if err != nil {
		return err
	}
	b.WithUserProvider(users)

	engine, err := b.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	if cfg.Metrics.LogInterval > 0 {
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(telemetry.NewZapExporter(logger.Named("metrics")),
				sdkmetric.WithInterval(cfg.Metrics.LogInterval)),
		))
		defer func() { _ = provider.Shutdown(context.Background()) }()
		exp, err := otelexport.NewExporter(provider.Meter("github.com/edulab/authcore"), engine)
		if err != nil {
			return err
		}
		defer func() { _ = exp.Close() }()
	}

	cookies := middleware.DefaultCookieConfig()
	cookies.Secure = cfg.Cookie.Secure
	cookies.Domain = cfg.Cookie.Domain

	var opts []middleware.Option
	if cfg.Renewal.LogoutOnTransient {
		opts = append(opts, middleware.WithLogoutOnTransient())
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.NewHandler(engine, cookies, logger, opts...))
	if cfg.Metrics.Path != "" {
		router.GET(cfg.Metrics.Path, gin.WrapH(promexport.NewExporter(engine).Handler()))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("storage", cfg.Storage.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func userProvider(cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (authcore.UserProvider, error) {
	hasher, err := password.NewMulti(password.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if pool != nil {
		return credentials.NewPostgresProvider(pool, hasher, logger), nil
	}

	logger.Warn("no database configured, serving a single in-memory account",
		zap.String("identifier", cfg.DevUser.Identifier))
	users := credentials.NewStaticProvider(hasher)
	if err := users.AddUser("dev-user", cfg.DevUser.Identifier, cfg.DevUser.Identifier, cfg.DevUser.Password, "student"); err != nil {
		return nil, err
	}
	return users, nil
}
