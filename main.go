package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"zenverifier/internal/billing"
	"zenverifier/internal/config"
	"zenverifier/internal/db"
	httpapi "zenverifier/internal/http"
	"zenverifier/internal/identity"
	"zenverifier/internal/logger"
	"zenverifier/internal/notify"
	"zenverifier/internal/services"
	"zenverifier/internal/store/postgres"
	"zenverifier/internal/telemetry"
	"zenverifier/internal/verifier"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New(logger.Config{
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
		Version:     cfg.App.Version,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, cfg.Otel, cfg.App)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			zlog.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if cfg.Database.RunMigrations {
		sqlDB := stdlib.OpenDBFromPool(pool)
		err := db.Migrate(sqlDB)
		_ = sqlDB.Close()
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		zlog.Info("migrations applied")
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			zlog.Warn("redis unreachable, rate limiting falls back to local buckets", zap.Error(err))
		}
	}

	deps := services.Deps{
		Store:   postgres.New(pool),
		Metrics: services.NewMetrics(prometheus.DefaultRegisterer),
		Logger:  zlog,
	}
	if cfg.Stripe.SecretKey != "" {
		deps.Billing = billing.NewStripeClient(billing.StripeOptions{
			SecretKey: cfg.Stripe.SecretKey,
			Currency:  cfg.Stripe.Currency,
		}, zlog)
	} else {
		zlog.Warn("STRIPE_SECRET_KEY not set, billing commands are disabled")
	}
	if cfg.MillionVerifier.APIKey != "" {
		deps.Verifier = verifier.New(verifier.Options{
			APIKey:            cfg.MillionVerifier.APIKey,
			BaseURL:           cfg.MillionVerifier.BaseURL,
			BulkURL:           cfg.MillionVerifier.BulkURL,
			Timeout:           cfg.MillionVerifier.Timeout,
			RequestsPerSecond: cfg.MillionVerifier.RequestsPerSecond,
		}, zlog)
	} else {
		zlog.Warn("MILLION_VERIFIER_API_KEY not set, verification is disabled")
	}
	if cfg.Clerk.SecretKey != "" {
		deps.Identity = identity.NewClient(cfg.Clerk.SecretKey, cfg.Clerk.APIURL, zlog)
	}
	if resend := notify.NewResendClient(cfg.Resend.APIKey, cfg.Resend.FromEmail, cfg.App.PublicURL, zlog); resend.IsConfigured() {
		deps.Notifier = resend
	} else {
		deps.Notifier = notify.Noop{}
	}

	var sessions *identity.SessionVerifier
	if cfg.Clerk.JWTKey != "" {
		sessions, err = identity.NewSessionVerifier(cfg.Clerk.JWTKey, cfg.Clerk.AuthorizedParties)
		if err != nil {
			return fmt.Errorf("init session verifier: %w", err)
		}
	} else {
		zlog.Warn("CLERK_JWT_KEY not set, only API key callers can authenticate")
	}

	svc := services.New(cfg, deps)
	server := httpapi.NewServer(svc, cfg, httpapi.Options{
		Sessions: sessions,
		Redis:    rdb,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   zlog,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
