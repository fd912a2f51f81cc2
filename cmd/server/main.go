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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/k11v/apkbuild/internal/app"
	"github.com/k11v/apkbuild/internal/app/apphttp"
	"github.com/k11v/apkbuild/internal/app/apps3"
	"github.com/k11v/apkbuild/internal/auth"
	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/build/buildmem"
	"github.com/k11v/apkbuild/internal/build/buildpg"
	"github.com/k11v/apkbuild/internal/dispatch/dispatchamqp"
	"github.com/k11v/apkbuild/internal/dispatch/dispatchgithub"
	"github.com/k11v/apkbuild/internal/dispatch/dispatchnats"
	"github.com/k11v/apkbuild/internal/metrics"
	"github.com/k11v/apkbuild/internal/notify"
	"github.com/k11v/apkbuild/internal/server"
	"github.com/k11v/apkbuild/internal/usage"
	"github.com/k11v/apkbuild/internal/usage/usageredis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	run := func() int {
		_ = godotenv.Load()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}

		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err = serve(ctx, cfg, log); err != nil {
			log.Error("server failed", slog.Any("error", err))
			return 1
		}
		return 0
	}
	os.Exit(run())
}

func newLogger(cfg *config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Development {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// store is what the services need from the build record store.
type store interface {
	build.Database
	usage.Database
	usage.EventLog
	notify.Getter
}

func serve(ctx context.Context, cfg *config, log *slog.Logger) error {
	registry := metrics.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)
	checks := make(map[string]apphttp.Check)

	var (
		database store
		pool     *pgxpool.Pool
	)
	switch {
	case cfg.PostgresURL != "":
		var err error
		pool, err = app.NewPostgresPool(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		database = buildpg.NewDatabase(pool)
		checks["postgres"] = pool.Ping
	case cfg.Development:
		log.Warn("no postgres configured, keeping builds in memory")
		database = buildmem.New()
	default:
		return errors.New("postgres: APKBUILD_POSTGRES_URL is required outside development")
	}

	var events usage.EventLog = database
	if cfg.RedisURL != "" {
		rdb, err := app.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		events = usageredis.NewEventLog(rdb, usageredis.DefaultStream, log)
		checks["redis"] = redisCheck(rdb)
	}

	dispatcher, closeDispatcher, err := newDispatcher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	defer func() {
		_ = closeDispatcher()
	}()

	verifier, err := auth.NewVerifierFromConfig(&cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var presigner server.Presigner
	if cfg.S3URL != "" {
		presigner = apps3.NewPresigner(apps3.NewClient(cfg.S3URL), cfg.PresignExpires)
	}

	hub := notify.NewHub(database, log)
	metrics.RegisterGaugeFunc(registry, "watch_subscribers", "Number of live build watch subscriptions.", func() float64 {
		return float64(hub.Subscribers())
	})

	switch db := database.(type) {
	case *buildmem.Database:
		db.OnChange(hub.Publish)
	case *buildpg.Database:
		listener := buildpg.NewListener(pool, hub, log)
		go func() {
			_ = listener.Run(ctx)
		}()
	}

	deps := &server.Dependencies{
		Builds:       build.NewService(&cfg.Build, database, dispatcher, verifier, recorder, log),
		Usage:        usage.NewService(database, events, log),
		Hub:          hub,
		Presigner:    presigner,
		Recorder:     recorder,
		Registry:     registry,
		HealthChecks: checks,
		Development:  cfg.Development,
	}
	srv := server.New(&cfg.Server, log, deps)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", srv.Addr), slog.String("dispatcher", cfg.dispatcher()))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newDispatcher returns the configured dispatcher and a function releasing its resources.
func newDispatcher(ctx context.Context, cfg *config) (build.Dispatcher, func() error, error) {
	noop := func() error { return nil }

	switch cfg.dispatcher() {
	case dispatcherGitHub:
		if cfg.GitHub.Repo == "" || cfg.GitHub.Workflow == "" || cfg.GitHub.Token == "" {
			return nil, nil, errors.New("github: repo, workflow and token are required")
		}
		return dispatchgithub.NewDispatcher(&cfg.GitHub, &http.Client{}), noop, nil
	case dispatcherAMQP:
		if cfg.AMQPURL == "" {
			return nil, nil, errors.New("amqp: APKBUILD_AMQP_URL is required")
		}
		return dispatchamqp.NewDispatcher(cfg.AMQPURL), noop, nil
	case dispatcherNATS:
		if cfg.NATSURL == "" {
			return nil, nil, errors.New("nats: APKBUILD_NATS_URL is required")
		}
		prefix := cfg.NATSSubjectPrefix
		if prefix == "" {
			prefix = dispatchnats.DefaultSubjectPrefix
		}
		js, closeJS, err := app.NewJetStream(ctx, cfg.NATSURL, prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		return dispatchnats.NewDispatcher(js, prefix), closeJS, nil
	default:
		return nil, nil, fmt.Errorf("unknown dispatcher %q", cfg.Dispatcher)
	}
}

func redisCheck(rdb *redis.Client) apphttp.Check {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
