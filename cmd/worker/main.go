package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/apkbuild/internal/app"
	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/build/buildpg"
	"github.com/k11v/apkbuild/internal/sweep"
)

func main() {
	run := func() int {
		_ = godotenv.Load()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}

		var log *slog.Logger
		if cfg.Development {
			log = slog.New(slog.NewTextHandler(os.Stderr, nil))
		} else {
			log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
		}
		log = log.With(slog.String("component", "worker"))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err = work(ctx, cfg, log); err != nil {
			log.Error("worker failed", slog.Any("error", err))
			return 1
		}
		return 0
	}
	os.Exit(run())
}

func work(ctx context.Context, cfg *config, log *slog.Logger) error {
	pool, err := app.NewPostgresPool(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	// The worker never submits builds, so it has no dispatcher or verifier.
	builds := build.NewService(&build.Config{}, buildpg.NewDatabase(pool), nil, nil, nil, log)

	scheduler, err := sweep.NewScheduler(&cfg.Sweep, builds, log)
	if err != nil {
		return err
	}
	if err = scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = scheduler.Stop()
	}()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.AMQPURL != "" {
		worker := &Worker{
			AMQP:    app.NewAMQPClient(cfg.AMQPURL, app.DurableQueue(app.AMQPQueueBuildCompleted)),
			Handler: &Handler{Completer: builds, Log: log},
			Log:     log,
		}
		g.Go(func() error {
			return worker.Run(ctx)
		})
	} else {
		log.Warn("no amqp configured, only sweeping")
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}
