package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/k11v/apkbuild/internal/app"
	"github.com/k11v/apkbuild/internal/app/apps3"
)

// config holds the setup configuration.
type config struct {
	PostgresURL string `env:"POSTGRES_URL,required,unset"`
	S3URL       string `env:"S3_URL,unset"` // bucket setup is skipped when empty
}

func main() {
	_ = godotenv.Load()

	if err := run(context.Background(), os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(ctx context.Context, environ []string) error {
	var cfg config
	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
		Prefix:      "APKBUILD_",
	})
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err = app.SetupPostgres(cfg.PostgresURL, log); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if cfg.S3URL != "" {
		if err = apps3.Setup(ctx, apps3.NewClient(cfg.S3URL)); err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		log.Info("s3 bucket is ready")
	}

	return nil
}
