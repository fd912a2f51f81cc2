package main

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/apkbuild/internal/auth"
	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/dispatch/dispatchgithub"
	"github.com/k11v/apkbuild/internal/server"
)

const (
	dispatcherGitHub = "github"
	dispatcherAMQP   = "amqp"
	dispatcherNATS   = "nats"
)

// config holds the application configuration.
type config struct {
	Development bool   `env:"DEVELOPMENT"`
	LogLevel    string `env:"LOG_LEVEL"` // default: "info"

	// PostgresURL may be empty in development, builds are then kept in memory.
	PostgresURL string `env:"POSTGRES_URL,unset"`
	RedisURL    string `env:"REDIS_URL,unset"` // analytics events go to Postgres when empty
	S3URL       string `env:"S3_URL,unset"`    // s3:// downloads aren't presigned when empty

	PresignExpires time.Duration `env:"PRESIGN_EXPIRES"` // default: 15m

	Dispatcher        string `env:"DISPATCHER"` // github, amqp or nats; default: github
	AMQPURL           string `env:"AMQP_URL,unset"`
	NATSURL           string `env:"NATS_URL,unset"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX"`

	Auth   auth.Config           `envPrefix:"AUTH_"`
	Build  build.Config          `envPrefix:"BUILD_"`
	GitHub dispatchgithub.Config `envPrefix:"GITHUB_"`
	Server server.Config         `envPrefix:"SERVER_"`
}

func (c *config) dispatcher() string {
	if c.Dispatcher == "" {
		return dispatcherGitHub
	}
	return c.Dispatcher
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
		Prefix:      "APKBUILD_",
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
