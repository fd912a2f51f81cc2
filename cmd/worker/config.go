package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/apkbuild/internal/sweep"
)

// config holds the worker configuration.
type config struct {
	Development bool   `env:"DEVELOPMENT"`
	PostgresURL string `env:"POSTGRES_URL,required,unset"`
	AMQPURL     string `env:"AMQP_URL,unset"` // completion consumer is off when empty

	Sweep sweep.Config `envPrefix:"SWEEP_"`
}

// parseConfig parses the worker configuration from the environment variables.
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
