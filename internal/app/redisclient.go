package app

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses a redis:// URL and checks that the server answers.
func NewRedisClient(ctx context.Context, connectionString string) (*redis.Client, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}
