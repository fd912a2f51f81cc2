package usageredis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/apkbuild/internal/usage"
)

func NewTestClient(t *testing.T, ctx context.Context) *redis.Client {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)
	cl := redis.NewClient(opts)
	t.Cleanup(func() { _ = cl.Close() })

	return cl
}

func TestEventLog(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	ctx := context.Background()
	l := NewEventLog(NewTestClient(t, ctx), "", nil)

	day := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := l.AppendEvent(ctx, &usage.Event{
			Type:      usage.EventTypeAppDownload,
			BuildID:   fmt.Sprintf("b%d", i),
			UserID:    "u1",
			Timestamp: day.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	n, err := l.DailyCount(ctx, day, usage.EventTypeAppDownload)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	n, err = l.DailyCount(ctx, day.AddDate(0, 0, 1), usage.EventTypeAppDownload)
	require.NoError(t, err)
	require.Zero(t, n)

	events, err := l.Events(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "b0", events[0].BuildID)
	require.True(t, events[2].Timestamp.Equal(day.Add(2*time.Minute)))
}
