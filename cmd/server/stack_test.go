//go:build compose

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/compose"

	"github.com/k11v/apkbuild/internal/app"
	"github.com/k11v/apkbuild/internal/app/apps3"
	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/usage/usageredis"
)

// TestStack runs the server against the services in compose.yaml:
// Postgres for builds, Redis for analytics, RabbitMQ for dispatch and MinIO for downloads.
func TestStack(t *testing.T) {
	ctx := context.Background()

	project, err := compose.NewDockerCompose("../../compose.yaml")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	t.Cleanup(func() {
		_ = project.Down(ctx, compose.RemoveOrphans(true), compose.RemoveVolumes(true))
	})
	if err = project.Up(ctx, compose.Wait(true)); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	serviceAddr := func(service, port string) string {
		t.Helper()
		c, err := project.ServiceContainer(ctx, service)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		host, err := c.Host(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		mapped, err := c.MappedPort(ctx, port)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		return net.JoinHostPort(host, mapped.Port())
	}

	postgresURL := fmt.Sprintf("postgres://postgres:postgres@%s/postgres?sslmode=disable", serviceAddr("postgres", "5432/tcp"))
	redisURL := fmt.Sprintf("redis://%s/0", serviceAddr("redis", "6379/tcp"))
	amqpURL := fmt.Sprintf("amqp://guest:guest@%s/", serviceAddr("rabbitmq", "5672/tcp"))
	s3URL := fmt.Sprintf("http://minioadmin:minioadmin@%s", serviceAddr("minio", "9000/tcp"))

	if err = app.SetupPostgres(postgresURL, nil); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err = apps3.Setup(ctx, apps3.NewClient(s3URL)); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	publicKeyFile, token, err := writeTestKeys(t.TempDir(), "u1")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	const completionToken = "completion-secret"
	baseURL, stop, err := runServer(ctx, []string{
		"APKBUILD_POSTGRES_URL=" + postgresURL,
		"APKBUILD_REDIS_URL=" + redisURL,
		"APKBUILD_S3_URL=" + s3URL,
		"APKBUILD_DISPATCHER=amqp",
		"APKBUILD_AMQP_URL=" + amqpURL,
		"APKBUILD_AUTH_PUBLIC_KEY_FILE=" + publicKeyFile,
		"APKBUILD_SERVER_COMPLETION_TOKEN=" + completionToken,
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	t.Cleanup(func() {
		if err := stop(); err != nil {
			t.Errorf("didn't want %q", err)
		}
	})

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	do := func(method, path, bearer, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, baseURL+path, strings.NewReader(body))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	// Submit.
	resp := do(http.MethodPost, "/builds", token, `{"id":"b1","url":"https://example.com","appName":"Demo"}`)
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}

	// The dispatch message is waiting in the queue.
	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer ch.Close()
	m, ok, err := ch.Get(app.AMQPQueueBuildDispatched, true)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if !ok {
		t.Fatal("got empty queue, want dispatch message")
	}
	var dispatched build.DispatchParams
	if err = json.Unmarshal(m.Body, &dispatched); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := dispatched.BuildID, "b1"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// Watch, then complete through the callback. The change reaches the
	// watcher through Postgres notifications.
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/builds/b1/watch?access_token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(30 * time.Second))

	resp = do(http.MethodPost, "/builds/b1/completion", completionToken, `{"status":"completed","downloadUrl":"s3://apkbuild/b1.apk"}`)
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}

	for {
		var snapshot struct {
			Status string `json:"status"`
		}
		if err = ws.ReadJSON(&snapshot); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if snapshot.Status == string(build.StatusCompleted) {
			break
		}
	}

	// Download redirects to a presigned MinIO URL and counts.
	resp = do(http.MethodGet, "/builds/b1/download", token, "")
	if got, want := resp.StatusCode, http.StatusFound; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if location := resp.Header.Get("Location"); !strings.Contains(location, "X-Amz-Signature=") {
		t.Fatalf("got %q, want presigned URL", location)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	n, err := rdb.XLen(ctx, usageredis.DefaultStream).Result()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := n, int64(1); got != want {
		t.Fatalf("got %d analytics events, want %d", got, want)
	}
}
