package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/apkbuild/internal/app/apphttp"
	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/metrics"
	"github.com/k11v/apkbuild/internal/notify"
	"github.com/k11v/apkbuild/internal/usage"
)

// Presigner turns a stored download location into a URL a client can follow.
type Presigner interface {
	URL(ctx context.Context, raw string) (string, error)
}

// Dependencies are the services behind the HTTP API.
type Dependencies struct {
	Builds *build.Service // required
	Usage  *usage.Service // required
	Hub    *notify.Hub    // required

	Presigner    Presigner // nil returns download URLs unchanged
	Recorder     metrics.Recorder
	Registry     *prom.Registry // nil disables /metrics
	HealthChecks map[string]apphttp.Check
	Development  bool // enables /swagger/
}

// New returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, log *slog.Logger, deps *Dependencies) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := newHandler(cfg, subLogger, deps)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
