package metrics

import (
	"net/http"
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k11v/apkbuild/internal/build"
)

const namespace = "apkbuild"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once               sync.Once
	submissions        *prom.CounterVec
	dispatchDuration   *prom.HistogramVec
	completions        *prom.CounterVec
	httpDuration       *prom.HistogramVec
	usageWriteFailures *prom.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder constructs and registers the metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.submissions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_submissions_total",
			Help:      "Build submissions by outcome",
		}, []string{"outcome"})
		pr.dispatchDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_dispatch_duration_seconds",
			Help:      "Duration of dispatch calls to the external builder",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"})
		pr.completions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_completions_total",
			Help:      "Accepted external completions by final status",
		}, []string{"status"})
		pr.httpDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route and status code",
			Buckets:   prom.DefBuckets,
		}, []string{"route", "code"})
		pr.usageWriteFailures = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "usage_write_failures_total",
			Help:      "Failed best-effort usage writes",
		}, []string{"kind"})
		reg.MustRegister(pr.submissions, pr.dispatchDuration, pr.completions, pr.httpDuration, pr.usageWriteFailures)
	})
	return pr
}

func (pr *PrometheusRecorder) IncSubmission(outcome string) {
	pr.submissions.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) ObserveDispatch(seconds float64, outcome string) {
	pr.dispatchDuration.WithLabelValues(outcome).Observe(seconds)
}

func (pr *PrometheusRecorder) IncCompletion(status build.Status) {
	pr.completions.WithLabelValues(string(status)).Inc()
}

func (pr *PrometheusRecorder) ObserveHTTPRequest(route string, code int, seconds float64) {
	pr.httpDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(seconds)
}

func (pr *PrometheusRecorder) IncUsageWriteFailure(kind string) {
	pr.usageWriteFailures.WithLabelValues(kind).Inc()
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prom.Registry {
	reg := prom.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RegisterGaugeFunc exposes f as a gauge named apkbuild_<name>.
func RegisterGaugeFunc(reg *prom.Registry, name, help string, f func() float64) {
	reg.MustRegister(prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, f))
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
