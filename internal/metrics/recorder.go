// Package metrics records service metrics.
package metrics

import (
	"github.com/k11v/apkbuild/internal/build"
)

// Recorder is the full set of metrics the service records.
type Recorder interface {
	build.Recorder
	ObserveHTTPRequest(route string, code int, seconds float64)
	IncUsageWriteFailure(kind string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) IncSubmission(string)                    {}
func (NoopRecorder) ObserveDispatch(float64, string)         {}
func (NoopRecorder) IncCompletion(build.Status)              {}
func (NoopRecorder) ObserveHTTPRequest(string, int, float64) {}
func (NoopRecorder) IncUsageWriteFailure(string)             {}
