package build

import "context"

// Dispatcher notifies the external builder that a build should start.
//
// Dispatch returns as soon as the builder acknowledged the trigger,
// it doesn't wait for the build to finish and it doesn't retry.
// A non-success acknowledgement is reported as *DispatchRejectedError,
// a transport failure or an expired deadline as ErrDispatchUnreachable.
type Dispatcher interface {
	Dispatch(ctx context.Context, params *DispatchParams) error
}

type DispatchParams struct {
	BuildID   string `json:"buildId"`
	SourceURL string `json:"url"`
	AppName   string `json:"appName"`
	OwnerID   string `json:"userId"`
}

// Verifier validates a bearer credential and returns the caller's user ID.
type Verifier interface {
	Verify(ctx context.Context, credential string) (userID string, err error)
}

// Recorder receives orchestrator metrics.
type Recorder interface {
	IncSubmission(outcome string)
	ObserveDispatch(seconds float64, outcome string)
	IncCompletion(status Status)
}

const (
	OutcomeAccepted        = "accepted"
	OutcomeInvalid         = "invalid"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeRejected        = "rejected"
	OutcomeUnreachable     = "unreachable"
	OutcomeStoreError      = "store_error"
)

type noopRecorder struct{}

func (noopRecorder) IncSubmission(string)            {}
func (noopRecorder) ObserveDispatch(float64, string) {}
func (noopRecorder) IncCompletion(Status)            {}
