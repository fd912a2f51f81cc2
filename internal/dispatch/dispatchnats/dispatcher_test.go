package dispatchnats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/k11v/apkbuild/internal/build"
)

type StubJetStream struct {
	Err     error
	Subject string
	Data    []byte
}

func (js *StubJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	js.Subject = subject
	js.Data = data
	if js.Err != nil {
		return nil, js.Err
	}
	return &jetstream.PubAck{Stream: "BUILDS", Sequence: 1}, nil
}

var defaultParams = &build.DispatchParams{BuildID: "b1", SourceURL: "https://example.com", AppName: "Ex", OwnerID: "u1"}

func TestDispatcherDispatch(t *testing.T) {
	js := &StubJetStream{}
	d := &Dispatcher{js: js, subject: "builds.dispatched"}

	require.NoError(t, d.Dispatch(context.Background(), defaultParams))
	require.Equal(t, "builds.dispatched", js.Subject)

	var got build.DispatchParams
	require.NoError(t, json.Unmarshal(js.Data, &got))
	require.Equal(t, *defaultParams, got)
}

func TestDispatcherDispatchRejected(t *testing.T) {
	js := &StubJetStream{Err: &jetstream.APIError{Code: 503, ErrorCode: jetstream.JSErrCodeJetStreamNotEnabled, Description: "jetstream not enabled"}}
	d := &Dispatcher{js: js, subject: "builds.dispatched"}

	err := d.Dispatch(context.Background(), defaultParams)
	require.ErrorIs(t, err, build.ErrDispatchRejected)

	var rejectedErr *build.DispatchRejectedError
	require.ErrorAs(t, err, &rejectedErr)
	require.Equal(t, "jetstream not enabled", rejectedErr.Diagnostic)
	require.Equal(t, 503, rejectedErr.StatusCode)
}

func TestDispatcherDispatchUnreachable(t *testing.T) {
	for _, err := range []error{nats.ErrNoResponders, nats.ErrTimeout, context.DeadlineExceeded, errors.New("boom")} {
		d := &Dispatcher{js: &StubJetStream{Err: err}, subject: "builds.dispatched"}
		require.ErrorIs(t, d.Dispatch(context.Background(), defaultParams), build.ErrDispatchUnreachable)
	}
}
