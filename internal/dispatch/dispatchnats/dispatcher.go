// Package dispatchnats starts builds by publishing to a NATS JetStream subject.
package dispatchnats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/k11v/apkbuild/internal/build"
)

const DefaultSubjectPrefix = "builds"

type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type Dispatcher struct {
	js      publisher // required
	subject string    // required
}

var _ build.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher publishes to "<subjectPrefix>.dispatched".
func NewDispatcher(js jetstream.JetStream, subjectPrefix string) *Dispatcher {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Dispatcher{js: js, subject: subjectPrefix + ".dispatched"}
}

// Dispatch implements build.Dispatcher.
// The build ID is the message ID, so the stream drops a duplicate published within its window.
func (d *Dispatcher) Dispatch(ctx context.Context, params *build.DispatchParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("dispatchnats: %w", err)
	}

	_, err = d.js.Publish(ctx, d.subject, data, jetstream.WithMsgID(params.BuildID))
	if apiErr := (*jetstream.APIError)(nil); errors.As(err, &apiErr) {
		return fmt.Errorf("dispatchnats: %w", &build.DispatchRejectedError{
			StatusCode: apiErr.Code,
			Diagnostic: apiErr.Description,
		})
	} else if err != nil {
		return fmt.Errorf("dispatchnats: %w: %w", build.ErrDispatchUnreachable, err)
	}

	return nil
}
