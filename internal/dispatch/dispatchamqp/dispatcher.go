// Package dispatchamqp starts builds by publishing to a RabbitMQ queue consumed by build runners.
package dispatchamqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/apkbuild/internal/app"
	"github.com/k11v/apkbuild/internal/build"
)

type publisher interface {
	Publish(ctx context.Context, msg amqp091.Publishing) error
}

var _ publisher = (*app.AMQPClient)(nil)

type Dispatcher struct {
	client publisher // required
}

var _ build.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher publishes to the durable app.AMQPQueueBuildDispatched queue.
func NewDispatcher(connectionString string) *Dispatcher {
	return &Dispatcher{
		client: app.NewAMQPClient(connectionString, app.DurableQueue(app.AMQPQueueBuildDispatched)),
	}
}

// Dispatch implements build.Dispatcher.
// A broker nack is a rejection, anything that keeps the message from the broker is unreachable.
func (d *Dispatcher) Dispatch(ctx context.Context, params *build.DispatchParams) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("dispatchamqp: %w", err)
	}

	err = d.client.Publish(ctx, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    params.BuildID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if errors.Is(err, app.ErrAMQPNack) {
		return fmt.Errorf("dispatchamqp: %w", &build.DispatchRejectedError{Diagnostic: "broker refused the build message"})
	} else if err != nil {
		return fmt.Errorf("dispatchamqp: %w: %w", build.ErrDispatchUnreachable, err)
	}

	return nil
}
