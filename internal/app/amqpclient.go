package app

import (
	"context"
	"errors"

	"github.com/rabbitmq/amqp091-go"
)

const (
	AMQPQueueBuildDispatched = "build.dispatched"
	AMQPQueueBuildCompleted  = "build.completed"
)

var ErrAMQPNack = errors.New("amqp: publish not acknowledged")

type AMQPQueueDeclareParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp091.Table
}

// DurableQueue returns declare params for a durable queue named name.
func DurableQueue(name string) *AMQPQueueDeclareParams {
	return &AMQPQueueDeclareParams{Name: name, Durable: true}
}

type AMQPClient struct {
	connectionString   string
	queueDeclareParams *AMQPQueueDeclareParams
}

func NewAMQPClient(connectionString string, queueDeclareParams *AMQPQueueDeclareParams) *AMQPClient {
	return &AMQPClient{
		connectionString:   connectionString,
		queueDeclareParams: queueDeclareParams,
	}
}

// DeclareQueue declares the client's queue on ch.
func (cli *AMQPClient) DeclareQueue(ch *amqp091.Channel) error {
	_, err := ch.QueueDeclare(
		cli.queueDeclareParams.Name,
		cli.queueDeclareParams.Durable,
		cli.queueDeclareParams.AutoDelete,
		cli.queueDeclareParams.Exclusive,
		cli.queueDeclareParams.NoWait,
		cli.queueDeclareParams.Args,
	)
	return err
}

// Dial opens a connection using the client's connection string.
func (cli *AMQPClient) Dial() (*amqp091.Connection, error) {
	return amqp091.Dial(cli.connectionString)
}

// Publish publishes msg to the client's queue through the default exchange
// and waits for the broker's confirmation.
// It returns ErrAMQPNack when the broker refused the message.
// Errors returned before the message reached the broker are returned as is.
func (cli *AMQPClient) Publish(ctx context.Context, msg amqp091.Publishing) error {
	conn, err := cli.Dial()
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err = cli.DeclareQueue(ch); err != nil {
		return err
	}

	if err = ch.Confirm(false); err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", cli.queueDeclareParams.Name, false, false, msg)
	if err != nil {
		return err
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrAMQPNack
	}
	return nil
}
