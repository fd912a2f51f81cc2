package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/k11v/apkbuild/internal/app"
)

// Worker consumes completion reports until its context is done.
// A lost broker connection is redialed with backoff.
type Worker struct {
	AMQP    *app.AMQPClient // required
	Handler *Handler        // required
	Log     *slog.Logger    // required
}

func (w *Worker) Run(ctx context.Context) error {
	retries := 0
	for {
		consumeErr := w.consume(ctx, &retries)
		if ctx.Err() != nil {
			return nil
		}
		w.Log.Error("didn't consume", slog.Any("error", consumeErr))

		retries++
		select {
		case <-time.After(retryWaitDuration(retries - 1)):
		case <-ctx.Done():
			return nil
		}
		w.Log.Info("retrying", slog.Int("retries", retries))
	}
}

func (w *Worker) consume(ctx context.Context, retries *int) error {
	conn, err := w.AMQP.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err = w.AMQP.DeclareQueue(ch); err != nil {
		return err
	}

	if err = ch.Qos(1, 0, false); err != nil {
		return err
	}

	messages, err := ch.ConsumeWithContext(ctx, app.AMQPQueueBuildCompleted, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	w.Log.Info("starting consuming", slog.String("queue", app.AMQPQueueBuildCompleted))
	for m := range messages {
		w.Handler.Run(ctx, m)
		if *retries > 0 && !ch.IsClosed() {
			w.Log.Info("recovered", slog.Int("retries", *retries))
			*retries = 0
		}
	}

	return errors.New("delivery channel is closed")
}

// retryWaitDuration calculates the wait duration for a retry.
// It is calculated using exponential backoff with jitter.
// It grows with each retry and stops growing after thirteenth retry
// where it is chosen from the interval (32.4s, 97.4s).
// The first retry number is 0, the thirteenth is 12.
func retryWaitDuration(retry int) time.Duration {
	n := min(retry, 12)
	second := int(time.Second)

	// start with 0.5s
	duration := second / 2

	// multiply by 1.5 to the power of n
	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	// add or subtract up to 50%
	jitter := rand.IntN(duration) - duration/2
	duration += jitter

	return time.Duration(duration)
}
