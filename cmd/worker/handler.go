package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/apkbuild/internal/build"
)

// Completer is implemented by *build.Service.
type Completer interface {
	CompleteBuild(ctx context.Context, params *build.CompleteBuildParams) (*build.Build, error)
}

// Delivery is the part of amqp091.Delivery the handler uses.
type Delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Handler applies one completion report.
type Handler struct {
	Completer Completer    // required
	Log       *slog.Logger // required
}

// completionMessage is the body of a build.completed message.
type completionMessage struct {
	BuildID      *string `json:"buildId"`
	Status       string  `json:"status"`
	DownloadURL  string  `json:"downloadUrl,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

func (h *Handler) Run(ctx context.Context, m amqp091.Delivery) {
	if err := m.Headers.Validate(); err != nil {
		h.Log.Error("", slog.Any("error", fmt.Errorf("invalid header: %w", err)))
		_ = m.Nack(false, false)
		return
	}
	h.handle(ctx, &m, m.Body)
}

// handle acks applied and redundant reports, drops malformed or stale ones
// and requeues the rest.
func (h *Handler) handle(ctx context.Context, d Delivery, body []byte) {
	var msg completionMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	err := dec.Decode(&msg)
	if err != nil {
		h.Log.Error("", slog.Any("error", fmt.Errorf("invalid body: %w", err)))
		_ = d.Nack(false, false)
		return
	}
	if dec.More() {
		err = errors.New("multiple top-level values")
		h.Log.Error("", slog.Any("error", fmt.Errorf("invalid body: %w", err)))
		_ = d.Nack(false, false)
		return
	}

	// Body field buildId.
	if msg.BuildID == nil {
		h.Log.Error("", slog.Any("error", fmt.Errorf("missing %s body field", "buildId")))
		_ = d.Nack(false, false)
		return
	}
	log := h.Log.With(slog.String("build", *msg.BuildID))

	status, known := build.ParseStatus(msg.Status)
	if !known {
		log.Error("", slog.Any("error", fmt.Errorf("unknown status %q", msg.Status)))
		_ = d.Nack(false, false)
		return
	}

	b, err := h.Completer.CompleteBuild(ctx, &build.CompleteBuildParams{
		ID:           *msg.BuildID,
		Status:       status,
		DownloadURL:  msg.DownloadURL,
		ErrorMessage: msg.ErrorMessage,
	})
	switch {
	case err == nil:
		log.Info("completed build", slog.String("status", string(b.Status)))
		_ = d.Ack(false)
	case errors.Is(err, build.ErrStoreUnavailable):
		log.Error("store unavailable, requeueing", slog.Any("error", err))
		_ = d.Nack(false, true)
	default:
		log.Error("didn't complete build", slog.Any("error", err))
		_ = d.Nack(false, false)
	}
}
