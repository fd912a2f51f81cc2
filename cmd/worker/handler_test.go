package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/k11v/apkbuild/internal/build"
)

type SpyDelivery struct {
	Acked    bool
	Nacked   bool
	Requeued bool
}

func (d *SpyDelivery) Ack(multiple bool) error {
	d.Acked = true
	return nil
}

func (d *SpyDelivery) Nack(multiple, requeue bool) error {
	d.Nacked = true
	d.Requeued = requeue
	return nil
}

type StubCompleter struct {
	Err    error
	Params *build.CompleteBuildParams
}

func (c *StubCompleter) CompleteBuild(ctx context.Context, params *build.CompleteBuildParams) (*build.Build, error) {
	c.Params = params
	if c.Err != nil {
		return nil, c.Err
	}
	return &build.Build{ID: params.ID, Status: params.Status}, nil
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		completeErr  error
		wantAck      bool
		wantRequeue  bool
		wantComplete bool
	}{
		{"completed", `{"buildId":"b1","status":"completed","downloadUrl":"s3://apkbuild/b1.apk"}`, nil, true, false, true},
		{"failed", `{"buildId":"b1","status":"failed","errorMessage":"gradle failed"}`, nil, true, false, true},
		{"invalid json", `{`, nil, false, false, false},
		{"multiple values", `{"buildId":"b1","status":"failed"}{}`, nil, false, false, false},
		{"missing build id", `{"status":"failed"}`, nil, false, false, false},
		{"unknown status", `{"buildId":"b1","status":"done"}`, nil, false, false, false},
		{"conflict", `{"buildId":"b1","status":"failed"}`, build.ErrStatusConflict, false, false, true},
		{"store unavailable", `{"buildId":"b1","status":"failed"}`, build.ErrStoreUnavailable, false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := &StubCompleter{Err: tt.completeErr}
			h := &Handler{Completer: completer, Log: slog.New(slog.DiscardHandler)}
			d := &SpyDelivery{}

			h.handle(context.Background(), d, []byte(tt.body))

			if got, want := d.Acked, tt.wantAck; got != want {
				t.Fatalf("got acked %v, want %v", got, want)
			}
			if got, want := d.Nacked, !tt.wantAck; got != want {
				t.Fatalf("got nacked %v, want %v", got, want)
			}
			if got, want := d.Requeued, tt.wantRequeue; got != want {
				t.Fatalf("got requeued %v, want %v", got, want)
			}
			if got, want := completer.Params != nil, tt.wantComplete; got != want {
				t.Fatalf("got complete called %v, want %v", got, want)
			}
		})
	}
}

func TestHandlerParams(t *testing.T) {
	completer := &StubCompleter{}
	h := &Handler{Completer: completer, Log: slog.New(slog.DiscardHandler)}

	h.handle(context.Background(), &SpyDelivery{}, []byte(`{"buildId":"b1","status":"completed","downloadUrl":"https://cdn.example.com/b1.apk"}`))

	want := build.CompleteBuildParams{ID: "b1", Status: build.StatusCompleted, DownloadURL: "https://cdn.example.com/b1.apk"}
	if got := *completer.Params; got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRetryWaitDuration(t *testing.T) {
	for retry := 0; retry < 20; retry++ {
		got := retryWaitDuration(retry)
		if got <= 0 || got > 100*time.Second {
			t.Fatalf("retry %d: got %v, want within (0, 100s]", retry, got)
		}
	}
}
