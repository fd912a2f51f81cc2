package app

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const NATSStreamBuilds = "BUILDS"

// NewJetStream connects to NATS and makes sure the builds stream exists
// with subjects under subjectPrefix.
// The returned close function drains the connection.
func NewJetStream(ctx context.Context, connectionString, subjectPrefix string) (jetstream.JetStream, func() error, error) {
	nc, err := nats.Connect(connectionString, nats.Name("apkbuild"), nats.Timeout(10*time.Second))
	if err != nil {
		return nil, nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     NATSStreamBuilds,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	return js, nc.Drain, nil
}
