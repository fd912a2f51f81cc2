package buildpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/apkbuild/internal/build"
)

// ChannelBuildChanged is the notification channel fed by the builds trigger.
// The payload is the build ID.
const ChannelBuildChanged = "build_changed"

// Publisher receives fresh build snapshots. It is implemented by *notify.Hub.
type Publisher interface {
	Publish(b *build.Build)
	// IDs returns the build IDs someone is waiting on.
	IDs() []string
}

type getter interface {
	GetBuild(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error)
}

// Listener turns build_changed notifications into fresh build snapshots.
type Listener struct {
	pool      *pgxpool.Pool // required
	database  getter        // required
	publisher Publisher     // required
	log       *slog.Logger

	listenFunc func(ctx context.Context, listening func()) error
	waitFunc   func(ctx context.Context, d time.Duration) bool
}

func NewListener(pool *pgxpool.Pool, publisher Publisher, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	l := &Listener{
		pool:      pool,
		database:  NewDatabase(pool),
		publisher: publisher,
		log:       log.With(slog.String("component", "buildpg.Listener")),
		waitFunc:  wait,
	}
	l.listenFunc = l.listen
	return l
}

// Run listens until ctx is done. A lost connection is reacquired with backoff.
// Every time LISTEN succeeds the watched builds are read again,
// so changes made while no connection was listening still reach subscribers.
func (l *Listener) Run(ctx context.Context) error {
	retry := 0
	for {
		err := l.listenFunc(ctx, func() {
			retry = 0
			l.resync(ctx)
		})
		if ctx.Err() != nil {
			return nil
		}
		l.log.Error("listen failed", slog.Any("error", err), slog.Int("retry", retry))

		if !l.waitFunc(ctx, retryWaitDuration(retry)) {
			return nil
		}
		retry++
	}
}

func (l *Listener) listen(ctx context.Context, listening func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelBuildChanged}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.log.Info("listening", slog.String("channel", ChannelBuildChanged))
	listening()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.refresh(ctx, n.Payload)
	}
}

func (l *Listener) resync(ctx context.Context) {
	for _, id := range l.publisher.IDs() {
		l.refresh(ctx, id)
	}
}

func (l *Listener) refresh(ctx context.Context, id string) {
	b, err := l.database.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: id})
	if errors.Is(err, build.ErrNotFound) {
		return
	} else if err != nil {
		l.log.Warn("failed to read changed build", slog.String("build_id", id), slog.Any("error", err))
		return
	}
	l.publisher.Publish(b)
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryWaitDuration returns an exponential delay capped at 30s.
func retryWaitDuration(retry int) time.Duration {
	d := time.Second << min(retry, 5)
	return min(d, 30*time.Second)
}
