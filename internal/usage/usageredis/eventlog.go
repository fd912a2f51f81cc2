// Package usageredis keeps analytics events in a Redis stream.
package usageredis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/k11v/apkbuild/internal/usage"
)

const (
	DefaultStream = "analytics"

	// defaultMaxLen approximately caps the stream length.
	defaultMaxLen = 1_000_000

	keyDailyPrefix = "analytics:daily:"
	dailyTTL       = 90 * 24 * time.Hour
)

// EventLog appends events to a stream and counts them per UTC day and type
// in the hash analytics:daily:<yyyy-mm-dd>.
type EventLog struct {
	cl     *redis.Client // required
	stream string        // required
	log    *slog.Logger
}

var _ usage.EventLog = (*EventLog)(nil)

func NewEventLog(cl *redis.Client, stream string, log *slog.Logger) *EventLog {
	if stream == "" {
		stream = DefaultStream
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &EventLog{
		cl:     cl,
		stream: stream,
		log:    log.With(slog.String("item", "usageredis.EventLog")),
	}
}

// AppendEvent implements usage.EventLog.
func (l *EventLog) AppendEvent(ctx context.Context, event *usage.Event) error {
	dailyKey := keyDailyPrefix + event.Timestamp.UTC().Format(time.DateOnly)

	_, err := l.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: l.stream,
			MaxLen: defaultMaxLen,
			Approx: true,
			Values: map[string]any{
				"type":      event.Type,
				"buildId":   event.BuildID,
				"userId":    event.UserID,
				"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
		pipe.HIncrBy(ctx, dailyKey, event.Type, 1)
		pipe.Expire(ctx, dailyKey, dailyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	return nil
}

// DailyCount returns how many events of eventType were appended on day (UTC).
func (l *EventLog) DailyCount(ctx context.Context, day time.Time, eventType string) (int64, error) {
	n, err := l.cl.HGet(ctx, keyDailyPrefix+day.UTC().Format(time.DateOnly), eventType).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("daily count: %w", err)
	}
	return n, nil
}

// Events reads up to count events from the start of the stream.
func (l *EventLog) Events(ctx context.Context, count int64) ([]*usage.Event, error) {
	msgs, err := l.cl.XRangeN(ctx, l.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}

	events := make([]*usage.Event, 0, len(msgs))
	for _, msg := range msgs {
		e := &usage.Event{
			Type:    stringValue(msg.Values, "type"),
			BuildID: stringValue(msg.Values, "buildId"),
			UserID:  stringValue(msg.Values, "userId"),
		}
		ts, err := time.Parse(time.RFC3339Nano, stringValue(msg.Values, "timestamp"))
		if err != nil {
			l.log.Warn("skipping event with bad timestamp", slog.String("id", msg.ID), slog.Any("error", err))
			continue
		}
		e.Timestamp = ts
		events = append(events, e)
	}
	return events, nil
}

func stringValue(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}
