// Package usage counts downloads and views of builds.
//
// Every write is best effort: a failure is logged and reported to the caller
// but never rolls back the writes that succeeded.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const EventTypeAppDownload = "app_download"

// Event is an immutable analytics record.
type Event struct {
	Type      string    `json:"type"`
	BuildID   string    `json:"buildId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// Database holds the counters. Each method is a single atomic increment.
type Database interface {
	IncrementBuildDownloads(ctx context.Context, params *DatabaseIncrementBuildDownloadsParams) error
	IncrementBuildViews(ctx context.Context, params *DatabaseIncrementBuildViewsParams) error
	IncrementProfileDownloads(ctx context.Context, params *DatabaseIncrementProfileDownloadsParams) error
}

type DatabaseIncrementBuildDownloadsParams struct {
	BuildID      string
	DownloadedAt time.Time
}

type DatabaseIncrementBuildViewsParams struct {
	BuildID string
}

// DatabaseIncrementProfileDownloadsParams.
// The profile is created when it doesn't exist.
type DatabaseIncrementProfileDownloadsParams struct {
	UserID string
}

// EventLog appends analytics events.
type EventLog interface {
	AppendEvent(ctx context.Context, event *Event) error
}

type Service struct {
	database Database // required
	events   EventLog // required
	log      *slog.Logger
	now      func() time.Time
}

func NewService(database Database, events EventLog, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		database: database,
		events:   events,
		log:      log.With(slog.String("service", "usage")),
		now:      time.Now,
	}
}

// RecordDownload increments the build and profile download counters
// and appends an app_download event.
// The three writes are independent, the returned error joins the ones that failed.
func (s *Service) RecordDownload(ctx context.Context, buildID, ownerID string) error {
	now := s.now().UTC()
	log := s.log.With(slog.String("build_id", buildID), slog.String("owner_id", ownerID))

	var errs []error

	err := s.database.IncrementBuildDownloads(ctx, &DatabaseIncrementBuildDownloadsParams{BuildID: buildID, DownloadedAt: now})
	if err != nil {
		log.Warn("failed to increment build downloads", slog.Any("error", err))
		errs = append(errs, fmt.Errorf("increment build downloads: %w", err))
	}

	err = s.database.IncrementProfileDownloads(ctx, &DatabaseIncrementProfileDownloadsParams{UserID: ownerID})
	if err != nil {
		log.Warn("failed to increment profile downloads", slog.Any("error", err))
		errs = append(errs, fmt.Errorf("increment profile downloads: %w", err))
	}

	err = s.events.AppendEvent(ctx, &Event{
		Type:      EventTypeAppDownload,
		BuildID:   buildID,
		UserID:    ownerID,
		Timestamp: now,
	})
	if err != nil {
		log.Warn("failed to append download event", slog.Any("error", err))
		errs = append(errs, fmt.Errorf("append download event: %w", err))
	}

	if err = errors.Join(errs...); err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// RecordView increments the build view counter.
func (s *Service) RecordView(ctx context.Context, buildID string) error {
	err := s.database.IncrementBuildViews(ctx, &DatabaseIncrementBuildViewsParams{BuildID: buildID})
	if err != nil {
		s.log.Warn("failed to increment build views", slog.String("build_id", buildID), slog.Any("error", err))
		return fmt.Errorf("record view: %w", err)
	}
	return nil
}
