package usage

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

const (
	callIncrementBuildDownloads   = "IncrementBuildDownloads"
	callIncrementBuildViews       = "IncrementBuildViews"
	callIncrementProfileDownloads = "IncrementProfileDownloads"
	callAppendEvent               = "AppendEvent"
)

type SpyDatabase struct {
	Errs  map[string]error
	Calls *[]string
}

func (d *SpyDatabase) call(c string) error {
	if d.Calls == nil {
		d.Calls = new([]string)
	}
	*d.Calls = append(*d.Calls, c)
	return d.Errs[c]
}

func (d *SpyDatabase) IncrementBuildDownloads(ctx context.Context, params *DatabaseIncrementBuildDownloadsParams) error {
	return d.call(callIncrementBuildDownloads)
}

func (d *SpyDatabase) IncrementBuildViews(ctx context.Context, params *DatabaseIncrementBuildViewsParams) error {
	return d.call(callIncrementBuildViews)
}

func (d *SpyDatabase) IncrementProfileDownloads(ctx context.Context, params *DatabaseIncrementProfileDownloadsParams) error {
	return d.call(callIncrementProfileDownloads)
}

func (d *SpyDatabase) AppendEvent(ctx context.Context, event *Event) error {
	return d.call(callAppendEvent)
}

func TestServiceRecordDownload(t *testing.T) {
	errBoom := errors.New("boom")
	allCalls := []string{callIncrementBuildDownloads, callIncrementProfileDownloads, callAppendEvent}

	tests := []struct {
		name    string
		errs    map[string]error
		wantErr bool
	}{
		{name: "performs all three writes", errs: nil},
		{name: "continues after the build counter fails", errs: map[string]error{callIncrementBuildDownloads: errBoom}, wantErr: true},
		{name: "continues after the profile counter fails", errs: map[string]error{callIncrementProfileDownloads: errBoom}, wantErr: true},
		{name: "reports an event log failure", errs: map[string]error{callAppendEvent: errBoom}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := &SpyDatabase{Errs: tt.errs}
			s := NewService(database, database, nil)

			err := s.RecordDownload(context.Background(), "b1", "u1")
			if tt.wantErr {
				if !errors.Is(err, errBoom) {
					t.Fatalf("got %v, want %v", err, errBoom)
				}
			} else if err != nil {
				t.Fatalf("didn't want %q", err)
			}

			if !slices.Equal(*database.Calls, allCalls) {
				t.Fatalf("got %v, want %v", *database.Calls, allCalls)
			}
		})
	}
}

type recordingEventLog struct {
	events []*Event
}

func (l *recordingEventLog) AppendEvent(ctx context.Context, event *Event) error {
	l.events = append(l.events, event)
	return nil
}

func TestServiceRecordDownloadEvent(t *testing.T) {
	events := &recordingEventLog{}
	s := NewService(&SpyDatabase{}, events, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.RecordDownload(context.Background(), "b1", "u1"); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	want := Event{Type: EventTypeAppDownload, BuildID: "b1", UserID: "u1", Timestamp: now}
	if len(events.events) != 1 || *events.events[0] != want {
		t.Fatalf("got %v, want %v", events.events, want)
	}
}

func TestServiceRecordView(t *testing.T) {
	database := &SpyDatabase{}
	s := NewService(database, database, nil)

	if err := s.RecordView(context.Background(), "b1"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if want := []string{callIncrementBuildViews}; !slices.Equal(*database.Calls, want) {
		t.Fatalf("got %v, want %v", *database.Calls, want)
	}

	database.Errs = map[string]error{callIncrementBuildViews: errors.New("boom")}
	if err := s.RecordView(context.Background(), "b1"); err == nil {
		t.Fatalf("got nil, want error")
	}
}
