// Package buildmem is an in-memory build store for tests and local development.
package buildmem

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/usage"
)

type Database struct {
	mu       sync.Mutex
	builds   map[string]*build.Build
	profiles map[string]int64
	events   []usage.Event

	now      func() time.Time
	onChange func(*build.Build)
}

var (
	_ build.Database = (*Database)(nil)
	_ usage.Database = (*Database)(nil)
	_ usage.EventLog = (*Database)(nil)
)

func New() *Database {
	return &Database{
		builds:   make(map[string]*build.Build),
		profiles: make(map[string]int64),
		now:      time.Now,
	}
}

// OnChange registers f to receive a copy of every persisted build.
// f is called outside the lock by the goroutine that made the change.
func (d *Database) OnChange(f func(*build.Build)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = f
}

// SetNow replaces the clock.
func (d *Database) SetNow(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

func (d *Database) CreateBuild(ctx context.Context, params *build.DatabaseCreateBuildParams) (*build.Build, error) {
	d.mu.Lock()
	if _, ok := d.builds[params.ID]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("create build %s: %w", params.ID, build.ErrAlreadyExists)
	}
	now := d.now().UTC()
	b := &build.Build{
		ID:        params.ID,
		OwnerID:   params.OwnerID,
		SourceURL: params.SourceURL,
		AppName:   params.AppName,
		Status:    params.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.builds[b.ID] = b
	return d.changed(b), nil
}

func (d *Database) GetBuild(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.builds[params.ID]
	if !ok {
		return nil, fmt.Errorf("get build %s: %w", params.ID, build.ErrNotFound)
	}
	return clone(b), nil
}

func (d *Database) UpdateBuild(ctx context.Context, params *build.DatabaseUpdateBuildParams) (*build.Build, error) {
	d.mu.Lock()
	b, ok := d.builds[params.ID]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("update build %s: %w", params.ID, build.ErrNotFound)
	}
	if params.ExpectStatus != nil && *params.ExpectStatus != b.Status {
		d.mu.Unlock()
		return nil, fmt.Errorf("update build %s: %w: is %s, expected %s", params.ID, build.ErrStatusConflict, b.Status, *params.ExpectStatus)
	}

	if params.Status != nil {
		b.Status = *params.Status
	}
	if params.DownloadURL != nil {
		b.DownloadURL = ptr(*params.DownloadURL)
	}
	if params.ErrorMessage != nil {
		b.ErrorMessage = ptr(*params.ErrorMessage)
	}
	if now := d.now().UTC(); now.After(b.UpdatedAt) {
		b.UpdatedAt = now
	}
	return d.changed(b), nil
}

func (d *Database) ListBuilds(ctx context.Context, params *build.DatabaseListBuildsParams) ([]*build.Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var builds []*build.Build
	for _, b := range d.builds {
		if b.OwnerID == params.OwnerID {
			builds = append(builds, clone(b))
		}
	}
	return builds, nil
}

func (d *Database) ListStaleBuilds(ctx context.Context, params *build.DatabaseListStaleBuildsParams) ([]*build.Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var builds []*build.Build
	for _, b := range d.builds {
		if b.Status == params.Status && b.CreatedAt.Before(params.CreatedBefore) {
			builds = append(builds, clone(b))
		}
	}
	slices.SortFunc(builds, func(a, b *build.Build) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return builds, nil
}

func (d *Database) IncrementBuildDownloads(ctx context.Context, params *usage.DatabaseIncrementBuildDownloadsParams) error {
	d.mu.Lock()
	b, ok := d.builds[params.BuildID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("increment build downloads %s: %w", params.BuildID, build.ErrNotFound)
	}
	b.DownloadCount++
	b.LastDownloadedAt = ptr(params.DownloadedAt)
	d.changed(b)
	return nil
}

func (d *Database) IncrementBuildViews(ctx context.Context, params *usage.DatabaseIncrementBuildViewsParams) error {
	d.mu.Lock()
	b, ok := d.builds[params.BuildID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("increment build views %s: %w", params.BuildID, build.ErrNotFound)
	}
	b.ViewCount++
	d.changed(b)
	return nil
}

func (d *Database) IncrementProfileDownloads(ctx context.Context, params *usage.DatabaseIncrementProfileDownloadsParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[params.UserID]++
	return nil
}

func (d *Database) AppendEvent(ctx context.Context, event *usage.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, *event)
	return nil
}

// TotalDownloads returns the profile download counter of userID.
func (d *Database) TotalDownloads(userID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profiles[userID]
}

// Events returns a copy of the appended analytics events.
func (d *Database) Events() []usage.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.events)
}

// changed must be called with d.mu held. It unlocks d.mu.
func (d *Database) changed(b *build.Build) *build.Build {
	onChange := d.onChange
	snapshot := clone(b)
	d.mu.Unlock()
	if onChange != nil {
		onChange(clone(snapshot))
	}
	return snapshot
}

func clone(b *build.Build) *build.Build {
	c := *b
	if b.DownloadURL != nil {
		c.DownloadURL = ptr(*b.DownloadURL)
	}
	if b.ErrorMessage != nil {
		c.ErrorMessage = ptr(*b.ErrorMessage)
	}
	if b.LastDownloadedAt != nil {
		c.LastDownloadedAt = ptr(*b.LastDownloadedAt)
	}
	return &c
}

func ptr[T any](v T) *T {
	return &v
}
