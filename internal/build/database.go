package build

import (
	"context"
	"time"
)

// Database is the build record store.
//
// Implementations wrap persistence failures with ErrStoreUnavailable
// and announce every persisted change to their change feed.
type Database interface {
	CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error)
	GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error)
	UpdateBuild(ctx context.Context, params *DatabaseUpdateBuildParams) (*Build, error)
	ListBuilds(ctx context.Context, params *DatabaseListBuildsParams) ([]*Build, error)
	ListStaleBuilds(ctx context.Context, params *DatabaseListStaleBuildsParams) ([]*Build, error)
}

// DatabaseCreateBuildParams.
// CreateBuild returns ErrAlreadyExists when ID is taken.
type DatabaseCreateBuildParams struct {
	ID        string
	OwnerID   string
	SourceURL string
	AppName   string
	Status    Status
}

type DatabaseGetBuildParams struct {
	ID string
}

// DatabaseUpdateBuildParams merges the non-nil fields into the build.
// UpdatedAt is always refreshed.
// When ExpectStatus is set and doesn't match the stored status,
// UpdateBuild returns ErrStatusConflict and changes nothing.
type DatabaseUpdateBuildParams struct {
	ID           string
	ExpectStatus *Status

	Status       *Status
	DownloadURL  *string
	ErrorMessage *string
}

// DatabaseListBuildsParams.
// The result order is unspecified.
type DatabaseListBuildsParams struct {
	OwnerID string
}

type DatabaseListStaleBuildsParams struct {
	Status        Status
	CreatedBefore time.Time
}
