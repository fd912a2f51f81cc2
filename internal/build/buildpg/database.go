// Package buildpg stores builds in PostgreSQL.
package buildpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/usage"
)

// Querier is implemented by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var (
	_ build.Database = (*Database)(nil)
	_ usage.Database = (*Database)(nil)
	_ usage.EventLog = (*Database)(nil)
)

type Database struct {
	db Querier // required
}

func NewDatabase(db Querier) *Database {
	return &Database{db: db}
}

// CreateBuild implements build.Database.
func (d *Database) CreateBuild(ctx context.Context, params *build.DatabaseCreateBuildParams) (*build.Build, error) {
	query := `
		INSERT INTO builds (id, owner_id, source_url, app_name, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + buildColumns
	args := []any{params.ID, params.OwnerID, params.SourceURL, params.AppName, string(params.Status)}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return nil, fmt.Errorf("create build %s: %w", params.ID, build.ErrAlreadyExists)
	} else if err != nil {
		return nil, storeError("create build", err)
	}

	return b, nil
}

// GetBuild implements build.Database.
func (d *Database) GetBuild(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE id = $1
	`
	args := []any{params.ID}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get build %s: %w", params.ID, build.ErrNotFound)
	} else if err != nil {
		return nil, storeError("get build", err)
	}

	return b, nil
}

// UpdateBuild implements build.Database.
//
// The update is a single statement. When it matches no row,
// a second read tells a missing build apart from a status mismatch.
func (d *Database) UpdateBuild(ctx context.Context, params *build.DatabaseUpdateBuildParams) (*build.Build, error) {
	var expectStatus, status *string
	if params.ExpectStatus != nil {
		s := string(*params.ExpectStatus)
		expectStatus = &s
	}
	if params.Status != nil {
		s := string(*params.Status)
		status = &s
	}

	query := `
		UPDATE builds
		SET
			status = COALESCE($3, status),
			download_url = COALESCE($4, download_url),
			error_message = COALESCE($5, error_message),
			updated_at = GREATEST(clock_timestamp(), updated_at)
		WHERE id = $1 AND ($2::text IS NULL OR status = $2)
		RETURNING ` + buildColumns
	args := []any{params.ID, expectStatus, status, params.DownloadURL, params.ErrorMessage}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := d.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: params.ID})
		if getErr != nil {
			return nil, fmt.Errorf("update build: %w", getErr)
		}
		if params.ExpectStatus == nil {
			return nil, fmt.Errorf("update build %s: %w", params.ID, build.ErrNotFound)
		}
		return nil, fmt.Errorf("update build %s: %w: is %s, expected %s", params.ID, build.ErrStatusConflict, current.Status, *params.ExpectStatus)
	} else if err != nil {
		return nil, storeError("update build", err)
	}

	return b, nil
}

// ListBuilds implements build.Database.
func (d *Database) ListBuilds(ctx context.Context, params *build.DatabaseListBuildsParams) ([]*build.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE owner_id = $1
	`
	args := []any{params.OwnerID}

	rows, _ := d.db.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, storeError("list builds", err)
	}

	return builds, nil
}

// ListStaleBuilds implements build.Database.
func (d *Database) ListStaleBuilds(ctx context.Context, params *build.DatabaseListStaleBuildsParams) ([]*build.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
	`
	args := []any{string(params.Status), params.CreatedBefore}

	rows, _ := d.db.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, storeError("list stale builds", err)
	}

	return builds, nil
}

// IncrementBuildDownloads implements usage.Database.
func (d *Database) IncrementBuildDownloads(ctx context.Context, params *usage.DatabaseIncrementBuildDownloadsParams) error {
	query := `
		UPDATE builds
		SET download_count = download_count + 1, last_downloaded_at = $2
		WHERE id = $1
	`
	args := []any{params.BuildID, params.DownloadedAt}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return storeError("increment build downloads", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment build downloads %s: %w", params.BuildID, build.ErrNotFound)
	}

	return nil
}

// IncrementBuildViews implements usage.Database.
func (d *Database) IncrementBuildViews(ctx context.Context, params *usage.DatabaseIncrementBuildViewsParams) error {
	query := `
		UPDATE builds
		SET view_count = view_count + 1
		WHERE id = $1
	`
	args := []any{params.BuildID}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return storeError("increment build views", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment build views %s: %w", params.BuildID, build.ErrNotFound)
	}

	return nil
}

// IncrementProfileDownloads implements usage.Database.
func (d *Database) IncrementProfileDownloads(ctx context.Context, params *usage.DatabaseIncrementProfileDownloadsParams) error {
	query := `
		INSERT INTO profiles (user_id, total_downloads)
		VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET total_downloads = profiles.total_downloads + 1
	`
	args := []any{params.UserID}

	if _, err := d.db.Exec(ctx, query, args...); err != nil {
		return storeError("increment profile downloads", err)
	}

	return nil
}

// AppendEvent implements usage.EventLog.
func (d *Database) AppendEvent(ctx context.Context, event *usage.Event) error {
	query := `
		INSERT INTO analytics_events (type, build_id, user_id, timestamp)
		VALUES ($1, $2, $3, $4)
	`
	args := []any{event.Type, event.BuildID, event.UserID, event.Timestamp}

	if _, err := d.db.Exec(ctx, query, args...); err != nil {
		return storeError("append event", err)
	}

	return nil
}

// TotalDownloads returns the profile download counter of userID, zero for an unknown user.
func (d *Database) TotalDownloads(ctx context.Context, userID string) (int64, error) {
	query := `
		SELECT COALESCE((SELECT total_downloads FROM profiles WHERE user_id = $1), 0)
	`
	args := []any{userID}

	rows, _ := d.db.Query(ctx, query, args...)
	n, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, storeError("total downloads", err)
	}

	return n, nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, build.ErrStoreUnavailable, err)
}
