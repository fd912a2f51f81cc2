package buildpg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/k11v/apkbuild/internal/build"
)

const buildColumns = `
	id, owner_id, source_url, app_name,
	status, download_url, error_message,
	download_count, view_count, last_downloaded_at,
	created_at, updated_at
`

type row struct {
	ID               string     `db:"id"`
	OwnerID          string     `db:"owner_id"`
	SourceURL        string     `db:"source_url"`
	AppName          string     `db:"app_name"`
	Status           string     `db:"status"`
	DownloadURL      *string    `db:"download_url"`
	ErrorMessage     *string    `db:"error_message"`
	DownloadCount    int64      `db:"download_count"`
	ViewCount        int64      `db:"view_count"`
	LastDownloadedAt *time.Time `db:"last_downloaded_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func rowToBuild(collectableRow pgx.CollectableRow) (*build.Build, error) {
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to build: %w", err)
	}

	status, known := build.ParseStatus(collectedRow.Status)
	if !known {
		slog.Default().Warn(
			"unknown status encountered while reading build",
			"status", collectedRow.Status,
			"build_id", collectedRow.ID,
		)
	}

	b := &build.Build{
		ID:               collectedRow.ID,
		OwnerID:          collectedRow.OwnerID,
		SourceURL:        collectedRow.SourceURL,
		AppName:          collectedRow.AppName,
		Status:           status,
		DownloadURL:      collectedRow.DownloadURL,
		ErrorMessage:     collectedRow.ErrorMessage,
		CreatedAt:        collectedRow.CreatedAt,
		UpdatedAt:        collectedRow.UpdatedAt,
		DownloadCount:    collectedRow.DownloadCount,
		ViewCount:        collectedRow.ViewCount,
		LastDownloadedAt: collectedRow.LastDownloadedAt,
	}
	return b, nil
}
