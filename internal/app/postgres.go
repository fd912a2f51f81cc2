package app

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresApplicationName = "apkbuild"

// NewPostgresPool creates a pool and checks that the database is reachable.
func NewPostgresPool(ctx context.Context, connectionString string) (*pgxpool.Pool, error) {
	pgxConf, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, err
	}
	if _, ok := pgxConf.ConnConfig.RuntimeParams["application_name"]; !ok {
		pgxConf.ConnConfig.RuntimeParams["application_name"] = postgresApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxConf)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

//go:embed migrations/*.sql
var postgresMigrations embed.FS

// SetupPostgres brings the schema up to the latest embedded migration.
// Calling it on an up-to-date database does nothing.
func SetupPostgres(connectionString string, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With(slog.String("component", "app.SetupPostgres"))

	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := newPostgresMigrate(db, log)
	if err != nil {
		return err
	}

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migrate version %d is dirty", version)
	}
	log.Info("postgres schema is up to date", slog.Uint64("version", uint64(version)))

	return nil
}

func newPostgresMigrate(db *sql.DB, log *slog.Logger) (*migrate.Migrate, error) {
	migrations, err := fs.Sub(postgresMigrations, "migrations")
	if err != nil {
		return nil, err
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, err
	}

	databaseDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", databaseDriver)
	if err != nil {
		return nil, err
	}
	m.Log = &migrateLogger{log: log}

	return m, nil
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	log *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return l.log.Enabled(context.Background(), slog.LevelDebug)
}
