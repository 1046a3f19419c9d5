package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/textvault/coordinator/internal/logging"
)

//go:embed migrations/001_init.sql
var migration1 string

//go:embed migrations/002_objects.sql
var migration2 string

// CurrentVersion is the schema version this binary expects, mirroring the
// teacher's db_updater.py CURRENT_VERSION constant.
const CurrentVersion = 2

// schemaVersion inspects the database and returns its current version.
// version_info absence implies 1 if queue already exists, 0 otherwise --
// matching db_updater.py's get_db_version exactly.
func schemaVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var hasQueue bool
	err := pool.QueryRow(ctx,
		"select exists(select * from information_schema.tables where table_name='queue')").Scan(&hasQueue)
	if err != nil {
		return 0, fmt.Errorf("checking for queue table: %w", err)
	}
	if !hasQueue {
		return 0, nil
	}

	var hasVersion bool
	err = pool.QueryRow(ctx,
		"select exists(select * from information_schema.tables where table_name='version_info')").Scan(&hasVersion)
	if err != nil {
		return 0, fmt.Errorf("checking for version_info table: %w", err)
	}
	if !hasVersion {
		return 1, nil
	}

	var version int
	err = pool.QueryRow(ctx, "select version from version_info").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// EnsureSchema applies pending migrations in order. Migrations are
// idempotent to re-run: each step is gated on schemaVersion, which is
// re-derived after every applied step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for {
		version, err := schemaVersion(ctx, pool)
		if err != nil {
			return err
		}
		logging.Log(ctx).Info("schema version", "version", version)

		if version >= CurrentVersion {
			return nil
		}

		var script string
		switch version {
		case 0:
			script = migration1
		case 1:
			script = migration2
		default:
			return fmt.Errorf("unexpected schema version %d", version)
		}

		if _, err := pool.Exec(ctx, script); err != nil {
			return fmt.Errorf("applying migration from version %d: %w", version, err)
		}
	}
}
