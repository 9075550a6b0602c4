// Package migrations contains the results database schema for lagprobe.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableName is where applied migrations are tracked
const TableName = "lagprobe_migrations"

// createMeasurementsSQL creates the table that keeps one row per probe run
const createMeasurementsSQL = `
	CREATE TABLE lag_measurements (
		id uuid PRIMARY KEY,
		started_at timestamp with time zone NOT NULL,
		backend text NOT NULL,
		primary_node text NOT NULL,
		replica_node text NOT NULL,
		secondary_node text,
		secondary_reachable boolean NOT NULL DEFAULT false,
		write_count integer NOT NULL,
		value_size integer NOT NULL,
		reset_wait_us bigint NOT NULL DEFAULT 0,
		write_us bigint NOT NULL,
		replica_count_at_snapshot bigint NOT NULL,
		unsynced bigint NOT NULL,
		lag_us bigint NOT NULL,
		polls bigint NOT NULL,
		poll_p50_us bigint NOT NULL DEFAULT 0,
		poll_p99_us bigint NOT NULL DEFAULT 0,
		poll_max_us bigint NOT NULL DEFAULT 0,
		verified boolean NOT NULL DEFAULT false
	);

	CREATE INDEX idx_lag_measurements_started_at ON lag_measurements(started_at DESC);
	CREATE INDEX idx_lag_measurements_nodes ON lag_measurements(primary_node, replica_node);
`

// addPollMeanSQL keeps the mean poll round trip next to the percentiles
const addPollMeanSQL = `ALTER TABLE lag_measurements ADD COLUMN poll_mean_us bigint NOT NULL DEFAULT 0`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_lag_measurements",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createMeasurementsSQL)
				return err
			},
		},
		&migrator.Migration{
			Name: "002_add_poll_mean",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, addPollMeanSQL)
				return err
			},
		},
		// adding new migration here
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName(TableName),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
