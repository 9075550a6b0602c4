package db

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/lagprobe/internal/history"
	"github.com/cybertec-postgresql/lagprobe/internal/probe"
	"github.com/cybertec-postgresql/lagprobe/internal/retry"
	"github.com/cybertec-postgresql/lagprobe/internal/stats"
)

// Repository keeps probe results in the lag_measurements table
type Repository struct {
	pool PgxPoolIface
}

var _ history.Recorder = (*Repository)(nil)

// NewRepository wraps an open pool
func NewRepository(pool PgxPoolIface) *Repository {
	return &Repository{pool: pool}
}

// Open connects to connStr with retries and brings the schema up to date
func Open(ctx context.Context, connStr string) (*Repository, error) {
	pool, err := Connect(ctx, connStr, retry.PostgreSQLDefaults())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to results database: %w", err)
	}
	if err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewRepository(pool), nil
}

// Close closes the pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

const insertMeasurementSQL = `INSERT INTO lag_measurements (
	id, started_at, backend, primary_node, replica_node, secondary_node, secondary_reachable,
	write_count, value_size, reset_wait_us, write_us, replica_count_at_snapshot, unsynced,
	lag_us, polls, poll_mean_us, poll_p50_us, poll_p99_us, poll_max_us, verified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

// Save inserts one result
func (r *Repository) Save(ctx context.Context, res *probe.Result) error {
	var secondary *string
	if res.Secondary != "" {
		secondary = &res.Secondary
	}

	_, err := r.pool.Exec(ctx, insertMeasurementSQL,
		res.ID, res.StartedAt, res.Backend, res.Primary, res.Replica, secondary, res.SecondaryReachable,
		res.WriteCount, res.ValueSize, res.ResetWait.Microseconds(), res.WriteDuration.Microseconds(),
		res.ReplicaCountAtSnapshot, res.Unsynced, res.Lag.Microseconds(), res.Polls, res.PollLatency.Mean.Microseconds(),
		res.PollLatency.P50.Microseconds(), res.PollLatency.P99.Microseconds(), res.PollLatency.Max.Microseconds(),
		res.Verified,
	)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}

	logrus.WithField("run", res.ID).Debug("Saved result to PostgreSQL")
	return nil
}

const listMeasurementsSQL = `SELECT id, started_at, backend, primary_node, replica_node, secondary_node,
	secondary_reachable, write_count, value_size, reset_wait_us, write_us, replica_count_at_snapshot,
	unsynced, lag_us, polls, poll_mean_us, poll_p50_us, poll_p99_us, poll_max_us, verified
FROM lag_measurements
ORDER BY started_at DESC
LIMIT $1`

// List returns up to limit results, newest first. A non-positive limit returns all.
func (r *Repository) List(ctx context.Context, limit int) ([]probe.Result, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.pool.Query(ctx, listMeasurementsSQL, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var results []probe.Result
	for rows.Next() {
		var (
			res                                         probe.Result
			secondary                                   *string
			resetUs, writeUs, lagUs, mean, p50, p99, mx int64
		)
		err := rows.Scan(&res.ID, &res.StartedAt, &res.Backend, &res.Primary, &res.Replica, &secondary,
			&res.SecondaryReachable, &res.WriteCount, &res.ValueSize, &resetUs, &writeUs,
			&res.ReplicaCountAtSnapshot, &res.Unsynced, &lagUs, &res.Polls, &mean, &p50, &p99, &mx, &res.Verified)
		if err != nil {
			return nil, fmt.Errorf("error scanning measurement: %w", err)
		}

		if secondary != nil {
			res.Secondary = *secondary
		}
		res.ResetWait = usec(resetUs)
		res.WriteDuration = usec(writeUs)
		res.Lag = usec(lagUs)
		res.PollLatency = stats.Summary{Count: res.Polls, Mean: usec(mean), P50: usec(p50), P99: usec(p99), Max: usec(mx)}
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating measurements: %w", err)
	}

	return results, nil
}

func usec(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
