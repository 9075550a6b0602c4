// Package db stores probe results in PostgreSQL.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/lagprobe/internal/migrations"
	"github.com/cybertec-postgresql/lagprobe/internal/retry"
)

// PgxPoolIface is the part of *pgxpool.Pool the results repository uses
type PgxPoolIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
	Ping(ctx context.Context) error
}

// PoolConfig parses connStr and applies the settings of a short lived
// writer: two connections at most and a recognizable application_name.
func PoolConfig(connStr string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid results database connection string: %w", err)
	}
	if cfg.ConnConfig.ConnectTimeout == 0 {
		cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	}
	cfg.MaxConns = 2
	cfg.MaxConnIdleTime = 15 * time.Second
	cfg.ConnConfig.RuntimeParams["application_name"] = "lagprobe"

	logger := logrus.WithField("component", "results")
	cfg.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.WithField("severity", n.Severity).WithField("notice", n.Message).Info("Notice received")
	}
	return cfg, nil
}

// Connect opens a pool and pings it, retrying with the given backoff
func Connect(ctx context.Context, connStr string, rc *retry.Config) (PgxPoolIface, error) {
	cfg, err := PoolConfig(connStr)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	err = retry.WithOperation(ctx, rc, func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg.Copy())
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}, "results database connect")
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"host":     cfg.ConnConfig.Host,
		"database": cfg.ConnConfig.Database,
	}).Debug("Connected to results database")
	return pool, nil
}

// ApplyMigrations brings the results schema up to date on one pooled connection
func ApplyMigrations(ctx context.Context, pool PgxPoolIface) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migrations: %w", err)
	}
	defer conn.Release()

	pending, err := migrations.NeedsUpgrade(ctx, conn.Conn())
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if !pending {
		logrus.Debug("Results schema is up to date")
		return nil
	}

	logrus.Info("Creating results schema")
	if err := migrations.Apply(ctx, conn.Conn()); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
