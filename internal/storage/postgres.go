package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/tankwise/tanksync/internal/migrations"
	"github.com/tankwise/tanksync/internal/retry"
)

// PgxIface is the subset of pgx the PostgreSQL store needs
type PgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const (
	getPrefSQL    = `SELECT value FROM tanksync_prefs WHERE namespace = $1 AND key = $2`
	deletePrefSQL = `DELETE FROM tanksync_prefs WHERE namespace = $1 AND key = $2`
	upsertPrefSQL = `INSERT INTO tanksync_prefs (namespace, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, key) DO UPDATE SET
		value = EXCLUDED.value, ts = now()`
)

// Postgres stores preferences in the tanksync_prefs table
type Postgres struct {
	db   PgxIface
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection; the schema must already exist
func NewPostgres(db PgxIface) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects with retry and applies pending migrations
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := newPoolWithRetry(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	err = applyMigrations(ctx, conn.Conn())
	conn.Release()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{db: pool, pool: pool}, nil
}

func newPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	connConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	logger := logrus.WithField("component", "postgresql")
	connConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.WithField("severity", n.Severity).WithField("notice", n.Message).Info("Notice received")
	}
	return pgxpool.NewWithConfig(ctx, connConfig)
}

func newPoolWithRetry(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := retry.WithOperation(ctx, retry.PostgreSQLDefaults(), func() error {
		var attemptErr error
		pool, attemptErr = newPool(ctx, databaseURL)
		if attemptErr != nil {
			return attemptErr
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			pool.Close()
			return pingErr
		}
		return nil
	}, "postgresql-connect")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return pool, nil
}

func applyMigrations(ctx context.Context, conn *pgx.Conn) error {
	needsMigration, err := migrations.NeedsUpgrade(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if !needsMigration {
		logrus.Debug("Preference schema is up to date")
		return nil
	}
	logrus.Info("Applying preference schema migrations...")
	if err := migrations.Apply(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRow(ctx, getPrefSQL, namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (p *Postgres) Put(ctx context.Context, namespace, key, value string) error {
	if _, err := p.db.Exec(ctx, upsertPrefSQL, namespace, key, value); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", namespace, key, err)
	}
	return nil
}

// PutAll upserts all pairs in one batch
func (p *Postgres) PutAll(ctx context.Context, namespace string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, k := range sortedKeys(values) {
		batch.Queue(upsertPrefSQL, namespace, k, values[k])
	}
	if err := p.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write namespace %s: %w", namespace, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, namespace, key string) error {
	if _, err := p.db.Exec(ctx, deletePrefSQL, namespace, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
