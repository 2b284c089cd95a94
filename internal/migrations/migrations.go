// Package migrations contains the schema of the PostgreSQL preference store.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableName is the table holding namespaced device preferences
const TableName = "tanksync_prefs"

const createPrefsSQL = `
	CREATE TABLE tanksync_prefs (
		namespace text NOT NULL,
		key text NOT NULL,
		value text NOT NULL,
		ts timestamp with time zone NOT NULL DEFAULT now(),
		PRIMARY KEY(namespace, key)
	);

	CREATE INDEX idx_tanksync_prefs_ts ON tanksync_prefs(ts);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_prefs",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createPrefsSQL)
				return err
			},
		},
		// adding new migration here
	)
}

var (
	migratorInstance *migrator.Migrator
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName("tanksync_migrations"),
		)
	})
	return migratorInstance, migratorErr
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
