package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMigratorSingleton(t *testing.T) {
	m, err := getMigrator()
	require.NoError(t, err)
	require.NotNil(t, m)

	m2, err := getMigrator()
	require.NoError(t, err)
	assert.Same(t, m, m2)
}

func TestMigrationContent(t *testing.T) {
	assert.Contains(t, createPrefsSQL, "CREATE TABLE "+TableName)
	assert.Contains(t, createPrefsSQL, "PRIMARY KEY(namespace, key)")
}

func TestMigrationWithRealDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping real database migration test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)

	needs, err := NeedsUpgrade(ctx, conn)
	require.NoError(t, err)
	assert.True(t, needs)

	require.NoError(t, Apply(ctx, conn))

	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", TableName).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)

	needs, err = NeedsUpgrade(ctx, conn)
	require.NoError(t, err)
	assert.False(t, needs)
}
