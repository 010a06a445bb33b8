package postgres_test

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"curve-indexer/internal/storage/migrations"
	pgstore "curve-indexer/internal/storage/postgres"
)

// setupTestDB creates a PostgreSQL container, applies the embedded
// migrations and returns a pool. The returned cleanup function must be
// called after tests complete.
func setupTestDB(t *testing.T) (*pgstore.Pool, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := pgstore.NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool), "failed to run migrations")

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

// truncateAll clears every table between test cases sharing one container.
func truncateAll(t *testing.T, ctx context.Context, pool *pgstore.Pool) {
	t.Helper()

	entries, err := fs.ReadDir(migrations.PostgresFS, "postgres")
	require.NoError(t, err)

	var tables []string
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".sql")
		if i := strings.Index(name, "_"); i >= 0 {
			tables = append(tables, name[i+1:])
		}
	}
	sort.Strings(tables)

	for _, table := range tables {
		_, err := pool.Exec(ctx, "TRUNCATE TABLE "+table)
		require.NoError(t, err, "truncate %s", table)
	}
}

// ptr is a helper to create pointers to values.
func ptr[T any](v T) *T {
	return &v
}
