//go:build integration

// internal/database/postgres_test.go
package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres starts one container for the whole test; each subtest gets its own database.
func startPostgres(ctx context.Context, t *testing.T) func(t *testing.T) Store {
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("knowledge"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	admin, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	adminStore, err := NewPostgresStore(ctx, admin, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { adminStore.Close() })

	n := 0
	return func(t *testing.T) Store {
		n++
		name := fmt.Sprintf("suite_%d", n)
		_, err := adminStore.pool.Exec(ctx, "CREATE DATABASE "+name)
		require.NoError(t, err)

		host, err := pgContainer.Host(ctx)
		require.NoError(t, err)
		port, err := pgContainer.MappedPort(ctx, "5432/tcp")
		require.NoError(t, err)
		url := fmt.Sprintf("postgres://user:password@%s:%s/%s?sslmode=disable", host, port.Port(), name)

		store, err := NewPostgresStore(ctx, url, testLogger)
		require.NoError(t, err)
		require.NoError(t, store.Migrate(ctx))
		t.Cleanup(func() { store.Close() })
		return store
	}
}

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	runStoreSuite(t, startPostgres(ctx, t))
}
