package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresStoreIntegration exercises the store against a real PostgreSQL
// instance. Needs Docker, so it only runs with PUMPWATCH_PG_TESTS=1.
func TestPostgresStoreIntegration(t *testing.T) {
	if os.Getenv("PUMPWATCH_PG_TESTS") != "1" {
		t.Skip("Skipping test: set PUMPWATCH_PG_TESTS=1 to run against a PostgreSQL container")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pumpwatch_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_create_archive_entries.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	store := NewPostgresStore(pool, zerolog.Nop())
	require.NoError(t, store.Ping(ctx))

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		key := EntryKeyAt(testBase)
		require.NoError(t, store.Put(ctx, key, []byte(`{"total_events":4}`), EntryTTL))

		data, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"total_events":4}`, string(data))
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		key := DailyKeyAt(testBase)
		require.NoError(t, store.Put(ctx, key, []byte(`{"runs":1}`), DailyTTL))
		require.NoError(t, store.Put(ctx, key, []byte(`{"runs":2}`), DailyTTL))

		data, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"runs":2}`, string(data))
	})

	t.Run("ExpiredRowsInvisible", func(t *testing.T) {
		key := "archive:2026-08-24:100"
		require.NoError(t, store.Put(ctx, key, []byte(`{}`), time.Millisecond))
		time.Sleep(50 * time.Millisecond)

		_, err := store.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		keys, err := store.List(ctx, "archive:2026-08-24:", 0)
		require.NoError(t, err)
		assert.NotContains(t, keys, key)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "archive:2026-08-25:100", []byte(`{}`), EntryTTL))
		require.NoError(t, store.Put(ctx, "archive:2026-08-25:200", []byte(`{}`), EntryTTL))

		keys, err := store.List(ctx, "archive:2026-08-25:", 10)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(keys), 2)
		assert.Equal(t, "archive:2026-08-25:200", keys[0])
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, err := store.Get(ctx, "archive:never-written")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
