package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// setupTestDB connects to the database named by DATABASE_URL.
// Skips the test when the variable is unset or the server is down.
func setupTestDB(t *testing.T) (*DB, func()) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping database test: DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := New(ctx, dsn, 10)
	if err != nil {
		t.Skipf("Skipping database test: failed to connect: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func TestNew(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	assert.NotNil(t, db)
	assert.NotNil(t, db.Pool())
}

func TestNew_EmptyDSN(t *testing.T) {
	db, err := New(context.Background(), "", 10)
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "DSN is empty")
}

func TestNew_InvalidDSN(t *testing.T) {
	db, err := New(context.Background(), "postgres://localhost:notaport/pumpwatch", 10)
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "failed to parse database DSN")
}

func TestClose(t *testing.T) {
	db, _ := setupTestDB(t)

	// Close doesn't return error
	db.Close()
}

func TestPing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	err := db.Ping(ctx)
	assert.NoError(t, err)
}

func TestPool(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	pool := db.Pool()
	assert.NotNil(t, pool)
}

func TestHealth(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	err := db.Health(ctx)
	assert.NoError(t, err)
}
