package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recallguard/internal/storage/storagetest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "recallguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Repository {
		return openTestDB(t)
	})
}

func TestSQLiteInMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	notes, err := db.ListNotes(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recallguard.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err, "schema must apply cleanly to an existing database")
	require.NoError(t, db.Close())
}

func TestWithPragmas(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", withPragmas("a.db"))
	assert.Equal(t, "file:a.db?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", withPragmas("file:a.db?mode=rwc"))
	assert.Equal(t, "a.db?_pragma=journal_mode(WAL)", withPragmas("a.db?_pragma=journal_mode(WAL)"))
}

func TestOpenRepositoryRejectsUnknownDriver(t *testing.T) {
	_, err := OpenRepository(context.Background(), "mysql", "dsn")
	assert.Error(t, err)

	repo, err := OpenRepository(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Close())
}
