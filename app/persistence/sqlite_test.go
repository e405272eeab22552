package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		store, err := NewSQLiteStore(dbPath)
		require.NoError(t, err)
		assert.NotNil(t, store)
		require.NoError(t, store.Close())
		assert.FileExists(t, dbPath)
	})

	t.Run("invalid path", func(t *testing.T) {
		store, err := NewSQLiteStore("/invalid/path/that/does/not/exist/test.db")
		assert.Error(t, err)
		assert.Nil(t, store)
	})
}

func TestSQLiteStore_TableCreated(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	var count int
	err = store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='records'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_UpsertAndReadAll(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	recs := []Record{
		{Job: "build-42", BuildID: "17", Description: "(stable)", Link: "http://x/42", UpdatedAt: ts, OK: true,
			Key: "2024-01-01T10:00:00Z:::build-42"},
		{Job: "build-43", BuildID: "5", Description: "broken since #4", Link: "http://x/43",
			UpdatedAt: ts.Add(-48 * time.Hour), Stale: true},
	}
	for _, r := range recs {
		require.NoError(t, store.Upsert(context.Background(), r))
	}

	res, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 2)

	byJob := map[string]Record{}
	for _, r := range res {
		byJob[r.Job] = r
	}
	assert.Equal(t, recs[0], byJob["build-42"])
	assert.Equal(t, recs[1], byJob["build-43"])
}

func TestSQLiteStore_UpsertOverwrites(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	err = store.Upsert(context.Background(), Record{Job: "app", BuildID: "1", Description: "(stable)", UpdatedAt: ts, OK: true})
	require.NoError(t, err)
	// older update still wins, there is no merge and no ordering check
	err = store.Upsert(context.Background(), Record{Job: "app", BuildID: "2", Description: "(broken)", UpdatedAt: ts.Add(-time.Hour)})
	require.NoError(t, err)

	res, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "2", res[0].BuildID)
	assert.Equal(t, "(broken)", res[0].Description)
	assert.False(t, res[0].OK)
	assert.Equal(t, ts.Add(-time.Hour), res[0].UpdatedAt)
}

func TestSQLiteStore_Durable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	err = store.Upsert(context.Background(), Record{Job: "app", BuildID: "7", UpdatedAt: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	res, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "7", res[0].BuildID)
	assert.Equal(t, int64(1700000000), res[0].UpdatedAt.Unix())
}

func TestSQLiteStore_EmptyDatabase(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	res, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSQLiteStore_UpsertWithoutJob(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	err = store.Upsert(context.Background(), Record{BuildID: "1"})
	require.Error(t, err)
}

func TestSQLiteStore_WALMode(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	var mode string
	err = store.db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

func TestSQLiteStore_Errors(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.db.Exec("DROP TABLE records")
	require.NoError(t, err)

	res, err := store.ReadAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query records")
	assert.Nil(t, res)

	err = store.Upsert(context.Background(), Record{Job: "app", BuildID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save record app")
}
