package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDB_File(t *testing.T) {
	path := t.TempDir() + "/records.db"

	db, err := OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestRecordRepo_SaveAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRecordRepo(db)
	ctx := context.Background()

	rec := &Record{
		Method:          "POST",
		Path:            "/admin/request-viewer/",
		Query:           "page=2",
		StatusCode:      200,
		DurationMs:      12,
		ClientIP:        "10.0.0.1",
		UserAgent:       "curl/8.0",
		RequestHeaders:  map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		RequestBody:     "filterBy=method&value=GET",
		ResponseHeaders: map[string]string{"Content-Type": "text/html"},
		ResponseBody:    "<table></table>",
		ResponseSize:    15,
	}
	require.NoError(t, repo.Save(ctx, rec))
	assert.Len(t, rec.ID, 26)
	assert.NotZero(t, rec.Timestamp)

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, got)
}

func TestRecordRepo_GetMissing(t *testing.T) {
	repo := NewSQLiteRecordRepo(setupTestDB(t))

	got, err := repo.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordRepo_AllCreationOrder(t *testing.T) {
	repo := NewSQLiteRecordRepo(setupTestDB(t))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		rec := &Record{Method: "GET", Path: fmt.Sprintf("/p/%d", i)}
		require.NoError(t, repo.Save(ctx, rec))
		ids = append(ids, rec.ID)
	}

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 20)
	for i, rec := range all {
		assert.Equal(t, ids[i], rec.ID)
		assert.Equal(t, fmt.Sprintf("/p/%d", i), rec.Path)
	}
}

func TestRecordRepo_AllEmpty(t *testing.T) {
	repo := NewSQLiteRecordRepo(setupTestDB(t))

	all, err := repo.All(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestRecordRepo_DeleteAll(t *testing.T) {
	repo := NewSQLiteRecordRepo(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(ctx, &Record{Method: "GET", Path: "/x"}))
	}

	n, err := repo.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	n, err = repo.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecordRepo_Prune(t *testing.T) {
	repo := NewSQLiteRecordRepo(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Save(ctx, &Record{Method: "GET", Path: "/old", Timestamp: now.Add(-2 * time.Hour).UnixMilli()}))
	require.NoError(t, repo.Save(ctx, &Record{Method: "GET", Path: "/new", Timestamp: now.UnixMilli()}))

	n, err := repo.Prune(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "/new", all[0].Path)
}

func TestRecordRepo_ConcurrentSave(t *testing.T) {
	db, err := OpenDB(t.TempDir() + "/concurrent.db")
	require.NoError(t, err)
	defer db.Close()
	repo := NewSQLiteRecordRepo(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, repo.Save(ctx, &Record{Method: "GET", Path: fmt.Sprintf("/c/%d", i)}))
		}(i)
	}
	wg.Wait()

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 50)

	seen := make(map[string]bool)
	for _, rec := range all {
		assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true
	}
}

func TestRecord_Field(t *testing.T) {
	rec := &Record{Method: "GET", StatusCode: 404, DurationMs: 7}

	v, ok := rec.Field("method")
	assert.True(t, ok)
	assert.Equal(t, "GET", v)

	v, ok = rec.Field("status_code")
	assert.True(t, ok)
	assert.Equal(t, 404, v)

	_, ok = rec.Field("nonexistent")
	assert.False(t, ok)
}
