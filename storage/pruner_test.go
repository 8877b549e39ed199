package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/auditmos/adminpanel/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRepo struct {
	RecordRepo
}

func (failingRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func TestPruner_PruneOnce(t *testing.T) {
	repo := NewSQLiteRecordRepo(setupTestDB(t))
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, &Record{Method: "GET", Path: "/old", Timestamp: now.Add(-48 * time.Hour).UnixMilli()}))
	require.NoError(t, repo.Save(ctx, &Record{Method: "GET", Path: "/new", Timestamp: now.Add(-time.Hour).UnixMilli()}))

	p := NewPruner(repo, 24*time.Hour, time.Minute, logging.NopLogger{})
	p.now = func() time.Time { return now }

	n, err := p.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPruner_PruneOnceError(t *testing.T) {
	p := NewPruner(failingRepo{}, time.Hour, time.Minute, nil)

	_, err := p.PruneOnce(context.Background())
	assert.EqualError(t, err, "disk full")
}

func TestPruner_StartDisabled(t *testing.T) {
	p := NewPruner(failingRepo{}, 0, time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when retention is disabled")
	}
}

func TestPruner_StartStopsOnCancel(t *testing.T) {
	repo := NewSQLiteRecordRepo(setupTestDB(t))
	p := NewPruner(repo, time.Hour, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
