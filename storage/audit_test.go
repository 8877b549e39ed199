package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRepo_RecordAndList(t *testing.T) {
	repo := NewSQLiteAuditRepo(setupTestDB(t))
	ctx := context.Background()

	first := &AuditEvent{Action: AuditActionClear, Actor: "alice", Affected: 3}
	second := &AuditEvent{Action: AuditActionClear, Actor: "bob", Affected: 0, Detail: "archived to s3://bucket/key"}
	require.NoError(t, repo.Record(ctx, first))
	require.NoError(t, repo.Record(ctx, second))

	events, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "bob", events[0].Actor)
	assert.Equal(t, "archived to s3://bucket/key", events[0].Detail)
	assert.Equal(t, "alice", events[1].Actor)
	assert.Equal(t, int64(3), events[1].Affected)
	assert.NotZero(t, events[1].CreatedAt)
}

func TestAuditRepo_ListLimit(t *testing.T) {
	repo := NewSQLiteAuditRepo(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Record(ctx, &AuditEvent{Action: AuditActionClear, Actor: "op"}))
	}

	events, err := repo.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
