package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubRuleRepo_Seed(t *testing.T) {
	repo := NewSQLiteScrubRuleRepo(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Seed(ctx))

	rules, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, len(DefaultScrubPatterns))
}

func TestScrubRuleRepo_SeedIdempotent(t *testing.T) {
	repo := NewSQLiteScrubRuleRepo(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Seed(ctx))
	require.NoError(t, repo.Seed(ctx))

	rules, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, len(DefaultScrubPatterns))
}

func TestScrubRuleRepo_CreateNormalizes(t *testing.T) {
	repo := NewSQLiteScrubRuleRepo(setupTestDB(t))

	rule, err := repo.Create(context.Background(), "  X-Secret ")
	require.NoError(t, err)
	assert.Equal(t, "x-secret", rule.Pattern)
	assert.NotEmpty(t, rule.ID)
}

func TestScrubRuleRepo_CreateEmpty(t *testing.T) {
	repo := NewSQLiteScrubRuleRepo(setupTestDB(t))

	_, err := repo.Create(context.Background(), "   ")
	assert.Error(t, err)
}

func TestScrubRuleRepo_Delete(t *testing.T) {
	repo := NewSQLiteScrubRuleRepo(setupTestDB(t))
	ctx := context.Background()

	rule, err := repo.Create(ctx, "x-secret")
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, rule.ID))
	assert.ErrorIs(t, repo.Delete(ctx, rule.ID), ErrRuleNotFound)
}
