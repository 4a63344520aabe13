package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forge-collector/internal/store/sqlite"
)

func TestWatermarkRepoGetMissingReturnsFalse(t *testing.T) {
	db := newTestDB(t)
	repo := sqlite.NewWatermarkRepo(db)

	_, ok, err := repo.Get(context.Background(), "acme/widgets")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatermarkRepoAdvanceThenGet(t *testing.T) {
	db := newTestDB(t)
	repo := sqlite.NewWatermarkRepo(db)
	ctx := context.Background()

	wm := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Advance(ctx, "acme/widgets", wm))

	got, ok, err := repo.Get(ctx, "acme/widgets")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(wm))
}

func TestWatermarkRepoAdvanceIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	repo := sqlite.NewWatermarkRepo(db)
	ctx := context.Background()

	later := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Advance(ctx, "acme/widgets", later))
	require.NoError(t, repo.Advance(ctx, "acme/widgets", earlier))

	got, ok, err := repo.Get(ctx, "acme/widgets")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(later), "watermark must not move backward")
}
