package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forge-collector/internal/store"
	"github.com/ericfisherdev/forge-collector/internal/store/sqlite"
)

func TestRepoRepoUpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := sqlite.NewRepoRepo(db)
	ctx := context.Background()

	err := repo.Upsert(ctx, store.Repository{Owner: "acme", Name: "widgets", FullName: "acme/widgets", Found: true})
	require.NoError(t, err)

	got, err := repo.GetByFullName(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Owner)
	assert.Equal(t, "widgets", got.Name)
	assert.True(t, got.Found)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRepoRepoUpsertUpdatesExisting(t *testing.T) {
	db := newTestDB(t)
	repo := sqlite.NewRepoRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, store.Repository{Owner: "acme", Name: "widgets", FullName: "acme/widgets", Found: true}))
	require.NoError(t, repo.Upsert(ctx, store.Repository{Owner: "acme", Name: "widgets", FullName: "acme/widgets", Found: false}))

	got, err := repo.GetByFullName(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.False(t, got.Found)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRepoRepoGetByFullNameNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := sqlite.NewRepoRepo(db)

	_, err := repo.GetByFullName(context.Background(), "missing/repo")
	assert.ErrorIs(t, err, store.ErrRepoNotFound)
}

func TestRepoRepoListAllOrdersByFullName(t *testing.T) {
	db := newTestDB(t)
	repo := sqlite.NewRepoRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, store.Repository{Owner: "b", Name: "2", FullName: "b/2", Found: true}))
	require.NoError(t, repo.Upsert(ctx, store.Repository{Owner: "a", Name: "1", FullName: "a/1", Found: true}))

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a/1", all[0].FullName)
	assert.Equal(t, "b/2", all[1].FullName)
}
