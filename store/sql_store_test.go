package store

import (
	"context"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/deepresearch/orchestrator/internal/database"
	"github.com/deepresearch/orchestrator/research"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// A shared-cache in-memory sqlite database is still a single file as
	// far as SQLite's write lock is concerned: force one connection so
	// concurrent Updates serialise through the store's own version check
	// rather than racing across pooled connections onto the same memory db.
	// HealthCheckInterval stays zero so the test doesn't leak a background
	// ticker goroutine per store.
	s, err := newSQLStoreFromDB(db, database.PoolConfig{MaxOpenConns: 1}, "sqlite", nil)
	require.NoError(t, err)
	return s
}

func TestSQLStore_CreateAndLoad(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	session, err := s.Create(ctx, research.Spec{Query: "deep sea exploration advances", Depth: research.DepthDeep, MaxResearchers: 5})
	require.NoError(t, err)
	assert.Equal(t, research.StageIntake, session.Stage)
	assert.Equal(t, 1, session.Version)

	loaded, err := s.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Query, loaded.Query)
	assert.Equal(t, research.DepthDeep, loaded.Depth)
}

func TestSQLStore_LoadUnknownReturnsNotFound(t *testing.T) {
	s := newTestSQLStore(t)
	_, err := s.Load(context.Background(), "missing")
	assert.Equal(t, research.ErrNotFound, research.CodeOf(err))
}

func TestSQLStore_UpdateIsVersioned(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, research.Spec{Query: "q"})
	require.NoError(t, err)

	updated, err := s.Update(ctx, session.ID, func(sess *research.Session) error {
		sess.Stage = research.StageBrief
		sess.State.Brief = "brief text"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "brief text", updated.State.Brief)

	reloaded, err := s.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StageBrief, reloaded.Stage)
}

func TestSQLStore_ConcurrentUpdatesAllApply(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, research.Spec{Query: "q"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, uerr := s.Update(ctx, session.ID, func(sess *research.Session) error {
				sess.Progress++
				return nil
			})
			assert.NoError(t, uerr)
		}()
	}
	wg.Wait()

	final, err := s.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, final.Progress)
	assert.Equal(t, 11, final.Version)
}

func TestSQLStore_ListFiltersAndPaginates(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, research.Spec{Query: "q"})
		require.NoError(t, err)
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := s.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLStore_DeleteRemovesRow(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, research.Spec{Query: "q"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, session.ID))
	_, err = s.Load(ctx, session.ID)
	assert.Equal(t, research.ErrNotFound, research.CodeOf(err))
}

func TestSQLStore_DeleteUnknownReturnsNotFound(t *testing.T) {
	s := newTestSQLStore(t)
	err := s.Delete(context.Background(), "missing")
	assert.Equal(t, research.ErrNotFound, research.CodeOf(err))
}
