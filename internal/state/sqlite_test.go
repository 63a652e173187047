package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(nil)
	require.NoError(t, store.Open(context.Background(), ":memory:"))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_Migrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	version, err := store.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	// running again is a no-op
	require.NoError(t, store.Migrate(ctx))

	for _, table := range []string{"pipelines", "pipeline_revisions"} {
		rows, err := store.db.QueryContext(ctx, "SELECT 1 FROM "+table+" LIMIT 1")
		require.NoError(t, err, "table %s", table)
		_ = rows.Close()
	}
}

func TestSQLiteStore_NotOpened(t *testing.T) {
	store := NewSQLiteStore(nil)
	ctx := context.Background()

	_, err := store.Save(ctx, SaveRequest{Name: "x"})
	assert.ErrorIs(t, err, errNotOpened)
	_, err = store.Load(ctx, "x")
	assert.ErrorIs(t, err, errNotOpened)
	_, err = store.List(ctx)
	assert.ErrorIs(t, err, errNotOpened)
	assert.ErrorIs(t, store.Delete(ctx, "x"), errNotOpened)
	assert.NoError(t, store.Close())
}

func TestSQLiteStore_SaveLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	canvas := []byte(`[{"id":"a","shape":"source-table-node"}]`)
	config := []byte(`[{"id":"a","name":"orders"},{"id":"b","name":"report"}]`)

	res, err := store.Save(ctx, SaveRequest{Name: "sales", Canvas: canvas, Config: config, QueryText: "CREATE VIEW v AS SELECT 1;"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.Version)
	assert.False(t, res.Unchanged)
	assert.Equal(t, "CREATE VIEW v AS SELECT 1;", res.GeneratedQueryText)

	b, err := store.Load(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "sales", b.Name)
	assert.JSONEq(t, string(canvas), string(b.Canvas))
	assert.JSONEq(t, string(config), string(b.Config))
	assert.Equal(t, "CREATE VIEW v AS SELECT 1;", b.QueryText)
	assert.Equal(t, 2, b.Nodes)
	assert.Equal(t, Hash(canvas, config), b.Hash)
	assert.WithinDuration(t, time.Now(), b.UpdatedAt, time.Minute)
}

func TestSQLiteStore_SaveVersions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.Save(ctx, SaveRequest{Name: "p", Config: []byte(`[]`)})
	require.NoError(t, err)

	tests := []struct {
		name          string
		req           SaveRequest
		wantVersion   int
		wantUnchanged bool
	}{
		{"identical documents", SaveRequest{ID: first.ID, Name: "p", Config: []byte(`[]`)}, 1, true},
		{"rename only", SaveRequest{ID: first.ID, Name: "renamed", Config: []byte(`[]`)}, 1, true},
		{"changed config", SaveRequest{ID: first.ID, Name: "renamed", Config: []byte(`[{"id":"x"}]`)}, 2, false},
		{"changed canvas", SaveRequest{ID: first.ID, Name: "renamed", Canvas: []byte(`[{"id":"x"}]`), Config: []byte(`[{"id":"x"}]`)}, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := store.Save(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, first.ID, res.ID)
			assert.Equal(t, tt.wantVersion, res.Version)
			assert.Equal(t, tt.wantUnchanged, res.Unchanged)
		})
	}

	sum, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", sum.Name)
	assert.Equal(t, 3, sum.Version)
	assert.Equal(t, 1, sum.Nodes)

	revs, err := store.Revisions(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, revs, 3)
	for i, r := range revs {
		assert.Equal(t, i+1, r.Version)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, SaveRequest{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "missing"), ErrNotFound)
}

func TestSQLiteStore_ListDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	a, err := store.Save(ctx, SaveRequest{Name: "a"})
	require.NoError(t, err)
	b, err := store.Save(ctx, SaveRequest{Name: "b"})
	require.NoError(t, err)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "most recent first")

	require.NoError(t, store.Delete(ctx, a.ID))
	list, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	revs, err := store.Revisions(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, revs, "history is deleted with the pipeline")
}

func TestSQLiteStore_FileReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store := NewSQLiteStore(nil)
	require.NoError(t, store.Open(ctx, path))
	res, err := store.Save(ctx, SaveRequest{Name: "persisted", Config: []byte(`[{"id":"n"}]`)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := NewSQLiteStore(nil)
	require.NoError(t, reopened.Open(ctx, path))
	defer func() { _ = reopened.Close() }()

	b, err := reopened.Load(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", b.Name)
	assert.Equal(t, 1, b.Nodes)
}
