package sql

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbox/internal/config"
	"syncbox/internal/models"
	"syncbox/internal/storage"
)

func newTestStorage(t *testing.T, quota int64) *Storage {
	t.Helper()
	cfg := &config.StorageConfig{
		SQLURI:              "sqlite://" + filepath.Join(t.TempDir(), "sync.db"),
		StandardCollections: true,
		QuotaSize:           quota,
		PoolSize:            2,
		CreateTables:        true,
	}
	s := New(cfg)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func i64Ptr(n int64) *int64   { return &n }

func TestResolveSQLURI(t *testing.T) {
	path, err := resolveSQLURI("sqlite:///var/data/sync.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/data/sync.db", path)

	path, err = resolveSQLURI("sync.db")
	require.NoError(t, err)
	assert.Equal(t, "sync.db", path)

	_, err = resolveSQLURI("postgres://localhost/sync")
	assert.Error(t, err)
	_, err = resolveSQLURI("")
	assert.Error(t, err)
}

func TestStandardCollectionIDs(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	id, err := s.collectionID(ctx, "history", false)
	require.NoError(t, err)
	assert.Equal(t, 4, id)

	// Custom collections start above the reserved range.
	id, err = s.collectionID(ctx, "custom-stuff", true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, customIDBase)

	_, err = s.collectionID(ctx, "never-seen", false)
	assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
}

func TestSetAndGetItems(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	ts, err := s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "a", Payload: strPtr("payload-a"), SortIndex: intPtr(2)},
		{ID: "b", Payload: strPtr("payload-b"), SortIndex: intPtr(1)},
	})
	require.NoError(t, err)
	assert.Greater(t, int64(ts), int64(0))

	t.Run("get item", func(t *testing.T) {
		b, err := s.GetItem(ctx, 1, "bookmarks", "a")
		require.NoError(t, err)
		assert.Equal(t, "payload-a", b.Payload)
		assert.Equal(t, 2, b.SortIndex)
		assert.Equal(t, ts, b.Modified)
	})

	t.Run("missing item", func(t *testing.T) {
		_, err := s.GetItem(ctx, 1, "bookmarks", "nope")
		assert.ErrorIs(t, err, storage.ErrItemNotFound)
	})

	t.Run("get items sorted by index", func(t *testing.T) {
		items, err := s.GetItems(ctx, 1, "bookmarks", &storage.GetItemsOptions{Sort: storage.SortIndex})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "b", items[0].ID)
		assert.Equal(t, "a", items[1].ID)
	})

	t.Run("filter by ids", func(t *testing.T) {
		ids, err := s.GetItemIDs(ctx, 1, "bookmarks", &storage.GetItemsOptions{IDs: []string{"b"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids)
	})

	t.Run("limit", func(t *testing.T) {
		items, err := s.GetItems(ctx, 1, "bookmarks", &storage.GetItemsOptions{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("other user sees nothing", func(t *testing.T) {
		_, err := s.GetItems(ctx, 2, "bookmarks", nil)
		assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
	})
}

func TestPartialUpdate(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	res, err := s.SetItem(ctx, 1, "history", "x", models.PutBSO{Payload: strPtr("first")})
	require.NoError(t, err)
	assert.True(t, res.Created)
	firstTS := res.Modified

	// A sortindex-only update must not bump the item's modified stamp.
	res, err = s.SetItem(ctx, 1, "history", "x", models.PutBSO{SortIndex: intPtr(9)})
	require.NoError(t, err)
	assert.False(t, res.Created)

	b, err := s.GetItem(ctx, 1, "history", "x")
	require.NoError(t, err)
	assert.Equal(t, "first", b.Payload)
	assert.Equal(t, 9, b.SortIndex)
	assert.Equal(t, firstTS, b.Modified)

	// The collection stamp does move.
	collTS, err := s.GetCollectionTimestamp(ctx, 1, "history")
	require.NoError(t, err)
	assert.Greater(t, int64(collTS), int64(firstTS))
}

func TestMonotonicTimestamps(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	var last models.Timestamp
	for i := 0; i < 5; i++ {
		ts, err := s.SetItems(ctx, 1, "tabs", []models.PutBSO{{ID: "t", Payload: strPtr("p")}})
		require.NoError(t, err)
		assert.Greater(t, int64(ts), int64(last))
		last = ts
	}
}

func TestTTLExpiry(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "tabs", []models.PutBSO{
		{ID: "live", Payload: strPtr("p"), TTL: i64Ptr(3600)},
		{ID: "dead", Payload: strPtr("p"), TTL: i64Ptr(-10)},
	})
	require.NoError(t, err)

	items, err := s.GetItems(ctx, 1, "tabs", nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "live", items[0].ID)

	_, err = s.GetItem(ctx, 1, "tabs", "dead")
	assert.ErrorIs(t, err, storage.ErrItemNotFound)

	pruned, err := s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestQuota(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "history", []models.PutBSO{
		{ID: "big", Payload: strPtr("this payload is well past ten bytes")},
	})
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)

	// The rejected write must not have landed.
	_, err = s.GetItems(ctx, 1, "history", nil)
	assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
}

func TestQuotaIgnoresExpiredItems(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	// An already-expired row holds 8 bytes of dead payload.
	_, err := s.SetItems(ctx, 1, "history", []models.PutBSO{
		{ID: "old", Payload: strPtr("oldstuff"), TTL: i64Ptr(-10)},
	})
	require.NoError(t, err)

	// A live write that fits the quota on its own must not be rejected
	// because of the dead bytes.
	_, err = s.SetItems(ctx, 1, "history", []models.PutBSO{
		{ID: "new", Payload: strPtr("newstuff")},
	})
	assert.NoError(t, err)
}

func TestStorageLevelOps(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{{ID: "a", Payload: strPtr("aaaa")}})
	require.NoError(t, err)
	tabsTS, err := s.SetItems(ctx, 1, "tabs", []models.PutBSO{{ID: "b", Payload: strPtr("bb")}})
	require.NoError(t, err)

	t.Run("storage timestamp is max of collections", func(t *testing.T) {
		ts, err := s.GetStorageTimestamp(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, tabsTS, ts)
	})

	t.Run("collection timestamps", func(t *testing.T) {
		stamps, err := s.GetCollectionTimestamps(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, stamps, 2)
		assert.Equal(t, tabsTS, stamps["tabs"])
	})

	t.Run("counts and sizes", func(t *testing.T) {
		counts, err := s.GetCollectionCounts(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"bookmarks": 1, "tabs": 1}, counts)

		sizes, err := s.GetCollectionSizes(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(4), sizes["bookmarks"])
		assert.Equal(t, int64(2), sizes["tabs"])

		total, err := s.GetTotalSize(ctx, 1, false)
		require.NoError(t, err)
		assert.Equal(t, int64(6), total)
	})

	t.Run("delete storage", func(t *testing.T) {
		require.NoError(t, s.DeleteStorage(ctx, 1))
		ts, err := s.GetStorageTimestamp(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, ts)
	})
}

func TestDeletes(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "forms", []models.PutBSO{
		{ID: "a", Payload: strPtr("p")},
		{ID: "b", Payload: strPtr("p")},
		{ID: "c", Payload: strPtr("p")},
	})
	require.NoError(t, err)

	t.Run("delete some items", func(t *testing.T) {
		ts, err := s.DeleteItems(ctx, 1, "forms", []string{"a", "b"})
		require.NoError(t, err)
		assert.Greater(t, int64(ts), int64(0))

		ids, err := s.GetItemIDs(ctx, 1, "forms", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids)
	})

	t.Run("delete missing item", func(t *testing.T) {
		_, err := s.DeleteItem(ctx, 1, "forms", "gone")
		assert.ErrorIs(t, err, storage.ErrItemNotFound)
	})

	t.Run("delete collection", func(t *testing.T) {
		_, err := s.DeleteCollection(ctx, 1, "forms")
		require.NoError(t, err)
		_, err = s.GetCollectionTimestamp(ctx, 1, "forms")
		assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
	})

	t.Run("delete missing collection", func(t *testing.T) {
		_, err := s.DeleteCollection(ctx, 1, "forms")
		assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
	})
}

func TestLocking(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	t.Run("read lock is reentrant through context", func(t *testing.T) {
		lockCtx, unlock, err := s.LockForRead(ctx, 1, "history")
		require.NoError(t, err)
		defer unlock()

		nested, nestedUnlock, err := s.LockForRead(lockCtx, 1, "history")
		require.NoError(t, err)
		nestedUnlock()
		assert.Equal(t, lockCtx, nested)
	})

	t.Run("write lock rejects nested write", func(t *testing.T) {
		lockCtx, unlock, err := s.LockForWrite(ctx, 1, "tabs")
		require.NoError(t, err)
		defer unlock()

		_, _, err = s.LockForWrite(lockCtx, 1, "tabs")
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("write lock excludes other writers", func(t *testing.T) {
		_, unlock, err := s.LockForWrite(ctx, 1, "forms")
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			_, unlock2, err := s.LockForWrite(ctx, 1, "forms")
			if err == nil {
				unlock2()
			}
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("second writer acquired lock while first held it")
		case <-time.After(50 * time.Millisecond):
		}
		unlock()
		<-acquired
	})
}
