package memcached

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbox/internal/config"
	"syncbox/internal/models"
	"syncbox/internal/storage"
)

// fakeCache is an in-memory cache.Client with real CAS semantics: the
// handle is a version number that changes on every store.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	version int
}

type fakeEntry struct {
	data    []byte
	version int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]fakeEntry)}
}

func (f *fakeCache) store(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.version++
	f.entries[key] = fakeEntry{data: data, version: f.version}
	return nil
}

func (f *fakeCache) Gets(key string, v interface{}) (interface{}, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return nil, false, nil
	}
	if err := json.Unmarshal(e.data, v); err != nil {
		return nil, false, err
	}
	return e.version, true, nil
}

func (f *fakeCache) CompareAndSwap(key string, handle interface{}, v interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok || e.version != handle.(int) {
		return false, nil
	}
	return true, f.store(key, v)
}

func (f *fakeCache) Add(key string, v interface{}, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; ok {
		return false, nil
	}
	return true, f.store(key, v)
}

func (f *fakeCache) Set(key string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store(key, v)
}

func (f *fakeCache) Delete(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	delete(f.entries, key)
	return ok, nil
}

func (f *fakeCache) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

// fakeBackend is an in-memory storage.Backend.
type fakeBackend struct {
	mu           sync.Mutex
	users        map[int64]map[string]*fakeColl
	clock        models.Timestamp
	failSetItems error
}

type fakeColl struct {
	modified models.Timestamp
	items    map[string]models.BSO
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users: make(map[int64]map[string]*fakeColl),
		clock: models.Now(),
	}
}

func (f *fakeBackend) tick() models.Timestamp {
	f.clock += 10
	return f.clock
}

func (f *fakeBackend) coll(userID int64, name string, create bool) *fakeColl {
	colls, ok := f.users[userID]
	if !ok {
		if !create {
			return nil
		}
		colls = make(map[string]*fakeColl)
		f.users[userID] = colls
	}
	c, ok := colls[name]
	if !ok {
		if !create {
			return nil
		}
		c = &fakeColl{items: make(map[string]models.BSO)}
		colls[name] = c
	}
	return c
}

func (f *fakeBackend) Connect(ctx context.Context) error    { return nil }
func (f *fakeBackend) Disconnect(ctx context.Context) error { return nil }
func (f *fakeBackend) Ping(ctx context.Context) error       { return nil }

func (f *fakeBackend) LockForRead(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	if storage.IsLocked(ctx, userID, collection) {
		return ctx, func() {}, nil
	}
	return storage.MarkLocked(ctx, userID, collection), func() {}, nil
}

func (f *fakeBackend) LockForWrite(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	if storage.IsLocked(ctx, userID, collection) {
		return ctx, nil, storage.ErrConflict
	}
	return storage.MarkLocked(ctx, userID, collection), func() {}, nil
}

func (f *fakeBackend) GetStorageTimestamp(ctx context.Context, userID int64) (models.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max models.Timestamp
	for _, c := range f.users[userID] {
		if c.modified > max {
			max = c.modified
		}
	}
	return max, nil
}

func (f *fakeBackend) GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]models.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stamps := make(map[string]models.Timestamp)
	for name, c := range f.users[userID] {
		stamps[name] = c.modified
	}
	return stamps, nil
}

func (f *fakeBackend) GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for name, c := range f.users[userID] {
		counts[name] = len(c.items)
	}
	return counts, nil
}

func (f *fakeBackend) GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make(map[string]int64)
	for name, c := range f.users[userID] {
		var size int64
		for _, b := range c.items {
			size += int64(len(b.Payload))
		}
		sizes[name] = size
	}
	return sizes, nil
}

func (f *fakeBackend) GetTotalSize(ctx context.Context, userID int64, recalculate bool) (int64, error) {
	sizes, _ := f.GetCollectionSizes(ctx, userID)
	var total int64
	for _, s := range sizes {
		total += s
	}
	return total, nil
}

func (f *fakeBackend) DeleteStorage(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
	return nil
}

func (f *fakeBackend) GetCollectionTimestamp(ctx context.Context, userID int64, collection string) (models.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.coll(userID, collection, false)
	if c == nil {
		return 0, storage.ErrCollectionNotFound
	}
	return c.modified, nil
}

func (f *fakeBackend) GetItems(ctx context.Context, userID int64, collection string, opts *storage.GetItemsOptions) ([]models.BSO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.coll(userID, collection, false)
	if c == nil {
		return nil, storage.ErrCollectionNotFound
	}
	var items []models.BSO
	if opts != nil && len(opts.IDs) > 0 {
		for _, id := range opts.IDs {
			if b, ok := c.items[id]; ok {
				items = append(items, b)
			}
		}
		return items, nil
	}
	for _, b := range c.items {
		items = append(items, b)
	}
	return items, nil
}

func (f *fakeBackend) GetItemIDs(ctx context.Context, userID int64, collection string, opts *storage.GetItemsOptions) ([]string, error) {
	items, err := f.GetItems(ctx, userID, collection, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, b := range items {
		ids[i] = b.ID
	}
	return ids, nil
}

func (f *fakeBackend) SetItems(ctx context.Context, userID int64, collection string, items []models.PutBSO) (models.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetItems != nil {
		return 0, f.failSetItems
	}
	c := f.coll(userID, collection, true)
	ts := f.tick()
	now := time.Now().Unix()
	for i := range items {
		p := items[i]
		if existing, ok := c.items[p.ID]; ok {
			p.ApplyTo(&existing, ts, now)
			c.items[p.ID] = existing
		} else {
			c.items[p.ID] = p.NewBSO(ts, now)
		}
	}
	c.modified = ts
	return ts, nil
}

func (f *fakeBackend) DeleteCollection(ctx context.Context, userID int64, collection string) (models.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coll(userID, collection, false) == nil {
		return 0, storage.ErrCollectionNotFound
	}
	delete(f.users[userID], collection)
	return f.tick(), nil
}

func (f *fakeBackend) DeleteItems(ctx context.Context, userID int64, collection string, ids []string) (models.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.coll(userID, collection, false)
	if c == nil {
		return 0, storage.ErrCollectionNotFound
	}
	for _, id := range ids {
		delete(c.items, id)
	}
	c.modified = f.tick()
	return c.modified, nil
}

func (f *fakeBackend) GetItemTimestamp(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error) {
	b, err := f.GetItem(ctx, userID, collection, item)
	if err != nil {
		return 0, err
	}
	return b.Modified, nil
}

func (f *fakeBackend) GetItem(ctx context.Context, userID int64, collection, item string) (*models.BSO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.coll(userID, collection, false)
	if c == nil {
		return nil, storage.ErrCollectionNotFound
	}
	b, ok := c.items[item]
	if !ok {
		return nil, storage.ErrItemNotFound
	}
	return &b, nil
}

func (f *fakeBackend) SetItem(ctx context.Context, userID int64, collection, item string, bso models.PutBSO) (*storage.ItemResult, error) {
	bso.ID = item
	f.mu.Lock()
	_, existed := f.users[userID][collection]
	var created bool
	if existed {
		_, ok := f.users[userID][collection].items[item]
		created = !ok
	} else {
		created = true
	}
	f.mu.Unlock()
	ts, err := f.SetItems(ctx, userID, collection, []models.PutBSO{bso})
	if err != nil {
		return nil, err
	}
	return &storage.ItemResult{Created: created, Modified: ts}, nil
}

func (f *fakeBackend) DeleteItem(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.coll(userID, collection, false)
	if c == nil {
		return 0, storage.ErrCollectionNotFound
	}
	if _, ok := c.items[item]; !ok {
		return 0, storage.ErrItemNotFound
	}
	delete(c.items, item)
	c.modified = f.tick()
	return c.modified, nil
}

func newTestStorage(t *testing.T) (*Storage, *fakeBackend, *fakeCache) {
	t.Helper()
	backend := newFakeBackend()
	cc := newFakeCache()
	cfg := &config.CacheConfig{
		CachedCollections:    []string{"bookmarks"},
		CacheOnlyCollections: []string{"tabs"},
		LockTTL:              300,
	}
	return New(backend, cc, cfg), backend, cc
}

func strPtr(s string) *string { return &s }

func TestWriteThroughCollection(t *testing.T) {
	s, backend, cc := newTestStorage(t)
	ctx := context.Background()

	ts, err := s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "a", Payload: strPtr("payload-a")},
	})
	require.NoError(t, err)

	t.Run("write reaches the backend", func(t *testing.T) {
		b, err := backend.GetItem(ctx, 1, "bookmarks", "a")
		require.NoError(t, err)
		assert.Equal(t, "payload-a", b.Payload)
	})

	t.Run("reads are served from cache", func(t *testing.T) {
		require.True(t, cc.has(collKey(1, "bookmarks")))

		// Wipe the backend; the cached copy must still answer.
		require.NoError(t, backend.DeleteStorage(ctx, 1))
		items, err := s.GetItems(ctx, 1, "bookmarks", nil)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "a", items[0].ID)
	})

	t.Run("collection timestamp from metadata", func(t *testing.T) {
		got, err := s.GetCollectionTimestamp(ctx, 1, "bookmarks")
		require.NoError(t, err)
		assert.Equal(t, ts, got)
	})
}

func TestCachePopulateOnMiss(t *testing.T) {
	s, backend, cc := newTestStorage(t)
	ctx := context.Background()

	// Data written behind the cache's back.
	_, err := backend.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "x", Payload: strPtr("from-backend")},
	})
	require.NoError(t, err)

	items, err := s.GetItems(ctx, 1, "bookmarks", nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "from-backend", items[0].Payload)
	assert.True(t, cc.has(collKey(1, "bookmarks")))
}

func TestWriteThroughCacheConflictDropsEntry(t *testing.T) {
	s, backend, cc := newTestStorage(t)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "a", Payload: strPtr("payload-a")},
	})
	require.NoError(t, err)

	// A concurrent writer left the cached document with a stamp ahead
	// of anything the backend will hand out for this write.
	key := collKey(1, "bookmarks")
	var doc cachedCollection
	_, ok, err := cc.Gets(key, &doc)
	require.NoError(t, err)
	require.True(t, ok)
	doc.Modified += 1 << 40
	require.NoError(t, cc.Set(key, doc))

	// The backend accepted the write, so the request must succeed even
	// though the cached copy could not be refreshed.
	_, err = s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "b", Payload: strPtr("payload-b")},
	})
	require.NoError(t, err)

	t.Run("write reached the backend", func(t *testing.T) {
		b, err := backend.GetItem(ctx, 1, "bookmarks", "b")
		require.NoError(t, err)
		assert.Equal(t, "payload-b", b.Payload)
	})

	t.Run("conflicting entry dropped", func(t *testing.T) {
		assert.False(t, cc.has(key))
	})

	t.Run("next read repopulates from backend", func(t *testing.T) {
		items, err := s.GetItems(ctx, 1, "bookmarks", nil)
		require.NoError(t, err)
		assert.Len(t, items, 2)
		assert.True(t, cc.has(key))
	})
}

func TestCacheOnlyStaleHandleConflict(t *testing.T) {
	s, _, _ := newTestStorage(t)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "tabs", []models.PutBSO{
		{ID: "t1", Payload: strPtr("tab-one")},
	})
	require.NoError(t, err)

	// Snapshot the document, then let another write land so the
	// snapshot's handle goes stale.
	m := s.cacheOnly["tabs"]
	data, handle, err := m.getCachedData(1)
	require.NoError(t, err)
	require.NotNil(t, data)

	_, err = s.SetItems(ctx, 1, "tabs", []models.PutBSO{
		{ID: "t2", Payload: strPtr("tab-two")},
	})
	require.NoError(t, err)

	_, err = m.setItemsInCache(1, []models.PutBSO{
		{ID: "t3", Payload: strPtr("tab-three")},
	}, data.Modified+20, data, handle)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// The losing write must not have touched the document.
	items, err := s.GetItems(ctx, 1, "tabs", nil)
	require.NoError(t, err)
	ids := make([]string, len(items))
	for i, b := range items {
		ids[i] = b.ID
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, ids)
}

// casFailingCache fails the next CompareAndSwap, standing in for a
// concurrent writer landing between the gets and the swap.
type casFailingCache struct {
	*fakeCache
	failNext bool
}

func (c *casFailingCache) CompareAndSwap(key string, handle, v interface{}) (bool, error) {
	if c.failNext {
		c.failNext = false
		return false, nil
	}
	return c.fakeCache.CompareAndSwap(key, handle, v)
}

func TestDirtyMarkingLostRace(t *testing.T) {
	backend := newFakeBackend()
	cc := &casFailingCache{fakeCache: newFakeCache()}
	cfg := &config.CacheConfig{
		CachedCollections: []string{"bookmarks"},
		LockTTL:           300,
	}
	s := New(backend, cc, cfg)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "a", Payload: strPtr("one")},
	})
	require.NoError(t, err)

	cc.failNext = true
	_, err = s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "b", Payload: strPtr("two")},
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	// The losing writer must never have reached the backend.
	_, err = backend.GetItem(ctx, 1, "bookmarks", "b")
	assert.ErrorIs(t, err, storage.ErrItemNotFound)
}

func TestRestoreOnStorageError(t *testing.T) {
	s, backend, cc := newTestStorage(t)
	ctx := context.Background()

	ts, err := s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "a", Payload: strPtr("original")},
	})
	require.NoError(t, err)

	backend.failSetItems = storage.ErrQuotaExceeded
	_, err = s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "b", Payload: strPtr("rejected")},
	})
	require.ErrorIs(t, err, storage.ErrQuotaExceeded)
	backend.failSetItems = nil

	t.Run("cached data rolled back", func(t *testing.T) {
		require.True(t, cc.has(collKey(1, "bookmarks")))
		items, err := s.GetItems(ctx, 1, "bookmarks", nil)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "a", items[0].ID)
	})

	t.Run("metadata stamps rolled back", func(t *testing.T) {
		stamps, err := s.GetCollectionTimestamps(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, ts, stamps["bookmarks"])
	})
}

func TestDirtyMetadataAfterUnexpectedError(t *testing.T) {
	s, backend, _ := newTestStorage(t)
	ctx := context.Background()

	ts, err := s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "a", Payload: strPtr("original")},
	})
	require.NoError(t, err)

	backend.failSetItems = errors.New("backend exploded")
	_, err = s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{
		{ID: "b", Payload: strPtr("lost")},
	})
	require.Error(t, err)
	backend.failSetItems = nil

	// The metadata stays dirty, so reads fall back to live data rather
	// than trusting a possibly stale cache entry.
	got, err := s.GetStorageTimestamp(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	stamps, err := s.GetCollectionTimestamps(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ts, stamps["bookmarks"])
}

func TestCacheOnlyCollection(t *testing.T) {
	s, backend, _ := newTestStorage(t)
	ctx := context.Background()

	ts1, err := s.SetItems(ctx, 1, "tabs", []models.PutBSO{
		{ID: "t1", Payload: strPtr("tab-one")},
	})
	require.NoError(t, err)

	t.Run("backend never sees cache-only data", func(t *testing.T) {
		_, err := backend.GetItems(ctx, 1, "tabs", nil)
		assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
	})

	t.Run("read back", func(t *testing.T) {
		b, err := s.GetItem(ctx, 1, "tabs", "t1")
		require.NoError(t, err)
		assert.Equal(t, "tab-one", b.Payload)
		assert.Equal(t, ts1, b.Modified)
	})

	t.Run("timestamps stay monotonic", func(t *testing.T) {
		ts2, err := s.SetItems(ctx, 1, "tabs", []models.PutBSO{
			{ID: "t2", Payload: strPtr("tab-two")},
		})
		require.NoError(t, err)
		assert.Greater(t, int64(ts2), int64(ts1))
	})

	t.Run("update without create", func(t *testing.T) {
		res, err := s.SetItem(ctx, 1, "tabs", "t1", models.PutBSO{Payload: strPtr("updated")})
		require.NoError(t, err)
		assert.False(t, res.Created)
	})

	t.Run("delete missing item", func(t *testing.T) {
		_, err := s.DeleteItem(ctx, 1, "tabs", "nope")
		assert.ErrorIs(t, err, storage.ErrItemNotFound)
	})

	t.Run("storage timestamp includes cache-only stamps", func(t *testing.T) {
		tabsTS, err := s.GetCollectionTimestamp(ctx, 1, "tabs")
		require.NoError(t, err)
		storageTS, err := s.GetStorageTimestamp(ctx, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, int64(storageTS), int64(tabsTS))
	})

	t.Run("delete collection", func(t *testing.T) {
		_, err := s.DeleteCollection(ctx, 1, "tabs")
		require.NoError(t, err)
		_, err = s.GetItems(ctx, 1, "tabs", nil)
		assert.ErrorIs(t, err, storage.ErrCollectionNotFound)

		_, err = s.DeleteCollection(ctx, 1, "tabs")
		assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
	})
}

func TestCacheOnlyCounts(t *testing.T) {
	s, _, _ := newTestStorage(t)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "history", []models.PutBSO{
		{ID: "h1", Payload: strPtr("1234")},
	})
	require.NoError(t, err)
	_, err = s.SetItems(ctx, 1, "tabs", []models.PutBSO{
		{ID: "t1", Payload: strPtr("12")},
		{ID: "t2", Payload: strPtr("1")},
	})
	require.NoError(t, err)

	counts, err := s.GetCollectionCounts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["history"])
	assert.Equal(t, 2, counts["tabs"])

	sizes, err := s.GetCollectionSizes(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sizes["history"])
	assert.Equal(t, int64(3), sizes["tabs"])
}

func TestCacheLocks(t *testing.T) {
	s, _, _ := newTestStorage(t)
	ctx := context.Background()

	t.Run("write lock conflicts", func(t *testing.T) {
		_, unlock, err := s.LockForWrite(ctx, 1, "tabs")
		require.NoError(t, err)

		_, _, err = s.LockForWrite(context.Background(), 1, "tabs")
		assert.ErrorIs(t, err, storage.ErrConflict)

		unlock()
		_, unlock2, err := s.LockForWrite(context.Background(), 1, "tabs")
		require.NoError(t, err)
		unlock2()
	})

	t.Run("nested write lock rejected", func(t *testing.T) {
		lockCtx, unlock, err := s.LockForWrite(ctx, 1, "tabs")
		require.NoError(t, err)
		defer unlock()

		_, _, err = s.LockForWrite(lockCtx, 1, "tabs")
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("read lock reentrant through context", func(t *testing.T) {
		lockCtx, unlock, err := s.LockForRead(ctx, 2, "tabs")
		require.NoError(t, err)
		defer unlock()

		nested, nestedUnlock, err := s.LockForRead(lockCtx, 2, "tabs")
		require.NoError(t, err)
		nestedUnlock()
		assert.Equal(t, lockCtx, nested)
	})
}

func TestDeleteStorageClearsCache(t *testing.T) {
	s, backend, cc := newTestStorage(t)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "bookmarks", []models.PutBSO{{ID: "a", Payload: strPtr("p")}})
	require.NoError(t, err)
	_, err = s.SetItems(ctx, 1, "tabs", []models.PutBSO{{ID: "t", Payload: strPtr("p")}})
	require.NoError(t, err)

	require.NoError(t, s.DeleteStorage(ctx, 1))

	assert.False(t, cc.has(metaKey(1)))
	assert.False(t, cc.has(collKey(1, "bookmarks")))
	assert.False(t, cc.has(collKey(1, "tabs")))

	ts, err := backend.GetStorageTimestamp(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestTotalSizeTracking(t *testing.T) {
	s, _, _ := newTestStorage(t)
	ctx := context.Background()

	_, err := s.SetItems(ctx, 1, "history", []models.PutBSO{
		{ID: "a", Payload: strPtr("12345")},
	})
	require.NoError(t, err)
	_, err = s.SetItems(ctx, 1, "tabs", []models.PutBSO{
		{ID: "t", Payload: strPtr("123")},
	})
	require.NoError(t, err)

	size, err := s.GetTotalSize(ctx, 1, false)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
}
