package memcached

import (
	"context"
	"sort"
	"time"

	"syncbox/internal/logger"
	"syncbox/internal/metrics"
	"syncbox/internal/models"
	"syncbox/internal/storage"
)

// Collections handled by the wrapper fall into three behaviours:
// not cached at all, cached write-through, or cached without ever
// writing back to the backend. Each behaviour is a manager type so the
// top-level operations can simply dispatch.
type collectionManager interface {
	GetTimestamp(ctx context.Context, userID int64) (models.Timestamp, error)
	GetItems(ctx context.Context, userID int64, opts *storage.GetItemsOptions) ([]models.BSO, error)
	GetItemIDs(ctx context.Context, userID int64, opts *storage.GetItemsOptions) ([]string, error)
	SetItems(ctx context.Context, userID int64, items []models.PutBSO) (models.Timestamp, error)
	DeleteCollection(ctx context.Context, userID int64) (models.Timestamp, error)
	DeleteItems(ctx context.Context, userID int64, ids []string) (models.Timestamp, error)
	GetItemTimestamp(ctx context.Context, userID int64, item string) (models.Timestamp, error)
	GetItem(ctx context.Context, userID int64, item string) (*models.BSO, error)
	SetItem(ctx context.Context, userID int64, item string, bso models.PutBSO) (*storage.ItemResult, error)
	DeleteItem(ctx context.Context, userID int64, item string) (models.Timestamp, error)
}

// uncachedManager passes every operation straight through to the
// backend. It exists so all collection types share one interface.
type uncachedManager struct {
	owner      *Storage
	collection string
}

func (m *uncachedManager) GetTimestamp(ctx context.Context, userID int64) (models.Timestamp, error) {
	return m.owner.backend.GetCollectionTimestamp(ctx, userID, m.collection)
}

func (m *uncachedManager) GetItems(ctx context.Context, userID int64, opts *storage.GetItemsOptions) ([]models.BSO, error) {
	return m.owner.backend.GetItems(ctx, userID, m.collection, opts)
}

func (m *uncachedManager) GetItemIDs(ctx context.Context, userID int64, opts *storage.GetItemsOptions) ([]string, error) {
	return m.owner.backend.GetItemIDs(ctx, userID, m.collection, opts)
}

func (m *uncachedManager) SetItems(ctx context.Context, userID int64, items []models.PutBSO) (models.Timestamp, error) {
	return m.owner.backend.SetItems(ctx, userID, m.collection, items)
}

func (m *uncachedManager) DeleteCollection(ctx context.Context, userID int64) (models.Timestamp, error) {
	return m.owner.backend.DeleteCollection(ctx, userID, m.collection)
}

func (m *uncachedManager) DeleteItems(ctx context.Context, userID int64, ids []string) (models.Timestamp, error) {
	return m.owner.backend.DeleteItems(ctx, userID, m.collection, ids)
}

func (m *uncachedManager) GetItemTimestamp(ctx context.Context, userID int64, item string) (models.Timestamp, error) {
	return m.owner.backend.GetItemTimestamp(ctx, userID, m.collection, item)
}

func (m *uncachedManager) GetItem(ctx context.Context, userID int64, item string) (*models.BSO, error) {
	return m.owner.backend.GetItem(ctx, userID, m.collection, item)
}

func (m *uncachedManager) SetItem(ctx context.Context, userID int64, item string, bso models.PutBSO) (*storage.ItemResult, error) {
	return m.owner.backend.SetItem(ctx, userID, m.collection, item, bso)
}

func (m *uncachedManager) DeleteItem(ctx context.Context, userID int64, item string) (models.Timestamp, error) {
	return m.owner.backend.DeleteItem(ctx, userID, m.collection, item)
}

// cachedBase holds the logic shared between write-through and
// cache-only collections: mutating the cached JSON document under CAS
// and reading filtered item lists out of it.
type cachedBase struct {
	owner      *Storage
	collection string
}

func (m *cachedBase) key(userID int64) string {
	return collKey(userID, m.collection)
}

// setItemsInCache applies the partial updates to the cached document
// and swaps it back in. It returns the number of newly created items.
// A nil handle means the document was absent (or deliberately removed)
// and is stored with add.
func (m *cachedBase) setItemsInCache(userID int64, items []models.PutBSO, modified models.Timestamp, data *cachedCollection, handle interface{}) (int, error) {
	if data == nil {
		data = &cachedCollection{Modified: modified, Items: make(map[string]models.BSO)}
	} else if data.Modified >= modified {
		return 0, storage.ErrConflict
	}
	if data.Items == nil {
		data.Items = make(map[string]models.BSO)
	}
	now := time.Now().Unix()
	created := 0
	for i := range items {
		p := items[i]
		if existing, ok := data.Items[p.ID]; ok {
			p.ApplyTo(&existing, modified, now)
			data.Items[p.ID] = existing
		} else {
			created++
			data.Items[p.ID] = p.NewBSO(modified, now)
		}
	}
	if created > 0 {
		data.Modified = modified
	}
	if err := m.swapIn(userID, data, handle); err != nil {
		return 0, err
	}
	return created, nil
}

// deleteItemsInCache removes ids from the cached document and swaps it
// back in, returning the number of items actually removed.
func (m *cachedBase) deleteItemsInCache(userID int64, ids []string, modified models.Timestamp, data *cachedCollection, handle interface{}) (int, error) {
	if data == nil {
		return 0, storage.ErrCollectionNotFound
	}
	if data.Modified >= modified {
		return 0, storage.ErrConflict
	}
	deleted := 0
	for _, id := range ids {
		if _, ok := data.Items[id]; ok {
			delete(data.Items, id)
			deleted++
		}
	}
	if deleted > 0 {
		data.Modified = modified
	}
	if err := m.swapIn(userID, data, handle); err != nil {
		return 0, err
	}
	return deleted, nil
}

func (m *cachedBase) swapIn(userID int64, data *cachedCollection, handle interface{}) error {
	key := m.key(userID)
	if handle == nil {
		added, err := m.owner.cache.Add(key, data, 0)
		if err != nil {
			return err
		}
		if !added {
			return storage.ErrConflict
		}
		return nil
	}
	swapped, err := m.owner.cache.CompareAndSwap(key, handle, data)
	if err != nil {
		return err
	}
	if !swapped {
		return storage.ErrConflict
	}
	return nil
}

// filterItems applies the GetItems options to the cached document.
func (m *cachedBase) filterItems(data *cachedCollection, opts *storage.GetItemsOptions) []models.BSO {
	if opts == nil {
		opts = &storage.GetItemsOptions{}
	}
	now := time.Now().Unix()
	var items []models.BSO
	if len(opts.IDs) > 0 {
		for _, id := range opts.IDs {
			if b, ok := data.Items[id]; ok {
				items = append(items, b)
			}
		}
	} else {
		for _, b := range data.Items {
			items = append(items, b)
		}
	}

	filtered := items[:0]
	for _, b := range items {
		if opts.Older != nil && b.Modified >= *opts.Older {
			continue
		}
		if opts.Newer != nil && b.Modified <= *opts.Newer {
			continue
		}
		if opts.IndexAbove != nil && b.SortIndex <= *opts.IndexAbove {
			continue
		}
		if opts.IndexBelow != nil && b.SortIndex >= *opts.IndexBelow {
			continue
		}
		if b.Expired(now) {
			continue
		}
		filtered = append(filtered, b)
	}

	switch opts.Sort {
	case storage.SortOldest:
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].Modified < filtered[j].Modified })
	case storage.SortNewest:
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].Modified > filtered[j].Modified })
	case storage.SortIndex:
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].SortIndex < filtered[j].SortIndex })
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered
}

// cacheOnlyManager stores a collection solely in memcache. It makes up
// its own timestamps and relies on CAS to spot conflicting writers.
type cacheOnlyManager struct {
	cachedBase
}

func (m *cacheOnlyManager) getCachedData(userID int64) (*cachedCollection, interface{}, error) {
	var data cachedCollection
	handle, ok, err := m.owner.cache.Gets(m.key(userID), &data)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		metrics.Get().CacheMissesTotal.Inc()
		return nil, nil, nil
	}
	metrics.Get().CacheHitsTotal.Inc()
	return &data, handle, nil
}

// nextTimestamp picks a stamp strictly newer than the cached document's
// so back-to-back writes inside one clock tick don't self-conflict.
func (m *cacheOnlyManager) nextTimestamp(data *cachedCollection) models.Timestamp {
	ts := models.Now()
	if data != nil && ts <= data.Modified {
		ts = data.Modified + 10
	}
	return ts
}

func (m *cacheOnlyManager) GetTimestamp(ctx context.Context, userID int64) (models.Timestamp, error) {
	data, _, err := m.getCachedData(userID)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, storage.ErrCollectionNotFound
	}
	return data.Modified, nil
}

func (m *cacheOnlyManager) GetItems(ctx context.Context, userID int64, opts *storage.GetItemsOptions) ([]models.BSO, error) {
	data, _, err := m.getCachedData(userID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, storage.ErrCollectionNotFound
	}
	return m.filterItems(data, opts), nil
}

func (m *cacheOnlyManager) GetItemIDs(ctx context.Context, userID int64, opts *storage.GetItemsOptions) ([]string, error) {
	items, err := m.GetItems(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, b := range items {
		ids[i] = b.ID
	}
	return ids, nil
}

func (m *cacheOnlyManager) SetItems(ctx context.Context, userID int64, items []models.PutBSO) (models.Timestamp, error) {
	data, handle, err := m.getCachedData(userID)
	if err != nil {
		return 0, err
	}
	modified := m.nextTimestamp(data)
	if _, err := m.setItemsInCache(userID, items, modified, data, handle); err != nil {
		return 0, err
	}
	return modified, nil
}

func (m *cacheOnlyManager) DeleteCollection(ctx context.Context, userID int64) (models.Timestamp, error) {
	deleted, err := m.owner.cache.Delete(m.key(userID))
	if err != nil {
		return 0, err
	}
	if !deleted {
		return 0, storage.ErrCollectionNotFound
	}
	return models.Now(), nil
}

func (m *cacheOnlyManager) DeleteItems(ctx context.Context, userID int64, ids []string) (models.Timestamp, error) {
	data, handle, err := m.getCachedData(userID)
	if err != nil {
		return 0, err
	}
	modified := m.nextTimestamp(data)
	if _, err := m.deleteItemsInCache(userID, ids, modified, data, handle); err != nil {
		return 0, err
	}
	return data.Modified, nil
}

func (m *cacheOnlyManager) GetItemTimestamp(ctx context.Context, userID int64, item string) (models.Timestamp, error) {
	b, err := m.GetItem(ctx, userID, item)
	if err != nil {
		return 0, err
	}
	return b.Modified, nil
}

func (m *cacheOnlyManager) GetItem(ctx context.Context, userID int64, item string) (*models.BSO, error) {
	items, err := m.GetItems(ctx, userID, &storage.GetItemsOptions{IDs: []string{item}})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, storage.ErrItemNotFound
	}
	return &items[0], nil
}

func (m *cacheOnlyManager) SetItem(ctx context.Context, userID int64, item string, bso models.PutBSO) (*storage.ItemResult, error) {
	bso.ID = item
	data, handle, err := m.getCachedData(userID)
	if err != nil {
		return nil, err
	}
	modified := m.nextTimestamp(data)
	created, err := m.setItemsInCache(userID, []models.PutBSO{bso}, modified, data, handle)
	if err != nil {
		return nil, err
	}
	return &storage.ItemResult{Created: created == 1, Modified: modified}, nil
}

func (m *cacheOnlyManager) DeleteItem(ctx context.Context, userID int64, item string) (models.Timestamp, error) {
	data, handle, err := m.getCachedData(userID)
	if err != nil {
		return 0, err
	}
	modified := m.nextTimestamp(data)
	deleted, err := m.deleteItemsInCache(userID, []string{item}, modified, data, handle)
	if err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, storage.ErrItemNotFound
	}
	return modified, nil
}

// cachedManager duplicates a backend collection into memcache for fast
// reads, guarding against data loss if memcache is flushed. To keep the
// two stores in sync the cached copy is removed before any write and
// restored (or repopulated on demand) afterwards.
type cachedManager struct {
	cachedBase
}

// getCachedData returns the cached document, populating it from the
// backend on a miss. The read lock is taken through the owner so that
// population sees a consistent snapshot; the context carries lock
// reentrancy when the caller already holds it.
func (m *cachedManager) getCachedData(ctx context.Context, userID int64, addIfMissing bool) (*cachedCollection, interface{}, error) {
	key := m.key(userID)
	var data cachedCollection
	handle, ok, err := m.owner.cache.Gets(key, &data)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		metrics.Get().CacheHitsTotal.Inc()
		return &data, handle, nil
	}
	metrics.Get().CacheMissesTotal.Inc()

	lockCtx, unlock, err := m.owner.LockForRead(ctx, userID, m.collection)
	if err != nil {
		return nil, nil, err
	}
	ts, err := m.owner.backend.GetCollectionTimestamp(lockCtx, userID, m.collection)
	if err != nil {
		unlock()
		if storage.IsStorageError(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	items, err := m.owner.backend.GetItems(lockCtx, userID, m.collection, nil)
	unlock()
	if err != nil {
		return nil, nil, err
	}

	fresh := &cachedCollection{Modified: ts, Items: make(map[string]models.BSO, len(items))}
	for _, b := range items {
		fresh.Items[b.ID] = b
	}
	if !addIfMissing {
		return fresh, nil, nil
	}
	if _, err := m.owner.cache.Add(key, fresh, 0); err != nil {
		return nil, nil, err
	}
	var stored cachedCollection
	handle, ok, err = m.owner.cache.Gets(key, &stored)
	if err != nil || !ok {
		return fresh, nil, err
	}
	return &stored, handle, nil
}

// markDirty removes the cached document for the duration of a backend
// write so stale data is never served. The returned restore func rolls
// the cache back when the write failed with a storage error; for any
// other failure the cache stays clear.
func (m *cachedManager) markDirty(ctx context.Context, userID int64) (*cachedCollection, func(error), error) {
	data, _, err := m.getCachedData(ctx, userID, false)
	if err != nil {
		return nil, nil, err
	}
	if data != nil {
		if _, err := m.owner.cache.Delete(m.key(userID)); err != nil {
			return nil, nil, err
		}
	}
	restore := func(writeErr error) {
		if data != nil && storage.IsStorageError(writeErr) {
			if _, err := m.owner.cache.Add(m.key(userID), data, 0); err != nil {
				logger.Warning("failed to restore cache for %s: %v", m.key(userID), err)
			}
		}
	}
	return data, restore, nil
}

// refreshAfterWrite folds a successful backend write into the cached
// copy. By this point the backend already accepted the write, so cache
// trouble must not fail the request; the entry is dropped instead and
// repopulates on the next read.
func (m *cachedManager) refreshAfterWrite(err error, userID int64) {
	if err == nil {
		return
	}
	if _, derr := m.owner.cache.Delete(m.key(userID)); derr != nil {
		logger.Warning("failed to drop stale cache for %s: %v", m.key(userID), derr)
	}
}

func (m *cachedManager) GetTimestamp(ctx context.Context, userID int64) (models.Timestamp, error) {
	data, _, err := m.getCachedData(ctx, userID, true)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, storage.ErrCollectionNotFound
	}
	return data.Modified, nil
}

func (m *cachedManager) GetItems(ctx context.Context, userID int64, opts *storage.GetItemsOptions) ([]models.BSO, error) {
	data, _, err := m.getCachedData(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, storage.ErrCollectionNotFound
	}
	return m.filterItems(data, opts), nil
}

func (m *cachedManager) GetItemIDs(ctx context.Context, userID int64, opts *storage.GetItemsOptions) ([]string, error) {
	items, err := m.GetItems(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, b := range items {
		ids[i] = b.ID
	}
	return ids, nil
}

func (m *cachedManager) SetItems(ctx context.Context, userID int64, items []models.PutBSO) (models.Timestamp, error) {
	data, restore, err := m.markDirty(ctx, userID)
	if err != nil {
		return 0, err
	}
	modified, err := m.owner.backend.SetItems(ctx, userID, m.collection, items)
	if err != nil {
		restore(err)
		return 0, err
	}
	_, cerr := m.setItemsInCache(userID, items, modified, data, nil)
	m.refreshAfterWrite(cerr, userID)
	return modified, nil
}

func (m *cachedManager) DeleteCollection(ctx context.Context, userID int64) (models.Timestamp, error) {
	if _, err := m.owner.cache.Delete(m.key(userID)); err != nil {
		return 0, err
	}
	return m.owner.backend.DeleteCollection(ctx, userID, m.collection)
}

func (m *cachedManager) DeleteItems(ctx context.Context, userID int64, ids []string) (models.Timestamp, error) {
	data, restore, err := m.markDirty(ctx, userID)
	if err != nil {
		return 0, err
	}
	modified, err := m.owner.backend.DeleteItems(ctx, userID, m.collection, ids)
	if err != nil {
		restore(err)
		return 0, err
	}
	_, cerr := m.deleteItemsInCache(userID, ids, modified, data, nil)
	m.refreshAfterWrite(cerr, userID)
	return modified, nil
}

func (m *cachedManager) GetItemTimestamp(ctx context.Context, userID int64, item string) (models.Timestamp, error) {
	b, err := m.GetItem(ctx, userID, item)
	if err != nil {
		return 0, err
	}
	return b.Modified, nil
}

func (m *cachedManager) GetItem(ctx context.Context, userID int64, item string) (*models.BSO, error) {
	items, err := m.GetItems(ctx, userID, &storage.GetItemsOptions{IDs: []string{item}})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, storage.ErrItemNotFound
	}
	return &items[0], nil
}

func (m *cachedManager) SetItem(ctx context.Context, userID int64, item string, bso models.PutBSO) (*storage.ItemResult, error) {
	bso.ID = item
	data, restore, err := m.markDirty(ctx, userID)
	if err != nil {
		return nil, err
	}
	res, err := m.owner.backend.SetItem(ctx, userID, m.collection, item, bso)
	if err != nil {
		restore(err)
		return nil, err
	}
	_, cerr := m.setItemsInCache(userID, []models.PutBSO{bso}, res.Modified, data, nil)
	m.refreshAfterWrite(cerr, userID)
	return res, nil
}

func (m *cachedManager) DeleteItem(ctx context.Context, userID int64, item string) (models.Timestamp, error) {
	data, restore, err := m.markDirty(ctx, userID)
	if err != nil {
		return 0, err
	}
	modified, err := m.owner.backend.DeleteItem(ctx, userID, m.collection, item)
	if err != nil {
		restore(err)
		return 0, err
	}
	_, cerr := m.deleteItemsInCache(userID, []string{item}, modified, data, nil)
	m.refreshAfterWrite(cerr, userID)
	return modified, nil
}
