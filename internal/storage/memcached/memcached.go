// Package memcached layers a memcache cache over another storage
// backend. It keeps frequently-used metadata in memcache while passing
// the bulk of the operations through, and can hold entire collections
// in memcache without touching the backend at all.
//
// Two kinds of memcache key are used per user:
//
//	<userid>:metadata        storage- and collection-level stamps and size
//	<userid>:c:<collection>  full cached data for one collection
//
// The metadata value is a single JSON object so it can be swapped
// atomically with CAS. To keep the cache from drifting away from the
// backend, the metadata stamps are explicitly nulled out ("marked
// dirty") before every write; a crash mid-write leaves the dirty marker
// behind and readers fall back to the backend instead of trusting a
// possibly stale cache entry.
package memcached

import (
	"context"
	"fmt"
	"time"

	"syncbox/internal/cache"
	"syncbox/internal/config"
	"syncbox/internal/logger"
	"syncbox/internal/metrics"
	"syncbox/internal/models"
	"syncbox/internal/storage"
)

// Recalculate the quota usage at most once per hour.
const sizeRecalculationPeriod = time.Hour

// Expire cache-based collection locks after five minutes.
const defaultCacheLockTTL = 5 * time.Minute

// Storage wraps a backend with a memcache caching layer. Collections
// listed in cached_collections are duplicated into memcache for fast
// access; collections in cache_only_collections live solely in memcache
// and never reach the backend.
type Storage struct {
	backend      storage.Backend
	cache        cache.Client
	cached       map[string]*cachedManager
	cacheOnly    map[string]*cacheOnlyManager
	cacheLock    bool
	cacheLockTTL time.Duration
}

// userMetadata is the cached per-user state. A nil Modified (or a nil
// collection stamp) marks the entry as dirty: some write was in flight
// when it was recorded, and readers must consult the backend.
type userMetadata struct {
	Size           int64                        `json:"size"`
	LastSizeRecalc int64                        `json:"last_size_recalc"`
	Modified       *models.Timestamp            `json:"modified"`
	Collections    map[string]*models.Timestamp `json:"collections"`
}

// cachedCollection is the cached form of one collection.
type cachedCollection struct {
	Modified models.Timestamp      `json:"modified"`
	Items    map[string]models.BSO `json:"items"`
}

// New wraps backend with the caching layer described by cfg.
func New(backend storage.Backend, client cache.Client, cfg *config.CacheConfig) *Storage {
	s := &Storage{
		backend:      backend,
		cache:        client,
		cached:       make(map[string]*cachedManager),
		cacheOnly:    make(map[string]*cacheOnlyManager),
		cacheLock:    cfg.Lock,
		cacheLockTTL: defaultCacheLockTTL,
	}
	if cfg.LockTTL > 0 {
		s.cacheLockTTL = time.Duration(cfg.LockTTL) * time.Second
	}
	for _, name := range cfg.CachedCollections {
		s.cached[name] = &cachedManager{cachedBase{owner: s, collection: name}}
	}
	for _, name := range cfg.CacheOnlyCollections {
		s.cacheOnly[name] = &cacheOnlyManager{cachedBase{owner: s, collection: name}}
	}
	return s
}

func metaKey(userID int64) string {
	return fmt.Sprintf("%d:metadata", userID)
}

func collKey(userID int64, collection string) string {
	return fmt.Sprintf("%d:c:%s", userID, collection)
}

func lockKey(userID int64, collection string) string {
	return fmt.Sprintf("%d:lock:%s", userID, collection)
}

// cacheKeys lists every potential cache key for a user.
func (s *Storage) cacheKeys(userID int64) []string {
	keys := []string{metaKey(userID)}
	for name := range s.cached {
		keys = append(keys, collKey(userID, name))
	}
	for name := range s.cacheOnly {
		keys = append(keys, collKey(userID, name))
	}
	return keys
}

// managerFor returns the manager implementing the caching behaviour of
// the named collection.
func (s *Storage) managerFor(collection string) collectionManager {
	if m, ok := s.cached[collection]; ok {
		return m
	}
	if m, ok := s.cacheOnly[collection]; ok {
		return m
	}
	return &uncachedManager{owner: s, collection: collection}
}

func (s *Storage) isCacheOnly(collection string) bool {
	_, ok := s.cacheOnly[collection]
	return ok
}

// Connection management passes through to the backend.

func (s *Storage) Connect(ctx context.Context) error    { return s.backend.Connect(ctx) }
func (s *Storage) Disconnect(ctx context.Context) error { return s.backend.Disconnect(ctx) }
func (s *Storage) Ping(ctx context.Context) error       { return s.backend.Ping(ctx) }

// Collection-level locking. When cache_lock is set (and always for
// cache-only collections) locks are plain mutex keys in memcache: a
// successful add takes the lock, an existing key means someone else
// holds it, and the ttl bounds how long a crashed holder can wedge the
// collection.

func (s *Storage) LockForRead(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	if storage.IsLocked(ctx, userID, collection) {
		return ctx, func() {}, nil
	}
	if s.cacheLock || s.isCacheOnly(collection) {
		return s.lockInCache(ctx, userID, collection)
	}
	return s.backend.LockForRead(ctx, userID, collection)
}

func (s *Storage) LockForWrite(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	if s.cacheLock || s.isCacheOnly(collection) {
		if storage.IsLocked(ctx, userID, collection) {
			return ctx, nil, storage.ErrConflict
		}
		return s.lockInCache(ctx, userID, collection)
	}
	return s.backend.LockForWrite(ctx, userID, collection)
}

func (s *Storage) lockInCache(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	key := lockKey(userID, collection)
	taken := time.Now()
	added, err := s.cache.Add(key, true, s.cacheLockTTL)
	if err != nil {
		return ctx, nil, err
	}
	if !added {
		return ctx, nil, storage.ErrConflict
	}
	unlock := func() {
		if time.Since(taken) >= s.cacheLockTTL {
			logger.Error("cache lock %s expired while held", key)
			return
		}
		if _, err := s.cache.Delete(key); err != nil {
			logger.Error("failed to release cache lock %s: %v", key, err)
		}
	}
	return storage.MarkLocked(ctx, userID, collection), unlock, nil
}

// Storage-level operations

func (s *Storage) GetStorageTimestamp(ctx context.Context, userID int64) (models.Timestamp, error) {
	meta, err := s.getMetadata(ctx, userID, false)
	if err != nil {
		return 0, err
	}
	if meta.Modified != nil {
		return *meta.Modified, nil
	}
	// Metadata is dirty; fall back to live data.
	ts, err := s.backend.GetStorageTimestamp(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, m := range s.cacheOnly {
		cts, err := m.GetTimestamp(ctx, userID)
		if err == nil && cts > ts {
			ts = cts
		}
	}
	return ts, nil
}

func (s *Storage) GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]models.Timestamp, error) {
	meta, err := s.getMetadata(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	stamps := make(map[string]models.Timestamp, len(meta.Collections))
	for name, ts := range meta.Collections {
		if ts != nil {
			stamps[name] = *ts
			continue
		}
		// Dirty stamp; refresh from live data.
		live, err := s.managerFor(name).GetTimestamp(ctx, userID)
		if err != nil {
			if storage.IsStorageError(err) {
				continue
			}
			return nil, err
		}
		stamps[name] = live
	}
	return stamps, nil
}

func (s *Storage) GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error) {
	counts, err := s.backend.GetCollectionCounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	for name, m := range s.cacheOnly {
		items, err := m.GetItems(ctx, userID, nil)
		if err != nil {
			continue
		}
		counts[name] = len(items)
	}
	return counts, nil
}

func (s *Storage) GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error) {
	sizes, err := s.backend.GetCollectionSizes(ctx, userID)
	if err != nil {
		return nil, err
	}
	for name, m := range s.cacheOnly {
		items, err := m.GetItems(ctx, userID, nil)
		if err != nil {
			continue
		}
		var size int64
		for _, b := range items {
			size += int64(len(b.Payload))
		}
		sizes[name] = size
	}
	// The sizes were just recalculated, so refresh the cached total
	// while we have them.
	var total int64
	for _, size := range sizes {
		total += size
	}
	s.updateTotalSize(ctx, userID, total)
	return sizes, nil
}

func (s *Storage) GetTotalSize(ctx context.Context, userID int64, recalculate bool) (int64, error) {
	meta, err := s.getMetadata(ctx, userID, recalculate)
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

func (s *Storage) DeleteStorage(ctx context.Context, userID int64) error {
	for _, key := range s.cacheKeys(userID) {
		if _, err := s.cache.Delete(key); err != nil {
			return err
		}
	}
	return s.backend.DeleteStorage(ctx, userID)
}

// Collection-level operations

func (s *Storage) GetCollectionTimestamp(ctx context.Context, userID int64, collection string) (models.Timestamp, error) {
	// It's likely cheaper to read all cached stamps out of memcache
	// than to fetch a single stamp from the backend.
	stamps, err := s.GetCollectionTimestamps(ctx, userID)
	if err != nil {
		return 0, err
	}
	ts, ok := stamps[collection]
	if !ok {
		return 0, storage.ErrCollectionNotFound
	}
	return ts, nil
}

func (s *Storage) GetItems(ctx context.Context, userID int64, collection string, opts *storage.GetItemsOptions) ([]models.BSO, error) {
	return s.managerFor(collection).GetItems(ctx, userID, opts)
}

func (s *Storage) GetItemIDs(ctx context.Context, userID int64, collection string, opts *storage.GetItemsOptions) ([]string, error) {
	return s.managerFor(collection).GetItemIDs(ctx, userID, opts)
}

func (s *Storage) SetItems(ctx context.Context, userID int64, collection string, items []models.PutBSO) (models.Timestamp, error) {
	dirty, err := s.markCollectionDirty(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	ts, err := s.managerFor(collection).SetItems(ctx, userID, items)
	if err != nil {
		dirty.rollback(err)
		return 0, err
	}
	var size int64
	for _, item := range items {
		size += item.PayloadSize()
	}
	dirty.update(&ts, &ts, size)
	return ts, nil
}

func (s *Storage) DeleteCollection(ctx context.Context, userID int64, collection string) (models.Timestamp, error) {
	dirty, err := s.markCollectionDirty(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	ts, err := s.managerFor(collection).DeleteCollection(ctx, userID)
	if err != nil {
		dirty.rollback(err)
		return 0, err
	}
	dirty.update(&ts, nil, 0)
	return ts, nil
}

func (s *Storage) DeleteItems(ctx context.Context, userID int64, collection string, ids []string) (models.Timestamp, error) {
	dirty, err := s.markCollectionDirty(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	ts, err := s.managerFor(collection).DeleteItems(ctx, userID, ids)
	if err != nil {
		dirty.rollback(err)
		return 0, err
	}
	dirty.update(&ts, &ts, 0)
	return ts, nil
}

// Item-level operations

func (s *Storage) GetItemTimestamp(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error) {
	return s.managerFor(collection).GetItemTimestamp(ctx, userID, item)
}

func (s *Storage) GetItem(ctx context.Context, userID int64, collection, item string) (*models.BSO, error) {
	return s.managerFor(collection).GetItem(ctx, userID, item)
}

func (s *Storage) SetItem(ctx context.Context, userID int64, collection, item string, bso models.PutBSO) (*storage.ItemResult, error) {
	dirty, err := s.markCollectionDirty(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	res, err := s.managerFor(collection).SetItem(ctx, userID, item, bso)
	if err != nil {
		dirty.rollback(err)
		return nil, err
	}
	dirty.update(&res.Modified, &res.Modified, bso.PayloadSize())
	return res, nil
}

func (s *Storage) DeleteItem(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error) {
	dirty, err := s.markCollectionDirty(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	ts, err := s.managerFor(collection).DeleteItem(ctx, userID, item)
	if err != nil {
		dirty.rollback(err)
		return 0, err
	}
	dirty.update(&ts, &ts, 0)
	return ts, nil
}

// PruneExpired passes through when the backend supports pruning.
func (s *Storage) PruneExpired(ctx context.Context) (int64, error) {
	if p, ok := s.backend.(storage.Pruner); ok {
		return p.PruneExpired(ctx)
	}
	return 0, nil
}

// Metadata management

// getMetadata pulls the metadata object out of memcache, initializing
// it from the backend on a miss. When recalculate is set, a size value
// older than sizeRecalculationPeriod is refreshed from the backend.
func (s *Storage) getMetadata(ctx context.Context, userID int64, recalculate bool) (*userMetadata, error) {
	key := metaKey(userID)
	var meta userMetadata
	handle, ok, err := s.cache.Gets(key, &meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.Get().CacheMissesTotal.Inc()
		fresh, err := s.buildMetadata(ctx, userID, recalculate)
		if err != nil {
			return nil, err
		}
		// Use add so we don't clobber a concurrent initializer; losing
		// the race just means someone else beat us to it.
		if _, err := s.cache.Add(key, fresh, 0); err != nil {
			logger.Warning("failed to cache metadata for user %d: %v", userID, err)
		}
		return fresh, nil
	}
	metrics.Get().CacheHitsTotal.Inc()
	if meta.Collections == nil {
		meta.Collections = make(map[string]*models.Timestamp)
	}
	if recalculate && time.Now().Unix()-meta.LastSizeRecalc > int64(sizeRecalculationPeriod/time.Second) {
		size, err := s.recalculateTotalSize(ctx, userID)
		if err != nil {
			return nil, err
		}
		meta.Size = size
		meta.LastSizeRecalc = time.Now().Unix()
		// CAS so concurrent changes win; a failed swap is harmless.
		if _, err := s.cache.CompareAndSwap(key, handle, meta); err != nil {
			logger.Warning("failed to refresh metadata for user %d: %v", userID, err)
		}
	}
	return &meta, nil
}

func (s *Storage) buildMetadata(ctx context.Context, userID int64, recalculate bool) (*userMetadata, error) {
	stamps, err := s.backend.GetCollectionTimestamps(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Cached and cache-only collections may not be known to the
	// backend; fold their stamps in as well.
	for name, m := range s.cached {
		if _, ok := stamps[name]; !ok {
			if ts, err := m.GetTimestamp(ctx, userID); err == nil {
				stamps[name] = ts
			}
		}
	}
	for name, m := range s.cacheOnly {
		if _, ok := stamps[name]; !ok {
			if ts, err := m.GetTimestamp(ctx, userID); err == nil {
				stamps[name] = ts
			}
		}
	}

	modified, err := s.backend.GetStorageTimestamp(ctx, userID)
	if err != nil {
		return nil, err
	}
	collections := make(map[string]*models.Timestamp, len(stamps))
	for name, ts := range stamps {
		ts := ts
		collections[name] = &ts
		if ts > modified {
			modified = ts
		}
	}

	meta := &userMetadata{
		Modified:    &modified,
		Collections: collections,
	}
	if recalculate {
		size, err := s.recalculateTotalSize(ctx, userID)
		if err != nil {
			return nil, err
		}
		meta.Size = size
		meta.LastSizeRecalc = time.Now().Unix()
	}
	return meta, nil
}

// updateTotalSize refreshes the cached total storage size.
func (s *Storage) updateTotalSize(ctx context.Context, userID int64, size int64) {
	key := metaKey(userID)
	var meta userMetadata
	handle, ok, err := s.cache.Gets(key, &meta)
	if err != nil {
		return
	}
	if !ok {
		if _, err := s.getMetadata(ctx, userID, false); err != nil {
			return
		}
		handle, ok, err = s.cache.Gets(key, &meta)
		if err != nil || !ok {
			return
		}
	}
	meta.Size = size
	meta.LastSizeRecalc = time.Now().Unix()
	// Losing the CAS means a concurrent write updated the metadata;
	// that write's bookkeeping wins.
	if _, err := s.cache.CompareAndSwap(key, handle, meta); err != nil {
		logger.Warning("failed to update total size for user %d: %v", userID, err)
	}
}

// recalculateTotalSize recomputes the user's usage from live data.
func (s *Storage) recalculateTotalSize(ctx context.Context, userID int64) (int64, error) {
	size, err := s.backend.GetTotalSize(ctx, userID, false)
	if err != nil {
		return 0, err
	}
	for _, m := range s.cacheOnly {
		items, err := m.GetItems(ctx, userID, nil)
		if err != nil {
			continue
		}
		for _, b := range items {
			size += int64(len(b.Payload))
		}
	}
	return size, nil
}

// dirtyToken tracks a metadata entry that was marked dirty ahead of a
// write. Exactly one of update or rollback must run afterwards; if
// neither does, the entry stays dirty until a later write cleans it,
// which is the safe failure mode.
type dirtyToken struct {
	owner           *Storage
	key             string
	collection      string
	meta            userMetadata
	prevModified    *models.Timestamp
	prevColModified *models.Timestamp
	updated         bool
}

// markCollectionDirty nulls out the storage- and collection-level
// stamps in the cached metadata before a write. A lost CAS here means
// another writer got in first.
func (s *Storage) markCollectionDirty(ctx context.Context, userID int64, collection string) (*dirtyToken, error) {
	key := metaKey(userID)
	var meta userMetadata
	handle, ok, err := s.cache.Gets(key, &meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.getMetadata(ctx, userID, false); err != nil {
			return nil, err
		}
		handle, ok, err = s.cache.Gets(key, &meta)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, storage.ErrConflict
		}
	}
	if meta.Collections == nil {
		meta.Collections = make(map[string]*models.Timestamp)
	}

	token := &dirtyToken{
		owner:           s,
		key:             key,
		collection:      collection,
		prevModified:    meta.Modified,
		prevColModified: meta.Collections[collection],
	}
	meta.Modified = nil
	meta.Collections[collection] = nil
	swapped, err := s.cache.CompareAndSwap(key, handle, meta)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, storage.ErrConflict
	}
	token.meta = meta
	return token, nil
}

// update restores the metadata with the outcome of the write. A nil
// colModified removes the collection stamp entirely (the collection
// was deleted).
func (t *dirtyToken) update(modified, colModified *models.Timestamp, sizeIncr int64) {
	t.updated = true
	t.meta.Modified = modified
	if colModified == nil {
		delete(t.meta.Collections, t.collection)
	} else {
		t.meta.Collections[t.collection] = colModified
	}
	t.meta.Size += sizeIncr
	// The write lock is held, so a plain set cannot clobber a
	// concurrent writer's changes.
	if err := t.owner.cache.Set(t.key, t.meta); err != nil {
		logger.Warning("failed to restore metadata %s: %v", t.key, err)
	}
}

// rollback restores the pre-write stamps after a failed write. Only
// storage-level failures are safe to roll back from: anything else
// leaves the entry dirty on purpose.
func (t *dirtyToken) rollback(err error) {
	if storage.IsStorageError(err) && !t.updated {
		t.update(t.prevModified, t.prevColModified, 0)
	}
}
