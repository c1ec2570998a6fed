package storage

import (
	"context"
	"errors"

	"syncbox/internal/models"
)

// Sentinel errors shared by every backend.
var (
	// ErrConflict signals a write that raced with another writer, or a
	// cache CAS that lost. Callers should retry after a short delay.
	ErrConflict = errors.New("storage: conflicting write")

	// ErrCollectionNotFound signals that a user has no data in the
	// named collection.
	ErrCollectionNotFound = errors.New("storage: collection not found")

	// ErrItemNotFound signals that a collection has no item with the
	// requested id.
	ErrItemNotFound = errors.New("storage: item not found")

	// ErrQuotaExceeded signals a write that would push a user's total
	// payload bytes over the configured quota.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrInvalidBatch signals a batch upload larger than the configured
	// batch_max_count.
	ErrInvalidBatch = errors.New("storage: batch too large")
)

// IsStorageError reports whether err is one of the storage sentinels.
// The caching layer uses this to decide whether it is safe to roll a
// cache entry back after a failed backend write.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrCollectionNotFound) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidBatch)
}

// SortOrder selects the ordering of GetItems results.
type SortOrder string

const (
	SortNone   SortOrder = ""
	SortNewest SortOrder = "newest"
	SortOldest SortOrder = "oldest"
	SortIndex  SortOrder = "index"
)

// GetItemsOptions narrows a collection read. Nil pointer fields mean
// the filter is not applied; Limit zero means unbounded.
type GetItemsOptions struct {
	IDs        []string
	Older      *models.Timestamp
	Newer      *models.Timestamp
	IndexAbove *int
	IndexBelow *int
	Limit      int
	Sort       SortOrder
}

// ItemResult reports the outcome of a single-item upsert.
type ItemResult struct {
	Created  bool
	Modified models.Timestamp
}

// Unlock releases a collection lock taken with LockForRead or
// LockForWrite.
type Unlock func()

// Backend is the storage interface every implementation satisfies: the
// SQL and MongoDB backends, and the memcached wrapper that layers over
// either of them.
//
// Lock methods return a derived context; callers must thread it through
// the operations performed under the lock so that nested lock requests
// for the same (user, collection) are recognized as already held.
type Backend interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error

	// Collection-level locking
	LockForRead(ctx context.Context, userID int64, collection string) (context.Context, Unlock, error)
	LockForWrite(ctx context.Context, userID int64, collection string) (context.Context, Unlock, error)

	// Storage-level operations
	GetStorageTimestamp(ctx context.Context, userID int64) (models.Timestamp, error)
	GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]models.Timestamp, error)
	GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error)
	GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error)
	GetTotalSize(ctx context.Context, userID int64, recalculate bool) (int64, error)
	DeleteStorage(ctx context.Context, userID int64) error

	// Collection-level operations
	GetCollectionTimestamp(ctx context.Context, userID int64, collection string) (models.Timestamp, error)
	GetItems(ctx context.Context, userID int64, collection string, opts *GetItemsOptions) ([]models.BSO, error)
	GetItemIDs(ctx context.Context, userID int64, collection string, opts *GetItemsOptions) ([]string, error)
	SetItems(ctx context.Context, userID int64, collection string, items []models.PutBSO) (models.Timestamp, error)
	DeleteCollection(ctx context.Context, userID int64, collection string) (models.Timestamp, error)
	DeleteItems(ctx context.Context, userID int64, collection string, ids []string) (models.Timestamp, error)

	// Item-level operations
	GetItemTimestamp(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error)
	GetItem(ctx context.Context, userID int64, collection, item string) (*models.BSO, error)
	SetItem(ctx context.Context, userID int64, collection, item string, bso models.PutBSO) (*ItemResult, error)
	DeleteItem(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error)
}

// Pruner is implemented by backends that can physically remove
// expired-ttl items. The scheduler calls it periodically.
type Pruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}
