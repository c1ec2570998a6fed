// Package mongodb implements the storage backend on MongoDB. Each BSO
// is one document in the bsos collection; per-collection last-modified
// stamps live in user_collections.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"syncbox/internal/config"
	"syncbox/internal/models"
	"syncbox/internal/storage"
)

const (
	collBSOs            = "bsos"
	collUserCollections = "user_collections"
	databaseName        = "syncbox"
)

// Storage implements storage.Backend for MongoDB.
type Storage struct {
	cfg      *config.StorageConfig
	client   *mongo.Client
	database *mongo.Database
	locks    *storage.LockManager
}

type bsoDoc struct {
	Key         string `bson:"_id"`
	UserID      int64  `bson:"userid"`
	Collection  string `bson:"collection"`
	ID          string `bson:"id"`
	SortIndex   int    `bson:"sortindex"`
	Modified    int64  `bson:"modified"`
	Payload     string `bson:"payload"`
	PayloadSize int64  `bson:"payload_size"`
	Expiry      int64  `bson:"expiry"`
}

type userCollectionDoc struct {
	Key          string `bson:"_id"`
	UserID       int64  `bson:"userid"`
	Collection   string `bson:"collection"`
	LastModified int64  `bson:"last_modified"`
}

// New creates an unconnected MongoDB backend.
func New(cfg *config.StorageConfig) *Storage {
	return &Storage{cfg: cfg, locks: storage.NewLockManager()}
}

// Connect establishes the connection and creates indexes.
func (m *Storage) Connect(ctx context.Context) error {
	clientOptions := options.Client().ApplyURI(m.cfg.SQLURI)
	if m.cfg.PoolSize > 0 {
		clientOptions.SetMaxPoolSize(uint64(m.cfg.PoolSize))
	}
	if m.cfg.PoolRecycle > 0 {
		clientOptions.SetMaxConnIdleTime(time.Duration(m.cfg.PoolRecycle) * time.Second)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("mongodb: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb: ping: %w", err)
	}
	m.client = client
	m.database = client.Database(databaseName)

	if err := m.createIndexes(ctx); err != nil {
		return fmt.Errorf("mongodb: create indexes: %w", err)
	}
	return nil
}

// Disconnect closes the connection.
func (m *Storage) Disconnect(ctx context.Context) error {
	if m.client != nil {
		return m.client.Disconnect(ctx)
	}
	return nil
}

// Ping checks the connection.
func (m *Storage) Ping(ctx context.Context) error {
	if m.client == nil {
		return errors.New("mongodb: not connected")
	}
	return m.client.Ping(ctx, nil)
}

func (m *Storage) createIndexes(ctx context.Context) error {
	bsoIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "userid", Value: 1}, {Key: "collection", Value: 1}, {Key: "modified", Value: -1}}},
		{Keys: bson.D{{Key: "expiry", Value: 1}}},
	}
	if _, err := m.database.Collection(collBSOs).Indexes().CreateMany(ctx, bsoIndexes); err != nil {
		return err
	}
	ucIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "userid", Value: 1}}},
	}
	_, err := m.database.Collection(collUserCollections).Indexes().CreateMany(ctx, ucIndexes)
	return err
}

func bsoKey(userID int64, collection, id string) string {
	return fmt.Sprintf("%d:%s:%s", userID, collection, id)
}

func ucKey(userID int64, collection string) string {
	return fmt.Sprintf("%d:%s", userID, collection)
}

func notExpired() bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"expiry": 0},
		bson.M{"expiry": bson.M{"$gt": time.Now().Unix()}},
	}}
}

// Locking

func (m *Storage) LockForRead(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	if storage.IsLocked(ctx, userID, collection) {
		return ctx, func() {}, nil
	}
	unlock := m.locks.RLock(userID, collection)
	return storage.MarkLocked(ctx, userID, collection), unlock, nil
}

func (m *Storage) LockForWrite(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	if storage.IsLocked(ctx, userID, collection) {
		return ctx, nil, storage.ErrConflict
	}
	unlock := m.locks.Lock(userID, collection)
	return storage.MarkLocked(ctx, userID, collection), unlock, nil
}

// Storage-level operations

func (m *Storage) GetStorageTimestamp(ctx context.Context, userID int64) (models.Timestamp, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "last_modified", Value: -1}})
	var doc userCollectionDoc
	err := m.database.Collection(collUserCollections).
		FindOne(ctx, bson.M{"userid": userID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mongodb: storage timestamp: %w", err)
	}
	return models.Timestamp(doc.LastModified), nil
}

func (m *Storage) GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]models.Timestamp, error) {
	cursor, err := m.database.Collection(collUserCollections).Find(ctx, bson.M{"userid": userID})
	if err != nil {
		return nil, fmt.Errorf("mongodb: collection timestamps: %w", err)
	}
	defer cursor.Close(ctx)
	stamps := make(map[string]models.Timestamp)
	for cursor.Next(ctx) {
		var doc userCollectionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		stamps[doc.Collection] = models.Timestamp(doc.LastModified)
	}
	return stamps, cursor.Err()
}

func (m *Storage) GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"userid": userID, "$or": notExpired()["$or"]}}},
		{{Key: "$group", Value: bson.M{"_id": "$collection", "n": bson.M{"$sum": 1}}}},
	}
	cursor, err := m.database.Collection(collBSOs).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodb: collection counts: %w", err)
	}
	defer cursor.Close(ctx)
	counts := make(map[string]int)
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
			N  int    `bson:"n"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.ID] = row.N
	}
	return counts, cursor.Err()
}

func (m *Storage) GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"userid": userID, "$or": notExpired()["$or"]}}},
		{{Key: "$group", Value: bson.M{"_id": "$collection", "size": bson.M{"$sum": "$payload_size"}}}},
	}
	cursor, err := m.database.Collection(collBSOs).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodb: collection sizes: %w", err)
	}
	defer cursor.Close(ctx)
	sizes := make(map[string]int64)
	for cursor.Next(ctx) {
		var row struct {
			ID   string `bson:"_id"`
			Size int64  `bson:"size"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		sizes[row.ID] = row.Size
	}
	return sizes, cursor.Err()
}

func (m *Storage) GetTotalSize(ctx context.Context, userID int64, recalculate bool) (int64, error) {
	sizes, err := m.GetCollectionSizes(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, size := range sizes {
		total += size
	}
	return total, nil
}

func (m *Storage) DeleteStorage(ctx context.Context, userID int64) error {
	if _, err := m.database.Collection(collBSOs).DeleteMany(ctx, bson.M{"userid": userID}); err != nil {
		return fmt.Errorf("mongodb: delete storage: %w", err)
	}
	if _, err := m.database.Collection(collUserCollections).DeleteMany(ctx, bson.M{"userid": userID}); err != nil {
		return fmt.Errorf("mongodb: delete storage: %w", err)
	}
	return nil
}

// Collection-level operations

func (m *Storage) GetCollectionTimestamp(ctx context.Context, userID int64, collection string) (models.Timestamp, error) {
	var doc userCollectionDoc
	err := m.database.Collection(collUserCollections).
		FindOne(ctx, bson.M{"_id": ucKey(userID, collection)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, storage.ErrCollectionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("mongodb: collection timestamp: %w", err)
	}
	return models.Timestamp(doc.LastModified), nil
}

func (m *Storage) GetItems(ctx context.Context, userID int64, collection string, opts *storage.GetItemsOptions) ([]models.BSO, error) {
	if _, err := m.GetCollectionTimestamp(ctx, userID, collection); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &storage.GetItemsOptions{}
	}

	filter := bson.M{
		"userid":     userID,
		"collection": collection,
		"$or":        notExpired()["$or"],
	}
	if len(opts.IDs) > 0 {
		filter["id"] = bson.M{"$in": opts.IDs}
	}
	modified := bson.M{}
	if opts.Older != nil {
		modified["$lt"] = int64(*opts.Older)
	}
	if opts.Newer != nil {
		modified["$gt"] = int64(*opts.Newer)
	}
	if len(modified) > 0 {
		filter["modified"] = modified
	}
	sortindex := bson.M{}
	if opts.IndexAbove != nil {
		sortindex["$gt"] = *opts.IndexAbove
	}
	if opts.IndexBelow != nil {
		sortindex["$lt"] = *opts.IndexBelow
	}
	if len(sortindex) > 0 {
		filter["sortindex"] = sortindex
	}

	findOpts := options.Find()
	switch opts.Sort {
	case storage.SortNewest:
		findOpts.SetSort(bson.D{{Key: "modified", Value: -1}})
	case storage.SortOldest:
		findOpts.SetSort(bson.D{{Key: "modified", Value: 1}})
	case storage.SortIndex:
		findOpts.SetSort(bson.D{{Key: "sortindex", Value: 1}})
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := m.database.Collection(collBSOs).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongodb: get items: %w", err)
	}
	defer cursor.Close(ctx)
	var items []models.BSO
	for cursor.Next(ctx) {
		var doc bsoDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		items = append(items, models.BSO{
			ID:        doc.ID,
			Modified:  models.Timestamp(doc.Modified),
			SortIndex: doc.SortIndex,
			Payload:   doc.Payload,
			Expiry:    doc.Expiry,
		})
	}
	return items, cursor.Err()
}

func (m *Storage) GetItemIDs(ctx context.Context, userID int64, collection string, opts *storage.GetItemsOptions) ([]string, error) {
	items, err := m.GetItems(ctx, userID, collection, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, b := range items {
		ids[i] = b.ID
	}
	return ids, nil
}

// nextTimestamp keeps collection stamps strictly increasing.
func (m *Storage) nextTimestamp(ctx context.Context, userID int64, collection string) models.Timestamp {
	ts := models.Now()
	last, err := m.GetCollectionTimestamp(ctx, userID, collection)
	if err == nil && ts <= last {
		ts = last + 10
	}
	return ts
}

func (m *Storage) touchCollection(ctx context.Context, userID int64, collection string, ts models.Timestamp) error {
	_, err := m.database.Collection(collUserCollections).UpdateOne(ctx,
		bson.M{"_id": ucKey(userID, collection)},
		bson.M{"$set": bson.M{
			"userid":        userID,
			"collection":    collection,
			"last_modified": int64(ts),
		}},
		options.Update().SetUpsert(true))
	return err
}

func (m *Storage) checkQuota(ctx context.Context, userID int64, sizeDelta int64) error {
	if m.cfg.QuotaSize <= 0 || sizeDelta <= 0 {
		return nil
	}
	total, err := m.GetTotalSize(ctx, userID, false)
	if err != nil {
		return err
	}
	if total+sizeDelta > m.cfg.QuotaSize {
		return storage.ErrQuotaExceeded
	}
	return nil
}

func (m *Storage) SetItems(ctx context.Context, userID int64, collection string, items []models.PutBSO) (models.Timestamp, error) {
	ts := m.nextTimestamp(ctx, userID, collection)
	now := time.Now().Unix()

	var sizeDelta int64
	for _, item := range items {
		sizeDelta += item.PayloadSize()
	}
	if err := m.checkQuota(ctx, userID, sizeDelta); err != nil {
		return 0, err
	}

	for i := range items {
		if _, err := m.upsertItem(ctx, userID, collection, &items[i], ts, now); err != nil {
			return 0, err
		}
	}
	if err := m.touchCollection(ctx, userID, collection, ts); err != nil {
		return 0, err
	}
	return ts, nil
}

func (m *Storage) upsertItem(ctx context.Context, userID int64, collection string, item *models.PutBSO, ts models.Timestamp, now int64) (bool, error) {
	coll := m.database.Collection(collBSOs)
	key := bsoKey(userID, collection, item.ID)

	var doc bsoDoc
	err := coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		b := item.NewBSO(ts, now)
		_, err := coll.InsertOne(ctx, bsoDoc{
			Key:         key,
			UserID:      userID,
			Collection:  collection,
			ID:          b.ID,
			SortIndex:   b.SortIndex,
			Modified:    int64(b.Modified),
			Payload:     b.Payload,
			PayloadSize: int64(len(b.Payload)),
			Expiry:      b.Expiry,
		})
		if err != nil {
			return false, fmt.Errorf("mongodb: insert item %q: %w", item.ID, err)
		}
		return true, nil
	case err != nil:
		return false, err
	default:
		b := models.BSO{
			ID:        doc.ID,
			Modified:  models.Timestamp(doc.Modified),
			SortIndex: doc.SortIndex,
			Payload:   doc.Payload,
			Expiry:    doc.Expiry,
		}
		item.ApplyTo(&b, ts, now)
		_, err := coll.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": bson.M{
			"sortindex":    b.SortIndex,
			"modified":     int64(b.Modified),
			"payload":      b.Payload,
			"payload_size": int64(len(b.Payload)),
			"expiry":       b.Expiry,
		}})
		if err != nil {
			return false, fmt.Errorf("mongodb: update item %q: %w", item.ID, err)
		}
		return false, nil
	}
}

func (m *Storage) DeleteCollection(ctx context.Context, userID int64, collection string) (models.Timestamp, error) {
	res, err := m.database.Collection(collUserCollections).
		DeleteOne(ctx, bson.M{"_id": ucKey(userID, collection)})
	if err != nil {
		return 0, fmt.Errorf("mongodb: delete collection: %w", err)
	}
	if res.DeletedCount == 0 {
		return 0, storage.ErrCollectionNotFound
	}
	_, err = m.database.Collection(collBSOs).
		DeleteMany(ctx, bson.M{"userid": userID, "collection": collection})
	if err != nil {
		return 0, fmt.Errorf("mongodb: delete collection items: %w", err)
	}
	return models.Now(), nil
}

func (m *Storage) DeleteItems(ctx context.Context, userID int64, collection string, ids []string) (models.Timestamp, error) {
	if _, err := m.GetCollectionTimestamp(ctx, userID, collection); err != nil {
		return 0, err
	}
	ts := m.nextTimestamp(ctx, userID, collection)
	if len(ids) > 0 {
		_, err := m.database.Collection(collBSOs).DeleteMany(ctx,
			bson.M{"userid": userID, "collection": collection, "id": bson.M{"$in": ids}})
		if err != nil {
			return 0, fmt.Errorf("mongodb: delete items: %w", err)
		}
	}
	if err := m.touchCollection(ctx, userID, collection, ts); err != nil {
		return 0, err
	}
	return ts, nil
}

// Item-level operations

func (m *Storage) GetItemTimestamp(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error) {
	b, err := m.GetItem(ctx, userID, collection, item)
	if err != nil {
		return 0, err
	}
	return b.Modified, nil
}

func (m *Storage) GetItem(ctx context.Context, userID int64, collection, item string) (*models.BSO, error) {
	var doc bsoDoc
	err := m.database.Collection(collBSOs).
		FindOne(ctx, bson.M{"_id": bsoKey(userID, collection, item), "$or": notExpired()["$or"]}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb: get item %q: %w", item, err)
	}
	return &models.BSO{
		ID:        doc.ID,
		Modified:  models.Timestamp(doc.Modified),
		SortIndex: doc.SortIndex,
		Payload:   doc.Payload,
		Expiry:    doc.Expiry,
	}, nil
}

func (m *Storage) SetItem(ctx context.Context, userID int64, collection, item string, bso models.PutBSO) (*storage.ItemResult, error) {
	bso.ID = item
	ts := m.nextTimestamp(ctx, userID, collection)
	now := time.Now().Unix()

	if err := m.checkQuota(ctx, userID, bso.PayloadSize()); err != nil {
		return nil, err
	}
	created, err := m.upsertItem(ctx, userID, collection, &bso, ts, now)
	if err != nil {
		return nil, err
	}
	if err := m.touchCollection(ctx, userID, collection, ts); err != nil {
		return nil, err
	}
	return &storage.ItemResult{Created: created, Modified: ts}, nil
}

func (m *Storage) DeleteItem(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error) {
	if _, err := m.GetCollectionTimestamp(ctx, userID, collection); err != nil {
		return 0, err
	}
	res, err := m.database.Collection(collBSOs).
		DeleteOne(ctx, bson.M{"_id": bsoKey(userID, collection, item)})
	if err != nil {
		return 0, fmt.Errorf("mongodb: delete item %q: %w", item, err)
	}
	if res.DeletedCount == 0 {
		return 0, storage.ErrItemNotFound
	}
	ts := m.nextTimestamp(ctx, userID, collection)
	if err := m.touchCollection(ctx, userID, collection, ts); err != nil {
		return 0, err
	}
	return ts, nil
}

// PruneExpired removes expired documents.
func (m *Storage) PruneExpired(ctx context.Context) (int64, error) {
	res, err := m.database.Collection(collBSOs).DeleteMany(ctx,
		bson.M{"expiry": bson.M{"$gt": 0, "$lte": time.Now().Unix()}})
	if err != nil {
		return 0, fmt.Errorf("mongodb: prune expired: %w", err)
	}
	return res.DeletedCount, nil
}
