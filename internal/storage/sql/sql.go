// Package sql implements the storage backend on database/sql with the
// sqlite driver. Collections are interned into an id table, items live
// in a single bso table keyed by (userid, collectionid, id), and
// per-collection last-modified stamps are tracked in user_collections.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"syncbox/internal/config"
	"syncbox/internal/models"
	"syncbox/internal/storage"
)

// Standard collection names get fixed low ids so that deployments can
// share cache entries and dumps across databases. Custom collections
// allocate ids from customIDBase up.
var standardCollections = map[string]int{
	"clients":   1,
	"crypto":    2,
	"forms":     3,
	"history":   4,
	"keys":      5,
	"meta":      6,
	"bookmarks": 7,
	"prefs":     8,
	"tabs":      9,
	"passwords": 10,
}

const customIDBase = 100

// Storage implements storage.Backend on a SQL database.
type Storage struct {
	cfg   *config.StorageConfig
	db    *sql.DB
	locks *storage.LockManager

	mu       sync.Mutex
	collIDs  map[string]int
	collName map[int]string
}

// New creates an unconnected SQL backend.
func New(cfg *config.StorageConfig) *Storage {
	return &Storage{
		cfg:      cfg,
		locks:    storage.NewLockManager(),
		collIDs:  make(map[string]int),
		collName: make(map[int]string),
	}
}

// Connect opens the database, applies pool settings from the config
// and optionally bootstraps the schema.
func (s *Storage) Connect(ctx context.Context) error {
	path, err := resolveSQLURI(s.cfg.SQLURI)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sql: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("sql: open database at %q: %w", path, err)
	}
	if s.cfg.PoolSize > 0 {
		db.SetMaxOpenConns(s.cfg.PoolSize)
		db.SetMaxIdleConns(s.cfg.PoolSize)
	}
	if s.cfg.PoolRecycle > 0 {
		db.SetConnMaxLifetime(time.Duration(s.cfg.PoolRecycle) * time.Second)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sql: ping database at %q: %w", path, err)
	}
	s.db = db

	if s.cfg.CreateTables {
		if err := s.createTables(ctx); err != nil {
			db.Close()
			return fmt.Errorf("sql: create tables: %w", err)
		}
	}
	if err := s.loadCollections(ctx); err != nil {
		db.Close()
		return err
	}
	return nil
}

// Disconnect closes the database.
func (s *Storage) Disconnect(ctx context.Context) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("sql: not connected")
	}
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle for migrations.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// resolveSQLURI accepts "sqlite:///path/to.db" style URIs or plain
// filesystem paths.
func resolveSQLURI(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("sql: sqluri is not set")
	}
	if strings.HasPrefix(uri, "sqlite://") {
		path := strings.TrimPrefix(uri, "sqlite://")
		// sqlite:////abs/path yields //abs/path; collapse to /abs/path.
		for strings.HasPrefix(path, "//") {
			path = path[1:]
		}
		if path == "" {
			return "", fmt.Errorf("sql: empty path in sqluri %q", uri)
		}
		return path, nil
	}
	if strings.Contains(uri, "://") {
		return "", fmt.Errorf("sql: unsupported sqluri scheme in %q", uri)
	}
	return uri, nil
}

func (s *Storage) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			collectionid INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_collections (
			userid INTEGER NOT NULL,
			collectionid INTEGER NOT NULL,
			last_modified INTEGER NOT NULL,
			PRIMARY KEY (userid, collectionid)
		);`,
		`CREATE TABLE IF NOT EXISTS bso (
			userid INTEGER NOT NULL,
			collectionid INTEGER NOT NULL,
			id TEXT NOT NULL,
			sortindex INTEGER NOT NULL DEFAULT 0,
			modified INTEGER NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			payload_size INTEGER NOT NULL DEFAULT 0,
			expiry INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (userid, collectionid, id)
		);`,
		"CREATE INDEX IF NOT EXISTS idx_bso_modified ON bso(userid, collectionid, modified);",
		"CREATE INDEX IF NOT EXISTS idx_bso_expiry ON bso(expiry);",
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	if s.cfg.StandardCollections {
		for name, id := range standardCollections {
			_, err := s.db.ExecContext(ctx,
				"INSERT OR IGNORE INTO collections (collectionid, name) VALUES (?, ?)", id, name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Storage) loadCollections(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT collectionid, name FROM collections")
	if err != nil {
		return fmt.Errorf("sql: load collections: %w", err)
	}
	defer rows.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		s.collIDs[name] = id
		s.collName[id] = name
	}
	return rows.Err()
}

// collectionID interns a collection name, allocating a new id when
// create is true and the name is unknown.
func (s *Storage) collectionID(ctx context.Context, name string, create bool) (int, error) {
	s.mu.Lock()
	if id, ok := s.collIDs[name]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()
	if !create {
		return 0, storage.ErrCollectionNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (collectionid, name)
		 VALUES ((SELECT MAX(COALESCE(MAX(collectionid), 0) + 1, ?) FROM collections), ?)
		 ON CONFLICT(name) DO NOTHING`, customIDBase, name)
	if err != nil {
		return 0, fmt.Errorf("sql: intern collection %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with another writer; re-read.
		if err := s.loadCollections(ctx); err != nil {
			return 0, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if id, ok := s.collIDs[name]; ok {
			return id, nil
		}
		return 0, fmt.Errorf("sql: collection %q vanished during intern", name)
	}
	var id int
	if err := s.db.QueryRowContext(ctx,
		"SELECT collectionid FROM collections WHERE name = ?", name).Scan(&id); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.collIDs[name] = id
	s.collName[id] = name
	s.mu.Unlock()
	return id, nil
}

func (s *Storage) collectionNameByID(id int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.collName[id]
	return name, ok
}

// Locking. sqlite serializes writers itself; these striped locks give
// the caching layer the read/write exclusion the backend API promises.

func (s *Storage) LockForRead(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	if storage.IsLocked(ctx, userID, collection) {
		return ctx, func() {}, nil
	}
	unlock := s.locks.RLock(userID, collection)
	return storage.MarkLocked(ctx, userID, collection), unlock, nil
}

func (s *Storage) LockForWrite(ctx context.Context, userID int64, collection string) (context.Context, storage.Unlock, error) {
	if storage.IsLocked(ctx, userID, collection) {
		return ctx, nil, storage.ErrConflict
	}
	unlock := s.locks.Lock(userID, collection)
	return storage.MarkLocked(ctx, userID, collection), unlock, nil
}

// nextTimestamp picks a modified stamp strictly greater than the
// collection's current one, so stamps stay monotonic even when the
// clock stalls inside the wire-format granularity.
func (s *Storage) nextTimestamp(ctx context.Context, userID int64, collID int) (models.Timestamp, error) {
	ts := models.Now()
	var last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_modified FROM user_collections WHERE userid = ? AND collectionid = ?",
		userID, collID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if int64(ts) <= last {
		ts = models.Timestamp(last + 10)
	}
	return ts, nil
}

func (s *Storage) touchCollection(ctx context.Context, tx *sql.Tx, userID int64, collID int, ts models.Timestamp) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO user_collections (userid, collectionid, last_modified)
		 VALUES (?, ?, ?)
		 ON CONFLICT(userid, collectionid) DO UPDATE SET last_modified = excluded.last_modified`,
		userID, collID, int64(ts))
	return err
}

// Storage-level operations

func (s *Storage) GetStorageTimestamp(ctx context.Context, userID int64) (models.Timestamp, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(last_modified) FROM user_collections WHERE userid = ?", userID).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("sql: storage timestamp: %w", err)
	}
	return models.Timestamp(ts.Int64), nil
}

func (s *Storage) GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]models.Timestamp, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT collectionid, last_modified FROM user_collections WHERE userid = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("sql: collection timestamps: %w", err)
	}
	defer rows.Close()
	stamps := make(map[string]models.Timestamp)
	for rows.Next() {
		var id int
		var last int64
		if err := rows.Scan(&id, &last); err != nil {
			return nil, err
		}
		if name, ok := s.collectionNameByID(id); ok {
			stamps[name] = models.Timestamp(last)
		}
	}
	return stamps, rows.Err()
}

func (s *Storage) GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collectionid, COUNT(*) FROM bso
		 WHERE userid = ? AND (expiry = 0 OR expiry > ?)
		 GROUP BY collectionid`, userID, nowUnix())
	if err != nil {
		return nil, fmt.Errorf("sql: collection counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var id, n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		if name, ok := s.collectionNameByID(id); ok {
			counts[name] = n
		}
	}
	return counts, rows.Err()
}

func (s *Storage) GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collectionid, SUM(payload_size) FROM bso
		 WHERE userid = ? AND (expiry = 0 OR expiry > ?)
		 GROUP BY collectionid`, userID, nowUnix())
	if err != nil {
		return nil, fmt.Errorf("sql: collection sizes: %w", err)
	}
	defer rows.Close()
	sizes := make(map[string]int64)
	for rows.Next() {
		var id int
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, err
		}
		if name, ok := s.collectionNameByID(id); ok {
			sizes[name] = size
		}
	}
	return sizes, rows.Err()
}

func (s *Storage) GetTotalSize(ctx context.Context, userID int64, recalculate bool) (int64, error) {
	var size sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(payload_size) FROM bso WHERE userid = ? AND (expiry = 0 OR expiry > ?)",
		userID, nowUnix()).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("sql: total size: %w", err)
	}
	return size.Int64, nil
}

func (s *Storage) DeleteStorage(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM bso WHERE userid = ?", userID); err != nil {
		return fmt.Errorf("sql: delete storage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM user_collections WHERE userid = ?", userID); err != nil {
		return fmt.Errorf("sql: delete storage: %w", err)
	}
	return tx.Commit()
}

// Collection-level operations

func (s *Storage) GetCollectionTimestamp(ctx context.Context, userID int64, collection string) (models.Timestamp, error) {
	collID, err := s.collectionID(ctx, collection, false)
	if err != nil {
		return 0, err
	}
	var last int64
	err = s.db.QueryRowContext(ctx,
		"SELECT last_modified FROM user_collections WHERE userid = ? AND collectionid = ?",
		userID, collID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrCollectionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sql: collection timestamp: %w", err)
	}
	return models.Timestamp(last), nil
}

func (s *Storage) GetItems(ctx context.Context, userID int64, collection string, opts *storage.GetItemsOptions) ([]models.BSO, error) {
	collID, err := s.collectionID(ctx, collection, false)
	if err != nil {
		return nil, err
	}
	if exists, err := s.collectionExists(ctx, userID, collID); err != nil {
		return nil, err
	} else if !exists {
		return nil, storage.ErrCollectionNotFound
	}

	query := `SELECT id, sortindex, modified, payload, payload_size, expiry FROM bso
		WHERE userid = ? AND collectionid = ? AND (expiry = 0 OR expiry > ?)`
	args := []interface{}{userID, collID, nowUnix()}
	if opts == nil {
		opts = &storage.GetItemsOptions{}
	}
	if len(opts.IDs) > 0 {
		query += " AND id IN (?" + strings.Repeat(",?", len(opts.IDs)-1) + ")"
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	if opts.Older != nil {
		query += " AND modified < ?"
		args = append(args, int64(*opts.Older))
	}
	if opts.Newer != nil {
		query += " AND modified > ?"
		args = append(args, int64(*opts.Newer))
	}
	if opts.IndexAbove != nil {
		query += " AND sortindex > ?"
		args = append(args, *opts.IndexAbove)
	}
	if opts.IndexBelow != nil {
		query += " AND sortindex < ?"
		args = append(args, *opts.IndexBelow)
	}
	switch opts.Sort {
	case storage.SortNewest:
		query += " ORDER BY modified DESC"
	case storage.SortOldest:
		query += " ORDER BY modified ASC"
	case storage.SortIndex:
		query += " ORDER BY sortindex ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sql: get items: %w", err)
	}
	defer rows.Close()
	var items []models.BSO
	for rows.Next() {
		var b models.BSO
		var size int64
		if err := rows.Scan(&b.ID, &b.SortIndex, &b.Modified, &b.Payload, &size, &b.Expiry); err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (s *Storage) GetItemIDs(ctx context.Context, userID int64, collection string, opts *storage.GetItemsOptions) ([]string, error) {
	items, err := s.GetItems(ctx, userID, collection, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, b := range items {
		ids[i] = b.ID
	}
	return ids, nil
}

func (s *Storage) collectionExists(ctx context.Context, userID int64, collID int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM user_collections WHERE userid = ? AND collectionid = ?",
		userID, collID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Storage) SetItems(ctx context.Context, userID int64, collection string, items []models.PutBSO) (models.Timestamp, error) {
	collID, err := s.collectionID(ctx, collection, true)
	if err != nil {
		return 0, err
	}
	ts, err := s.nextTimestamp(ctx, userID, collID)
	if err != nil {
		return 0, err
	}
	now := nowUnix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var sizeDelta int64
	for i := range items {
		delta, err := s.upsertItem(ctx, tx, userID, collID, &items[i], ts, now)
		if err != nil {
			return 0, err
		}
		sizeDelta += delta
	}
	if err := s.checkQuota(ctx, tx, userID, sizeDelta); err != nil {
		return 0, err
	}
	if err := s.touchCollection(ctx, tx, userID, collID, ts); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return ts, nil
}

// upsertItem applies one partial update inside a transaction and
// returns the payload-size delta it contributes to the quota.
func (s *Storage) upsertItem(ctx context.Context, tx *sql.Tx, userID int64, collID int, item *models.PutBSO, ts models.Timestamp, now int64) (int64, error) {
	var existing models.BSO
	var oldSize int64
	err := tx.QueryRowContext(ctx,
		`SELECT id, sortindex, modified, payload, payload_size, expiry FROM bso
		 WHERE userid = ? AND collectionid = ? AND id = ?`,
		userID, collID, item.ID).Scan(
		&existing.ID, &existing.SortIndex, &existing.Modified,
		&existing.Payload, &oldSize, &existing.Expiry)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		b := item.NewBSO(ts, now)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bso (userid, collectionid, id, sortindex, modified, payload, payload_size, expiry)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, collID, b.ID, b.SortIndex, int64(b.Modified), b.Payload, int64(len(b.Payload)), b.Expiry)
		if err != nil {
			return 0, fmt.Errorf("sql: insert item %q: %w", item.ID, err)
		}
		return int64(len(b.Payload)), nil
	case err != nil:
		return 0, err
	default:
		item.ApplyTo(&existing, ts, now)
		newSize := int64(len(existing.Payload))
		_, err := tx.ExecContext(ctx,
			`UPDATE bso SET sortindex = ?, modified = ?, payload = ?, payload_size = ?, expiry = ?
			 WHERE userid = ? AND collectionid = ? AND id = ?`,
			existing.SortIndex, int64(existing.Modified), existing.Payload, newSize, existing.Expiry,
			userID, collID, item.ID)
		if err != nil {
			return 0, fmt.Errorf("sql: update item %q: %w", item.ID, err)
		}
		return newSize - oldSize, nil
	}
}

func (s *Storage) checkQuota(ctx context.Context, tx *sql.Tx, userID int64, sizeDelta int64) error {
	if s.cfg.QuotaSize <= 0 || sizeDelta <= 0 {
		return nil
	}
	var total sql.NullInt64
	err := tx.QueryRowContext(ctx,
		"SELECT SUM(payload_size) FROM bso WHERE userid = ? AND (expiry = 0 OR expiry > ?)",
		userID, nowUnix()).Scan(&total)
	if err != nil {
		return err
	}
	if total.Int64 > s.cfg.QuotaSize {
		return storage.ErrQuotaExceeded
	}
	return nil
}

func (s *Storage) DeleteCollection(ctx context.Context, userID int64, collection string) (models.Timestamp, error) {
	collID, err := s.collectionID(ctx, collection, false)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		"DELETE FROM user_collections WHERE userid = ? AND collectionid = ?", userID, collID)
	if err != nil {
		return 0, fmt.Errorf("sql: delete collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, storage.ErrCollectionNotFound
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM bso WHERE userid = ? AND collectionid = ?", userID, collID); err != nil {
		return 0, fmt.Errorf("sql: delete collection items: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return models.Now(), nil
}

func (s *Storage) DeleteItems(ctx context.Context, userID int64, collection string, ids []string) (models.Timestamp, error) {
	collID, err := s.collectionID(ctx, collection, false)
	if err != nil {
		return 0, err
	}
	if exists, err := s.collectionExists(ctx, userID, collID); err != nil {
		return 0, err
	} else if !exists {
		return 0, storage.ErrCollectionNotFound
	}
	ts, err := s.nextTimestamp(ctx, userID, collID)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if len(ids) > 0 {
		query := "DELETE FROM bso WHERE userid = ? AND collectionid = ? AND id IN (?" +
			strings.Repeat(",?", len(ids)-1) + ")"
		args := []interface{}{userID, collID}
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("sql: delete items: %w", err)
		}
	}
	if err := s.touchCollection(ctx, tx, userID, collID, ts); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return ts, nil
}

// Item-level operations

func (s *Storage) GetItemTimestamp(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error) {
	b, err := s.GetItem(ctx, userID, collection, item)
	if err != nil {
		return 0, err
	}
	return b.Modified, nil
}

func (s *Storage) GetItem(ctx context.Context, userID int64, collection, item string) (*models.BSO, error) {
	collID, err := s.collectionID(ctx, collection, false)
	if err != nil {
		return nil, err
	}
	var b models.BSO
	var size int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, sortindex, modified, payload, payload_size, expiry FROM bso
		 WHERE userid = ? AND collectionid = ? AND id = ? AND (expiry = 0 OR expiry > ?)`,
		userID, collID, item, nowUnix()).Scan(
		&b.ID, &b.SortIndex, &b.Modified, &b.Payload, &size, &b.Expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql: get item %q: %w", item, err)
	}
	return &b, nil
}

func (s *Storage) SetItem(ctx context.Context, userID int64, collection, item string, bso models.PutBSO) (*storage.ItemResult, error) {
	bso.ID = item
	collID, err := s.collectionID(ctx, collection, true)
	if err != nil {
		return nil, err
	}
	ts, err := s.nextTimestamp(ctx, userID, collID)
	if err != nil {
		return nil, err
	}
	now := nowUnix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM bso WHERE userid = ? AND collectionid = ? AND id = ?",
		userID, collID, item).Scan(&one)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return nil, err
	}

	delta, err := s.upsertItem(ctx, tx, userID, collID, &bso, ts, now)
	if err != nil {
		return nil, err
	}
	if err := s.checkQuota(ctx, tx, userID, delta); err != nil {
		return nil, err
	}
	if err := s.touchCollection(ctx, tx, userID, collID, ts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &storage.ItemResult{Created: created, Modified: ts}, nil
}

func (s *Storage) DeleteItem(ctx context.Context, userID int64, collection, item string) (models.Timestamp, error) {
	collID, err := s.collectionID(ctx, collection, false)
	if err != nil {
		return 0, err
	}
	if exists, err := s.collectionExists(ctx, userID, collID); err != nil {
		return 0, err
	} else if !exists {
		return 0, storage.ErrCollectionNotFound
	}
	ts, err := s.nextTimestamp(ctx, userID, collID)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		"DELETE FROM bso WHERE userid = ? AND collectionid = ? AND id = ?",
		userID, collID, item)
	if err != nil {
		return 0, fmt.Errorf("sql: delete item %q: %w", item, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, storage.ErrItemNotFound
	}
	if err := s.touchCollection(ctx, tx, userID, collID, ts); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return ts, nil
}

// PruneExpired removes items whose ttl elapsed. The scheduler runs it
// periodically; reads already filter expired rows so this is purely a
// space reclaim.
func (s *Storage) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM bso WHERE expiry != 0 AND expiry <= ?", nowUnix())
	if err != nil {
		return 0, fmt.Errorf("sql: prune expired: %w", err)
	}
	return res.RowsAffected()
}

func nowUnix() int64 {
	return time.Now().Unix()
}
