package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"syncbox/internal/models"
	"syncbox/internal/storage"
)

// maxPayloadSize bounds the payload of a single item.
const maxPayloadSize = 256 * 1024

// parseGetItemsOptions reads the standard collection query parameters.
func parseGetItemsOptions(c *gin.Context) (*storage.GetItemsOptions, error) {
	opts := &storage.GetItemsOptions{}

	if v := c.Query("ids"); v != "" {
		for _, id := range strings.Split(v, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				opts.IDs = append(opts.IDs, id)
			}
		}
	}
	if v := c.Query("older"); v != "" {
		ts, err := models.ParseTimestamp(v)
		if err != nil {
			return nil, errors.New("invalid older parameter")
		}
		opts.Older = &ts
	}
	if v := c.Query("newer"); v != "" {
		ts, err := models.ParseTimestamp(v)
		if err != nil {
			return nil, errors.New("invalid newer parameter")
		}
		opts.Newer = &ts
	}
	if v := c.Query("index_above"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("invalid index_above parameter")
		}
		opts.IndexAbove = &n
	}
	if v := c.Query("index_below"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("invalid index_below parameter")
		}
		opts.IndexBelow = &n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.New("invalid limit parameter")
		}
		opts.Limit = n
	}
	switch v := c.Query("sort"); v {
	case "", "none":
	case "newest":
		opts.Sort = storage.SortNewest
	case "oldest":
		opts.Sort = storage.SortOldest
	case "index":
		opts.Sort = storage.SortIndex
	default:
		return nil, errors.New("invalid sort parameter")
	}
	return opts, nil
}

// getCollection handles GET /1.5/{userid}/storage/{collection}
//
// Returns item ids by default, full objects with ?full=1.
func (s *Server) getCollection(c *gin.Context) {
	uid := userID(c)
	collection := c.Param("collection")

	opts, err := parseGetItemsOptions(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx, unlock, err := s.store.LockForRead(c.Request.Context(), uid, collection)
	if err != nil {
		s.storageError(c, "get_collection", err)
		return
	}
	defer unlock()

	collTS, err := s.store.GetCollectionTimestamp(ctx, uid, collection)
	if err != nil {
		s.storageError(c, "get_collection", err)
		return
	}
	if ims, ok, err := ifModifiedSince(c); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid X-If-Modified-Since header")
		return
	} else if ok && collTS <= ims {
		setLastModified(c, collTS)
		c.Status(http.StatusNotModified)
		return
	}
	setLastModified(c, collTS)

	if c.Query("full") != "" {
		items, err := s.store.GetItems(ctx, uid, collection, opts)
		if err != nil {
			s.storageError(c, "get_collection", err)
			return
		}
		if items == nil {
			items = []models.BSO{}
		}
		c.Header("X-Weave-Records", strconv.Itoa(len(items)))
		c.JSON(http.StatusOK, items)
		return
	}

	ids, err := s.store.GetItemIDs(ctx, uid, collection, opts)
	if err != nil {
		s.storageError(c, "get_collection", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.Header("X-Weave-Records", strconv.Itoa(len(ids)))
	c.JSON(http.StatusOK, ids)
}

// validatePutBSO rejects malformed uploads before they reach storage.
func validatePutBSO(p *models.PutBSO) error {
	if p.ID == "" || len(p.ID) > 64 {
		return errors.New("invalid id")
	}
	if p.Payload != nil && len(*p.Payload) > maxPayloadSize {
		return errors.New("payload too large")
	}
	if p.TTL != nil && *p.TTL < 0 {
		return errors.New("invalid ttl")
	}
	if p.SortIndex != nil && (*p.SortIndex < -999999999 || *p.SortIndex > 999999999) {
		return errors.New("invalid sortindex")
	}
	return nil
}

type batchResponse struct {
	Modified models.Timestamp    `json:"modified"`
	Success  []string            `json:"success"`
	Failed   map[string][]string `json:"failed"`
}

// postCollection handles POST /1.5/{userid}/storage/{collection}
//
// Accepts a JSON array of items. Items that fail validation are
// reported in the failed map; the rest are written in one shot. A
// batch larger than batch_max_count is rejected outright.
func (s *Server) postCollection(c *gin.Context) {
	uid := userID(c)
	collection := c.Param("collection")

	var items []models.PutBSO
	if err := c.ShouldBindJSON(&items); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(items) > s.cfg.Storage.BatchMaxCount {
		s.storageError(c, "post_collection", storage.ErrInvalidBatch)
		return
	}

	ctx, unlock, err := s.store.LockForWrite(c.Request.Context(), uid, collection)
	if err != nil {
		s.storageError(c, "post_collection", err)
		return
	}
	defer unlock()

	collTS, err := s.store.GetCollectionTimestamp(ctx, uid, collection)
	if err != nil && !errors.Is(err, storage.ErrCollectionNotFound) {
		s.storageError(c, "post_collection", err)
		return
	}
	if !checkUnmodifiedSince(c, collTS) {
		return
	}

	resp := batchResponse{
		Success: []string{},
		Failed:  make(map[string][]string),
	}
	valid := make([]models.PutBSO, 0, len(items))
	for i := range items {
		if err := validatePutBSO(&items[i]); err != nil {
			resp.Failed[items[i].ID] = []string{err.Error()}
			continue
		}
		valid = append(valid, items[i])
	}

	if len(valid) > 0 {
		ts, err := s.store.SetItems(ctx, uid, collection, valid)
		if err != nil {
			s.storageError(c, "post_collection", err)
			return
		}
		resp.Modified = ts
		for _, item := range valid {
			resp.Success = append(resp.Success, item.ID)
		}
		setLastModified(c, ts)
	} else {
		resp.Modified = collTS
	}
	c.JSON(http.StatusOK, resp)
}

// deleteCollection handles DELETE /1.5/{userid}/storage/{collection}
//
// With an ids parameter only those items are removed; without one the
// whole collection goes away.
func (s *Server) deleteCollection(c *gin.Context) {
	uid := userID(c)
	collection := c.Param("collection")

	ctx, unlock, err := s.store.LockForWrite(c.Request.Context(), uid, collection)
	if err != nil {
		s.storageError(c, "delete_collection", err)
		return
	}
	defer unlock()

	if v := c.Query("ids"); v != "" {
		ids := strings.Split(v, ",")
		for i := range ids {
			ids[i] = strings.TrimSpace(ids[i])
		}
		ts, err := s.store.DeleteItems(ctx, uid, collection, ids)
		if err != nil {
			s.storageError(c, "delete_collection", err)
			return
		}
		setLastModified(c, ts)
		c.JSON(http.StatusOK, gin.H{"modified": ts})
		return
	}

	ts, err := s.store.DeleteCollection(ctx, uid, collection)
	if err != nil {
		s.storageError(c, "delete_collection", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modified": ts})
}
