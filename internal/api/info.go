package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// infoCollections handles GET /1.5/{userid}/info/collections
//
// Returns a map of collection name to last-modified timestamp.
func (s *Server) infoCollections(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	storageTS, err := s.store.GetStorageTimestamp(ctx, uid)
	if err != nil {
		s.storageError(c, "info_collections", err)
		return
	}
	if ims, ok, err := ifModifiedSince(c); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid X-If-Modified-Since header")
		return
	} else if ok && storageTS <= ims {
		setLastModified(c, storageTS)
		c.Status(http.StatusNotModified)
		return
	}

	stamps, err := s.store.GetCollectionTimestamps(ctx, uid)
	if err != nil {
		s.storageError(c, "info_collections", err)
		return
	}
	out := make(map[string]string, len(stamps))
	for name, ts := range stamps {
		out[name] = ts.String()
	}
	setLastModified(c, storageTS)
	c.JSON(http.StatusOK, out)
}

// infoQuota handles GET /1.5/{userid}/info/quota
//
// Returns [usage, quota] in kilobytes; quota is null when unlimited.
func (s *Server) infoQuota(c *gin.Context) {
	usage, err := s.store.GetTotalSize(c.Request.Context(), userID(c), false)
	if err != nil {
		s.storageError(c, "info_quota", err)
		return
	}
	var quota interface{}
	if s.cfg.Storage.QuotaSize > 0 {
		quota = float64(s.cfg.Storage.QuotaSize) / 1024
	}
	c.JSON(http.StatusOK, []interface{}{float64(usage) / 1024, quota})
}

// infoCollectionCounts handles GET /1.5/{userid}/info/collection_counts
func (s *Server) infoCollectionCounts(c *gin.Context) {
	counts, err := s.store.GetCollectionCounts(c.Request.Context(), userID(c))
	if err != nil {
		s.storageError(c, "info_collection_counts", err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// infoCollectionUsage handles GET /1.5/{userid}/info/collection_usage
//
// Sizes are reported in kilobytes.
func (s *Server) infoCollectionUsage(c *gin.Context) {
	sizes, err := s.store.GetCollectionSizes(c.Request.Context(), userID(c))
	if err != nil {
		s.storageError(c, "info_collection_usage", err)
		return
	}
	out := make(map[string]float64, len(sizes))
	for name, size := range sizes {
		out[name] = float64(size) / 1024
	}
	c.JSON(http.StatusOK, out)
}

// deleteStorage handles DELETE /1.5/{userid}
//
// Removes everything the user has stored.
func (s *Server) deleteStorage(c *gin.Context) {
	if err := s.store.DeleteStorage(c.Request.Context(), userID(c)); err != nil {
		s.storageError(c, "delete_storage", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
