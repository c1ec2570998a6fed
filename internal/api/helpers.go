package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"syncbox/internal/auth"
	"syncbox/internal/logger"
	"syncbox/internal/metrics"
	"syncbox/internal/models"
	"syncbox/internal/storage"
)

// retryAfter is sent with 503 responses caused by write contention.
const retryAfter = "3"

func errorResponse(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   message,
	})
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(auth.UserIDKey)
}

// storageError translates backend sentinel errors into HTTP responses.
func (s *Server) storageError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrCollectionNotFound):
		errorResponse(c, http.StatusNotFound, "collection not found")
	case errors.Is(err, storage.ErrItemNotFound):
		errorResponse(c, http.StatusNotFound, "item not found")
	case errors.Is(err, storage.ErrConflict):
		c.Header("Retry-After", retryAfter)
		errorResponse(c, http.StatusServiceUnavailable, "resource is busy, try again")
	case errors.Is(err, storage.ErrQuotaExceeded):
		metrics.Get().QuotaRejectionsTotal.Inc()
		c.Header("X-Weave-Quota-Remaining", "0")
		errorResponse(c, http.StatusForbidden, "storage quota exceeded")
	case errors.Is(err, storage.ErrInvalidBatch):
		errorResponse(c, http.StatusBadRequest, "batch too large")
	default:
		logger.Error("%s: %v", op, err)
		metrics.Get().StorageErrorsTotal.WithLabelValues(op).Inc()
		errorResponse(c, http.StatusInternalServerError, "internal server error")
	}
}

// ifModifiedSince returns the X-If-Modified-Since header value, or ok
// false when absent or malformed.
func ifModifiedSince(c *gin.Context) (models.Timestamp, bool, error) {
	return conditionHeader(c, "X-If-Modified-Since")
}

// ifUnmodifiedSince returns the X-If-Unmodified-Since header value.
func ifUnmodifiedSince(c *gin.Context) (models.Timestamp, bool, error) {
	return conditionHeader(c, "X-If-Unmodified-Since")
}

func conditionHeader(c *gin.Context, name string) (models.Timestamp, bool, error) {
	v := c.GetHeader(name)
	if v == "" {
		return 0, false, nil
	}
	ts, err := models.ParseTimestamp(v)
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

// checkUnmodifiedSince enforces the write precondition against the
// current timestamp of the target resource. Returns false if the
// request was already answered.
func checkUnmodifiedSince(c *gin.Context, current models.Timestamp) bool {
	ts, ok, err := ifUnmodifiedSince(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid X-If-Unmodified-Since header")
		return false
	}
	if ok && current > ts {
		errorResponse(c, http.StatusPreconditionFailed, "resource has been modified")
		return false
	}
	return true
}

func setLastModified(c *gin.Context, ts models.Timestamp) {
	c.Header("X-Last-Modified", ts.String())
}
