package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"syncbox/internal/models"
	"syncbox/internal/storage"
)

// getItem handles GET /1.5/{userid}/storage/{collection}/{item}
func (s *Server) getItem(c *gin.Context) {
	uid := userID(c)
	collection := c.Param("collection")
	item := c.Param("item")

	ctx, unlock, err := s.store.LockForRead(c.Request.Context(), uid, collection)
	if err != nil {
		s.storageError(c, "get_item", err)
		return
	}
	defer unlock()

	bso, err := s.store.GetItem(ctx, uid, collection, item)
	if err != nil {
		s.storageError(c, "get_item", err)
		return
	}
	if ims, ok, err := ifModifiedSince(c); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid X-If-Modified-Since header")
		return
	} else if ok && bso.Modified <= ims {
		setLastModified(c, bso.Modified)
		c.Status(http.StatusNotModified)
		return
	}
	setLastModified(c, bso.Modified)
	c.JSON(http.StatusOK, bso)
}

// putItem handles PUT /1.5/{userid}/storage/{collection}/{item}
//
// The body is a partial item; the id always comes from the path.
func (s *Server) putItem(c *gin.Context) {
	uid := userID(c)
	collection := c.Param("collection")
	item := c.Param("item")

	var put models.PutBSO
	if err := c.ShouldBindJSON(&put); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	put.ID = item
	if err := validatePutBSO(&put); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx, unlock, err := s.store.LockForWrite(c.Request.Context(), uid, collection)
	if err != nil {
		s.storageError(c, "put_item", err)
		return
	}
	defer unlock()

	itemTS, err := s.store.GetItemTimestamp(ctx, uid, collection, item)
	if err != nil && !errors.Is(err, storage.ErrItemNotFound) &&
		!errors.Is(err, storage.ErrCollectionNotFound) {
		s.storageError(c, "put_item", err)
		return
	}
	if !checkUnmodifiedSince(c, itemTS) {
		return
	}

	res, err := s.store.SetItem(ctx, uid, collection, item, put)
	if err != nil {
		s.storageError(c, "put_item", err)
		return
	}
	setLastModified(c, res.Modified)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res.Modified)
}

// deleteItem handles DELETE /1.5/{userid}/storage/{collection}/{item}
func (s *Server) deleteItem(c *gin.Context) {
	uid := userID(c)
	collection := c.Param("collection")
	item := c.Param("item")

	ctx, unlock, err := s.store.LockForWrite(c.Request.Context(), uid, collection)
	if err != nil {
		s.storageError(c, "delete_item", err)
		return
	}
	defer unlock()

	ts, err := s.store.DeleteItem(ctx, uid, collection, item)
	if err != nil {
		s.storageError(c, "delete_item", err)
		return
	}
	setLastModified(c, ts)
	c.JSON(http.StatusOK, gin.H{"modified": ts})
}
