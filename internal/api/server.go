package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"syncbox/internal/auth"
	"syncbox/internal/config"
	"syncbox/internal/logger"
	"syncbox/internal/storage"
)

// Server is the HTTP front end for a storage backend.
type Server struct {
	cfg      *config.Config
	store    storage.Backend
	auth     *auth.Authenticator
	router   *gin.Engine
	http     *http.Server
	limiters *rateLimiters
}

// NewServer builds the router and all middleware. The storage backend
// is expected to be connected already.
func NewServer(cfg *config.Config, store storage.Backend) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		limiters: newRateLimiters(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestIDMiddleware(), s.metricsMiddleware(), s.timestampMiddleware())

	r.GET("/health", s.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := r.Group("/1.5/:userid")
	if cfg.HawkAuth.Secret != "" {
		s.auth = auth.New(cfg.HawkAuth.Secret)
		g.Use(s.auth.Middleware())
	} else {
		logger.Warning("hawkauth secret is empty; requests are NOT authenticated")
		g.Use(unauthenticatedUserID())
	}
	g.Use(s.rateLimitMiddleware())

	g.GET("/info/collections", s.infoCollections)
	g.GET("/info/quota", s.infoQuota)
	g.GET("/info/collection_counts", s.infoCollectionCounts)
	g.GET("/info/collection_usage", s.infoCollectionUsage)
	g.DELETE("", s.deleteStorage)

	g.GET("/storage/:collection", s.getCollection)
	g.POST("/storage/:collection", s.postCollection)
	g.DELETE("/storage/:collection", s.deleteCollection)

	g.GET("/storage/:collection/:item", s.getItem)
	g.PUT("/storage/:collection/:item", s.putItem)
	g.DELETE("/storage/:collection/:item", s.deleteItem)

	s.router = r
	s.http = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening on %s", s.cfg.Server.Addr())
		err := s.http.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// healthCheck handles GET /health
func (s *Server) healthCheck(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
