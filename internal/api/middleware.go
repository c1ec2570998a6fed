package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"syncbox/internal/auth"
	"syncbox/internal/metrics"
	"syncbox/internal/models"
)

// requestIDMiddleware tags every request with a UUID so log lines can
// be correlated across handlers.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m := metrics.Get()
		m.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// timestampMiddleware stamps every response with the server's current
// storage timestamp.
func (s *Server) timestampMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Weave-Timestamp", models.Now().String())
		c.Next()
	}
}

// unauthenticatedUserID trusts the {userid} path segment. Only used
// when no hawkauth secret is configured.
func unauthenticatedUserID() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := strconv.ParseInt(c.Param("userid"), 10, 64)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid user id")
			return
		}
		c.Set(auth.UserIDKey, uid)
		c.Next()
	}
}

// rateLimiters keeps one token bucket per user.
type rateLimiters struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiters() *rateLimiters {
	return &rateLimiters{
		limiters: make(map[int64]*rate.Limiter),
		rate:     rate.Limit(25),
		burst:    50,
	}
}

func (r *rateLimiters) get(userID int64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[userID]
	if !ok {
		l = rate.NewLimiter(r.rate, r.burst)
		r.limiters[userID] = l
	}
	return l
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetInt64(auth.UserIDKey)
		if !s.limiters.get(uid).Allow() {
			c.Header("Retry-After", "5")
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
