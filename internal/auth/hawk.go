// Package auth authenticates requests with the Hawk request-signing
// scheme. Per-user signing keys are derived from the single deployment
// secret in the [hawkauth] config section, so no credential database is
// needed: key = HMAC-SHA256(secret, keyID), where the key id is the
// numeric user id.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	hawk "github.com/tent/hawk-go"

	"syncbox/internal/logger"
)

// UserIDKey is the gin context key under which the authenticated user
// id is stored.
const UserIDKey = "userid"

// nonceWindow bounds how long a (user, nonce) pair is remembered for
// replay detection. Hawk itself rejects timestamps skewed beyond a
// minute, so anything older than that can be forgotten.
const nonceWindow = 2 * time.Minute

// Authenticator validates Hawk-signed requests.
type Authenticator struct {
	secret []byte
	nonces *nonceCache
}

// New creates an Authenticator for the given shared secret.
func New(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		nonces: newNonceCache(nonceWindow),
	}
}

// KeyFor derives the Hawk signing key for a key id.
func (a *Authenticator) KeyFor(id string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) lookupCredentials(creds *hawk.Credentials) error {
	if _, err := strconv.ParseInt(creds.ID, 10, 64); err != nil {
		return &hawk.CredentialError{Type: hawk.UnknownID, Credentials: creds}
	}
	creds.Key = a.KeyFor(creds.ID)
	creds.Hash = sha256.New
	return nil
}

func (a *Authenticator) checkNonce(nonce string, t time.Time, creds *hawk.Credentials) bool {
	if time.Since(t) > nonceWindow || time.Until(t) > nonceWindow {
		return false
	}
	return a.nonces.record(creds.ID + ":" + nonce)
}

// Middleware returns a gin handler that rejects requests that are not
// correctly signed, or whose credentials do not match the {userid}
// path segment.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth, err := hawk.NewAuthFromRequest(c.Request, a.lookupCredentials, a.checkNonce)
		if err != nil {
			logger.Debug("hawk: rejected request: %v", err)
			unauthorized(c)
			return
		}
		if err := auth.Valid(); err != nil {
			logger.Debug("hawk: invalid signature: %v", err)
			unauthorized(c)
			return
		}
		userID, err := strconv.ParseInt(auth.Credentials.ID, 10, 64)
		if err != nil {
			unauthorized(c)
			return
		}
		if pathUID := c.Param("userid"); pathUID != "" && pathUID != auth.Credentials.ID {
			unauthorized(c)
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Hawk")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   "unauthorized",
	})
}

// nonceCache remembers recently seen nonces so a captured request
// cannot be replayed inside the timestamp window.
type nonceCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	sweep  time.Time
}

func newNonceCache(window time.Duration) *nonceCache {
	return &nonceCache{
		window: window,
		seen:   make(map[string]time.Time),
		sweep:  time.Now(),
	}
}

// record returns false if the nonce was already seen inside the
// window, recording it otherwise.
func (n *nonceCache) record(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if now.Sub(n.sweep) > n.window {
		for k, t := range n.seen {
			if now.Sub(t) > n.window {
				delete(n.seen, k)
			}
		}
		n.sweep = now
	}
	if t, ok := n.seen[key]; ok && now.Sub(t) <= n.window {
		return false
	}
	n.seen[key] = now
	return true
}
