package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATION MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// ErrNoAPIKeyHashes is returned when authentication is requested without keys.
var ErrNoAPIKeyHashes = errors.New("no api key hashes configured")

// APIKeyAuth provides API key authentication against bcrypt hashes.
// bcrypt is slow by design, so verified keys are remembered by their SHA-256
// digest for the life of the process.
type APIKeyAuth struct {
	headerName string
	hashes     [][]byte

	mu       sync.RWMutex
	verified map[string]bool
}

// NewAPIKeyAuth creates a new API key authenticator. Every hash must be a
// valid bcrypt hash.
func NewAPIKeyAuth(headerName string, hashes []string) (*APIKeyAuth, error) {
	if headerName == "" {
		headerName = "X-API-Key"
	}

	a := &APIKeyAuth{
		headerName: headerName,
		verified:   make(map[string]bool),
	}
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, err
		}
		a.hashes = append(a.hashes, []byte(h))
	}
	if len(a.hashes) == 0 {
		return nil, ErrNoAPIKeyHashes
	}
	return a, nil
}

// HashKey returns the bcrypt hash to put into API_KEY_HASHES for key.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// IsValid checks if an API key matches one of the hashes.
func (a *APIKeyAuth) IsValid(key string) bool {
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	a.mu.RLock()
	ok, seen := a.verified[digest]
	a.mu.RUnlock()
	if seen {
		return ok
	}

	ok = false
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			ok = true
			break
		}
	}

	a.mu.Lock()
	a.verified[digest] = ok
	a.mu.Unlock()
	return ok
}

// Middleware returns a gin middleware that rejects requests without a valid key.
func (a *APIKeyAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(a.headerName)

		// Also check Authorization header with Bearer scheme
		if key == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"code": "missing_api_key", "message": "API key is required"},
			})
			return
		}

		if !a.IsValid(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"code": "invalid_api_key", "message": "Invalid API key"},
			})
			return
		}

		c.Next()
	}
}
