package http

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STEP RATE LIMITING - Token bucket per user
// ══════════════════════════════════════════════════════════════════════════════

// limiterIdleTTL is how long an unused bucket is kept.
const limiterIdleTTL = 10 * time.Minute

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter keeps one token bucket per user.
type userLimiter struct {
	mu        sync.Mutex
	buckets   map[shared.UserID]*userBucket
	limit     rate.Limit
	burst     int
	lastPrune time.Time
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		buckets:   make(map[shared.UserID]*userBucket),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		lastPrune: time.Now(),
	}
}

// reserve takes a token for the user. When none is available it returns
// false and how long until the next one.
func (l *userLimiter) reserve(userID shared.UserID, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > limiterIdleTTL {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, id)
			}
		}
		l.lastPrune = now
	}

	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *userLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// stepRateLimitMiddleware rejects steps above the configured per-user rate.
func (s *Server) stepRateLimitMiddleware() gin.HandlerFunc {
	if s.config.StepRate <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newUserLimiter(s.config.StepRate, s.config.StepBurst)
	s.stepLimiter = limiter

	return func(c *gin.Context) {
		ok, wait := limiter.reserve(userIDParam(c), time.Now())
		if !ok {
			secs := int(wait.Seconds())
			if wait%time.Second != 0 {
				secs++
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			writeError(c, http.StatusTooManyRequests, "rate_limited", "Too many steps, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}
