package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"pipeline-backend/internal/shared/server/respond"
)

// Rate limit groups used by the router.
const (
	GroupDefault = "DEFAULT"
	GroupBulk    = "BULK"
	GroupIntake  = "INTAKE"
	GroupExport  = "EXPORT"
)

// RateLimitRule is a token bucket refilled at Rate tokens per second.
type RateLimitRule struct {
	Rate  float64
	Burst int
}

type RateLimitConfig struct {
	Rules        map[string]RateLimitRule
	DefaultGroup string
	GroupFor     func(*gin.Context) string
	// KeyFor identifies the caller. Defaults to the user id, then client IP.
	KeyFor  func(*gin.Context) string
	Limiter *RateLimiter
}

// RateLimiter keeps one x/time/rate limiter per caller and group. Limiters
// idle longer than IdleTTL are dropped on the next sweep.
type RateLimiter struct {
	IdleTTL time.Duration

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	now       func() time.Time
	lastSweep time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const defaultLimiterIdleTTL = 10 * time.Minute

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		IdleTTL:   defaultLimiterIdleTTL,
		limiters:  make(map[string]*limiterEntry),
		now:       now,
		lastSweep: now(),
	}
}

// RateLimit rejects callers that exhaust their bucket with 429.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(nil)
	}
	if cfg.DefaultGroup == "" {
		cfg.DefaultGroup = GroupDefault
	}
	if cfg.KeyFor == nil {
		cfg.KeyFor = principalKey
	}
	return func(c *gin.Context) {
		group := cfg.DefaultGroup
		if cfg.GroupFor != nil {
			if g := strings.TrimSpace(cfg.GroupFor(c)); g != "" {
				group = g
			}
		}
		rule, ok := cfg.Rules[group]
		if !ok {
			c.Next()
			return
		}
		key := cfg.KeyFor(c) + "|" + group
		allowed, retryAfter := cfg.Limiter.Allow(key, rule)
		if allowed {
			c.Next()
			return
		}

		retryAfterMs := int(retryAfter / time.Millisecond)
		if retryAfterMs <= 0 {
			retryAfterMs = 1000
		}
		retryAfterSeconds := int(math.Ceil(float64(retryAfterMs) / 1000.0))
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		respond.Error(c, http.StatusTooManyRequests, "rate_limited", "Too many requests", gin.H{
			"group":        group,
			"retryAfterMs": retryAfterMs,
		})
	}
}

// GroupForPipeline places bulk, intake and export routes in their own
// buckets.
func GroupForPipeline(c *gin.Context) string {
	route := c.FullPath()
	switch {
	case strings.HasSuffix(route, "/bulk-transitions"):
		return GroupBulk
	case strings.HasPrefix(route, "/api/v1/intake/"):
		return GroupIntake
	case strings.Contains(route, "/subjects/export"):
		return GroupExport
	default:
		return GroupDefault
	}
}

func principalKey(c *gin.Context) string {
	if id := strings.TrimSpace(UserIDFromContext(c)); id != "" {
		return id
	}
	return strings.TrimSpace(c.ClientIP())
}

// Allow takes one token from key's limiter and, when none is available,
// reports how long until the next one.
func (l *RateLimiter) Allow(key string, rule RateLimitRule) (bool, time.Duration) {
	if l == nil || rule.Rate <= 0 || rule.Burst <= 0 {
		return true, 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{lim: rate.NewLimiter(rate.Limit(rule.Rate), rule.Burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now

	r := entry.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len reports how many callers currently hold a limiter.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// sweep runs at most once per IdleTTL. Callers hold l.mu.
func (l *RateLimiter) sweep(now time.Time) {
	ttl := l.IdleTTL
	if ttl <= 0 {
		ttl = defaultLimiterIdleTTL
	}
	if now.Sub(l.lastSweep) < ttl {
		return
	}
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= ttl {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}
