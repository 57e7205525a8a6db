package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"zenverifier/internal/config"
)

var errRateLimited = errors.New("rate limit exceeded")

// rateLimiter limits callers through Redis when it is configured and falls
// back to in-process token buckets otherwise, or when Redis errors.
type rateLimiter struct {
	redis    *redis_rate.Limiter
	local    *localLimiter
	limit    redis_rate.Limit
	log      *zap.Logger
	disabled bool
}

func newRateLimiter(rdb *redis.Client, cfg config.RateLimitConfig, log *zap.Logger) *rateLimiter {
	rl := &rateLimiter{
		local: newLocalLimiter(),
		limit: redis_rate.Limit{Rate: cfg.Requests, Period: cfg.Window, Burst: max(cfg.Burst, 1)},
		log:   log,
	}
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		rl.disabled = true
	}
	if rdb != nil {
		rl.redis = redis_rate.NewLimiter(rdb)
	}
	return rl
}

// Handler limits per caller; it must run after callerMiddleware.
func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.disabled {
			next.ServeHTTP(w, r)
			return
		}
		res := rl.allow(r.Context(), rateLimitKey(r))
		setRateLimitHeaders(w, res, rl.limit)
		if res.Allowed == 0 {
			retryAfter := max(int(res.RetryAfter.Seconds()), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, fmt.Errorf("%w, retry after %d seconds", errRateLimited, retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(ctx context.Context, key string) *redis_rate.Result {
	if rl.redis != nil {
		res, err := rl.redis.Allow(ctx, key, rl.limit)
		if err == nil {
			return res
		}
		rl.log.Warn("redis rate limiter failed, using local limiter", zap.String("key", key), zap.Error(err))
	}
	return rl.local.allow(key, rl.limit)
}

func rateLimitKey(r *http.Request) string {
	if user, ok := callerFromContext(r.Context()); ok {
		return "ratelimit:user:" + strconv.FormatInt(user.ID, 10)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return "ratelimit:ip:" + ip
}

func setRateLimitHeaders(w http.ResponseWriter, res *redis_rate.Result, limit redis_rate.Limit) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Rate))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetAfter).Unix(), 10))
}

const localEntryTTL = 10 * time.Minute

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type localLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	lastPrune time.Time
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{entries: make(map[string]*limiterEntry), lastPrune: time.Now()}
}

func (l *localLimiter) allow(key string, limit redis_rate.Limit) *redis_rate.Result {
	perSec := float64(limit.Rate) / limit.Period.Seconds()
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastPrune) > localEntryTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastAccess) > localEntryTTL {
				delete(l.entries, k)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(perSec), limit.Burst)}
		l.entries[key] = entry
	}
	entry.lastAccess = now

	res := &redis_rate.Result{
		Limit:      limit,
		ResetAfter: time.Duration(float64(time.Second) / perSec),
		RetryAfter: -1,
	}
	if entry.limiter.AllowN(now, 1) {
		res.Allowed = 1
	} else {
		res.RetryAfter = time.Duration(float64(time.Second) / perSec)
	}
	res.Remaining = max(int(entry.limiter.TokensAt(now)), 0)
	return res
}
