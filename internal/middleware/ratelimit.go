package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/config"
)

// takeToken refills the bucket in whole intervals, then spends one token
// if any is left.  Returns {allowed, tokens left, wait ms}.
var takeToken = redis.NewScript(`
local now, cap, refill, interval, ttl =
	tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])
local b = redis.call('HMGET', KEYS[1], 'tok', 'ts')
local tok = tonumber(b[1]) or cap
local ts = tonumber(b[2]) or now

local steps = math.floor(math.max(0, now - ts) / interval)
if steps > 0 then
	tok = math.min(cap, tok + steps * refill)
	ts = ts + steps * interval
end

local ok, wait = 0, 0
if tok >= 1 then
	ok, tok = 1, tok - 1
else
	wait = math.max(0, interval - (now - ts))
end

redis.call('HSET', KEYS[1], 'tok', tok, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], ttl)
return {ok, tok, wait}
`)

// verdict is the decoded script reply.
type verdict struct {
	allowed   bool
	remaining int64
	wait      time.Duration
}

func parseVerdict(reply any) (verdict, bool) {
	arr, ok := reply.([]any)
	if !ok || len(arr) != 3 {
		return verdict{}, false
	}
	n := make([]int64, 3)
	for i, v := range arr {
		switch x := v.(type) {
		case int64:
			n[i] = x
		case string:
			p, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return verdict{}, false
			}
			n[i] = p
		default:
			return verdict{}, false
		}
	}
	return verdict{allowed: n[0] == 1, remaining: n[1], wait: time.Duration(n[2]) * time.Millisecond}, true
}

// retryAfter rounds the wait up to whole seconds for the Retry-After header.
func (v verdict) retryAfter() int {
	if v.wait <= 0 {
		return 0
	}
	return int((v.wait + time.Second - 1) / time.Second)
}

// NewTokenBucket limits requests per key with a Redis token bucket.
// Without Redis, or when Redis errors, requests go through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log logrus.FieldLogger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	limit := strconv.Itoa(cfg.Capacity)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			reply, err := takeToken.Run(c.Request().Context(), rdb, []string{key},
				time.Now().UnixMilli(), cfg.Capacity, cfg.RefillTokens,
				cfg.RefillInterval.Milliseconds(), cfg.TTL.Milliseconds()).Result()
			if err != nil {
				log.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
				return next(c)
			}
			v, ok := parseVerdict(reply)
			if !ok {
				log.WithField("reply", fmt.Sprintf("%#v", reply)).Warn("unexpected rate limiter reply")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(v.remaining, 10))
			if cfg.Debug {
				h.Set("X-RateLimit-Key", key)
			}
			if v.allowed {
				return next(c)
			}

			secs := v.retryAfter()
			h.Set("Retry-After", strconv.Itoa(secs))
			if cfg.Debug {
				log.WithFields(logrus.Fields{"key": key, "wait": v.wait}).Info("rate limited")
			}
			return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "rate limit exceeded", "retry_after": secs})
		}
	}
}

// rateKeySegments lists, per key strategy, which request attributes make
// up the bucket key.
var rateKeySegments = map[string][]string{
	"ip":         {"ip"},
	"user":       {"user"},
	"route":      {"route"},
	"ip_user":    {"ip", "user"},
	"ip_route":   {"ip", "route"},
	"user_route": {"user", "route"},
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	segments, ok := rateKeySegments[strings.ToLower(cfg.KeyStrategy)]
	if !ok {
		segments = []string{"ip", "user", "route"}
	}
	parts := []string{cfg.Prefix}
	for _, s := range segments {
		var v string
		switch s {
		case "ip":
			if v = c.RealIP(); v == "" {
				v = "unknown"
			}
		case "user":
			v = userKey(c)
		case "route":
			v = c.Request().Method + " " + c.Path()
		}
		parts = append(parts, s, v)
	}
	return strings.Join(parts, ":")
}
