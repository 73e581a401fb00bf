package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/ids"
	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// RateLimit is one rule: requests matching Method and path Prefix share a
// sliding window keyed by KeyFunc.
type RateLimit struct {
	Name     string
	Method   string
	Prefix   string
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

func (l RateLimit) matches(r *http.Request) bool {
	return r.Method == l.Method && strings.HasPrefix(r.URL.Path, l.Prefix)
}

// DefaultRateLimits cover socket upgrades and the HTTP message endpoints.
// The first matching rule applies.
func DefaultRateLimits() []RateLimit {
	return []RateLimit{
		{Name: "ws_upgrade", Method: http.MethodGet, Prefix: "/ws", Requests: 30, Window: time.Minute, KeyFunc: ipKey},
		{Name: "presence", Method: http.MethodGet, Prefix: "/presence/", Requests: 120, Window: time.Minute, KeyFunc: ipKey},
		{Name: "history", Method: http.MethodGet, Prefix: "/rooms/", Requests: 120, Window: time.Minute, KeyFunc: userOrIPKey},
		{Name: "send", Method: http.MethodPost, Prefix: "/rooms/", Requests: 60, Window: time.Minute, KeyFunc: userOrIPKey},
		{Name: "profile", Method: http.MethodPut, Prefix: "/me", Requests: 10, Window: time.Minute, KeyFunc: userOrIPKey},
	}
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

const (
	violationLimit  = 10
	violationWindow = time.Hour
	autoBlockFor    = 24 * time.Hour
)

// RateLimiter implements sliding window rate limiting shared through Redis,
// so every relay instance enforces the same budget. Without a Redis client
// every request is allowed.
type RateLimiter struct {
	client           *redis.Client
	limits           []RateLimit
	blocker          *IPBlocker
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// NewRateLimiter creates a new rate limiter with DefaultRateLimits.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:           client,
		limits:           DefaultRateLimits(),
		blocker:          NewIPBlocker(client),
		logger:           logger.With().Str("component", "ratelimit").Logger(),
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
	}

	for _, entry := range cfg.Whitelist {
		if !strings.Contains(entry, "/") {
			rl.whitelistIPs[entry] = true
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			rl.logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
			continue
		}
		rl.whitelist = append(rl.whitelist, ipNet)
	}

	if len(cfg.Whitelist) > 0 {
		rl.logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}
	if client == nil {
		rl.logger.Warn().Msg("no Redis client; HTTP rate limiting disabled")
	}

	return rl
}

func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return "chatrelay:rl:ip:" + RealIP(r)
}

// userOrIPKey keys authenticated requests by user so that one user on many
// addresses shares a budget.
func userOrIPKey(r *http.Request) string {
	if userID := UserFromContext(r.Context()); userID != "" {
		return "chatrelay:rl:user:" + userID
	}
	return ipKey(r)
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// window records one attempt under key and reports whether it fits the rule.
// Rejected attempts stay in the window. resetAt is when the oldest attempt
// leaves the window.
func (rl *RateLimiter) window(ctx context.Context, key string, l RateLimit) (allowed bool, remaining int, resetAt time.Time, err error) {
	now := time.Now()
	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd

	_, err = rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-l.Window).UnixMilli(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: ids.NewMessageID()})
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, l.Window)
		return nil
	})
	if err != nil {
		return true, l.Requests, now.Add(l.Window), err
	}

	resetAt = now.Add(l.Window)
	if z := oldest.Val(); len(z) > 0 {
		resetAt = time.UnixMilli(int64(z[0].Score)).Add(l.Window)
	}
	count := int(card.Val())
	return count <= l.Requests, max(l.Requests-count, 0), resetAt, nil
}

// Middleware returns the rate limiting middleware. Redis errors fail open.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.client == nil || rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit, ok := rl.match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		allowed, remaining, resetAt, err := rl.window(r.Context(), key, limit)
		if err != nil {
			rl.logger.Debug().Err(err).Str("key", key).Msg("rate limit check failed; allowing")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))

			rl.trackViolation(r.Context(), ip)
			metrics.RateLimitHits.WithLabelValues(limit.Name).Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("rule", limit.Name).
				Str("ip", ip).
				Str("user", UserFromContext(r.Context())).
				Str("key", key).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) match(r *http.Request) (RateLimit, bool) {
	for _, l := range rl.limits {
		if l.matches(r) {
			return l, true
		}
	}
	return RateLimit{}, false
}

// trackViolation counts violations per IP and blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	key := "chatrelay:violations:ip:" + ip
	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, violationWindow)
		return nil
	})
	if err != nil {
		return
	}

	if count := incr.Val(); count >= violationLimit {
		rl.blocker.Block(ctx, ip, autoBlockFor, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// IPBlocker manages temporary IP blocks shared by all instances.
type IPBlocker struct {
	client *redis.Client
}

func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string {
	return "chatrelay:blocked:ip:" + ip
}

// IsBlocked checks if an IP is blocked. A Redis error counts as not blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	if b == nil || b.client == nil {
		return false
	}
	exists, _ := b.client.Exists(ctx, blockKey(ip)).Result()
	return exists > 0
}

// Block blocks an IP for the given duration, recording the reason.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	if b == nil || b.client == nil {
		return
	}
	b.client.Set(ctx, blockKey(ip), reason, duration)
}

func (b *IPBlocker) Unblock(ctx context.Context, ip string) {
	if b == nil || b.client == nil {
		return
	}
	b.client.Del(ctx, blockKey(ip))
}
