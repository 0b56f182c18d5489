// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Counters live in Redis so that every API and gateway
// instance shares the same budget for a user or address.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/animatch/matchmaker/internal/config"
	"github.com/animatch/matchmaker/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:poll:", "rl:action:", "rl:conn:")
	Limit  int           // max count in the window; 0 disables the rule
	Window time.Duration // time window
}

// Default rules, used when no configuration overrides them.
var (
	// RulePoll allows 60 queue status polls per minute per user.
	RulePoll = Rule{Key: "rl:poll:", Limit: 60, Window: time.Minute}

	// RuleAction allows 30 state-changing requests per minute per user.
	RuleAction = Rule{Key: "rl:action:", Limit: 30, Window: time.Minute}

	// RuleConnect allows 5 gateway connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: time.Minute}
)

// Rules groups the policies one process applies.
type Rules struct {
	Poll    Rule
	Action  Rule
	Connect Rule
}

// RulesFromConfig builds the rule set from configuration.
func RulesFromConfig(cfg config.RateLimitConfig) Rules {
	return Rules{
		Poll:    Rule{Key: RulePoll.Key, Limit: cfg.PollLimit, Window: cfg.PollWindow},
		Action:  Rule{Key: RuleAction.Key, Limit: cfg.ActionLimit, Window: cfg.ActionWindow},
		Connect: Rule{Key: RuleConnect.Key, Limit: cfg.ConnectLimit, Window: cfg.ConnectWindow},
	}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, logger: logging.Component("ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without a TTL would never reset.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis GET failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns how long until the identifier's window resets.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return rule.Window
	}
	return ttl
}

// Checker is the subset of Limiter the middleware needs.
type Checker interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// KeyFunc extracts the identifier a request is limited by. Returning "" skips
// the check.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over rule's budget with 429 and the standard
// failure envelope.
func Middleware(l Checker, rule Rule, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := key(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			// Errors are already logged; Allow fails open.
			allowed, _ := l.Allow(r.Context(), id, rule)
			if !allowed {
				logging.Ctx(r.Context()).Debug().Str("rule", rule.Key).Msg("rate limited")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"message": "Too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
