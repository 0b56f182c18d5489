package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/animatch/matchmaker/internal/config"
)

// setupTestLimiter connects to a local Redis on DB 15. Tests are skipped if
// Redis is unavailable.
func setupTestLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), ctx
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, _ := l.Allow(ctx, "u1", rule)
	if ok {
		t.Fatal("fourth request should be limited")
	}

	// Separate identifiers have separate budgets.
	ok, _ = l.Allow(ctx, "u2", rule)
	if !ok {
		t.Fatal("other identifier should be allowed")
	}
}

func TestRemaining(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	n, err := l.Remaining(ctx, "u1", rule)
	if err != nil || n != 5 {
		t.Fatalf("expected 5 remaining, got %d (%v)", n, err)
	}

	l.Allow(ctx, "u1", rule)
	l.Allow(ctx, "u1", rule)

	n, _ = l.Remaining(ctx, "u1", rule)
	if n != 3 {
		t.Fatalf("expected 3 remaining, got %d", n)
	}

	if d := l.RetryAfter(ctx, "u1", rule); d <= 0 || d > time.Minute {
		t.Errorf("unexpected retry-after %v", d)
	}
}

func TestAllow_ZeroLimitDisablesRule(t *testing.T) {
	l := &Limiter{}
	ok, err := l.Allow(context.Background(), "u1", Rule{Key: "rl:off:"})
	if !ok || err != nil {
		t.Fatalf("disabled rule should allow without touching Redis, got %v %v", ok, err)
	}
}

func TestRulesFromConfig(t *testing.T) {
	r := RulesFromConfig(config.RateLimitConfig{
		PollLimit: 10, PollWindow: time.Second,
		ActionLimit: 2, ActionWindow: time.Minute,
		ConnectLimit: 1, ConnectWindow: time.Hour,
	})
	if r.Poll.Key != RulePoll.Key || r.Poll.Limit != 10 || r.Poll.Window != time.Second {
		t.Errorf("unexpected poll rule %+v", r.Poll)
	}
	if r.Action.Limit != 2 || r.Connect.Window != time.Hour {
		t.Errorf("unexpected rules %+v", r)
	}
}

type countingChecker struct {
	limit int
	seen  map[string]int
}

func (c *countingChecker) Allow(_ context.Context, id string, _ Rule) (bool, error) {
	c.seen[id]++
	return c.seen[id] <= c.limit, nil
}

func TestMiddleware_Returns429(t *testing.T) {
	checker := &countingChecker{limit: 1, seen: map[string]int{}}
	h := Middleware(checker, RuleAction, func(r *http.Request) string {
		return r.Header.Get("X-User")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("u1"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}
	rec := do("u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"success":false`) || rec.Header().Get("Retry-After") == "" {
		t.Errorf("unexpected 429 response: %q", rec.Body.String())
	}

	// No key means no limiting.
	for i := 0; i < 3; i++ {
		if rec := do(""); rec.Code != http.StatusNoContent {
			t.Fatalf("anonymous request: expected 204, got %d", rec.Code)
		}
	}
}
