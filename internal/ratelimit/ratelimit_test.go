package ratelimit

import (
	"testing"

	"github.com/llamar/toolserver/internal/config"
)

func newTestConfig() *config.Config {
	cfg := config.Defaults()
	cfg.RateLimits = map[string]config.RateLimitConfig{
		"anthropic": {TokensPerHour: 1000, RequestsPerMinute: 5},
	}
	return cfg
}

func TestCheckNoCapConfigured(t *testing.T) {
	cfg := config.Defaults()
	l := New(cfg)
	res := l.Check("unknown-provider", 999999)
	if !res.OK {
		t.Fatalf("expected ok when no cap configured, got: %s", res.Message)
	}
}

func TestCheckWithinBudget(t *testing.T) {
	l := New(newTestConfig())
	res := l.Check("anthropic", 100)
	if !res.OK {
		t.Fatalf("expected ok, got: %s", res.Message)
	}
	if res.Warning != "" {
		t.Fatalf("expected no warning yet, got: %s", res.Warning)
	}
}

func TestCheckExceedsTokenBudget(t *testing.T) {
	l := New(newTestConfig())
	res := l.Check("anthropic", 1001)
	if res.OK {
		t.Fatal("expected token cap to be exceeded")
	}
}

func TestTrackThenWarnThreshold(t *testing.T) {
	l := New(newTestConfig())
	l.Track("anthropic", 850, 1)

	res := l.Check("anthropic", 1)
	if !res.OK {
		t.Fatalf("851/1000 tokens should still be ok, got: %s", res.Message)
	}
	if res.Warning == "" {
		t.Fatal("expected an 80% warning once at/above the threshold")
	}
}

func TestCheckExceedsRequestBudget(t *testing.T) {
	l := New(newTestConfig())
	for i := 0; i < 5; i++ {
		l.Track("anthropic", 1, 1)
	}
	res := l.Check("anthropic", 1)
	if res.OK {
		t.Fatal("expected request-per-minute cap to be exceeded on the 6th request")
	}
}

func TestTrackAccumulates(t *testing.T) {
	l := New(newTestConfig())
	l.Track("anthropic", 100, 1)
	l.Track("anthropic", 100, 1)

	l.mu.Lock()
	w := l.windows["anthropic"]
	l.mu.Unlock()
	if w.tokensHour != 200 {
		t.Fatalf("tokensHour = %d, want 200", w.tokensHour)
	}
	if w.requestsMinute != 2 {
		t.Fatalf("requestsMinute = %d, want 2", w.requestsMinute)
	}
}

func TestTrackDefaultsRequestsToOne(t *testing.T) {
	l := New(newTestConfig())
	l.Track("anthropic", 10, 0)
	l.mu.Lock()
	w := l.windows["anthropic"]
	l.mu.Unlock()
	if w.requestsMinute != 1 {
		t.Fatalf("requestsMinute = %d, want 1 (defaulted)", w.requestsMinute)
	}
}
