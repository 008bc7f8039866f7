package ratelimiter

import (
	"testing"
	"time"
)

func TestMapLimiterBurstThenDeny(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	if !l.Allow("device", now) || !l.Allow("device", now) {
		t.Fatal("burst of two should be allowed")
	}
	if l.Allow("device", now) {
		t.Fatal("third attempt inside the same instant should be denied")
	}
	if !l.Allow("other", now) {
		t.Fatal("keys must not share buckets")
	}
	if !l.Allow("device", now.Add(time.Second)) {
		t.Fatal("token should refill after one second")
	}
}

func TestNilMapLimiterAllows(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("x", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 1, 0) != nil {
		t.Fatal("invalid args should yield nil limiter")
	}
}

func TestLockoutBackoffGrowsAndResets(t *testing.T) {
	l := NewLockout()
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	if locked, _ := l.Locked("k", now); locked {
		t.Fatal("fresh key must not be locked")
	}
	if got := l.Failure("k", now); got != time.Second {
		t.Fatalf("first backoff = %v, want 1s", got)
	}
	if locked, _ := l.Locked("k", now.Add(500*time.Millisecond)); !locked {
		t.Fatal("expected lock inside backoff window")
	}
	if got := l.Failure("k", now); got != 2*time.Second {
		t.Fatalf("second backoff = %v, want 2s", got)
	}
	if locked, _ := l.Locked("k", now.Add(3*time.Second)); locked {
		t.Fatal("expected unlock after window")
	}
	l.Reset("k")
	if got := l.Failure("k", now); got != time.Second {
		t.Fatalf("backoff after reset = %v, want 1s", got)
	}
}

func TestFailedAttemptBackoffCaps(t *testing.T) {
	if got := FailedAttemptBackoff(20); got != 32*time.Second {
		t.Fatalf("expected 32s cap, got %v", got)
	}
	if got := FailedAttemptBackoff(0); got != 0 {
		t.Fatalf("expected zero backoff, got %v", got)
	}
}
