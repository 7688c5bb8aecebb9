package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	key := "http/a.test"
	if !l.Allow(key, 1, 1) {
		t.Errorf("expected Allow to return true for initial request")
	}
	if l.Allow(key, 1, 1) {
		t.Errorf("expected Allow to return false when burst exceeded")
	}

	// raising the rate applies to the existing bucket from the moment it changes
	now = now.Add(20 * time.Millisecond)
	l.Allow(key, 100, 5)
	now = now.Add(20 * time.Millisecond)
	if !l.Allow(key, 100, 5) {
		t.Errorf("expected Allow to return true after increasing rate and waiting")
	}
}

func TestLimiter_DifferentKeys(t *testing.T) {
	l := NewLimiter()

	if !l.Allow("A", 1, 1) {
		t.Error("A should be allowed")
	}
	if l.Allow("A", 1, 1) {
		t.Error("A should be blocked")
	}
	if !l.Allow("B", 1, 1) {
		t.Error("B should be allowed (independent of A)")
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("old", 1, 1)
	now = now.Add(10 * time.Minute)
	l.Allow("fresh", 1, 1)

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Fatalf("pruned: got %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("len: got %d, want 1", l.Len())
	}
	l.Remove("fresh")
	if l.Len() != 0 {
		t.Fatalf("len after remove: got %d, want 0", l.Len())
	}
}
