package ratelimit

import (
	"testing"
	"time"
)

func TestAllowEnforcesWindow(t *testing.T) {
	l := New(time.Hour, 1)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first submission should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Error("second submission inside the window should be rejected")
	}
}

func TestAllowIsPerIdentity(t *testing.T) {
	l := New(time.Hour, 1)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first submission should be allowed")
	}

	// A different submitter is not affected by the first one's window.
	if !l.Allow("10.0.0.2") {
		t.Error("different identity blocked unexpectedly")
	}
}

func TestAllowReplenishesAfterWindow(t *testing.T) {
	l := New(50*time.Millisecond, 1)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first submission should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("second immediate submission should be rejected")
	}

	time.Sleep(70 * time.Millisecond)

	if !l.Allow("10.0.0.1") {
		t.Error("submission after the window elapsed should be allowed")
	}
}

func TestZeroWindowDisablesLimiting(t *testing.T) {
	l := New(0, 1)

	for i := 0; i < 10; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("submission %d rejected with limiting disabled", i)
		}
	}
}

func TestBurstAllowsInitialRun(t *testing.T) {
	l := New(time.Hour, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("submission %d should fit in the burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("submission beyond the burst should be rejected")
	}
}

func TestPruneDropsReplenishedIdentities(t *testing.T) {
	l := New(10*time.Millisecond, 1)

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	if got := l.Tracked(); got != 2 {
		t.Fatalf("tracked = %d, want 2", got)
	}

	time.Sleep(30 * time.Millisecond)

	l.mu.Lock()
	l.prune()
	l.mu.Unlock()

	if got := l.Tracked(); got != 0 {
		t.Errorf("tracked after prune = %d, want 0", got)
	}
}
