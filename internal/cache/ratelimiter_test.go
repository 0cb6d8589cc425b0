package cache

import (
	"testing"
	"time"
)

func TestRateLimiterAdmitsUpToMax(t *testing.T) {
	rl := NewRateLimiter(t.Context(), 10, 2, time.Minute)

	if !rl.Check("host") {
		t.Error("1st check should be admitted")
	}
	if !rl.Check("host") {
		t.Error("2nd check should be admitted")
	}
	if rl.Check("host") {
		t.Error("3rd check should be rejected")
	}
}

func TestRateLimiterResetsAfterPeriod(t *testing.T) {
	rl := NewRateLimiter(t.Context(), 10, 1, 10*time.Millisecond)

	if !rl.Check("host") {
		t.Fatal("1st check should be admitted")
	}
	if rl.Check("host") {
		t.Fatal("2nd check within the window should be rejected")
	}

	time.Sleep(20 * time.Millisecond)
	if !rl.Check("host") {
		t.Error("check after the window elapsed should be admitted again")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(t.Context(), 10, 1, time.Minute)

	if !rl.Check("a") {
		t.Error("host a's 1st check should be admitted")
	}
	if !rl.Check("b") {
		t.Error("host b's 1st check should be admitted independently of a")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(t.Context(), 10, 3, time.Minute)

	if got := rl.Remaining("host"); got != 3 {
		t.Fatalf("Remaining before any check = %d, want 3", got)
	}
	rl.Check("host")
	if got := rl.Remaining("host"); got != 2 {
		t.Fatalf("Remaining after 1 check = %d, want 2", got)
	}
}

func TestRateLimiterLen(t *testing.T) {
	rl := NewRateLimiter(t.Context(), 10, 3, time.Minute)
	rl.Check("a")
	rl.Check("b")
	rl.Check("a")

	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 distinct keys", got)
	}
}

func TestRateLimiterEvictsOldestWhenKeySetFull(t *testing.T) {
	rl := NewRateLimiter(t.Context(), 2, 5, time.Minute)
	rl.Check("a")
	time.Sleep(time.Millisecond)
	rl.Check("b")
	time.Sleep(time.Millisecond)
	rl.Check("c") // key set full at 2, "a" is oldest and gets evicted

	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 after eviction", got)
	}
	// "a" was evicted, so its window restarts fresh.
	if got := rl.Remaining("a"); got != 5 {
		t.Errorf("Remaining(a) = %d, want 5 (fresh window after eviction)", got)
	}
}
