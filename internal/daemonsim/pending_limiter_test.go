package daemonsim

import (
	"fmt"
	"sync"
	"testing"
)

func TestPendingSendLimiter_CanSend(t *testing.T) {
	limiter := NewPendingSendLimiter(3)
	session := "session-1"

	for i := 0; i < 3; i++ {
		if !limiter.CanSend(session) {
			t.Errorf("send %d should be allowed", i+1)
		}
		limiter.Track(session, fmt.Sprintf("payment%d", i))
	}

	if limiter.CanSend(session) {
		t.Error("4th send should be blocked")
	}
	if !limiter.CanSend("session-2") {
		t.Error("other sessions should not be affected")
	}
}

func TestPendingSendLimiter_OnResolved(t *testing.T) {
	limiter := NewPendingSendLimiter(1)
	limiter.Track("s", "p1")

	if limiter.CanSend("s") {
		t.Fatal("should be at limit")
	}
	limiter.OnResolved("p1")
	if !limiter.CanSend("s") {
		t.Error("should be allowed after resolution")
	}
	if limiter.PendingCount("s") != 0 {
		t.Errorf("expected 0 pending, got %d", limiter.PendingCount("s"))
	}

	// Unknown and repeated resolutions are ignored
	limiter.OnResolved("p1")
	limiter.OnResolved("unknown")
}

func TestPendingSendLimiter_Unlimited(t *testing.T) {
	limiter := NewPendingSendLimiter(0)
	for i := 0; i < 100; i++ {
		limiter.Track("s", fmt.Sprintf("p%d", i))
	}
	if !limiter.CanSend("s") {
		t.Error("zero limit should mean unlimited")
	}
}

func TestPendingSendLimiter_Forget(t *testing.T) {
	limiter := NewPendingSendLimiter(2)
	limiter.Track("s", "p1")
	limiter.Track("s", "p2")

	limiter.Forget("s")
	if limiter.PendingCount("s") != 0 {
		t.Errorf("expected 0 pending after forget, got %d", limiter.PendingCount("s"))
	}
	limiter.OnResolved("p1")
}

func TestPendingSendLimiter_Concurrency(t *testing.T) {
	limiter := NewPendingSendLimiter(1000)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", n)
			limiter.Track("s", id)
			limiter.CanSend("s")
			limiter.OnResolved(id)
		}(i)
	}
	wg.Wait()

	if limiter.PendingCount("s") != 0 {
		t.Errorf("expected 0 pending, got %d", limiter.PendingCount("s"))
	}
}
