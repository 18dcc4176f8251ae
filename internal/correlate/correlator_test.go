package correlate

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNextIDIsMonotonic(t *testing.T) {
	c := New()
	const goroutines, perG = 8, 1000

	seen := make([]map[int64]bool, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		seen[g] = make(map[int64]bool, perG)
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				seen[g][c.NextID()] = true
			}
		}(g)
	}
	wg.Wait()

	all := make(map[int64]bool)
	for _, m := range seen {
		for id := range m {
			if all[id] {
				t.Fatalf("id %d issued twice", id)
			}
			all[id] = true
		}
	}
	if len(all) != goroutines*perG {
		t.Fatalf("%d unique ids, expected %d", len(all), goroutines*perG)
	}
}

func TestSeedOnlyRaises(t *testing.T) {
	c := New()
	c.Seed(100)
	if id := c.NextID(); id != 100 {
		t.Fatalf("NextID after Seed(100)=%d, expected 100", id)
	}
	c.Seed(50) // stale assignment must not rewind
	if id := c.NextID(); id != 101 {
		t.Fatalf("NextID after stale seed=%d, expected 101", id)
	}
}

func TestResolveReleasesWaiter(t *testing.T) {
	c := New()
	c.Register(7)

	done := make(chan bool, 1)
	go func() {
		done <- c.Wait(context.Background(), 7, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	if !c.Resolve(7) {
		t.Fatalf("Resolve found no entry")
	}
	if ok := <-done; !ok {
		t.Fatalf("Wait returned false after Resolve")
	}
}

func TestResolveUnknownKeyIsNoOp(t *testing.T) {
	c := New()
	if c.Resolve(99) {
		t.Fatalf("Resolve of unregistered key returned true")
	}
}

func TestDuplicateResolveIsNoOp(t *testing.T) {
	c := New()
	c.Register(3)
	if !c.Resolve(3) {
		t.Fatalf("first Resolve failed")
	}
	// A stale duplicate event must not double-release (or panic on a
	// closed channel).
	if c.Resolve(3) {
		t.Fatalf("second Resolve returned true")
	}
}

func TestWaitTimeoutRemovesEntry(t *testing.T) {
	c := New()
	c.Register(5)

	if ok := c.Wait(context.Background(), 5, 20*time.Millisecond); ok {
		t.Fatalf("Wait returned true with no resolver")
	}
	if c.Pending() != 0 {
		t.Fatalf("pending=%d after timeout, expected 0", c.Pending())
	}
	// Late event for the timed-out key is dropped silently.
	if c.Resolve(5) {
		t.Fatalf("late Resolve returned true")
	}
}

func TestWaitAfterResolutionReturnsImmediately(t *testing.T) {
	c := New()
	c.Register(11)
	c.Resolve(11)
	// The reply beat the caller to Wait.
	if ok := c.Wait(context.Background(), 11, time.Millisecond); !ok {
		t.Fatalf("Wait returned false for already-resolved key")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c := New()
	c.Register(8)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if ok := c.Wait(ctx, 8, time.Minute); ok {
		t.Fatalf("Wait survived context cancellation")
	}
}

func TestDescriptions(t *testing.T) {
	c := New()
	c.Describe(42, "cancel order 42")
	if got := c.Description(42); got != "cancel order 42" {
		t.Fatalf("Description=%q", got)
	}
	if got := c.Description(43); got != "" {
		t.Fatalf("Description for unknown key=%q, expected empty", got)
	}
}
