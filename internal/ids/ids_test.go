package ids

import (
	"sync"
	"testing"
	"time"
)

func TestNewIsSortableAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("unexpected id length: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %q", id)
		}
		seen[id] = true
		if prev != "" && id <= prev {
			t.Fatalf("ids not monotonic: %q <= %q", id, prev)
		}
		prev = id
	}
}

func TestNewConcurrent(t *testing.T) {
	const workers = 16
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all = make(map[string]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := New()
				mu.Lock()
				if all[id] {
					t.Errorf("duplicate id under concurrency: %q", id)
				}
				all[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestValidAndTime(t *testing.T) {
	id := New()
	if !Valid(id) {
		t.Fatalf("freshly minted id should be valid: %q", id)
	}
	if Valid("not-an-id") {
		t.Fatal("garbage should not validate")
	}
	if Valid("") {
		t.Fatal("empty string should not validate")
	}

	ts := Time(id)
	if ts.IsZero() {
		t.Fatal("expected an embedded timestamp")
	}
	if d := time.Since(ts); d < -time.Minute || d > time.Minute {
		t.Fatalf("timestamp too far from now: %v", ts)
	}
	if !Time("garbage").IsZero() {
		t.Fatal("garbage should yield the zero time")
	}
}
