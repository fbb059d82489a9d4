package sentinel

import (
	"sync"
	"testing"
	"time"
)

func TestBufferPoolTierSelection(t *testing.T) {
	pool := NewBufferPool(4, 4, 4)

	tests := []struct {
		name     string
		sizeHint int
		wantCap  int
	}{
		{"tiny request", 1, SmallBufferSize},
		{"exactly small", SmallBufferSize, SmallBufferSize},
		{"just over small", SmallBufferSize + 1, MediumBufferSize},
		{"exactly medium", MediumBufferSize, MediumBufferSize},
		{"large", MediumBufferSize + 1, LargeBufferSize},
		{"exactly large", LargeBufferSize, LargeBufferSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := pool.Acquire(tt.sizeHint)
			if err != nil {
				t.Fatalf("Acquire(%d) failed: %v", tt.sizeHint, err)
			}
			defer pool.Release(buf)

			if buf.Cap() != tt.wantCap {
				t.Errorf("Cap = %d, want %d", buf.Cap(), tt.wantCap)
			}
			if buf.Cap() < tt.sizeHint {
				t.Errorf("buffer smaller than hint: %d < %d", buf.Cap(), tt.sizeHint)
			}
			if buf.Overflow() {
				t.Error("pooled buffer marked as overflow")
			}
		})
	}
}

func TestBufferPoolOversizeHint(t *testing.T) {
	pool := NewBufferPool(4, 4, 4)

	buf, err := pool.Acquire(LargeBufferSize + 1)
	if err != nil {
		t.Fatalf("oversize Acquire failed: %v", err)
	}
	if !buf.Overflow() {
		t.Error("oversize buffer should be overflow")
	}
	if buf.Cap() < LargeBufferSize+1 {
		t.Errorf("Cap = %d, want at least %d", buf.Cap(), LargeBufferSize+1)
	}

	before := pool.Outstanding(SmallBufferSize)
	pool.Release(buf)
	if pool.Outstanding(SmallBufferSize) != before {
		t.Error("releasing an overflow buffer must not touch tier accounting")
	}
}

func TestBufferPoolCapacityBound(t *testing.T) {
	pool := NewBufferPool(2, 1, 1)

	a, err := pool.Acquire(SmallBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	b, err := pool.Acquire(SmallBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	if pool.Outstanding(SmallBufferSize) != 2 {
		t.Fatalf("Outstanding = %d, want 2", pool.Outstanding(SmallBufferSize))
	}

	// Tier saturated: the third acquire gets an overflow buffer.
	c, err := pool.Acquire(SmallBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Overflow() {
		t.Error("acquire beyond capacity should overflow")
	}
	if pool.Outstanding(SmallBufferSize) != 2 {
		t.Errorf("overflow buffer counted as outstanding")
	}

	pool.Release(a)
	pool.Release(b)
	pool.Release(c)

	if pool.Outstanding(SmallBufferSize) != 0 {
		t.Errorf("Outstanding after release = %d, want 0", pool.Outstanding(SmallBufferSize))
	}
}

func TestBufferPoolExhaustedError(t *testing.T) {
	pool := NewBufferPool(1, 1, 1)
	pool.AllowOverflow = false

	a, err := pool.Acquire(SmallBufferSize)
	if err != nil {
		t.Fatal(err)
	}

	_, err = pool.Acquire(SmallBufferSize)
	if err == nil {
		t.Fatal("expected pool-exhausted error")
	}
	if KindOf(err) != KindPoolExhausted {
		t.Errorf("error kind = %v, want %v", KindOf(err), KindPoolExhausted)
	}

	pool.Release(a)
	if _, err := pool.Acquire(SmallBufferSize); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestBufferPoolAcquireWaitsForRelease(t *testing.T) {
	pool := NewBufferPool(1, 1, 1)
	pool.AcquireTimeout = time.Second

	a, err := pool.Acquire(SmallBufferSize)
	if err != nil {
		t.Fatal(err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		pool.Release(a)
		close(released)
	}()

	b, err := pool.Acquire(SmallBufferSize)
	if err != nil {
		t.Fatalf("waiting Acquire failed: %v", err)
	}
	<-released

	if b.Overflow() {
		t.Error("acquire should have claimed the released slot, not overflowed")
	}
	pool.Release(b)
}

func TestBufferPoolReuse(t *testing.T) {
	pool := NewBufferPool(1, 1, 1)

	a, err := pool.Acquire(SmallBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	first := &a.Bytes()[0]
	pool.Release(a)

	b, err := pool.Acquire(SmallBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(b)

	if &b.Bytes()[0] != first {
		t.Error("released buffer memory was not reused")
	}
}

func TestBufferPoolConcurrent(t *testing.T) {
	pool := NewBufferPool(8, 4, 2)
	pool.AcquireTimeout = time.Second

	var wg sync.WaitGroup
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				buf, err := pool.Acquire(SmallBufferSize)
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				buf.Bytes()[0] = 1
				pool.Release(buf)
			}
		}()
	}
	wg.Wait()

	if pool.Outstanding(SmallBufferSize) != 0 {
		t.Errorf("Outstanding = %d after all releases, want 0", pool.Outstanding(SmallBufferSize))
	}
}

func TestBufferPoolStats(t *testing.T) {
	pool := NewBufferPool(2, 2, 2)

	buf, err := pool.Acquire(MediumBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(buf)

	stats := pool.Stats()
	if len(stats) != 3 {
		t.Fatalf("got %d tiers, want 3", len(stats))
	}

	byName := make(map[string]TierStats, len(stats))
	for _, s := range stats {
		byName[s.Name] = s
	}

	if byName["medium"].Outstanding != 1 {
		t.Errorf("medium outstanding = %d, want 1", byName["medium"].Outstanding)
	}
	if byName["small"].Outstanding != 0 {
		t.Errorf("small outstanding = %d, want 0", byName["small"].Outstanding)
	}
	if byName["large"].BufferSize != LargeBufferSize {
		t.Errorf("large buffer size = %d, want %d", byName["large"].BufferSize, LargeBufferSize)
	}
}
