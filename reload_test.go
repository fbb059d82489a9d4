package sentinel

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestWatchSIGHUPReloadsRules(t *testing.T) {
	var loads atomic.Int64
	loader := RuleLoaderFunc(func(ctx context.Context) ([]string, error) {
		loads.Add(1)
		return []string{"blocked.com"}, nil
	})

	blocker := NewDomainBlocker(loader)
	if err := blocker.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ca := newTestCA(t)
	if _, err := ca.IssueCertificate("example.com"); err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}

	rel := WatchSIGHUP(blocker, ca, discardLogger())
	defer rel.Cancel()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("send SIGHUP: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for loads.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("rules not reloaded after SIGHUP, loads = %d", loads.Load())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// CA rotation runs after the rule refresh and flushes the leaf cache.
	deadline = time.After(5 * time.Second)
	for ca.CacheSize() != 0 {
		select {
		case <-deadline:
			t.Fatalf("leaf cache not flushed after SIGHUP, size = %d", ca.CacheSize())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestWatchSIGHUPCancel(t *testing.T) {
	blocker := newTestBlocker(t, "blocked.com")

	rel := WatchSIGHUP(blocker, nil, discardLogger())

	done := make(chan struct{})
	go func() {
		rel.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not return")
	}
}
