package sentinel

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reloads the block rules
// and root CA. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that refreshes the ACL snapshot and
// rotates the CA on each SIGHUP. Either collaborator may be nil. A
// failed reload keeps the previous snapshot and CA material in place.
func WatchSIGHUP(blocker *DomainBlocker, ca *CAManager, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading...")

				if blocker != nil {
					if err := blocker.Refresh(ctx); err != nil {
						logger.Error("rule reload failed", "error", err)
					} else {
						logger.Info("rules reloaded", "count", blocker.Count())
					}
				}

				if ca != nil {
					if err := ca.Rotate(); err != nil {
						logger.Error("CA reload failed", "error", err)
					}
				}
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
