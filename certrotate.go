package sentinel

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Rotate reloads the CA certificate and key from the SSL directory and
// swaps them in atomically. The leaf certificate cache is flushed on
// success because the old leaves were signed by the previous CA.
// In-flight handshakes continue with the old material; new sessions
// pick up the rotated CA immediately.
func (cm *CAManager) Rotate() error {
	if err := cm.loadFromDisk(); err != nil {
		return err
	}

	cm.flushLeafCache()

	cm.mu.RLock()
	subject := cm.caCert.Subject.CommonName
	expires := cm.caCert.NotAfter
	cm.mu.RUnlock()

	cm.Logger.Info("root CA rotated", "subject", subject, "expires", expires)
	return nil
}

// WatchCAFiles rotates the CA automatically when the certificate or key
// file changes on disk. Events are debounced so that a cert+key pair
// written in quick succession triggers a single rotation. The returned
// function stops the watcher.
func (cm *CAManager) WatchCAFiles() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, E(KindCertificate, "create CA watcher", err)
	}

	certPath := cm.cfg.CACertPath()
	keyPath := cm.cfg.CAKeyPath()

	// Watch the parent directories: editors and deploy tooling replace
	// files by rename, which drops a watch on the file itself.
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, E(KindCertificate, "watch CA directory", err)
		}
	}

	done := make(chan struct{})

	go func() {
		var pending *time.Timer
		defer func() {
			if pending != nil {
				pending.Stop()
			}
		}()

		for {
			select {
			case <-done:
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != certPath && event.Name != keyPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(500*time.Millisecond, func() {
					if err := cm.Rotate(); err != nil {
						cm.Logger.Error("automatic CA rotation failed", "error", err)
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cm.Logger.Warn("CA watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
