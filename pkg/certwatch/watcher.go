// Package certwatch periodically picks up renewed certificates.
//
// Certificates are renewed on disk by external ACME tooling. The watcher
// re-reads every bundle whose files changed and warns about leaves that are
// close to expiry, so a renewal that silently stopped working is noticed
// before clients start failing handshakes.
package certwatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ameodesign/vhost-router/pkg/tlsterm"
)

// Refresher is the part of the certificate store the watcher drives.
type Refresher interface {
	Refresh() (int, error)
	Expiring(now time.Time, window time.Duration) []tlsterm.Expiry
}

// StartWatcher begins the background check loop.
// It returns a function that can be called to stop the watcher.
func StartWatcher(ctx context.Context, interval time.Duration, store Refresher, expiryWarning time.Duration, logger logrus.FieldLogger) (stopFunc func()) {
	if interval <= 0 || store == nil {
		logger.Info("Certificate watcher not started: interval is zero/negative or no store")
		return func() {}
	}

	logger.WithFields(logrus.Fields{"interval": interval, "expiry_warning": expiryWarning}).Info("Starting certificate watcher")
	ticker := time.NewTicker(interval)
	stopChan := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCheck(store, expiryWarning, time.Now(), logger)
			case <-stopChan:
				logger.Debug("Stopping certificate watcher")
				return
			case <-ctx.Done():
				logger.Debug("Stopping certificate watcher due to context cancellation")
				return
			}
		}
	}()

	var stopped bool
	return func() {
		if !stopped {
			stopped = true
			close(stopChan)
		}
	}
}

// runCheck reloads changed bundles and logs expiring ones.
// Returns the number of bundles reloaded.
func runCheck(store Refresher, expiryWarning time.Duration, now time.Time, logger logrus.FieldLogger) int {
	reloaded, err := store.Refresh()
	if err != nil {
		logger.WithError(err).Error("Certificate refresh failed, keeping previous certificates")
	}
	if reloaded > 0 {
		logger.WithField("reloaded", reloaded).Info("Certificate refresh finished")
	}

	if expiryWarning > 0 {
		for _, e := range store.Expiring(now, expiryWarning) {
			logger.WithFields(logrus.Fields{
				"cert":      e.CertFile,
				"subject":   e.Subject,
				"not_after": e.NotAfter.Format(time.RFC3339),
			}).Warn("Certificate is about to expire")
		}
	}
	return reloaded
}
