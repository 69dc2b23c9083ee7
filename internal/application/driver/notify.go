package driver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/alejandrodnm/batchsettler/internal/ports"
)

const notifyTimeout = 10 * time.Second

// notifyAll fans the report out to every notifier in parallel. A slow or
// failing notifier never delays the next epoch past notifyTimeout.
func notifyAll(ctx context.Context, notifiers []ports.Notifier, report domain.EpochReport) {
	if len(notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range notifiers {
		wg.Add(1)
		go func(n ports.Notifier) {
			defer wg.Done()
			if err := n.Notify(ctx, report); err != nil {
				slog.Warn("driver: notifier error", "epoch", report.Epoch, "err", err)
			}
		}(n)
	}
	wg.Wait()
}
