package ports

import (
	"context"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

// Notifier reports how each epoch ended.
type Notifier interface {
	// Notify is called once per epoch, after the driver reaches Settled or Abandoned.
	// Errors are logged by the caller and never change the epoch outcome.
	Notify(ctx context.Context, report domain.EpochReport) error
}
