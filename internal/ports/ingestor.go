package ports

import (
	"context"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

// EventIngestor reads what the indexer recorded from the exchange's events.
type EventIngestor interface {
	// RecordsFor returns the deposits, withdrawals and orders that apply when
	// settling epoch. CaughtUp is false while the index lags behind the boundary.
	RecordsFor(ctx context.Context, epoch uint64) (domain.EpochRecords, error)

	// AccountState returns the balances committed under root.
	// A root the index has not seen wraps domain.ErrIncompleteIndex.
	AccountState(ctx context.Context, root domain.StateRoot) (domain.Balances, error)
}
