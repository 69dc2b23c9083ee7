package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/alejandrodnm/batchsettler/internal/ports"
)

// EpochTracker reports which epoch is currently closing. It holds no state.
type EpochTracker struct {
	ledger ports.LedgerGateway
}

func NewEpochTracker(ledger ports.LedgerGateway) *EpochTracker {
	return &EpochTracker{ledger: ledger}
}

// CurrentClosingEpoch asks the ledger for the epoch accepting solutions.
func (t *EpochTracker) CurrentClosingEpoch(ctx context.Context) (domain.Epoch, error) {
	epoch, err := t.ledger.CurrentEpoch(ctx)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("tracker: current epoch: %w", ledgerErr(err))
	}
	return epoch, nil
}

// ledgerErr makes sure a gateway failure is classified. Identity and context
// errors are kept as they are; anything else counts as the ledger being unavailable.
func ledgerErr(err error) error {
	switch {
	case errors.Is(err, domain.ErrIdentity),
		errors.Is(err, domain.ErrLedgerUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
}
