package ports

import (
	"context"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

// LedgerGateway is the driver's only view of the settlement contract.
// Read failures wrap domain.ErrLedgerUnavailable; key or signer failures wrap
// domain.ErrIdentity.
type LedgerGateway interface {
	// CurrentEpoch returns the epoch currently accepting solutions.
	CurrentEpoch(ctx context.Context) (domain.Epoch, error)

	// LastConfirmedRoot returns the root of the most recently settled epoch.
	LastConfirmedRoot(ctx context.Context) (domain.StateRoot, error)

	// Submit sends a settlement transaction and returns without waiting for it.
	Submit(ctx context.Context, sub domain.Submission) (domain.TxHandle, error)

	// Poll returns the current status of a sent transaction.
	Poll(ctx context.Context, tx domain.TxHandle) (domain.TxStatus, error)
}
