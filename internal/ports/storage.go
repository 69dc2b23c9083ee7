package ports

import (
	"context"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

// StateStore persists the last confirmed state and the submission history.
type StateStore interface {
	// LoadConfirmed returns the last confirmed state, or nil when nothing was settled yet.
	LoadConfirmed(ctx context.Context) (*domain.ConfirmedState, error)

	// SaveConfirmed replaces the last confirmed state.
	SaveConfirmed(ctx context.Context, state domain.ConfirmedState) error

	// AppendAttempt records a resolved submission attempt. History is append-only.
	AppendAttempt(ctx context.Context, attempt domain.SubmissionAttempt) error

	// Attempts returns the history for an epoch, or the most recent limit
	// attempts across all epochs when epoch is 0.
	Attempts(ctx context.Context, epoch uint64, limit int) ([]domain.SubmissionAttempt, error)

	Close() error
}
