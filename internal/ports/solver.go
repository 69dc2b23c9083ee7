package ports

import (
	"context"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

// Solver proposes a next state for a snapshot. Implementations must return
// when ctx is done.
type Solver interface {
	Solve(ctx context.Context, snap domain.Snapshot) (domain.Solution, error)
}
