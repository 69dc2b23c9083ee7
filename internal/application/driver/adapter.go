package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/alejandrodnm/batchsettler/internal/observability"
	"github.com/alejandrodnm/batchsettler/internal/ports"
)

// SolverAdapter runs a solver under the epoch's time budget and checks the
// shape of what comes back.
type SolverAdapter struct {
	solver  ports.Solver
	margin  time.Duration
	now     func() time.Time
	metrics *observability.Metrics
}

func NewSolverAdapter(solver ports.Solver, safetyMargin time.Duration, now func() time.Time, metrics *observability.Metrics) *SolverAdapter {
	if now == nil {
		now = time.Now
	}
	return &SolverAdapter{solver: solver, margin: safetyMargin, now: now, metrics: metrics}
}

// Solve asks the solver for a solution, giving it until deadline minus the
// safety margin.
func (a *SolverAdapter) Solve(ctx context.Context, snap domain.Snapshot) (domain.Solution, error) {
	budget := snap.Deadline.Sub(a.now()) - a.margin
	if budget <= 0 {
		return domain.Solution{}, fmt.Errorf("solver: epoch %d: %w", snap.Epoch, domain.ErrDeadlinePassed)
	}

	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		sol domain.Solution
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		sol, err := a.solver.Solve(sctx, snap)
		ch <- result{sol, err}
	}()

	// The solver may ignore its context; the adapter stops waiting regardless.
	var r result
	select {
	case <-sctx.Done():
		a.metrics.SolverCall("timeout", time.Since(start))
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Solution{}, ctx.Err()
		}
		return domain.Solution{}, fmt.Errorf("solver: epoch %d after %s: %w", snap.Epoch, budget, domain.ErrSolverTimeout)
	case r = <-ch:
	}

	if r.err != nil {
		switch {
		case errors.Is(r.err, domain.ErrSolverInvalidOutput):
			a.metrics.SolverCall("invalid", time.Since(start))
			return domain.Solution{}, fmt.Errorf("solver: epoch %d: %w", snap.Epoch, r.err)
		case errors.Is(r.err, domain.ErrSolverTimeout):
			a.metrics.SolverCall("timeout", time.Since(start))
			return domain.Solution{}, fmt.Errorf("solver: epoch %d: %w", snap.Epoch, r.err)
		default:
			// No usable answer within the budget.
			a.metrics.SolverCall("error", time.Since(start))
			return domain.Solution{}, fmt.Errorf("solver: epoch %d: %w: %v", snap.Epoch, domain.ErrSolverTimeout, r.err)
		}
	}

	if err := checkShape(snap, r.sol); err != nil {
		a.metrics.SolverCall("invalid", time.Since(start))
		return domain.Solution{}, fmt.Errorf("solver: epoch %d: %w: %v", snap.Epoch, domain.ErrSolverInvalidOutput, err)
	}

	a.metrics.SolverCall("ok", time.Since(start))
	slog.Debug("solver: solution received",
		"epoch", snap.Epoch,
		"fills", len(r.sol.Fills),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return r.sol, nil
}

// checkShape rejects solutions that cannot even be validated.
func checkShape(snap domain.Snapshot, sol domain.Solution) error {
	if sol.Balances == nil {
		return errors.New("missing balances")
	}
	for acc, tokens := range sol.Balances {
		for tok, v := range tokens {
			if v == nil {
				return fmt.Errorf("nil balance for %s token %d", acc, tok)
			}
		}
	}
	for _, acc := range snap.Balances.Accounts() {
		if _, ok := sol.Balances[acc]; ok {
			continue
		}
		for _, v := range snap.Balances[acc] {
			if v != nil && v.Sign() != 0 {
				return fmt.Errorf("account %s missing from solution", acc)
			}
		}
	}

	seen := make(map[uint64]bool, len(sol.Fills))
	for _, f := range sol.Fills {
		if f.SellAmount == nil || f.BuyAmount == nil {
			return fmt.Errorf("fill for order %d has nil amounts", f.OrderID)
		}
		if _, ok := snap.Order(f.OrderID); !ok {
			return fmt.Errorf("fill for unknown order %d", f.OrderID)
		}
		if seen[f.OrderID] {
			return fmt.Errorf("duplicate fill for order %d", f.OrderID)
		}
		seen[f.OrderID] = true
	}
	for tok, p := range sol.Prices {
		if p == nil {
			return fmt.Errorf("nil price for token %d", tok)
		}
	}
	return nil
}
