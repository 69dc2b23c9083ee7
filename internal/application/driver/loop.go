package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/alejandrodnm/batchsettler/internal/observability"
	"github.com/alejandrodnm/batchsettler/internal/ports"
)

// Deps are the collaborators the loop is wired with. Store, Notifiers and
// Metrics are optional.
type Deps struct {
	Ledger    ports.LedgerGateway
	Ingestor  ports.EventIngestor
	Solver    ports.Solver
	Store     ports.StateStore
	Notifiers []ports.Notifier
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// Loop drives one epoch at a time through
// idle → assembling → solving → validating → submitting → settled | abandoned.
type Loop struct {
	cfg       Config
	tracker   *EpochTracker
	builder   *StateBuilder
	solver    *SolverAdapter
	validator *Validator
	submitter *Submitter
	store     ports.StateStore
	notifiers []ports.Notifier
	cache     *ConfirmedCache
	metrics   *observability.Metrics
	now       func() time.Time

	lastHandled uint64
	handled     bool
}

// New wires a Loop with all its components.
func New(cfg Config, deps Deps) *Loop {
	cfg = cfg.withDefaults()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cache := &ConfirmedCache{}
	return &Loop{
		cfg:       cfg,
		tracker:   NewEpochTracker(deps.Ledger),
		builder:   NewStateBuilder(deps.Ledger, deps.Ingestor, cache, now),
		solver:    NewSolverAdapter(deps.Solver, cfg.SafetyMargin, now, deps.Metrics),
		validator: NewValidator(),
		submitter: NewSubmitter(deps.Ledger, cfg, now, deps.Metrics),
		store:     deps.Store,
		notifiers: deps.Notifiers,
		cache:     cache,
		metrics:   deps.Metrics,
		now:       now,
	}
}

// Confirmed returns the last state this driver saw settled, or nil.
func (l *Loop) Confirmed() *domain.ConfirmedState {
	return l.cache.Load()
}

// Run settles epochs until ctx is cancelled. Only an identity failure stops it
// with an error; everything else is logged and retried.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("driver starting",
		"poll_interval", l.cfg.PollInterval,
		"safety_margin", l.cfg.SafetyMargin,
		"max_solve_attempts", l.cfg.MaxSolveAttempts,
		"max_resubmits", l.cfg.MaxResubmits,
		"once", l.cfg.Once,
	)

	if err := l.restore(ctx); err != nil {
		slog.Warn("driver: could not restore confirmed state", "err", err)
	}

	delay := l.cfg.PollInterval
	for {
		report, err := l.Tick(ctx)
		switch {
		case err == nil:
			delay = l.cfg.PollInterval
		case errors.Is(err, domain.ErrIdentity):
			slog.Error("driver: identity failure, stopping", "err", err)
			return err
		case ctx.Err() != nil:
			slog.Info("driver stopped")
			return nil
		case errors.Is(err, domain.ErrLedgerUnavailable):
			delay = min(delay*2, l.cfg.LedgerBackoffMax)
			slog.Warn("driver: ledger unavailable, backing off", "delay", delay, "err", err)
		default:
			slog.Error("driver: tick failed", "err", err)
		}

		if l.cfg.Once && report != nil {
			return nil
		}
		if !sleepCtx(ctx, delay) {
			slog.Info("driver stopped")
			return nil
		}
	}
}

// Tick handles the current epoch if it has not been handled yet. It returns
// nil, nil when there is nothing to do.
func (l *Loop) Tick(ctx context.Context) (*domain.EpochReport, error) {
	epoch, err := l.tracker.CurrentClosingEpoch(ctx)
	if err != nil {
		return nil, err
	}
	l.metrics.Epoch(epoch.ID)

	if l.handled && epoch.ID <= l.lastHandled {
		return nil, nil
	}
	if epoch.Expired(l.now()) {
		slog.Debug("driver: epoch already past its deadline", "epoch", epoch.ID)
		return nil, nil
	}

	report, err := l.RunEpoch(ctx, epoch)
	if err != nil {
		return nil, err
	}
	l.lastHandled, l.handled = epoch.ID, true
	return &report, nil
}

// epochRun is the per-epoch state of the machine.
type epochRun struct {
	epoch     domain.Epoch
	state     domain.DriverState
	started   time.Time
	snap      domain.Snapshot
	digest    [32]byte
	sol       domain.Solution
	verdict   domain.Verdict
	best      *big.Int
	solves    int
	solved    map[[32]byte]bool
	invalid   *[32]byte
	retrySame bool
	attempts  []domain.SubmissionAttempt
	rejected  string // reason of the last rejected verdict, cleared on acceptance
	lastErr   string
}

// RunEpoch runs the state machine for one epoch until it settles or is
// abandoned. Only identity failures are returned as errors.
func (l *Loop) RunEpoch(ctx context.Context, epoch domain.Epoch) (domain.EpochReport, error) {
	ectx, cancel := context.WithDeadline(ctx, epoch.Deadline)
	defer cancel()

	r := &epochRun{
		epoch:   epoch,
		state:   domain.StateIdle,
		started: l.now(),
		solved:  make(map[[32]byte]bool),
	}
	slog.Info("driver: epoch closing", "epoch", epoch.ID, "deadline", epoch.Deadline.UTC().Format(time.RFC3339))
	l.moveTo(r, domain.StateAssembling)

	for {
		var (
			report *domain.EpochReport
			err    error
		)
		switch r.state {
		case domain.StateIdle:
			report, err = l.idle(ectx, r)
		case domain.StateAssembling:
			report, err = l.assemble(ectx, r)
		case domain.StateSolving:
			report, err = l.solve(ectx, r)
		case domain.StateValidating:
			report = l.validate(r)
		case domain.StateSubmitting:
			report, err = l.submit(ectx, r)
		default:
			return domain.EpochReport{}, fmt.Errorf("driver: unexpected state %q", r.state)
		}
		if err != nil {
			return domain.EpochReport{}, err
		}
		if report != nil {
			l.finish(ctx, *report)
			return *report, nil
		}
	}
}

// idle waits for the event index to catch up and checks the epoch is still open.
func (l *Loop) idle(ctx context.Context, r *epochRun) (*domain.EpochReport, error) {
	if !sleepCtx(ctx, l.cfg.IndexRetryDelay) {
		return l.abandon(r, domain.ReasonDeadline), nil
	}
	cur, err := l.tracker.CurrentClosingEpoch(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrIdentity) {
			return nil, err
		}
		slog.Warn("driver: epoch check failed while idle", "epoch", r.epoch.ID, "err", err)
		return nil, nil
	}
	if cur.ID != r.epoch.ID {
		return l.abandon(r, domain.ReasonEpochMoved), nil
	}
	l.moveTo(r, domain.StateAssembling)
	return nil, nil
}

func (l *Loop) assemble(ctx context.Context, r *epochRun) (*domain.EpochReport, error) {
	if !l.timeRemains(r.epoch) {
		return l.abandon(r, domain.ReasonDeadline), nil
	}

	snap, err := l.builder.Build(ctx, r.epoch)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrIdentity):
			return nil, err
		case ctx.Err() != nil:
			return l.abandon(r, domain.ReasonDeadline), nil
		}
		// Index behind or ledger unreachable: wait and try again.
		slog.Info("driver: snapshot not ready", "epoch", r.epoch.ID, "err", err)
		r.lastErr = err.Error()
		l.moveTo(r, domain.StateIdle)
		return nil, nil
	}

	digest, err := snap.Digest()
	if err != nil {
		return nil, fmt.Errorf("driver: snapshot digest: %w", err)
	}
	if r.invalid != nil && *r.invalid == digest {
		return l.abandon(r, domain.ReasonSameSnapshot), nil
	}
	if r.solved[digest] && !r.retrySame {
		// The solver already answered this snapshot. If that answer was
		// rejected, the rejection is why the epoch ends.
		if r.rejected != "" {
			return l.abandon(r, r.rejected), nil
		}
		return l.abandon(r, domain.ReasonNoBetterSolution), nil
	}

	r.snap, r.digest, r.invalid, r.retrySame = snap, digest, nil, false
	l.moveTo(r, domain.StateSolving)
	return nil, nil
}

func (l *Loop) solve(ctx context.Context, r *epochRun) (*domain.EpochReport, error) {
	if r.solves >= l.cfg.MaxSolveAttempts {
		return l.abandon(r, domain.ReasonSolveAttempts), nil
	}
	r.solves++

	sol, err := l.solver.Solve(ctx, r.snap)
	switch {
	case err == nil:
		r.solved[r.digest] = true
		r.sol = sol
		l.moveTo(r, domain.StateValidating)
	case errors.Is(err, domain.ErrSolverTimeout):
		r.lastErr = err.Error()
		if !l.timeRemains(r.epoch) {
			return l.abandon(r, domain.ReasonDeadline), nil
		}
		slog.Warn("driver: solver timed out, retrying", "epoch", r.epoch.ID, "attempt", r.solves)
		r.retrySame = true
		l.moveTo(r, domain.StateAssembling)
	case errors.Is(err, domain.ErrSolverInvalidOutput):
		r.lastErr = err.Error()
		slog.Warn("driver: solver returned invalid output", "epoch", r.epoch.ID, "err", err)
		digest := r.digest
		r.invalid = &digest
		l.moveTo(r, domain.StateAssembling)
	case errors.Is(err, domain.ErrDeadlinePassed), ctx.Err() != nil:
		return l.abandon(r, domain.ReasonDeadline), nil
	default:
		return nil, fmt.Errorf("driver: solve: %w", err)
	}
	return nil, nil
}

func (l *Loop) validate(r *epochRun) *domain.EpochReport {
	r.verdict = l.validator.Validate(r.snap, r.sol, r.best)
	if r.verdict.Accepted {
		r.rejected = ""
		slog.Info("driver: solution accepted",
			"epoch", r.epoch.ID,
			"objective", r.verdict.Objective.String(),
			"root", r.verdict.Root.Hex(),
			"fills", len(r.sol.Fills),
		)
		l.moveTo(r, domain.StateSubmitting)
		return nil
	}

	l.metrics.Rejected(r.verdict.Reason)
	r.lastErr = r.verdict.Reason
	r.rejected = r.verdict.Reason
	slog.Warn("driver: solution rejected",
		"epoch", r.epoch.ID,
		"reason", r.verdict.Reason,
		"detail", r.verdict.Detail,
	)
	if !l.timeRemains(r.epoch) {
		return l.abandon(r, r.verdict.Reason)
	}
	l.moveTo(r, domain.StateAssembling)
	return nil
}

func (l *Loop) submit(ctx context.Context, r *epochRun) (*domain.EpochReport, error) {
	attempt, err := l.submitter.Submit(ctx, r.snap, r.sol, r.verdict)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrIdentity):
			return nil, err
		case errors.Is(err, domain.ErrDeadlinePassed):
			return l.abandon(r, domain.ReasonDeadline), nil
		}
		return nil, fmt.Errorf("driver: submit: %w", err)
	}
	if !attempt.Outcome.Terminal() {
		return nil, fmt.Errorf("driver: submit: epoch %d: attempt %s still %s", r.epoch.ID, attempt.ID, attempt.Outcome)
	}

	r.attempts = append(r.attempts, attempt)
	if l.store != nil {
		// Recorded even when ctx is done: the attempt happened.
		if err := l.store.AppendAttempt(context.WithoutCancel(ctx), attempt); err != nil {
			slog.Warn("driver: could not record attempt", "epoch", r.epoch.ID, "err", err)
		}
	}

	switch attempt.Outcome {
	case domain.OutcomeConfirmed:
		return l.settle(ctx, r), nil
	case domain.OutcomeSuperseded:
		return l.abandon(r, domain.ReasonSuperseded), nil
	}

	// reverted or dropped
	r.best = r.verdict.Objective
	reason := domain.ReasonReverted
	if attempt.Outcome == domain.OutcomeDropped {
		reason = domain.ReasonDropped
	}
	if !l.timeRemains(r.epoch) {
		return l.abandon(r, reason), nil
	}
	slog.Warn("driver: submission failed, solving again", "epoch", r.epoch.ID, "outcome", attempt.Outcome, "reason", attempt.Reason)
	l.moveTo(r, domain.StateAssembling)
	return nil, nil
}

func (l *Loop) settle(ctx context.Context, r *epochRun) *domain.EpochReport {
	state := domain.ConfirmedState{
		Epoch:     r.epoch.ID,
		Root:      r.verdict.Root,
		Balances:  r.sol.Balances.Clone(),
		UpdatedAt: l.now().UTC(),
	}
	l.cache.Store(state)
	if l.store != nil {
		if err := l.store.SaveConfirmed(context.WithoutCancel(ctx), state); err != nil {
			slog.Warn("driver: could not persist confirmed state", "epoch", r.epoch.ID, "err", err)
		}
	}
	l.metrics.Settled(r.epoch.ID)
	l.moveTo(r, domain.StateSettled)
	return &domain.EpochReport{
		Epoch:     r.epoch.ID,
		State:     domain.StateSettled,
		Objective: r.verdict.Objective,
		Root:      r.verdict.Root,
		Attempts:  r.attempts,
		Duration:  l.now().Sub(r.started),
	}
}

func (l *Loop) abandon(r *epochRun, reason string) *domain.EpochReport {
	l.moveTo(r, domain.StateAbandoned)
	slog.Warn("driver: epoch abandoned", "epoch", r.epoch.ID, "reason", reason, "last_error", r.lastErr)
	return &domain.EpochReport{
		Epoch:    r.epoch.ID,
		State:    domain.StateAbandoned,
		Reason:   reason,
		Attempts: r.attempts,
		Duration: l.now().Sub(r.started),
	}
}

func (l *Loop) finish(ctx context.Context, report domain.EpochReport) {
	l.metrics.EpochFinished(string(report.State), report.Reason, report.Duration)
	slog.Info("driver: epoch finished",
		"epoch", report.Epoch,
		"state", report.State,
		"reason", report.Reason,
		"attempts", len(report.Attempts),
		"duration", report.Duration.Round(time.Millisecond),
	)
	notifyAll(context.WithoutCancel(ctx), l.notifiers, report)
}

func (l *Loop) moveTo(r *epochRun, next domain.DriverState) {
	slog.Debug("driver: transition", "epoch", r.epoch.ID, "from", r.state, "to", next)
	l.metrics.Transition(string(r.state), string(next))
	r.state = next
}

// timeRemains reports whether there is more than the safety margin left.
func (l *Loop) timeRemains(e domain.Epoch) bool {
	return e.Remaining(l.now()) > l.cfg.SafetyMargin
}

// restore seeds the cache from the store so a restart does not need the
// index to rebuild our own last state.
func (l *Loop) restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	state, err := l.store.LoadConfirmed(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	l.cache.Store(*state)
	l.lastHandled, l.handled = state.Epoch, true
	slog.Info("driver: restored confirmed state", "epoch", state.Epoch, "root", state.Root.Hex())
	return nil
}
