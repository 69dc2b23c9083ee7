package driver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/alejandrodnm/batchsettler/internal/observability"
	"github.com/alejandrodnm/batchsettler/internal/ports"
)

const rootReadTimeout = 5 * time.Second

// Submitter sends accepted solutions to the ledger and follows them to an outcome.
type Submitter struct {
	ledger  ports.LedgerGateway
	cfg     Config
	now     func() time.Time
	metrics *observability.Metrics
}

func NewSubmitter(ledger ports.LedgerGateway, cfg Config, now func() time.Time, metrics *observability.Metrics) *Submitter {
	if now == nil {
		now = time.Now
	}
	return &Submitter{ledger: ledger, cfg: cfg.withDefaults(), now: now, metrics: metrics}
}

// Submit sends the solution and waits for finality. Every resend carries the
// same payload and nonce, so a duplicate landing on chain is a no-op.
// The payload records the validator's objective, never the solver's claim.
// The returned attempt always has a terminal outcome unless err is non-nil.
func (s *Submitter) Submit(ctx context.Context, snap domain.Snapshot, sol domain.Solution, verdict domain.Verdict) (domain.SubmissionAttempt, error) {
	now := s.now()
	if !now.Before(snap.Deadline) || snap.BuiltAt.After(snap.Deadline) {
		return domain.SubmissionAttempt{}, fmt.Errorf("submitter: epoch %d: %w", snap.Epoch, domain.ErrDeadlinePassed)
	}

	if verdict.Objective != nil {
		sol.Objective = new(big.Int).Set(verdict.Objective)
	}
	payload, err := sol.Encode()
	if err != nil {
		return domain.SubmissionAttempt{}, fmt.Errorf("submitter: encode solution: %w", err)
	}
	digest, err := sol.Digest()
	if err != nil {
		return domain.SubmissionAttempt{}, fmt.Errorf("submitter: solution digest: %w", err)
	}

	sub := domain.Submission{
		Epoch:    snap.Epoch,
		PrevRoot: snap.PrevRoot,
		NewRoot:  verdict.Root,
		Payload:  payload,
		Nonce:    domain.SubmissionNonce(snap.Epoch, payload),
	}

	attempt := domain.SubmissionAttempt{
		ID:             uuid.New().String(),
		Epoch:          snap.Epoch,
		SolutionDigest: "0x" + hex.EncodeToString(digest[:]),
		Objective:      objectiveString(verdict),
		Outcome:        domain.OutcomePending,
		SubmittedAt:    now.UTC(),
	}

	for {
		if !s.now().Before(snap.Deadline) {
			return s.drop(ctx, attempt, sub, domain.ReasonDeadline), nil
		}

		tx, err := s.ledger.Submit(ctx, sub)
		if err != nil {
			if errors.Is(err, domain.ErrIdentity) {
				return attempt, fmt.Errorf("submitter: send: %w", err)
			}
			if ctx.Err() != nil {
				return s.drop(ctx, attempt, sub, domain.ReasonDeadline), nil
			}
			slog.Warn("submitter: send failed", "epoch", snap.Epoch, "resubmits", attempt.Resubmits, "err", err)
			if attempt.Resubmits >= s.cfg.MaxResubmits {
				return s.drop(ctx, attempt, sub, "send: "+err.Error()), nil
			}
			attempt.Resubmits++
			if !sleepCtx(ctx, s.cfg.ReceiptPollInterval) {
				return s.drop(ctx, attempt, sub, domain.ReasonDeadline), nil
			}
			continue
		}

		attempt.TxHash = tx.Hash
		slog.Info("submitter: transaction sent",
			"epoch", snap.Epoch,
			"tx", tx.Hash,
			"nonce", sub.NonceHex(),
			"resubmits", attempt.Resubmits,
		)

		status := s.awaitFinality(ctx, tx)
		switch status {
		case domain.TxConfirmed:
			return s.resolve(attempt, domain.OutcomeConfirmed, ""), nil
		case domain.TxReverted:
			// A resend of an already landed payload reverts as a duplicate,
			// so the root decides whose solution settled the epoch.
			root, ok := s.ledgerRoot(ctx)
			switch {
			case ok && root == sub.NewRoot:
				return s.resolve(attempt, domain.OutcomeConfirmed, "landed by an earlier send"), nil
			case ok && root != snap.PrevRoot:
				return s.resolve(attempt, domain.OutcomeSuperseded, "another solution settled the epoch"), nil
			}
			return s.resolve(attempt, domain.OutcomeReverted, "transaction reverted"), nil
		}

		if ctx.Err() != nil {
			return s.drop(ctx, attempt, sub, domain.ReasonDeadline), nil
		}
		if attempt.Resubmits >= s.cfg.MaxResubmits {
			return s.drop(ctx, attempt, sub, "no finality"), nil
		}
		attempt.Resubmits++
		last := tx
		sub.Replaces = &last
		slog.Warn("submitter: no finality, resending", "epoch", snap.Epoch, "tx", tx.Hash, "resubmits", attempt.Resubmits)
	}
}

// awaitFinality polls the ledger until the transaction is final, the
// finality timeout elapses or ctx is done. Poll errors are retried.
func (s *Submitter) awaitFinality(ctx context.Context, tx domain.TxHandle) domain.TxStatus {
	timeout := time.NewTimer(s.cfg.FinalityTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(s.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.TxPending
		case <-timeout.C:
			return domain.TxPending
		case <-ticker.C:
			status, err := s.ledger.Poll(ctx, tx)
			if err != nil {
				slog.Debug("submitter: poll failed", "tx", tx.Hash, "err", err)
				continue
			}
			if status != domain.TxPending {
				return status
			}
		}
	}
}

// ledgerRoot reads the confirmed root. It still runs after ctx expired, since
// that is exactly when an earlier send may have landed unobserved.
func (s *Submitter) ledgerRoot(ctx context.Context) (domain.StateRoot, bool) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rootReadTimeout)
	defer cancel()
	root, err := s.ledger.LastConfirmedRoot(rctx)
	if err != nil {
		slog.Warn("submitter: could not read confirmed root", "err", err)
		return domain.StateRoot{}, false
	}
	return root, true
}

// drop gives up on the attempt unless one of its sends already carried the
// ledger to the submitted root.
func (s *Submitter) drop(ctx context.Context, a domain.SubmissionAttempt, sub domain.Submission, reason string) domain.SubmissionAttempt {
	if a.TxHash != "" {
		if root, ok := s.ledgerRoot(ctx); ok && root == sub.NewRoot {
			slog.Info("submitter: submitted root is on chain", "epoch", sub.Epoch, "tx", a.TxHash)
			return s.resolve(a, domain.OutcomeConfirmed, "landed by an earlier send")
		}
	}
	return s.resolve(a, domain.OutcomeDropped, reason)
}

func (s *Submitter) resolve(a domain.SubmissionAttempt, outcome domain.Outcome, reason string) domain.SubmissionAttempt {
	at := s.now().UTC()
	a.Outcome = outcome
	a.Reason = reason
	a.ResolvedAt = &at
	s.metrics.Submitted(string(outcome), a.Resubmits)
	return a
}

func objectiveString(v domain.Verdict) string {
	if v.Objective == nil {
		return "0"
	}
	return v.Objective.String()
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
