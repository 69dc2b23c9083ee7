package driver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

func acceptedTrade(t *testing.T) (domain.Snapshot, domain.Solution, domain.Verdict) {
	t.Helper()
	snap := tradingSnapshot()
	snap.BuiltAt = time.Now()
	sol := tradingSolution(snap)
	v := NewValidator().Validate(snap, sol, nil)
	require.True(t, v.Accepted)
	return snap, sol, v
}

func TestSubmitter_Confirmed(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{}
	s := NewSubmitter(ledger, testConfig(), nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, att.Outcome)
	assert.Equal(t, uint64(7), att.Epoch)
	assert.Equal(t, "40", att.Objective)
	assert.NotEmpty(t, att.ID)
	assert.Equal(t, "0xtx1", att.TxHash)
	require.NotNil(t, att.ResolvedAt)

	subs := ledger.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, v.Root, subs[0].NewRoot)
	assert.Equal(t, snap.PrevRoot, subs[0].PrevRoot)
	assert.Equal(t, domain.SubmissionNonce(snap.Epoch, subs[0].Payload), subs[0].Nonce)
}

func TestSubmitter_RevertedWhenRootUnchanged(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{onPoll: func(int) domain.TxStatus { return domain.TxReverted }}
	s := NewSubmitter(ledger, testConfig(), nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReverted, att.Outcome)
}

func TestSubmitter_SupersededWhenRootMoved(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{}
	ledger.onPoll = func(int) domain.TxStatus {
		ledger.setRoot(domain.ComputeRoot(7, domain.Balances{bob: {1: amt(1)}}))
		return domain.TxReverted
	}
	s := NewSubmitter(ledger, testConfig(), nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuperseded, att.Outcome)
}

func TestSubmitter_DuplicateRevertAfterEarlierSendLanded(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{root: snap.PrevRoot}
	ledger.onPoll = func(int) domain.TxStatus {
		if len(ledger.submissions()) < 2 {
			return domain.TxPending
		}
		// the first send lands late, the resend then reverts as a duplicate
		ledger.setRoot(v.Root)
		return domain.TxReverted
	}
	cfg := testConfig()
	cfg.MaxResubmits = 1
	s := NewSubmitter(ledger, cfg, nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, att.Outcome, "our own root on chain is not a competitor")
	assert.Equal(t, 1, att.Resubmits)
	assert.Len(t, ledger.submissions(), 2)
}

func TestSubmitter_NoFinalityButRootLanded(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{root: snap.PrevRoot}
	ledger.onPoll = func(n int) domain.TxStatus {
		if n == 2 {
			ledger.setRoot(v.Root)
		}
		return domain.TxPending
	}
	cfg := testConfig()
	cfg.MaxResubmits = 1
	s := NewSubmitter(ledger, cfg, nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, att.Outcome)
	assert.NotEmpty(t, att.TxHash)
}

func TestSubmitter_NoFinalityAndRootUnreadableDrops(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{
		rootErr: errors.New("rpc unavailable"),
		onPoll:  func(int) domain.TxStatus { return domain.TxPending },
	}
	s := NewSubmitter(ledger, testConfig(), nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDropped, att.Outcome)
	assert.Equal(t, "no finality", att.Reason)
}

func TestSubmitter_ResendReplacesPreviousSend(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{onPoll: func(int) domain.TxStatus { return domain.TxPending }}
	cfg := testConfig()
	cfg.MaxResubmits = 2
	s := NewSubmitter(ledger, cfg, nil, nil)

	_, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)

	subs := ledger.submissions()
	require.Len(t, subs, 3)
	assert.Nil(t, subs[0].Replaces, "first send replaces nothing")
	require.NotNil(t, subs[1].Replaces)
	assert.Equal(t, "0xtx1", subs[1].Replaces.Hash)
	assert.Equal(t, uint64(1), subs[1].Replaces.Nonce)
	require.NotNil(t, subs[2].Replaces)
	assert.Equal(t, "0xtx2", subs[2].Replaces.Hash)
}

func TestSubmitter_PayloadCarriesRecomputedObjective(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	sol.Objective = amt(999)
	ledger := &fakeLedger{}
	s := NewSubmitter(ledger, testConfig(), nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, "40", att.Objective)
	assert.Equal(t, "999", sol.Objective.String(), "caller's solution is left untouched")

	subs := ledger.submissions()
	require.Len(t, subs, 1)
	var sent domain.Solution
	require.NoError(t, json.Unmarshal(subs[0].Payload, &sent))
	require.NotNil(t, sent.Objective)
	assert.Equal(t, "40", sent.Objective.String())

	want := sol
	want.Objective = amt(40)
	digest, err := want.Digest()
	require.NoError(t, err)
	assert.Equal(t, "0x"+hex.EncodeToString(digest[:]), att.SolutionDigest)
}

func TestSubmitter_ResubmitsSamePayloadThenDrops(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{onPoll: func(int) domain.TxStatus { return domain.TxPending }}
	cfg := testConfig()
	cfg.MaxResubmits = 2
	s := NewSubmitter(ledger, cfg, nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDropped, att.Outcome)
	assert.Equal(t, 2, att.Resubmits)

	subs := ledger.submissions()
	require.Len(t, subs, 3)
	for _, sub := range subs[1:] {
		assert.Equal(t, subs[0].Nonce, sub.Nonce)
		assert.Equal(t, subs[0].Payload, sub.Payload)
	}
}

func TestSubmitter_ConfirmedAfterResubmit(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{}
	ledger.onPoll = func(int) domain.TxStatus {
		if len(ledger.submissions()) < 2 {
			return domain.TxPending
		}
		return domain.TxConfirmed
	}
	s := NewSubmitter(ledger, testConfig(), nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, att.Outcome)
	assert.Equal(t, 1, att.Resubmits)
}

func TestSubmitter_RefusesPastDeadline(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{}

	t.Run("now after deadline", func(t *testing.T) {
		clock := newClock(snap.Deadline)
		s := NewSubmitter(ledger, testConfig(), clock.Now, nil)
		_, err := s.Submit(context.Background(), snap, sol, v)
		assert.ErrorIs(t, err, domain.ErrDeadlinePassed)
	})

	t.Run("snapshot built after deadline", func(t *testing.T) {
		late := snap
		late.BuiltAt = snap.Deadline.Add(time.Second)
		clock := newClock(snap.Deadline.Add(-time.Minute))
		s := NewSubmitter(ledger, testConfig(), clock.Now, nil)
		_, err := s.Submit(context.Background(), late, sol, v)
		assert.ErrorIs(t, err, domain.ErrDeadlinePassed)
	})

	assert.Empty(t, ledger.submissions())
}

func TestSubmitter_IdentityFailure(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{submitErr: fmt.Errorf("sign: %w", domain.ErrIdentity)}
	s := NewSubmitter(ledger, testConfig(), nil, nil)

	_, err := s.Submit(context.Background(), snap, sol, v)
	assert.ErrorIs(t, err, domain.ErrIdentity)
}

func TestSubmitter_SendFailuresDrop(t *testing.T) {
	snap, sol, v := acceptedTrade(t)
	ledger := &fakeLedger{submitErr: errors.New("connection reset")}
	s := NewSubmitter(ledger, testConfig(), nil, nil)

	att, err := s.Submit(context.Background(), snap, sol, v)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDropped, att.Outcome)
	assert.Contains(t, att.Reason, "connection reset")
}
