package storage_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/alejandrodnm/batchsettler/internal/adapters/storage"
	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bob = domain.AccountID("0x00000000000000000000000000000000000000b2")

func openLog(t *testing.T) *storage.EventLog {
	t.Helper()
	l, err := storage.OpenEventLog("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenEventLog_UnsupportedDriver(t *testing.T) {
	_, err := storage.OpenEventLog("mysql", "whatever")
	assert.Error(t, err)
}

func TestEventLog_RecordsFor(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	require.NoError(t, l.RecordDeposit(ctx, domain.Deposit{Account: bob, Token: 1, Amount: big.NewInt(5), Epoch: 42, Seq: 2}))
	require.NoError(t, l.RecordDeposit(ctx, domain.Deposit{Account: alice, Token: 1, Amount: big.NewInt(100), Epoch: 42, Seq: 1}))
	require.NoError(t, l.RecordDeposit(ctx, domain.Deposit{Account: alice, Token: 1, Amount: big.NewInt(9), Epoch: 43, Seq: 3}))
	require.NoError(t, l.RecordWithdrawal(ctx, domain.Withdrawal{Account: alice, Token: 2, Amount: big.NewInt(3), Epoch: 42, Seq: 4}))
	require.NoError(t, l.RecordOrder(ctx, domain.Order{
		ID: 1, Account: alice, Seq: 5, SellToken: 1, BuyToken: 2,
		MaxSell: big.NewInt(10), MinBuy: big.NewInt(20), ValidFrom: 40, ValidUntil: 42,
	}))
	require.NoError(t, l.RecordOrder(ctx, domain.Order{
		ID: 2, Account: bob, Seq: 6, SellToken: 2, BuyToken: 1,
		MaxSell: big.NewInt(10), MinBuy: big.NewInt(5), ValidFrom: 43, ValidUntil: 50,
	}))

	recs, err := l.RecordsFor(ctx, 42)
	require.NoError(t, err)
	assert.False(t, recs.CaughtUp, "nothing marked indexed yet")

	require.Len(t, recs.Deposits, 2)
	assert.Equal(t, alice, recs.Deposits[0].Account, "ordered by account then seq")
	assert.Equal(t, "100", recs.Deposits[0].Amount.String())
	assert.Equal(t, uint64(42), recs.Deposits[0].Epoch)

	require.Len(t, recs.Withdrawals, 1)
	assert.Equal(t, domain.TokenID(2), recs.Withdrawals[0].Token)

	require.Len(t, recs.Orders, 1)
	assert.Equal(t, uint64(1), recs.Orders[0].ID)
	assert.Equal(t, "20", recs.Orders[0].MinBuy.String())
}

func TestEventLog_EmptyEpochHasNonNilSlices(t *testing.T) {
	l := openLog(t)
	recs, err := l.RecordsFor(context.Background(), 1)
	require.NoError(t, err)
	assert.NotNil(t, recs.Deposits)
	assert.NotNil(t, recs.Withdrawals)
	assert.NotNil(t, recs.Orders)
}

func TestEventLog_ReplaysAreIgnored(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	d := domain.Deposit{Account: alice, Token: 1, Amount: big.NewInt(100), Epoch: 42, Seq: 1}
	require.NoError(t, l.RecordDeposit(ctx, d))
	d.Amount = big.NewInt(999)
	require.NoError(t, l.RecordDeposit(ctx, d))

	recs, err := l.RecordsFor(ctx, 42)
	require.NoError(t, err)
	require.Len(t, recs.Deposits, 1)
	assert.Equal(t, "100", recs.Deposits[0].Amount.String())
}

func TestEventLog_MarkIndexedIsMonotonic(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	require.NoError(t, l.MarkIndexed(ctx, 42))
	require.NoError(t, l.MarkIndexed(ctx, 40))

	got, err := l.IndexedEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)

	recs, err := l.RecordsFor(ctx, 42)
	require.NoError(t, err)
	assert.True(t, recs.CaughtUp)

	recs, err = l.RecordsFor(ctx, 43)
	require.NoError(t, err)
	assert.False(t, recs.CaughtUp)
}

func TestEventLog_AccountState(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	bal := domain.Balances{
		alice: {1: big.NewInt(100), 2: big.NewInt(0)},
		bob:   {2: big.NewInt(30)},
	}
	root := domain.ComputeRoot(41, bal)
	require.NoError(t, l.RecordAccountState(ctx, root, 41, bal))
	require.NoError(t, l.RecordAccountState(ctx, root, 41, domain.Balances{alice: {1: big.NewInt(1)}}))

	got, err := l.AccountState(ctx, root)
	require.NoError(t, err)
	assert.True(t, bal.Equal(got))
	_, hasZero := got[alice][2]
	assert.False(t, hasZero, "zero entries are not stored")
}

func TestEventLog_AccountStateEmptyRoot(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	root := domain.ComputeRoot(3, domain.Balances{})
	require.NoError(t, l.RecordAccountState(ctx, root, 3, domain.Balances{}))

	got, err := l.AccountState(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEventLog_AccountStateUnknownRoot(t *testing.T) {
	l := openLog(t)

	_, err := l.AccountState(context.Background(), domain.ComputeRoot(1, domain.Balances{}))
	assert.ErrorIs(t, err, domain.ErrIncompleteIndex)
}

func TestEventLog_RejectsMissingAmounts(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	assert.Error(t, l.RecordDeposit(ctx, domain.Deposit{Account: alice, Token: 1, Epoch: 1, Seq: 1}))
	assert.Error(t, l.RecordWithdrawal(ctx, domain.Withdrawal{Account: alice, Token: 1, Epoch: 1, Seq: 1}))
	assert.Error(t, l.RecordOrder(ctx, domain.Order{ID: 9, Account: alice}))
}
