package onchain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeChain struct {
	callOut    map[string][]byte
	callErr    error
	nonce      uint64
	gasPrice   *big.Int
	estimate   uint64
	estimateEr error
	sent       []*types.Transaction
	sendErr    error
	receipt    *types.Receipt
	receiptErr error
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := ledgerABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	return f.callOut[method.Name], nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return nil, errors.New("no gas oracle")
	}
	return f.gasPrice, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateEr
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, _ common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func newTestGateway(t *testing.T, chain *fakeChain) *Gateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewGateway(chain, contractAddr, big.NewInt(1337), key)
}

func TestGateway_CurrentEpoch(t *testing.T) {
	deadline := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	out, err := ledgerABI.Methods["currentEpoch"].Outputs.Pack(big.NewInt(42), big.NewInt(deadline.Unix()))
	require.NoError(t, err)

	g := newTestGateway(t, &fakeChain{callOut: map[string][]byte{"currentEpoch": out}})
	epoch, err := g.CurrentEpoch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), epoch.ID)
	assert.Equal(t, deadline, epoch.Deadline)
}

func TestGateway_LastConfirmedRoot(t *testing.T) {
	root := domain.ComputeRoot(1, domain.Balances{"0xaa": {1: big.NewInt(1)}})
	out, err := ledgerABI.Methods["lastConfirmedRoot"].Outputs.Pack([32]byte(root))
	require.NoError(t, err)

	g := newTestGateway(t, &fakeChain{callOut: map[string][]byte{"lastConfirmedRoot": out}})
	got, err := g.LastConfirmedRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestGateway_ReadFailureIsLedgerUnavailable(t *testing.T) {
	g := newTestGateway(t, &fakeChain{callErr: errors.New("503 service unavailable")})
	_, err := g.CurrentEpoch(context.Background())
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	_, err = g.LastConfirmedRoot(context.Background())
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestGateway_Submit(t *testing.T) {
	chain := &fakeChain{nonce: 7, gasPrice: big.NewInt(100), estimate: 100_000}
	g := newTestGateway(t, chain)

	payload := []byte(`{"fills":[]}`)
	sub := domain.Submission{
		Epoch:    42,
		PrevRoot: domain.ComputeRoot(41, domain.Balances{}),
		NewRoot:  domain.ComputeRoot(42, domain.Balances{}),
		Payload:  payload,
		Nonce:    domain.SubmissionNonce(42, payload),
	}

	handle, err := g.Submit(context.Background(), sub)
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	assert.Equal(t, tx.Hash().Hex(), handle.Hash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, contractAddr, *tx.To())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, "110", tx.GasPrice().String())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, g.Address(), sender)

	args, err := ledgerABI.Methods["submitSolution"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 5)
	assert.Equal(t, "42", args[0].(*big.Int).String())
	assert.Equal(t, sub.Nonce, args[1].([32]byte))
	assert.Equal(t, [32]byte(sub.PrevRoot), args[2].([32]byte))
	assert.Equal(t, [32]byte(sub.NewRoot), args[3].([32]byte))
	assert.Equal(t, payload, args[4].([]byte))
}

func TestGateway_SubmitReplacesStuckSend(t *testing.T) {
	chain := &fakeChain{nonce: 7, gasPrice: big.NewInt(100), estimate: 100_000}
	g := newTestGateway(t, chain)

	first, err := g.Submit(context.Background(), domain.Submission{Epoch: 42})
	require.NoError(t, err)
	assert.Equal(t, "110", first.GasPrice.String())

	// The account nonce moved on while the first send sat in the mempool.
	chain.nonce = 9
	second, err := g.Submit(context.Background(), domain.Submission{Epoch: 42, Replaces: &first})
	require.NoError(t, err)
	require.Len(t, chain.sent, 2)

	assert.Equal(t, uint64(7), chain.sent[1].Nonce(), "replacement reuses the stuck nonce")
	assert.Equal(t, uint64(7), second.Nonce)
	assert.Equal(t, "124", chain.sent[1].GasPrice().String(), "110 bumped by 12.5%, rounded up")
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestGateway_ReplacementKeepsHigherMarketPrice(t *testing.T) {
	chain := &fakeChain{gasPrice: big.NewInt(1000), estimate: 100_000}
	g := newTestGateway(t, chain)

	prev := domain.TxHandle{Hash: "0x01", Nonce: 3, GasPrice: big.NewInt(100)}
	_, err := g.Submit(context.Background(), domain.Submission{Epoch: 1, Replaces: &prev})
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)
	assert.Equal(t, uint64(3), chain.sent[0].Nonce())
	assert.Equal(t, "1100", chain.sent[0].GasPrice().String())
}

func TestBumpGasPrice(t *testing.T) {
	assert.Equal(t, "1125", bumpGasPrice(big.NewInt(1000)).String())
	assert.Equal(t, "2", bumpGasPrice(big.NewInt(1)).String())
	assert.Equal(t, "12", bumpGasPrice(big.NewInt(10)).String())
}

func TestGateway_SubmitFallsBackOnEstimateFailure(t *testing.T) {
	chain := &fakeChain{estimateEr: errors.New("execution reverted")}
	g := newTestGateway(t, chain)

	_, err := g.Submit(context.Background(), domain.Submission{Epoch: 1})
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)
	assert.Equal(t, submitGasLimit*12/10, chain.sent[0].Gas())
	assert.Equal(t, big.NewInt(fallbackGasPrice).String(), chain.sent[0].GasPrice().String())
}

func TestGateway_SendFailureIsLedgerUnavailable(t *testing.T) {
	g := newTestGateway(t, &fakeChain{estimate: 1, sendErr: errors.New("timeout")})
	_, err := g.Submit(context.Background(), domain.Submission{Epoch: 1})
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestGateway_Poll(t *testing.T) {
	chain := &fakeChain{receiptErr: ethereum.NotFound}
	g := newTestGateway(t, chain)
	h := domain.TxHandle{Hash: "0x01"}

	status, err := g.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, status)

	chain.receiptErr = nil
	chain.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	status, err = g.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, status)

	chain.receipt = &types.Receipt{Status: types.ReceiptStatusFailed}
	status, err = g.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.TxReverted, status)

	chain.receipt, chain.receiptErr = nil, errors.New("rpc down")
	_, err = g.Poll(context.Background(), h)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestParseKey(t *testing.T) {
	_, err := ParseKey("")
	assert.ErrorIs(t, err, domain.ErrIdentity)

	_, err = ParseKey("0xnothex")
	assert.ErrorIs(t, err, domain.ErrIdentity)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	parsed, err := ParseKey("0x" + common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))
}
