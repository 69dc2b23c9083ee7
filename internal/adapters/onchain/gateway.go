package onchain

// gateway.go: settlement contract client.
//
// The contract exposes the epoch clock, the last confirmed state root and a
// submitSolution entry point. The contract rejects a second solution for an
// epoch and ignores a nonce it has already seen, so resending is safe.

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

const (
	// Upper bound used when gas estimation fails.
	submitGasLimit = uint64(2_000_000)

	gasPriceUpdateInterval = time.Minute
	fallbackGasPrice       = 30_000_000_000 // 30 gwei
)

var ledgerABI abi.ABI

func init() {
	var err error
	ledgerABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "currentEpoch",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [
				{"name": "id", "type": "uint256"},
				{"name": "deadline", "type": "uint256"}
			]
		},
		{
			"name": "lastConfirmedRoot",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "bytes32"}]
		},
		{
			"name": "submitSolution",
			"type": "function",
			"inputs": [
				{"name": "epoch", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "prevRoot", "type": "bytes32"},
				{"name": "newRoot", "type": "bytes32"},
				{"name": "payload", "type": "bytes"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("ledger abi parse: " + err.Error())
	}
}

// chainClient is the subset of *ethclient.Client the gateway uses.
type chainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Gateway implements ports.LedgerGateway against the settlement contract.
type Gateway struct {
	client   chainClient
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	address  common.Address

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// Dial connects to rpcURL. privateKeyHex may carry a 0x prefix.
// A key that cannot be loaded is an identity failure.
func Dial(rpcURL, contract string, chainID int64, privateKeyHex string) (*Gateway, error) {
	key, err := ParseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", contract)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial rpc %s: %w: %v", rpcURL, domain.ErrLedgerUnavailable, err)
	}
	return NewGateway(client, common.HexToAddress(contract), big.NewInt(chainID), key), nil
}

// ParseKey decodes a hex private key.
func ParseKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("ledger: no private key configured: %w", domain.ErrIdentity)
	}
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: decode private key: %w: %v", domain.ErrIdentity, err)
	}
	key, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid private key: %w: %v", domain.ErrIdentity, err)
	}
	return key, nil
}

func NewGateway(client chainClient, contract common.Address, chainID *big.Int, key *ecdsa.PrivateKey) *Gateway {
	return &Gateway{
		client:   client,
		contract: contract,
		chainID:  chainID,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address is the account the driver submits from.
func (g *Gateway) Address() common.Address { return g.address }

func (g *Gateway) CurrentEpoch(ctx context.Context) (domain.Epoch, error) {
	vals, err := g.call(ctx, "currentEpoch")
	if err != nil {
		return domain.Epoch{}, err
	}
	if len(vals) != 2 {
		return domain.Epoch{}, fmt.Errorf("ledger: currentEpoch: %w: %d values", domain.ErrLedgerUnavailable, len(vals))
	}
	id, ok1 := vals[0].(*big.Int)
	deadline, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 || !id.IsUint64() || !deadline.IsInt64() {
		return domain.Epoch{}, fmt.Errorf("ledger: currentEpoch: %w: unexpected values", domain.ErrLedgerUnavailable)
	}
	return domain.Epoch{ID: id.Uint64(), Deadline: time.Unix(deadline.Int64(), 0).UTC()}, nil
}

func (g *Gateway) LastConfirmedRoot(ctx context.Context) (domain.StateRoot, error) {
	vals, err := g.call(ctx, "lastConfirmedRoot")
	if err != nil {
		return domain.StateRoot{}, err
	}
	if len(vals) != 1 {
		return domain.StateRoot{}, fmt.Errorf("ledger: lastConfirmedRoot: %w: %d values", domain.ErrLedgerUnavailable, len(vals))
	}
	root, ok := vals[0].([32]byte)
	if !ok {
		return domain.StateRoot{}, fmt.Errorf("ledger: lastConfirmedRoot: %w: unexpected type %T", domain.ErrLedgerUnavailable, vals[0])
	}
	return domain.StateRoot(root), nil
}

// Submit signs and sends a submitSolution transaction without waiting for it.
func (g *Gateway) Submit(ctx context.Context, sub domain.Submission) (domain.TxHandle, error) {
	callData, err := ledgerABI.Pack("submitSolution",
		new(big.Int).SetUint64(sub.Epoch),
		sub.Nonce,
		[32]byte(sub.PrevRoot),
		[32]byte(sub.NewRoot),
		sub.Payload,
	)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("ledger: pack submitSolution: %w", err)
	}

	var (
		nonce    uint64
		gasPrice = g.gasPrice(ctx)
	)
	if prev := sub.Replaces; prev != nil && prev.GasPrice != nil {
		// Same account nonce so the stuck send is replaced, not queued behind.
		nonce = prev.Nonce
		if bumped := bumpGasPrice(prev.GasPrice); bumped.Cmp(gasPrice) > 0 {
			gasPrice = bumped
		}
	} else {
		nonce, err = g.client.PendingNonceAt(ctx, g.address)
		if err != nil {
			return domain.TxHandle{}, fmt.Errorf("ledger: nonce: %w: %v", domain.ErrLedgerUnavailable, err)
		}
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     g.address,
		To:       &g.contract,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		gasLimit = submitGasLimit
		slog.Warn("ledger: gas estimate failed, using default", "err", err, "limit", submitGasLimit)
	}
	// 20% buffer
	gasLimit = gasLimit * 12 / 10

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.key)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("ledger: sign tx: %w: %v", domain.ErrIdentity, err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return domain.TxHandle{}, fmt.Errorf("ledger: send tx: %w: %v", domain.ErrLedgerUnavailable, err)
	}

	handle := domain.TxHandle{Hash: signed.Hash().Hex(), Nonce: nonce, GasPrice: gasPrice, SentAt: time.Now().UTC()}
	slog.Info("ledger: submitSolution sent",
		"epoch", sub.Epoch,
		"tx", handle.Hash,
		"account_nonce", nonce,
		"gas_limit", gasLimit,
		"gas_price", gasPrice,
		"replacement", sub.Replaces != nil,
	)
	return handle, nil
}

// Poll reads the receipt. A receipt that does not exist yet means pending.
func (g *Gateway) Poll(ctx context.Context, tx domain.TxHandle) (domain.TxStatus, error) {
	receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(tx.Hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.TxPending, nil
		}
		return domain.TxPending, fmt.Errorf("ledger: receipt %s: %w: %v", tx.Hash, domain.ErrLedgerUnavailable, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return domain.TxConfirmed, nil
	}
	return domain.TxReverted, nil
}

// call runs a view method and unpacks its outputs.
func (g *Gateway) call(ctx context.Context, method string) ([]any, error) {
	callData, err := ledgerABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: %w: %v", method, domain.ErrLedgerUnavailable, err)
	}
	vals, err := ledgerABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w: %v", method, domain.ErrLedgerUnavailable, err)
	}
	return vals, nil
}

// bumpGasPrice raises a price by 12.5%, rounded up. Nodes reject a
// replacement that pays less than 10% over the transaction it replaces.
func bumpGasPrice(p *big.Int) *big.Int {
	bumped := new(big.Int).Mul(p, big.NewInt(1125))
	bumped.Add(bumped, big.NewInt(999))
	return bumped.Div(bumped, big.NewInt(1000))
}

// gasPrice returns the current gas price, cached to avoid an RPC per submission.
func (g *Gateway) gasPrice(ctx context.Context) *big.Int {
	g.mu.RLock()
	cached := g.cachedGasWei
	updatedAt := g.gasUpdatedAt
	g.mu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceUpdateInterval {
		return cached
	}

	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached
		}
		return big.NewInt(fallbackGasPrice)
	}

	// 10% over the suggestion for faster inclusion
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	g.mu.Lock()
	g.cachedGasWei = buffered
	g.gasUpdatedAt = time.Now()
	g.mu.Unlock()

	return buffered
}
