package domain

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// StateRoot commits to the full account state after an epoch.
type StateRoot [32]byte

// ParseStateRoot decodes a 0x-prefixed 32-byte hex string.
func ParseStateRoot(s string) (StateRoot, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return StateRoot{}, fmt.Errorf("state root: expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return StateRoot{}, fmt.Errorf("state root: %w", err)
	}
	var r StateRoot
	copy(r[:], b)
	return r, nil
}

func (r StateRoot) Hex() string { return "0x" + hex.EncodeToString(r[:]) }

func (r StateRoot) IsZero() bool { return r == StateRoot{} }

func (r StateRoot) String() string { return r.Hex() }

func (r StateRoot) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Hex())
}

func (r *StateRoot) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*r = StateRoot{}
		return nil
	}
	parsed, err := ParseStateRoot(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ComputeRoot derives the state root of balances after settling epoch:
// keccak256(epoch as 8 bytes big endian || canonical balances encoding).
func ComputeRoot(epoch uint64, balances Balances) StateRoot {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return StateRoot(crypto.Keccak256Hash(buf[:], encodeBalances(balances)))
}

// SubmissionNonce tags a submission so the ledger treats a duplicate as a no-op.
func SubmissionNonce(epoch uint64, payload []byte) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return crypto.Keccak256Hash(buf[:], payload)
}

// encodeBalances writes "account:token:amount;" entries in account, token order,
// skipping zero balances so absent and zero entries hash the same.
func encodeBalances(b Balances) []byte {
	var sb strings.Builder
	for _, acc := range b.Accounts() {
		tokens := b[acc]
		for _, tok := range sortedTokens(tokens) {
			v := tokens[tok]
			if v == nil || v.Sign() == 0 {
				continue
			}
			fmt.Fprintf(&sb, "%s:%d:%s;", acc, tok, v.String())
		}
	}
	return []byte(sb.String())
}
