package domain

import (
	"encoding/json"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Snapshot is the canonical pre-settlement view of one epoch. It is built once
// per attempt and never mutated afterwards.
type Snapshot struct {
	Epoch       uint64       `json:"epoch"`
	Deadline    time.Time    `json:"-"`
	PrevRoot    StateRoot    `json:"prev_root"`
	Balances    Balances     `json:"balances"`
	Deposits    []Deposit    `json:"deposits"`
	Withdrawals []Withdrawal `json:"withdrawals"`
	Orders      []Order      `json:"orders"`

	// BuiltAt is local bookkeeping and not part of the canonical encoding.
	BuiltAt time.Time `json:"-"`
}

// Encode returns the canonical bytes of the snapshot. Two snapshots built from
// the same inputs encode identically.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Digest is keccak256 of Encode.
func (s Snapshot) Digest() ([32]byte, error) {
	b, err := s.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Keccak256Hash(b), nil
}

// Order looks up an order by id.
func (s Snapshot) Order(id uint64) (Order, bool) {
	for _, o := range s.Orders {
		if o.ID == id {
			return o, true
		}
	}
	return Order{}, false
}

// FlowTotals returns per-token validated deposits minus validated withdrawals.
func (s Snapshot) FlowTotals() map[TokenID]*big.Int {
	flows := make(map[TokenID]*big.Int)
	add := func(tok TokenID, v *big.Int) {
		if _, ok := flows[tok]; !ok {
			flows[tok] = new(big.Int)
		}
		flows[tok].Add(flows[tok], v)
	}
	for _, d := range s.Deposits {
		add(d.Token, d.Amount)
	}
	for _, w := range s.Withdrawals {
		if w.Valid {
			add(w.Token, new(big.Int).Neg(w.Amount))
		}
	}
	return flows
}

func sortedTokens(tokens map[TokenID]*big.Int) []TokenID {
	out := make([]TokenID, 0, len(tokens))
	for tok := range tokens {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
