package domain

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// Fill is the executed part of one order.
type Fill struct {
	OrderID    uint64   `json:"order_id"`
	SellAmount *big.Int `json:"sell_amount"`
	BuyAmount  *big.Int `json:"buy_amount"`
}

// Solution is a proposed next state for an epoch as returned by a solver.
// Objective is the solver's own claim and is recomputed by the validator.
type Solution struct {
	Balances  Balances             `json:"balances"`
	Fills     []Fill               `json:"fills"`
	Prices    map[TokenID]*big.Int `json:"prices"`
	Objective *big.Int             `json:"objective"`
	Root      StateRoot            `json:"root"`
}

// Encode returns the submission payload for the solution.
func (s Solution) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Digest is keccak256 of Encode.
func (s Solution) Digest() ([32]byte, error) {
	b, err := s.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Keccak256Hash(b), nil
}

// Trivial is the no-trade solution: balances unchanged after deposits and
// withdrawals, zero objective.
func Trivial(snap Snapshot) Solution {
	bal := snap.Balances.Clone()
	return Solution{
		Balances:  bal,
		Fills:     []Fill{},
		Prices:    map[TokenID]*big.Int{},
		Objective: new(big.Int),
		Root:      ComputeRoot(snap.Epoch, bal),
	}
}

// ApplyFills returns the snapshot balances after executing fills. Fills that
// reference unknown orders or carry nil amounts are skipped.
func ApplyFills(snap Snapshot, fills []Fill) Balances {
	bal := snap.Balances.Clone()
	for _, f := range fills {
		o, ok := snap.Order(f.OrderID)
		if !ok || f.SellAmount == nil || f.BuyAmount == nil {
			continue
		}
		bal.Debit(o.Account, o.SellToken, f.SellAmount)
		bal.Credit(o.Account, o.BuyToken, f.BuyAmount)
	}
	return bal
}

// LimitBuy is the least an order accepts in exchange for sell:
// ceil(sell * MinBuy / MaxSell).
func (o Order) LimitBuy(sell *big.Int) *big.Int {
	if o.MaxSell == nil || o.MaxSell.Sign() == 0 || o.MinBuy == nil {
		return new(big.Int)
	}
	num := new(big.Int).Mul(sell, o.MinBuy)
	q, r := new(big.Int).QuoRem(num, o.MaxSell, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Surplus is what a fill received above its limit, valued at price.
func Surplus(o Order, f Fill, price *big.Int) *big.Int {
	extra := new(big.Int).Sub(f.BuyAmount, o.LimitBuy(f.SellAmount))
	return extra.Mul(extra, price)
}

// Objective sums the surplus of every fill. Fills without a known order or a
// buy-token price contribute nothing.
func Objective(snap Snapshot, fills []Fill, prices map[TokenID]*big.Int) *big.Int {
	total := new(big.Int)
	for _, f := range fills {
		o, ok := snap.Order(f.OrderID)
		if !ok || f.SellAmount == nil || f.BuyAmount == nil {
			continue
		}
		p, ok := prices[o.BuyToken]
		if !ok || p == nil {
			continue
		}
		total.Add(total, Surplus(o, f, p))
	}
	return total
}
