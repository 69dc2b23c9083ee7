package solver

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

// pairType says which side of a matched pair is executed in full.
type pairType int

const (
	lhsFilled pairType = iota
	rhsFilled
	bothFilled
)

// Naive matches the first pair of opposite orders that can trade with each
// other and settles only that pair. Without a match it returns the trivial
// solution. Good enough for development and end-to-end runs.
type Naive struct{}

func NewNaive() *Naive { return &Naive{} }

func (n *Naive) Solve(ctx context.Context, snap domain.Snapshot) (domain.Solution, error) {
	if err := ctx.Err(); err != nil {
		return domain.Solution{}, err
	}

	x, y, kind, ok := firstMatch(snap)
	if !ok {
		slog.Debug("naive: no matching orders", "epoch", snap.Epoch, "orders", len(snap.Orders))
		return domain.Trivial(snap), nil
	}

	fills, prices := execute(x, y, kind)
	bal := domain.ApplyFills(snap, fills)

	slog.Debug("naive: matched orders", "epoch", snap.Epoch, "lhs", x.ID, "rhs", y.ID)
	return domain.Solution{
		Balances:  bal,
		Fills:     fills,
		Prices:    prices,
		Objective: domain.Objective(snap, fills, prices),
		Root:      domain.ComputeRoot(snap.Epoch, bal),
	}, nil
}

// firstMatch scans orders in snapshot order and returns the first matchable pair.
func firstMatch(snap domain.Snapshot) (domain.Order, domain.Order, pairType, bool) {
	for i, x := range snap.Orders {
		for _, y := range snap.Orders[i+1:] {
			if kind, ok := matchCompare(x, y, snap.Balances); ok {
				return x, y, kind, true
			}
		}
	}
	return domain.Order{}, domain.Order{}, 0, false
}

func matchCompare(x, y domain.Order, bal domain.Balances) (pairType, bool) {
	if !wellFormed(x) || !wellFormed(y) {
		return 0, false
	}
	if !sufficientFunds(x, bal) || !sufficientFunds(y, bal) || !oppositeTokens(x, y) || !priceOverlap(x, y) {
		return 0, false
	}
	switch {
	case x.MinBuy.Cmp(y.MaxSell) <= 0 && x.MaxSell.Cmp(y.MinBuy) <= 0:
		return lhsFilled, true
	case x.MinBuy.Cmp(y.MaxSell) >= 0 && x.MaxSell.Cmp(y.MinBuy) >= 0:
		return rhsFilled, true
	default:
		return bothFilled, true
	}
}

func wellFormed(o domain.Order) bool {
	return o.MaxSell != nil && o.MinBuy != nil
}

func sufficientFunds(o domain.Order, bal domain.Balances) bool {
	return bal.Get(o.Account, o.SellToken).Cmp(o.MaxSell) >= 0
}

func oppositeTokens(x, y domain.Order) bool {
	return x.BuyToken == y.SellToken && x.SellToken == y.BuyToken
}

// priceOverlap: some price satisfies both limits,
// x.MinBuy * y.MinBuy <= x.MaxSell * y.MaxSell.
func priceOverlap(x, y domain.Order) bool {
	if x.MaxSell.Sign() <= 0 || y.MaxSell.Sign() <= 0 || x.MinBuy.Sign() <= 0 || y.MinBuy.Sign() <= 0 {
		return false
	}
	lhs := new(big.Int).Mul(x.MinBuy, y.MinBuy)
	rhs := new(big.Int).Mul(x.MaxSell, y.MaxSell)
	return lhs.Cmp(rhs) <= 0
}

// execute builds the two fills and the clearing prices. Prices are chosen so
// that each side gives exactly the value it receives.
func execute(x, y domain.Order, kind pairType) ([]domain.Fill, map[domain.TokenID]*big.Int) {
	fill := func(o domain.Order, sell, buy *big.Int) domain.Fill {
		return domain.Fill{OrderID: o.ID, SellAmount: new(big.Int).Set(sell), BuyAmount: new(big.Int).Set(buy)}
	}
	prices := make(map[domain.TokenID]*big.Int, 2)

	var fills []domain.Fill
	switch kind {
	case lhsFilled:
		prices[x.BuyToken] = new(big.Int).Set(x.MaxSell)
		prices[y.BuyToken] = new(big.Int).Set(x.MinBuy)
		fills = []domain.Fill{fill(x, x.MaxSell, x.MinBuy), fill(y, x.MinBuy, x.MaxSell)}
	case rhsFilled:
		prices[x.SellToken] = new(big.Int).Set(y.MaxSell)
		prices[y.SellToken] = new(big.Int).Set(y.MinBuy)
		fills = []domain.Fill{fill(x, y.MinBuy, y.MaxSell), fill(y, y.MaxSell, y.MinBuy)}
	default:
		prices[y.BuyToken] = new(big.Int).Set(y.MaxSell)
		prices[x.BuyToken] = new(big.Int).Set(x.MaxSell)
		fills = []domain.Fill{fill(x, x.MaxSell, y.MaxSell), fill(y, y.MaxSell, x.MaxSell)}
	}
	return fills, prices
}
