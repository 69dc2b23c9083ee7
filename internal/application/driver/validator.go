package driver

import (
	"fmt"
	"math/big"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

// Validator checks a solution against the snapshot it was computed for.
// It trusts nothing the solver claims: balances, root and objective are all
// recomputed.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// Validate returns an accepting verdict only for a solution that keeps every
// balance non-negative, conserves each token and beats bestKnown. A nil
// bestKnown accepts any valid solution; a tie is rejected.
func (v *Validator) Validate(snap domain.Snapshot, sol domain.Solution, bestKnown *big.Int) domain.Verdict {
	if acc, tok, ok := sol.Balances.FirstNegative(); ok {
		return domain.Reject(domain.RejectNegativeBalance, fmt.Sprintf("claimed balance of %s for token %d is negative", acc, tok))
	}

	seen := make(map[uint64]bool, len(sol.Fills))
	for _, f := range sol.Fills {
		o, ok := snap.Order(f.OrderID)
		if !ok {
			return domain.Reject(domain.RejectUnknownOrder, fmt.Sprintf("order %d", f.OrderID))
		}
		if seen[f.OrderID] {
			return domain.Reject(domain.RejectDuplicateFill, fmt.Sprintf("order %d", f.OrderID))
		}
		seen[f.OrderID] = true

		if verdict, ok := checkLimit(o, f); !ok {
			return verdict
		}
		if verdict, ok := checkPrices(o, f, sol.Prices); !ok {
			return verdict
		}
	}

	recomputed := domain.ApplyFills(snap, sol.Fills)
	if acc, tok, ok := recomputed.FirstNegative(); ok {
		return domain.Reject(domain.RejectNegativeBalance, fmt.Sprintf("fills overdraw %s on token %d", acc, tok))
	}

	before, after := snap.Balances.Totals(), recomputed.Totals()
	for tok := range mergeTokens(before, after) {
		if amount(before[tok]).Cmp(amount(after[tok])) != 0 {
			return domain.Reject(domain.RejectNotConserved, fmt.Sprintf("token %d: %s before, %s after", tok, amount(before[tok]), amount(after[tok])))
		}
	}

	if !recomputed.Equal(sol.Balances) {
		return domain.Reject(domain.RejectBalanceMismatch, "claimed balances differ from executed fills")
	}

	root := domain.ComputeRoot(snap.Epoch, recomputed)
	if root != sol.Root {
		return domain.Reject(domain.RejectRootMismatch, fmt.Sprintf("claimed %s, computed %s", sol.Root.Hex(), root.Hex()))
	}

	objective := domain.Objective(snap, sol.Fills, sol.Prices)
	if bestKnown != nil && objective.Cmp(bestKnown) <= 0 {
		return domain.Reject(domain.RejectNotImproving, fmt.Sprintf("objective %s, best known %s", objective, bestKnown))
	}

	return domain.Accept(objective, root)
}

// checkLimit enforces the order's volume bound and limit price.
func checkLimit(o domain.Order, f domain.Fill) (domain.Verdict, bool) {
	if f.SellAmount == nil || f.BuyAmount == nil {
		return domain.Reject(domain.RejectLimitViolated, fmt.Sprintf("order %d: missing amounts", o.ID)), false
	}
	if f.SellAmount.Sign() < 0 || f.BuyAmount.Sign() < 0 {
		return domain.Reject(domain.RejectLimitViolated, fmt.Sprintf("order %d: negative amounts", o.ID)), false
	}
	if f.SellAmount.Cmp(o.MaxSell) > 0 {
		return domain.Reject(domain.RejectLimitViolated, fmt.Sprintf("order %d: sells %s, max %s", o.ID, f.SellAmount, o.MaxSell)), false
	}
	// BuyAmount / SellAmount >= MinBuy / MaxSell
	lhs := new(big.Int).Mul(f.BuyAmount, o.MaxSell)
	rhs := new(big.Int).Mul(f.SellAmount, o.MinBuy)
	if lhs.Cmp(rhs) < 0 {
		return domain.Reject(domain.RejectLimitViolated, fmt.Sprintf("order %d: below limit price", o.ID)), false
	}
	return domain.Verdict{}, true
}

// checkPrices requires a positive price for both tokens of a traded order and
// that the order does not receive more value than it gives.
func checkPrices(o domain.Order, f domain.Fill, prices map[domain.TokenID]*big.Int) (domain.Verdict, bool) {
	if f.SellAmount.Sign() == 0 && f.BuyAmount.Sign() == 0 {
		return domain.Verdict{}, true
	}
	pSell, pBuy := prices[o.SellToken], prices[o.BuyToken]
	if pSell == nil || pSell.Sign() <= 0 {
		return domain.Reject(domain.RejectMissingPrice, fmt.Sprintf("token %d", o.SellToken)), false
	}
	if pBuy == nil || pBuy.Sign() <= 0 {
		return domain.Reject(domain.RejectMissingPrice, fmt.Sprintf("token %d", o.BuyToken)), false
	}
	paid := new(big.Int).Mul(f.BuyAmount, pBuy)
	given := new(big.Int).Mul(f.SellAmount, pSell)
	if paid.Cmp(given) > 0 {
		return domain.Reject(domain.RejectPriceViolated, fmt.Sprintf("order %d: receives %s, gives %s", o.ID, paid, given)), false
	}
	return domain.Verdict{}, true
}

func mergeTokens(a, b map[domain.TokenID]*big.Int) map[domain.TokenID]struct{} {
	out := make(map[domain.TokenID]struct{}, len(a)+len(b))
	for tok := range a {
		out[tok] = struct{}{}
	}
	for tok := range b {
		out[tok] = struct{}{}
	}
	return out
}

func amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
