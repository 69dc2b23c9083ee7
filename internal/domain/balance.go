package domain

import (
	"math/big"
	"sort"
	"strings"
)

// AccountID is a lower-case, 0x-prefixed account address.
type AccountID string

// NewAccountID normalizes an address into an AccountID.
func NewAccountID(addr string) AccountID {
	a := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(a, "0x") {
		a = "0x" + a
	}
	return AccountID(a)
}

// TokenID is the exchange-assigned index of a listed token.
type TokenID uint16

// Balances maps account → token → amount.
type Balances map[AccountID]map[TokenID]*big.Int

// Get returns the balance of account for token, zero if absent. The returned
// value must not be modified.
func (b Balances) Get(account AccountID, token TokenID) *big.Int {
	if tokens, ok := b[account]; ok {
		if v, ok := tokens[token]; ok && v != nil {
			return v
		}
	}
	return new(big.Int)
}

// Credit adds amount to the account's token balance.
func (b Balances) Credit(account AccountID, token TokenID, amount *big.Int) {
	tokens, ok := b[account]
	if !ok {
		tokens = make(map[TokenID]*big.Int)
		b[account] = tokens
	}
	cur := tokens[token]
	if cur == nil {
		cur = new(big.Int)
	}
	tokens[token] = new(big.Int).Add(cur, amount)
}

// Debit subtracts amount unconditionally; the result may go negative.
func (b Balances) Debit(account AccountID, token TokenID, amount *big.Int) {
	b.Credit(account, token, new(big.Int).Neg(amount))
}

// Clone returns a deep copy.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for acc, tokens := range b {
		cp := make(map[TokenID]*big.Int, len(tokens))
		for tok, v := range tokens {
			if v == nil {
				continue
			}
			cp[tok] = new(big.Int).Set(v)
		}
		out[acc] = cp
	}
	return out
}

// Totals sums every token across all accounts.
func (b Balances) Totals() map[TokenID]*big.Int {
	totals := make(map[TokenID]*big.Int)
	for _, tokens := range b {
		for tok, v := range tokens {
			if v == nil {
				continue
			}
			if _, ok := totals[tok]; !ok {
				totals[tok] = new(big.Int)
			}
			totals[tok].Add(totals[tok], v)
		}
	}
	return totals
}

// Accounts returns the account ids in ascending order.
func (b Balances) Accounts() []AccountID {
	ids := make([]AccountID, 0, len(b))
	for acc := range b {
		ids = append(ids, acc)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Equal compares two balance maps, treating missing entries as zero.
func (b Balances) Equal(other Balances) bool {
	return b.covers(other) && other.covers(b)
}

func (b Balances) covers(other Balances) bool {
	for acc, tokens := range b {
		for tok, v := range tokens {
			if v == nil {
				continue
			}
			if v.Cmp(other.Get(acc, tok)) != 0 {
				return false
			}
		}
	}
	return true
}

// FirstNegative returns the first (account, token) pair with a negative balance,
// in account order.
func (b Balances) FirstNegative() (AccountID, TokenID, bool) {
	for _, acc := range b.Accounts() {
		tokens := b[acc]
		toks := make([]TokenID, 0, len(tokens))
		for tok := range tokens {
			toks = append(toks, tok)
		}
		sort.Slice(toks, func(i, j int) bool { return toks[i] < toks[j] })
		for _, tok := range toks {
			if v := tokens[tok]; v != nil && v.Sign() < 0 {
				return acc, tok, true
			}
		}
	}
	return "", 0, false
}
