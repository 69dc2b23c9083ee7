package domain

import "math/big"

// Deposit credits Amount of Token to Account when its epoch is settled.
type Deposit struct {
	Account AccountID `json:"account"`
	Token   TokenID   `json:"token"`
	Amount  *big.Int  `json:"amount"`
	Epoch   uint64    `json:"epoch"`
	Seq     uint64    `json:"seq"`
}

// Withdrawal debits Amount of Token from Account. Valid is decided when the
// snapshot is built: a withdrawal larger than the balance is kept but not applied.
type Withdrawal struct {
	Account AccountID `json:"account"`
	Token   TokenID   `json:"token"`
	Amount  *big.Int  `json:"amount"`
	Epoch   uint64    `json:"epoch"`
	Seq     uint64    `json:"seq"`
	Valid   bool      `json:"valid"`
}

// Order is a limit order: sell at most MaxSell of SellToken for at least
// MinBuy/MaxSell BuyToken per unit, during epochs [ValidFrom, ValidUntil].
type Order struct {
	ID         uint64    `json:"id"`
	Account    AccountID `json:"account"`
	Seq        uint64    `json:"seq"`
	SellToken  TokenID   `json:"sell_token"`
	BuyToken   TokenID   `json:"buy_token"`
	MaxSell    *big.Int  `json:"max_sell"`
	MinBuy     *big.Int  `json:"min_buy"`
	ValidFrom  uint64    `json:"valid_from"`
	ValidUntil uint64    `json:"valid_until"`
}

// CoversEpoch reports whether the order may be traded in the given epoch.
func (o Order) CoversEpoch(epoch uint64) bool {
	return o.ValidFrom <= epoch && epoch <= o.ValidUntil
}

// EpochRecords is everything the event log knows for one epoch boundary.
type EpochRecords struct {
	Deposits    []Deposit
	Withdrawals []Withdrawal
	Orders      []Order
	CaughtUp    bool
}
