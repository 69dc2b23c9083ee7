package domain

import "math/big"

// Rejection reasons produced by the solution validator.
const (
	RejectNegativeBalance = "negative_balance"
	RejectUnknownOrder    = "unknown_order"
	RejectDuplicateFill   = "duplicate_fill"
	RejectLimitViolated   = "limit_violated"
	RejectMissingPrice    = "missing_price"
	RejectPriceViolated   = "price_violated"
	RejectNotConserved    = "not_conserved"
	RejectBalanceMismatch = "balance_mismatch"
	RejectRootMismatch    = "root_mismatch"
	RejectNotImproving    = "not_improving"
)

// Verdict is the validator's decision on a solution. Rejections are values,
// not errors.
type Verdict struct {
	Accepted  bool
	Reason    string
	Detail    string
	Objective *big.Int
	Root      StateRoot
}

func Accept(objective *big.Int, root StateRoot) Verdict {
	return Verdict{Accepted: true, Objective: objective, Root: root}
}

func Reject(reason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}
