package domain

import (
	"encoding/hex"
	"math/big"
	"time"
)

// Outcome is the terminal (or pending) result of one submission attempt.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeReverted   Outcome = "reverted"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeDropped    Outcome = "dropped"
)

// Terminal reports whether no further polling is needed.
func (o Outcome) Terminal() bool { return o != OutcomePending }

// SubmissionAttempt is one entry of the append-only submission history.
type SubmissionAttempt struct {
	ID             string     `json:"id"`
	Epoch          uint64     `json:"epoch"`
	SolutionDigest string     `json:"solution_digest"`
	Objective      string     `json:"objective"`
	TxHash         string     `json:"tx_hash"`
	Resubmits      int        `json:"resubmits"`
	Outcome        Outcome    `json:"outcome"`
	Reason         string     `json:"reason,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Submission is what gets sent to the ledger for one epoch.
type Submission struct {
	Epoch    uint64
	PrevRoot StateRoot
	NewRoot  StateRoot
	Payload  []byte
	Nonce    [32]byte

	// Replaces is the earlier send this one supersedes in the mempool, if any.
	Replaces *TxHandle
}

// NonceHex is the printable form of Nonce.
func (s Submission) NonceHex() string { return "0x" + hex.EncodeToString(s.Nonce[:]) }

// TxHandle identifies a sent transaction.
type TxHandle struct {
	Hash     string
	Nonce    uint64
	GasPrice *big.Int
	SentAt   time.Time
}

// TxStatus is the ledger's view of a sent transaction.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxReverted
)

func (s TxStatus) String() string {
	switch s {
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return "pending"
	}
}
