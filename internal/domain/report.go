package domain

import (
	"math/big"
	"time"
)

// DriverState is the state of the per-epoch state machine.
type DriverState string

const (
	StateIdle       DriverState = "idle"
	StateAssembling DriverState = "assembling"
	StateSolving    DriverState = "solving"
	StateValidating DriverState = "validating"
	StateSubmitting DriverState = "submitting"
	StateSettled    DriverState = "settled"
	StateAbandoned  DriverState = "abandoned"
)

// Reasons an epoch is abandoned.
const (
	ReasonDeadline         = "deadline_passed"
	ReasonEpochMoved       = "epoch_moved"
	ReasonNoBetterSolution = "no_better_solution"
	ReasonSolveAttempts    = "solve_attempts_exhausted"
	ReasonSameSnapshot     = "snapshot_unchanged"
	ReasonSuperseded       = "superseded"
	ReasonReverted         = "reverted"
	ReasonDropped          = "dropped"
)

// ConfirmedState is the last state the driver knows to be settled on the ledger.
type ConfirmedState struct {
	Epoch     uint64    `json:"epoch"`
	Root      StateRoot `json:"root"`
	Balances  Balances  `json:"balances"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EpochReport summarizes how the driver finished an epoch.
type EpochReport struct {
	Epoch     uint64              `json:"epoch"`
	State     DriverState         `json:"state"`
	Reason    string              `json:"reason,omitempty"`
	Objective *big.Int            `json:"objective,omitempty"`
	Root      StateRoot           `json:"root"`
	Attempts  []SubmissionAttempt `json:"attempts"`
	Duration  time.Duration       `json:"duration_ns"`
}
