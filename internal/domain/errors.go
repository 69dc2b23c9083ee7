package domain

import "errors"

// Errors shared by the driver and its adapters. Callers classify with errors.Is;
// adapters wrap them with their own context.
var (
	// ErrLedgerUnavailable: the ledger gateway could not answer. Transient.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrIncompleteIndex: the event log has not caught up to the epoch boundary yet.
	ErrIncompleteIndex = errors.New("event index incomplete")

	// ErrSolverTimeout: the solver did not answer within its budget.
	ErrSolverTimeout = errors.New("solver timeout")

	// ErrSolverInvalidOutput: the solver answered with a malformed solution.
	ErrSolverInvalidOutput = errors.New("solver returned invalid output")

	// ErrDeadlinePassed: the epoch deadline was reached, nothing more can be sent for it.
	ErrDeadlinePassed = errors.New("epoch deadline passed")

	// ErrIdentity: the driver cannot authenticate to the ledger. Fatal for the process.
	ErrIdentity = errors.New("ledger identity failure")
)
