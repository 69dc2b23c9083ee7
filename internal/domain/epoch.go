package domain

import (
	"fmt"
	"time"
)

// Epoch is a settlement round as reported by the ledger clock.
// It is a read-only value: the driver re-fetches it instead of advancing it.
type Epoch struct {
	ID       uint64
	Deadline time.Time
}

// Remaining returns how much ledger time is left before the deadline.
func (e Epoch) Remaining(now time.Time) time.Duration {
	return e.Deadline.Sub(now)
}

// Expired reports whether submissions for this epoch are no longer accepted.
func (e Epoch) Expired(now time.Time) bool {
	return !now.Before(e.Deadline)
}

func (e Epoch) String() string {
	return fmt.Sprintf("epoch %d (deadline %s)", e.ID, e.Deadline.UTC().Format(time.RFC3339))
}
