package driver

import (
	"sync/atomic"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

// ConfirmedCache holds the last confirmed state. The loop is the only writer;
// the state builder reads it. Stored values are never modified.
type ConfirmedCache struct {
	p atomic.Pointer[domain.ConfirmedState]
}

// Load returns the cached state or nil.
func (c *ConfirmedCache) Load() *domain.ConfirmedState {
	return c.p.Load()
}

// Store replaces the cached state with a copy of s.
func (c *ConfirmedCache) Store(s domain.ConfirmedState) {
	s.Balances = s.Balances.Clone()
	c.p.Store(&s)
}
