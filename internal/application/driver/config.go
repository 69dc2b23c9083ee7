package driver

import "time"

// Config holds the driver's timing and retry bounds.
type Config struct {
	PollInterval        time.Duration // between epoch checks when idle
	SafetyMargin        time.Duration // time kept in reserve before a deadline
	IndexRetryDelay     time.Duration // wait while the event index catches up
	MaxSolveAttempts    int
	MaxResubmits        int
	FinalityTimeout     time.Duration // per transaction
	ReceiptPollInterval time.Duration
	LedgerBackoffMax    time.Duration
	Once                bool // stop after the first finished epoch
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        10 * time.Second,
		SafetyMargin:        30 * time.Second,
		IndexRetryDelay:     5 * time.Second,
		MaxSolveAttempts:    3,
		MaxResubmits:        2,
		FinalityTimeout:     60 * time.Second,
		ReceiptPollInterval: 3 * time.Second,
		LedgerBackoffMax:    2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.IndexRetryDelay <= 0 {
		c.IndexRetryDelay = d.IndexRetryDelay
	}
	if c.MaxSolveAttempts <= 0 {
		c.MaxSolveAttempts = d.MaxSolveAttempts
	}
	if c.MaxResubmits < 0 {
		c.MaxResubmits = 0
	}
	if c.FinalityTimeout <= 0 {
		c.FinalityTimeout = d.FinalityTimeout
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = d.ReceiptPollInterval
	}
	if c.LedgerBackoffMax <= 0 {
		c.LedgerBackoffMax = d.LedgerBackoffMax
	}
	return c
}
