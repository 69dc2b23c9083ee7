package driver

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
)

const (
	alice = domain.AccountID("0xaaaa")
	bob   = domain.AccountID("0xbbbb")
)

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// --- ledger ---

type fakeLedger struct {
	mu        sync.Mutex
	epoch     domain.Epoch
	epochErr  error
	epochs    []domain.Epoch // consumed one per CurrentEpoch call before falling back to epoch
	root      domain.StateRoot
	rootErr   error
	submitErr error
	submitted []domain.Submission
	polls     int
	onPoll    func(n int) domain.TxStatus
}

func (f *fakeLedger) CurrentEpoch(ctx context.Context) (domain.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.epochErr != nil {
		return domain.Epoch{}, f.epochErr
	}
	if len(f.epochs) > 0 {
		e := f.epochs[0]
		f.epochs = f.epochs[1:]
		return e, nil
	}
	return f.epoch, nil
}

func (f *fakeLedger) LastConfirmedRoot(ctx context.Context) (domain.StateRoot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.root, f.rootErr
}

func (f *fakeLedger) Submit(ctx context.Context, sub domain.Submission) (domain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return domain.TxHandle{}, f.submitErr
	}
	f.submitted = append(f.submitted, sub)
	return domain.TxHandle{Hash: fmt.Sprintf("0xtx%d", len(f.submitted)), Nonce: uint64(len(f.submitted)), GasPrice: big.NewInt(100)}, nil
}

func (f *fakeLedger) Poll(ctx context.Context, tx domain.TxHandle) (domain.TxStatus, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	onPoll := f.onPoll
	f.mu.Unlock()
	if onPoll == nil {
		return domain.TxConfirmed, nil
	}
	return onPoll(n), nil
}

func (f *fakeLedger) setRoot(r domain.StateRoot) {
	f.mu.Lock()
	f.root = r
	f.mu.Unlock()
}

func (f *fakeLedger) submissions() []domain.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Submission(nil), f.submitted...)
}

// --- ingestor ---

type fakeIngestor struct {
	mu          sync.Mutex
	records     domain.EpochRecords
	notCaughtUp int // RecordsFor reports CaughtUp=false this many times first
	states      map[domain.StateRoot]domain.Balances
	stateCalls  int
	recordCalls int
}

func (f *fakeIngestor) RecordsFor(ctx context.Context, epoch uint64) (domain.EpochRecords, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordCalls++
	if f.notCaughtUp > 0 {
		f.notCaughtUp--
		return domain.EpochRecords{CaughtUp: false}, nil
	}
	rec := f.records
	rec.CaughtUp = true
	return rec, nil
}

func (f *fakeIngestor) AccountState(ctx context.Context, root domain.StateRoot) (domain.Balances, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	bal, ok := f.states[root]
	if !ok {
		return nil, fmt.Errorf("root %s: %w", root.Hex(), domain.ErrIncompleteIndex)
	}
	return bal, nil
}

// --- solver ---

type solverFunc func(ctx context.Context, snap domain.Snapshot) (domain.Solution, error)

func (f solverFunc) Solve(ctx context.Context, snap domain.Snapshot) (domain.Solution, error) {
	return f(ctx, snap)
}

type countingSolver struct {
	mu    sync.Mutex
	calls int
	fn    solverFunc
}

func (c *countingSolver) Solve(ctx context.Context, snap domain.Snapshot) (domain.Solution, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.fn(ctx, snap)
}

func (c *countingSolver) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func trivialSolver() solverFunc {
	return func(ctx context.Context, snap domain.Snapshot) (domain.Solution, error) {
		return domain.Trivial(snap), nil
	}
}

// --- store ---

type memStore struct {
	mu        sync.Mutex
	confirmed *domain.ConfirmedState
	attempts  []domain.SubmissionAttempt
}

func (m *memStore) LoadConfirmed(ctx context.Context) (*domain.ConfirmedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed, nil
}

func (m *memStore) SaveConfirmed(ctx context.Context, s domain.ConfirmedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed = &s
	return nil
}

func (m *memStore) AppendAttempt(ctx context.Context, a domain.SubmissionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memStore) Attempts(ctx context.Context, epoch uint64, limit int) ([]domain.SubmissionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SubmissionAttempt(nil), m.attempts...), nil
}

func (m *memStore) Close() error { return nil }

// --- notifier ---

type recordingNotifier struct {
	mu      sync.Mutex
	reports []domain.EpochReport
}

func (r *recordingNotifier) Notify(ctx context.Context, report domain.EpochReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

// --- helpers ---

func amt(v int64) *big.Int { return big.NewInt(v) }

func testConfig() Config {
	return Config{
		PollInterval:        5 * time.Millisecond,
		SafetyMargin:        time.Second,
		IndexRetryDelay:     5 * time.Millisecond,
		MaxSolveAttempts:    3,
		MaxResubmits:        2,
		FinalityTimeout:     50 * time.Millisecond,
		ReceiptPollInterval: 5 * time.Millisecond,
		LedgerBackoffMax:    20 * time.Millisecond,
	}
}

// tradingSnapshot has alice selling 10 of token 1 and bob selling 20 of token 2.
func tradingSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Epoch:    7,
		Deadline: time.Now().Add(time.Minute),
		Balances: domain.Balances{alice: {1: amt(10)}, bob: {2: amt(20)}},
		Orders: []domain.Order{
			{ID: 1, Account: alice, Seq: 1, SellToken: 1, BuyToken: 2, MaxSell: amt(10), MinBuy: amt(10), ValidUntil: 10},
			{ID: 2, Account: bob, Seq: 1, SellToken: 2, BuyToken: 1, MaxSell: amt(20), MinBuy: amt(12), ValidUntil: 10},
		},
	}
}

// tradingSolution settles both orders of tradingSnapshot at 10 for 10.
func tradingSolution(snap domain.Snapshot) domain.Solution {
	fills := []domain.Fill{
		{OrderID: 1, SellAmount: amt(10), BuyAmount: amt(10)},
		{OrderID: 2, SellAmount: amt(10), BuyAmount: amt(10)},
	}
	prices := map[domain.TokenID]*big.Int{1: amt(10), 2: amt(10)}
	bal := domain.ApplyFills(snap, fills)
	return domain.Solution{
		Balances:  bal,
		Fills:     fills,
		Prices:    prices,
		Objective: domain.Objective(snap, fills, prices),
		Root:      domain.ComputeRoot(snap.Epoch, bal),
	}
}
