package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/alejandrodnm/batchsettler/internal/ports"
)

// StateBuilder assembles the snapshot a solver works on.
type StateBuilder struct {
	ledger   ports.LedgerGateway
	ingestor ports.EventIngestor
	cache    *ConfirmedCache
	now      func() time.Time
}

func NewStateBuilder(ledger ports.LedgerGateway, ingestor ports.EventIngestor, cache *ConfirmedCache, now func() time.Time) *StateBuilder {
	if now == nil {
		now = time.Now
	}
	return &StateBuilder{ledger: ledger, ingestor: ingestor, cache: cache, now: now}
}

// Build returns the canonical snapshot for epoch. The same ledger root and
// event records always produce byte-identical encodings.
func (b *StateBuilder) Build(ctx context.Context, epoch domain.Epoch) (domain.Snapshot, error) {
	root, err := b.ledger.LastConfirmedRoot(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("builder: last confirmed root: %w", ledgerErr(err))
	}

	prior, err := b.priorBalances(ctx, root)
	if err != nil {
		return domain.Snapshot{}, err
	}

	records, err := b.ingestor.RecordsFor(ctx, epoch.ID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("builder: records for epoch %d: %w", epoch.ID, indexErr(err))
	}
	if !records.CaughtUp {
		return domain.Snapshot{}, fmt.Errorf("builder: epoch %d: %w", epoch.ID, domain.ErrIncompleteIndex)
	}

	balances := prior
	deposits := applyDeposits(balances, records.Deposits)
	withdrawals := applyWithdrawals(balances, records.Withdrawals)
	orders := activeOrders(records.Orders, epoch.ID)

	snap := domain.Snapshot{
		Epoch:       epoch.ID,
		Deadline:    epoch.Deadline,
		PrevRoot:    root,
		Balances:    balances,
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Orders:      orders,
		BuiltAt:     b.now(),
	}

	slog.Debug("builder: snapshot assembled",
		"epoch", epoch.ID,
		"prev_root", root.Hex(),
		"accounts", len(balances),
		"deposits", len(deposits),
		"withdrawals", len(withdrawals),
		"orders", len(orders),
		"net_flows", formatFlows(snap.FlowTotals()),
	)
	return snap, nil
}

// formatFlows renders per-token net flows as "tok:amount" pairs in token order.
func formatFlows(flows map[domain.TokenID]*big.Int) string {
	tokens := make([]domain.TokenID, 0, len(flows))
	for tok := range flows {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = fmt.Sprintf("%d:%s", tok, flows[tok])
	}
	return strings.Join(parts, ",")
}

// priorBalances returns a private copy of the balances committed under root.
// The zero root is the empty genesis state.
func (b *StateBuilder) priorBalances(ctx context.Context, root domain.StateRoot) (domain.Balances, error) {
	if b.cache != nil {
		if cached := b.cache.Load(); cached != nil && cached.Root == root {
			return cached.Balances.Clone(), nil
		}
	}
	if root.IsZero() {
		return domain.Balances{}, nil
	}

	// Someone else settled the last epoch: follow their state from the index.
	bal, err := b.ingestor.AccountState(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("builder: account state %s: %w", root.Hex(), indexErr(err))
	}
	if bal == nil {
		return nil, fmt.Errorf("builder: account state %s: %w", root.Hex(), domain.ErrIncompleteIndex)
	}
	return bal.Clone(), nil
}

func indexErr(err error) error {
	if errors.Is(err, domain.ErrIncompleteIndex) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrIncompleteIndex, err)
}

func applyDeposits(bal domain.Balances, in []domain.Deposit) []domain.Deposit {
	out := make([]domain.Deposit, 0, len(in))
	for _, d := range in {
		if d.Amount == nil || d.Amount.Sign() <= 0 {
			slog.Warn("builder: skipping malformed deposit", "account", d.Account, "seq", d.Seq)
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Seq < out[j].Seq
	})
	for _, d := range out {
		bal.Credit(d.Account, d.Token, d.Amount)
	}
	return out
}

// applyWithdrawals debits every withdrawal the balance can cover. The others
// stay in the snapshot flagged invalid.
func applyWithdrawals(bal domain.Balances, in []domain.Withdrawal) []domain.Withdrawal {
	out := make([]domain.Withdrawal, 0, len(in))
	for _, w := range in {
		if w.Amount == nil || w.Amount.Sign() <= 0 {
			slog.Warn("builder: skipping malformed withdrawal", "account", w.Account, "seq", w.Seq)
			continue
		}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Seq < out[j].Seq
	})
	for i := range out {
		w := &out[i]
		w.Valid = bal.Get(w.Account, w.Token).Cmp(w.Amount) >= 0
		if w.Valid {
			bal.Debit(w.Account, w.Token, w.Amount)
		}
	}
	return out
}

func activeOrders(in []domain.Order, epoch uint64) []domain.Order {
	out := make([]domain.Order, 0, len(in))
	for _, o := range in {
		if !o.CoversEpoch(epoch) {
			continue
		}
		if o.MaxSell == nil || o.MaxSell.Sign() <= 0 || o.MinBuy == nil || o.MinBuy.Sign() < 0 || o.SellToken == o.BuyToken {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	return out
}
