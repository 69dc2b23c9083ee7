package storage

// eventlog.go: what the indexer saw on the exchange contract.
//
// The same schema runs on SQLite (local runs, tests) and Postgres (a shared
// indexer database). Queries are written with ? placeholders and rebound to
// $n for Postgres. Amounts are stored as decimal TEXT so nothing overflows.
//
// Tables:
//   - deposits, withdrawals: keyed by (epoch, account, seq), insert-once
//   - orders: keyed by order id, insert-once
//   - state_roots + account_states: balances committed under each settled root
//   - index_progress: the highest epoch boundary the indexer has fully processed

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS deposits (
    epoch   BIGINT  NOT NULL,
    account TEXT    NOT NULL,
    seq     BIGINT  NOT NULL,
    token   INTEGER NOT NULL,
    amount  TEXT    NOT NULL,
    PRIMARY KEY (epoch, account, seq)
);

CREATE TABLE IF NOT EXISTS withdrawals (
    epoch   BIGINT  NOT NULL,
    account TEXT    NOT NULL,
    seq     BIGINT  NOT NULL,
    token   INTEGER NOT NULL,
    amount  TEXT    NOT NULL,
    PRIMARY KEY (epoch, account, seq)
);

CREATE TABLE IF NOT EXISTS orders (
    id          BIGINT  PRIMARY KEY,
    account     TEXT    NOT NULL,
    seq         BIGINT  NOT NULL,
    sell_token  INTEGER NOT NULL,
    buy_token   INTEGER NOT NULL,
    max_sell    TEXT    NOT NULL,
    min_buy     TEXT    NOT NULL,
    valid_from  BIGINT  NOT NULL,
    valid_until BIGINT  NOT NULL
);

CREATE TABLE IF NOT EXISTS state_roots (
    root  TEXT   PRIMARY KEY,
    epoch BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS account_states (
    root    TEXT    NOT NULL,
    account TEXT    NOT NULL,
    token   INTEGER NOT NULL,
    amount  TEXT    NOT NULL,
    PRIMARY KEY (root, account, token)
);

CREATE TABLE IF NOT EXISTS index_progress (
    id            INTEGER PRIMARY KEY,
    indexed_epoch BIGINT  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_validity ON orders(valid_from, valid_until);
`

// EventLog implements ports.EventIngestor over the indexer's tables and
// exposes the writes the indexer feed performs.
type EventLog struct {
	db       *sql.DB
	postgres bool
}

// OpenEventLog opens the event log. driver is "sqlite" or "postgres".
func OpenEventLog(driver, dsn string) (*EventLog, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("storage.OpenEventLog: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenEventLog: open: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.OpenEventLog: apply schema: %w", err)
	}
	return &EventLog{db: db, postgres: driver == "postgres"}, nil
}

// Close closes the database.
func (l *EventLog) Close() error {
	return l.db.Close()
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// RecordsFor returns the deposits and withdrawals of epoch and every order
// whose validity window covers it.
func (l *EventLog) RecordsFor(ctx context.Context, epoch uint64) (domain.EpochRecords, error) {
	var recs domain.EpochRecords

	indexed, err := l.IndexedEpoch(ctx)
	if err != nil {
		return recs, fmt.Errorf("storage.RecordsFor: %w", err)
	}
	recs.CaughtUp = indexed >= epoch

	if recs.Deposits, err = l.deposits(ctx, epoch); err != nil {
		return recs, fmt.Errorf("storage.RecordsFor: %w", err)
	}
	if recs.Withdrawals, err = l.withdrawals(ctx, epoch); err != nil {
		return recs, fmt.Errorf("storage.RecordsFor: %w", err)
	}
	if recs.Orders, err = l.orders(ctx, epoch); err != nil {
		return recs, fmt.Errorf("storage.RecordsFor: %w", err)
	}
	return recs, nil
}

// AccountState returns the balances committed under root. A root never
// recorded wraps domain.ErrIncompleteIndex.
func (l *EventLog) AccountState(ctx context.Context, root domain.StateRoot) (domain.Balances, error) {
	var epoch uint64
	err := l.db.QueryRowContext(ctx,
		l.rebind(`SELECT epoch FROM state_roots WHERE root = ?`), root.Hex(),
	).Scan(&epoch)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage.AccountState: root %s not indexed: %w", root.Hex(), domain.ErrIncompleteIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.AccountState: lookup root: %w", err)
	}

	rows, err := l.db.QueryContext(ctx,
		l.rebind(`SELECT account, token, amount FROM account_states WHERE root = ?`), root.Hex())
	if err != nil {
		return nil, fmt.Errorf("storage.AccountState: query: %w", err)
	}
	defer rows.Close()

	bal := make(domain.Balances)
	for rows.Next() {
		var (
			acc    domain.AccountID
			tok    domain.TokenID
			amount string
		)
		if err := rows.Scan(&acc, &tok, &amount); err != nil {
			return nil, fmt.Errorf("storage.AccountState: scan: %w", err)
		}
		v, err := parseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("storage.AccountState: %s/%d: %w", acc, tok, err)
		}
		bal.Credit(acc, tok, v)
	}
	return bal, rows.Err()
}

// IndexedEpoch returns the highest epoch boundary fully indexed, 0 if none.
func (l *EventLog) IndexedEpoch(ctx context.Context) (uint64, error) {
	var epoch uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT indexed_epoch FROM index_progress WHERE id = 1`).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("index progress: %w", err)
	}
	return epoch, nil
}

func (l *EventLog) deposits(ctx context.Context, epoch uint64) ([]domain.Deposit, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT account, token, amount, seq FROM deposits
		WHERE epoch = ? ORDER BY account, seq`), epoch)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	out := []domain.Deposit{}
	for rows.Next() {
		d := domain.Deposit{Epoch: epoch}
		var amount string
		if err := rows.Scan(&d.Account, &d.Token, &amount, &d.Seq); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		if d.Amount, err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("deposit %s/%d: %w", d.Account, d.Seq, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (l *EventLog) withdrawals(ctx context.Context, epoch uint64) ([]domain.Withdrawal, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT account, token, amount, seq FROM withdrawals
		WHERE epoch = ? ORDER BY account, seq`), epoch)
	if err != nil {
		return nil, fmt.Errorf("query withdrawals: %w", err)
	}
	defer rows.Close()

	out := []domain.Withdrawal{}
	for rows.Next() {
		w := domain.Withdrawal{Epoch: epoch}
		var amount string
		if err := rows.Scan(&w.Account, &w.Token, &amount, &w.Seq); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		if w.Amount, err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("withdrawal %s/%d: %w", w.Account, w.Seq, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (l *EventLog) orders(ctx context.Context, epoch uint64) ([]domain.Order, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT id, account, seq, sell_token, buy_token, max_sell, min_buy, valid_from, valid_until
		FROM orders
		WHERE valid_from <= ? AND valid_until >= ?
		ORDER BY account, seq, id`), epoch, epoch)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	out := []domain.Order{}
	for rows.Next() {
		var (
			o               domain.Order
			maxSell, minBuy string
		)
		if err := rows.Scan(&o.ID, &o.Account, &o.Seq, &o.SellToken, &o.BuyToken,
			&maxSell, &minBuy, &o.ValidFrom, &o.ValidUntil); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if o.MaxSell, err = parseAmount(maxSell); err != nil {
			return nil, fmt.Errorf("order %d max_sell: %w", o.ID, err)
		}
		if o.MinBuy, err = parseAmount(minBuy); err != nil {
			return nil, fmt.Errorf("order %d min_buy: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ─── Writes ───────────────────────────────────────────────────────────────────

// RecordDeposit stores a deposit. Replays of the same (epoch, account, seq) are ignored.
func (l *EventLog) RecordDeposit(ctx context.Context, d domain.Deposit) error {
	if d.Amount == nil {
		return fmt.Errorf("storage.RecordDeposit: %s/%d: missing amount", d.Account, d.Seq)
	}
	if _, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO deposits (epoch, account, seq, token, amount)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		d.Epoch, string(d.Account), d.Seq, int(d.Token), d.Amount.String(),
	); err != nil {
		return fmt.Errorf("storage.RecordDeposit: insert: %w", err)
	}
	return nil
}

// RecordWithdrawal stores a withdrawal request. Validity is decided by the
// snapshot builder, not here.
func (l *EventLog) RecordWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if w.Amount == nil {
		return fmt.Errorf("storage.RecordWithdrawal: %s/%d: missing amount", w.Account, w.Seq)
	}
	if _, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO withdrawals (epoch, account, seq, token, amount)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		w.Epoch, string(w.Account), w.Seq, int(w.Token), w.Amount.String(),
	); err != nil {
		return fmt.Errorf("storage.RecordWithdrawal: insert: %w", err)
	}
	return nil
}

// RecordOrder stores an order. The first write of an id wins.
func (l *EventLog) RecordOrder(ctx context.Context, o domain.Order) error {
	if o.MaxSell == nil || o.MinBuy == nil {
		return fmt.Errorf("storage.RecordOrder: order %d: missing amounts", o.ID)
	}
	if _, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO orders (id, account, seq, sell_token, buy_token, max_sell, min_buy, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		o.ID, string(o.Account), o.Seq, int(o.SellToken), int(o.BuyToken),
		o.MaxSell.String(), o.MinBuy.String(), o.ValidFrom, o.ValidUntil,
	); err != nil {
		return fmt.Errorf("storage.RecordOrder: insert %d: %w", o.ID, err)
	}
	return nil
}

// RecordAccountState stores the balances committed under root at epoch.
// Zero entries are skipped; a root already recorded is left untouched.
func (l *EventLog) RecordAccountState(ctx context.Context, root domain.StateRoot, epoch uint64, bal domain.Balances) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.RecordAccountState: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, l.rebind(`
		INSERT INTO state_roots (root, epoch) VALUES (?, ?)
		ON CONFLICT DO NOTHING`), root.Hex(), epoch)
	if err != nil {
		return fmt.Errorf("storage.RecordAccountState: insert root: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, l.rebind(`
		INSERT INTO account_states (root, account, token, amount) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("storage.RecordAccountState: prepare: %w", err)
	}
	defer stmt.Close()

	for acc, tokens := range bal {
		for tok, v := range tokens {
			if v == nil || v.Sign() == 0 {
				continue
			}
			if _, err := stmt.ExecContext(ctx, root.Hex(), string(acc), int(tok), v.String()); err != nil {
				return fmt.Errorf("storage.RecordAccountState: insert %s/%d: %w", acc, tok, err)
			}
		}
	}
	return tx.Commit()
}

// MarkIndexed advances the indexed epoch boundary. It never moves backwards.
func (l *EventLog) MarkIndexed(ctx context.Context, epoch uint64) error {
	if _, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO index_progress (id, indexed_epoch) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET indexed_epoch = excluded.indexed_epoch
		WHERE index_progress.indexed_epoch < excluded.indexed_epoch`), epoch); err != nil {
		return fmt.Errorf("storage.MarkIndexed: upsert: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $1, $2, ... for Postgres.
func (l *EventLog) rebind(q string) string {
	if !l.postgres {
		return q
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
