package storage

// sqlite.go: the driver's own state.
//
// Tables:
//   - confirmed_state: a single row with the last epoch this driver saw
//     settled (root + balances as JSON). Replaced on every settlement.
//   - submission_attempts: append-only history, one row per resolved attempt.
//     Rows older than retentionAttempts are pruned at startup.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS confirmed_state (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    epoch      INTEGER NOT NULL,
    root       TEXT    NOT NULL,
    balances   TEXT    NOT NULL,
    updated_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS submission_attempts (
    id              TEXT PRIMARY KEY,
    epoch           INTEGER NOT NULL,
    solution_digest TEXT    NOT NULL,
    objective       TEXT    NOT NULL DEFAULT '0',
    tx_hash         TEXT    NOT NULL DEFAULT '',
    resubmits       INTEGER NOT NULL DEFAULT 0,
    outcome         TEXT    NOT NULL,
    reason          TEXT    NOT NULL DEFAULT '',
    submitted_at    TEXT    NOT NULL,
    resolved_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_attempts_epoch     ON submission_attempts(epoch);
CREATE INDEX IF NOT EXISTS idx_attempts_submitted ON submission_attempts(submitted_at DESC);
`

const (
	retentionAttempts = 90 * 24 * time.Hour
	defaultHistory    = 50
)

// SQLiteStorage implements ports.StateStore on SQLite (pure Go, no CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// LoadConfirmed returns nil, nil when no epoch has been settled yet.
func (s *SQLiteStorage) LoadConfirmed(ctx context.Context) (*domain.ConfirmedState, error) {
	var (
		state              domain.ConfirmedState
		root, bal, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT epoch, root, balances, updated_at FROM confirmed_state WHERE id = 1`,
	).Scan(&state.Epoch, &root, &bal, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.LoadConfirmed: query: %w", err)
	}

	if state.Root, err = domain.ParseStateRoot(root); err != nil {
		return nil, fmt.Errorf("storage.LoadConfirmed: %w", err)
	}
	if err := json.Unmarshal([]byte(bal), &state.Balances); err != nil {
		return nil, fmt.Errorf("storage.LoadConfirmed: decode balances: %w", err)
	}
	state.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &state, nil
}

func (s *SQLiteStorage) SaveConfirmed(ctx context.Context, state domain.ConfirmedState) error {
	bal, err := json.Marshal(state.Balances)
	if err != nil {
		return fmt.Errorf("storage.SaveConfirmed: encode balances: %w", err)
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO confirmed_state (id, epoch, root, balances, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			epoch      = excluded.epoch,
			root       = excluded.root,
			balances   = excluded.balances,
			updated_at = excluded.updated_at
	`, state.Epoch, state.Root.Hex(), string(bal), formatTime(updated)); err != nil {
		return fmt.Errorf("storage.SaveConfirmed: upsert: %w", err)
	}
	return nil
}

// AppendAttempt inserts a resolved attempt. Recording the same attempt twice is a no-op.
func (s *SQLiteStorage) AppendAttempt(ctx context.Context, a domain.SubmissionAttempt) error {
	var resolved *string
	if a.ResolvedAt != nil {
		r := formatTime(*a.ResolvedAt)
		resolved = &r
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_attempts
			(id, epoch, solution_digest, objective, tx_hash, resubmits, outcome, reason, submitted_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		a.ID, a.Epoch, a.SolutionDigest, a.Objective, a.TxHash, a.Resubmits,
		string(a.Outcome), a.Reason, formatTime(a.SubmittedAt), resolved,
	); err != nil {
		return fmt.Errorf("storage.AppendAttempt: insert %s: %w", a.ID, err)
	}
	return nil
}

// Attempts returns the history of one epoch in submission order, or the
// latest limit attempts (newest first) when epoch is 0.
func (s *SQLiteStorage) Attempts(ctx context.Context, epoch uint64, limit int) ([]domain.SubmissionAttempt, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	const cols = `id, epoch, solution_digest, objective, tx_hash, resubmits, outcome, reason, submitted_at, resolved_at`

	var (
		rows *sql.Rows
		err  error
	)
	if epoch > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM submission_attempts WHERE epoch = ? ORDER BY submitted_at ASC LIMIT ?`,
			epoch, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM submission_attempts ORDER BY submitted_at DESC LIMIT ?`,
			limit)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.Attempts: query: %w", err)
	}
	defer rows.Close()

	var out []domain.SubmissionAttempt
	for rows.Next() {
		var (
			a         domain.SubmissionAttempt
			outcome   string
			submitted string
			resolved  sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Epoch, &a.SolutionDigest, &a.Objective, &a.TxHash,
			&a.Resubmits, &outcome, &a.Reason, &submitted, &resolved); err != nil {
			return nil, fmt.Errorf("storage.Attempts: scan row: %w", err)
		}
		a.Outcome = domain.Outcome(outcome)
		a.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submitted)
		if resolved.Valid {
			if t, err := time.Parse(time.RFC3339Nano, resolved.String); err == nil {
				a.ResolvedAt = &t
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// pruneOld drops attempts past the retention window.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := formatTime(time.Now().Add(-retentionAttempts))
	s.db.ExecContext(ctx, `DELETE FROM submission_attempts WHERE submitted_at < ?`, cutoff)
}

// formatTime stores times as fixed-width UTC text so they sort lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
