// Package wallet is the per-user balance ledger the executor debits
// before moving bytes.
package wallet

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Ledger debits and credits user balances in cents. Debit returns
// false, not an error, when the balance is insufficient.
type Ledger interface {
	Debit(ctx context.Context, userID string, amountCents int64, description string) (bool, error)
	Credit(ctx context.Context, userID string, amountCents int64, description string) error
	Balance(ctx context.Context, userID string) (int64, error)
}

// Pg is the Postgres ledger. The debit is a single conditional update
// so concurrent debits can never drive a balance negative.
type Pg struct {
	db *pgxpool.Pool
}

func NewPg(db *pgxpool.Pool) *Pg { return &Pg{db: db} }

func (w *Pg) Debit(ctx context.Context, userID string, amountCents int64, description string) (bool, error) {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `update wallets
    set balance_cents = balance_cents - $2, updated_at = now()
  where user_id = $1 and balance_cents >= $2`, userID, amountCents)
	if err != nil {
		return false, errors.Wrap(err, "debit")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `insert into wallet_transactions(user_id, amount_cents, description)
values ($1, $2, $3)`, userID, -amountCents, description); err != nil {
		return false, errors.Wrap(err, "record debit")
	}
	return true, errors.Wrap(tx.Commit(ctx), "commit")
}

func (w *Pg) Credit(ctx context.Context, userID string, amountCents int64, description string) error {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `insert into wallets(user_id, balance_cents)
values ($1, $2)
on conflict (user_id) do update
    set balance_cents = wallets.balance_cents + excluded.balance_cents,
        updated_at = now()`, userID, amountCents); err != nil {
		return errors.Wrap(err, "credit")
	}
	if _, err := tx.Exec(ctx, `insert into wallet_transactions(user_id, amount_cents, description)
values ($1, $2, $3)`, userID, amountCents, description); err != nil {
		return errors.Wrap(err, "record credit")
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

func (w *Pg) Balance(ctx context.Context, userID string) (int64, error) {
	var cents int64
	err := w.db.QueryRow(ctx,
		`select coalesce((select balance_cents from wallets where user_id = $1), 0)`,
		userID).Scan(&cents)
	return cents, errors.Wrap(err, "balance")
}

// Memory is the test ledger.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	Debits   []string
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64)}
}

func (w *Memory) Debit(_ context.Context, userID string, amountCents int64, description string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[userID] < amountCents {
		return false, nil
	}
	w.balances[userID] -= amountCents
	w.Debits = append(w.Debits, description)
	return true, nil
}

func (w *Memory) Credit(_ context.Context, userID string, amountCents int64, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] += amountCents
	return nil
}

func (w *Memory) Balance(_ context.Context, userID string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID], nil
}
