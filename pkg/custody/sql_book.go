package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
)

// SQLBook is a durable balance book over database/sql, for deployments that run the
// pool without an external custody service. It must not share a single-connection
// database with the pool store: the pool calls into the book while holding its own
// transaction open.
type SQLBook struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLBook creates a book over db. Call Init before use.
func NewSQLBook(db *sql.DB) *SQLBook {
	return &SQLBook{db: db, logger: slog.Default().With("component", "custody")}
}

// Init creates the balance table if it does not exist.
func (b *SQLBook) Init(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS custody_balances (
	account TEXT PRIMARY KEY,
	balance BIGINT NOT NULL CHECK (balance >= 0)
)`)
	if err != nil {
		return fmt.Errorf("custody schema: %w", err)
	}
	return nil
}

// Mint credits amount to who.
func (b *SQLBook) Mint(ctx context.Context, who access.Identity, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("mint %d to %q: negative amount", amount, who)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mint: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := credit(ctx, tx, who, amount)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	if !ok {
		return fmt.Errorf("mint %d to %q: balance overflow", amount, who)
	}
	return tx.Commit()
}

// Account returns an Asset bound to the given account.
func (b *SQLBook) Account(id access.Identity) Asset {
	return &sqlAccount{book: b, id: id}
}

func (b *SQLBook) balance(ctx context.Context, who access.Identity) (int64, error) {
	var bal int64
	err := b.db.QueryRowContext(ctx, `SELECT balance FROM custody_balances WHERE account = $1`, string(who)).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance of %q: %w", who, err)
	}
	return bal, nil
}

// move debits from and credits to in one transaction. Returns false when from lacks
// funds or the credit would overflow.
func (b *SQLBook) move(ctx context.Context, from, to access.Identity, amount int64) (bool, error) {
	if amount < 0 {
		return false, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("transfer: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE custody_balances SET balance = balance - $1 WHERE account = $2 AND balance >= $3`,
		amount, string(from), amount)
	if err != nil {
		return false, fmt.Errorf("transfer: debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transfer: debit: %w", err)
	}
	if n == 0 && amount > 0 {
		b.logger.Debug("transfer refused", "from", from, "to", to, "amount", amount, "reason", "insufficient funds")
		return false, nil
	}
	ok, err := credit(ctx, tx, to, amount)
	if err != nil {
		return false, fmt.Errorf("transfer: %w", err)
	}
	if !ok {
		b.logger.Debug("transfer refused", "from", from, "to", to, "amount", amount, "reason", "overflow")
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("transfer: commit: %w", err)
	}
	return true, nil
}

func credit(ctx context.Context, tx *sql.Tx, who access.Identity, amount int64) (bool, error) {
	var bal int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM custody_balances WHERE account = $1`, string(who)).Scan(&bal)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		bal = 0
	case err != nil:
		return false, fmt.Errorf("credit: read %q: %w", who, err)
	}
	if bal > math.MaxInt64-amount {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO custody_balances (account, balance) VALUES ($1, $2)
ON CONFLICT (account) DO UPDATE SET balance = custody_balances.balance + EXCLUDED.balance`,
		string(who), amount)
	if err != nil {
		return false, fmt.Errorf("credit %q: %w", who, err)
	}
	return true, nil
}

type sqlAccount struct {
	book *SQLBook
	id   access.Identity
}

func (a *sqlAccount) Transfer(ctx context.Context, to access.Identity, amount int64) (bool, error) {
	return a.book.move(ctx, a.id, to, amount)
}

func (a *sqlAccount) TransferFrom(ctx context.Context, from, to access.Identity, amount int64) (bool, error) {
	return a.book.move(ctx, from, to, amount)
}

func (a *sqlAccount) BalanceOf(ctx context.Context, who access.Identity) (int64, error) {
	return a.book.balance(ctx, who)
}
