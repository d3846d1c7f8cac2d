// Package quota debits and credits user balances ("manna").
//
// Every mutation is a single atomic UPDATE at the storage layer so concurrent
// turns for the same user never race on a read-modify-write in memory.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/edenartlab/eden2-sub000/internal/storage"
)

// ErrInsufficientBalance is wrapped by InsufficientBalanceError
var ErrInsufficientBalance = errors.New("insufficient balance")

// InsufficientBalanceError reports a failed pre-flight check
type InsufficientBalanceError struct {
	User      string
	Required  float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient manna: %s has %.2f, needs %.2f", e.User, e.Available, e.Required)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Balance is a user's spendable credit
type Balance struct {
	Regular      float64 `json:"regular"`
	Subscription float64 `json:"subscription"`
}

// Total is the sum of both balances
func (b Balance) Total() float64 {
	return b.Regular + b.Subscription
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS quota_accounts (
		user_id TEXT PRIMARY KEY,
		regular REAL NOT NULL DEFAULT 0,
		subscription REAL NOT NULL DEFAULT 0
	)`,
}

// Ledger is the only writer of quota accounts
type Ledger struct {
	db *sql.DB
}

// NewLedger migrates the accounts table and returns a ledger
func NewLedger(db *sql.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := storage.Migrate(db, schema...); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Balance returns the user's balance. Unknown users have a zero balance.
func (l *Ledger) Balance(ctx context.Context, user string) (Balance, error) {
	var b Balance
	err := l.db.QueryRowContext(ctx,
		`SELECT regular, subscription FROM quota_accounts WHERE user_id = ?`, user).
		Scan(&b.Regular, &b.Subscription)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}
	return b, nil
}

// VerifyBalance fails with InsufficientBalanceError when regular + subscription < cost
func (l *Ledger) VerifyBalance(ctx context.Context, user string, cost float64) error {
	b, err := l.Balance(ctx, user)
	if err != nil {
		return err
	}
	if b.Total() < cost {
		return &InsufficientBalanceError{User: user, Required: cost, Available: b.Total()}
	}
	return nil
}

// Spend draws cost from the subscription balance first, then regular.
// The conditional UPDATE refuses to drive the total negative.
func (l *Ledger) Spend(ctx context.Context, user string, cost float64) error {
	if cost <= 0 {
		return nil
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE quota_accounts
		SET regular = regular - MAX(? - subscription, 0),
		    subscription = MAX(subscription - ?, 0)
		WHERE user_id = ? AND regular + subscription >= ?`,
		cost, cost, user, cost)
	if err != nil {
		return fmt.Errorf("failed to spend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to spend: %w", err)
	}
	if n == 0 {
		b, _ := l.Balance(ctx, user)
		return &InsufficientBalanceError{User: user, Required: cost, Available: b.Total()}
	}
	return nil
}

// Refund credits amount to the regular balance. Spends draw on the subscription
// balance first, but refunds always land in the regular balance because the
// per-task split is not stored.
func (l *Ledger) Refund(ctx context.Context, user string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	return l.credit(ctx, user, amount, 0)
}

// Grant adds to a user's balances, creating the account if needed
func (l *Ledger) Grant(ctx context.Context, user string, regular, subscription float64) error {
	if regular < 0 || subscription < 0 {
		return fmt.Errorf("grant amounts must be non-negative")
	}
	return l.credit(ctx, user, regular, subscription)
}

func (l *Ledger) credit(ctx context.Context, user string, regular, subscription float64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO quota_accounts (user_id, regular, subscription) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			regular = regular + excluded.regular,
			subscription = subscription + excluded.subscription`,
		user, regular, subscription)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

// ProratedRefund is the share of cost for the samples that were not produced:
// cost * (n - completed) / n. n below 1 counts as 1.
func ProratedRefund(cost float64, nSamples, completed int) float64 {
	if cost <= 0 {
		return 0
	}
	if nSamples < 1 {
		nSamples = 1
	}
	completed = max(0, min(completed, nSamples))
	return cost * float64(nSamples-completed) / float64(nSamples)
}
