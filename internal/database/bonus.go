package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// EnsureBonusAccount creates the account if absent and returns it.
// Concurrent callers race on the primary key, not on application state.
func (db *DB) EnsureBonusAccount(ctx context.Context, userID string) (*models.BonusAccount, error) {
	q := db.conn(ctx)
	if _, err := q.ExecContext(ctx,
		`INSERT INTO bonus_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("failed to ensure bonus account: %w", err)
	}

	var a models.BonusAccount
	err := q.QueryRowContext(ctx,
		`SELECT user_id, balance, cashback_level, created_at, updated_at
		 FROM bonus_accounts WHERE user_id = $1`,
		userID,
	).Scan(&a.UserID, &a.Balance, &a.CashbackLevel, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get bonus account: %w", err)
	}
	return &a, nil
}

// AdjustBonusBalance applies delta in one statement. A debit that would take
// the balance below zero matches no row and fails with ErrInsufficientBalance.
func (db *DB) AdjustBonusBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := db.conn(ctx).QueryRowContext(ctx,
		`UPDATE bonus_accounts
		 SET balance = balance + $1, updated_at = NOW()
		 WHERE user_id = $2 AND balance + $1 >= 0
		 RETURNING balance`,
		delta, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.Errorf(models.ErrInsufficientBalance, "cannot apply %d to balance of %s", delta, userID).
			WithDetail("requested", -delta)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust bonus balance: %w", err)
	}
	return balance, nil
}

// InsertBonusTransaction appends a ledger row
func (db *DB) InsertBonusTransaction(ctx context.Context, t *models.BonusTransaction) error {
	_, err := db.conn(ctx).ExecContext(ctx,
		`INSERT INTO bonus_transactions (id, user_id, amount, type, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, t.Amount, t.Type, t.Description, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record bonus transaction: %w", err)
	}
	return nil
}

// SumBonusTransactions totals the ledger for a user
func (db *DB) SumBonusTransactions(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := db.conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM bonus_transactions WHERE user_id = $1`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum bonus transactions: %w", err)
	}
	return sum, nil
}

// ListBonusTransactions retrieves the latest ledger rows for a user
func (db *DB) ListBonusTransactions(ctx context.Context, userID string, limit int) ([]models.BonusTransaction, error) {
	rows, err := db.conn(ctx).QueryContext(ctx,
		`SELECT id, user_id, amount, type, description, created_at
		 FROM bonus_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get bonus transactions: %w", err)
	}
	defer rows.Close()

	var entries []models.BonusTransaction
	for rows.Next() {
		var t models.BonusTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bonus transaction: %w", err)
		}
		entries = append(entries, t)
	}
	return entries, rows.Err()
}
