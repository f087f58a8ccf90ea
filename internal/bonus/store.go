// Package bonus keeps per-user point balances. Balances only move through
// ledger rows written in the same database transaction as the balance update.
package bonus

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/metrics"
	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// MaxRedeemPercent caps the share of a post-discount price payable in points.
const MaxRedeemPercent = 30

var cashbackPercents = map[int]int64{1: 3, 2: 5, 3: 7, 4: 10}

// Repository is the storage the store needs. AdjustBalance must apply delta
// in a single statement and return models.ErrInsufficientBalance instead of
// letting the balance go negative.
type Repository interface {
	EnsureBonusAccount(ctx context.Context, userID string) (*models.BonusAccount, error)
	AdjustBonusBalance(ctx context.Context, userID string, delta int64) (int64, error)
	InsertBonusTransaction(ctx context.Context, t *models.BonusTransaction) error
	SumBonusTransactions(ctx context.Context, userID string) (int64, error)
	ListBonusTransactions(ctx context.Context, userID string, limit int) ([]models.BonusTransaction, error)
}

// TxRunner runs fn inside a database transaction carried by ctx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store mutates bonus accounts.
type Store struct {
	repo    Repository
	tx      TxRunner
	clock   ledger.Clock
	metrics *metrics.Metrics
}

func NewStore(repo Repository, tx TxRunner, clock ledger.Clock, m *metrics.Metrics) *Store {
	return &Store{repo: repo, tx: tx, clock: clock, metrics: m}
}

// EnsureAccount returns the user's account, creating it on first use.
func (s *Store) EnsureAccount(ctx context.Context, userID string) (*models.BonusAccount, error) {
	return s.repo.EnsureBonusAccount(ctx, userID)
}

// Credit adds amount points to the user's balance.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, typ models.BonusTransactionType, description string) (*models.BonusTransaction, error) {
	if amount <= 0 {
		return nil, models.Errorf(models.ErrInvalidState, "credit amount must be positive, got %d", amount)
	}
	return s.apply(ctx, userID, amount, typ, description)
}

// Debit removes amount points, failing with models.ErrInsufficientBalance if
// the balance would go negative.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, typ models.BonusTransactionType, description string) (*models.BonusTransaction, error) {
	if amount <= 0 {
		return nil, models.Errorf(models.ErrInvalidState, "debit amount must be positive, got %d", amount)
	}
	return s.apply(ctx, userID, -amount, typ, description)
}

func (s *Store) apply(ctx context.Context, userID string, delta int64, typ models.BonusTransactionType, description string) (*models.BonusTransaction, error) {
	entry := &models.BonusTransaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      delta,
		Type:        typ,
		Description: description,
		CreatedAt:   s.clock.Now(),
	}

	var balance int64
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.EnsureBonusAccount(ctx, userID); err != nil {
			return err
		}
		var err error
		balance, err = s.repo.AdjustBonusBalance(ctx, userID, delta)
		if err != nil {
			return err
		}
		return s.repo.InsertBonusTransaction(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BonusApplied(string(typ), delta)
	log.WithFields(log.Fields{
		"user_id": userID,
		"amount":  delta,
		"type":    typ,
		"balance": balance,
	}).Debug("Bonus ledger entry applied")
	return entry, nil
}

// Balance returns the current balance and cashback level, creating the account if needed.
func (s *Store) Balance(ctx context.Context, userID string) (*models.BonusAccount, error) {
	return s.repo.EnsureBonusAccount(ctx, userID)
}

// History lists the most recent ledger rows for a user.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]models.BonusTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListBonusTransactions(ctx, userID, limit)
}

// Reconcile returns the stored balance alongside the ledger sum. The two are
// equal for every healthy account.
func (s *Store) Reconcile(ctx context.Context, userID string) (balance, ledgerSum int64, err error) {
	account, err := s.repo.EnsureBonusAccount(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	sum, err := s.repo.SumBonusTransactions(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum bonus ledger: %w", err)
	}
	return account.Balance, sum, nil
}

// MaxRedeemable is the most points usable against priceAfterDiscounts.
func MaxRedeemable(priceAfterDiscounts, balance int64) int64 {
	if priceAfterDiscounts <= 0 || balance <= 0 {
		return 0
	}
	limit := priceAfterDiscounts * MaxRedeemPercent / 100
	if balance < limit {
		return balance
	}
	return limit
}

// CashbackPercent maps a cashback level to its rate. Out of range levels are clamped.
func CashbackPercent(level int) int64 {
	if level < 1 {
		level = 1
	}
	if level > 4 {
		level = 4
	}
	return cashbackPercents[level]
}

// CashbackAmount is the number of points credited for a purchase.
func CashbackAmount(finalPrice int64, level int) int64 {
	if finalPrice <= 0 {
		return 0
	}
	return finalPrice * CashbackPercent(level) / 100
}

// CreditCashback credits cashback for a succeeded purchase at the user's
// current level and returns the credited amount.
func (s *Store) CreditCashback(ctx context.Context, userID string, finalPrice int64, reference string) (int64, error) {
	account, err := s.repo.EnsureBonusAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	amount := CashbackAmount(finalPrice, account.CashbackLevel)
	if amount == 0 {
		return 0, nil
	}
	description := fmt.Sprintf("Cashback %d%% for payment %s", CashbackPercent(account.CashbackLevel), reference)
	if _, err := s.Credit(ctx, userID, amount, models.BonusCashback, description); err != nil {
		return 0, err
	}
	return amount, nil
}
