package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

const profileColumns = `id, email, tier, status, expires_at, duration_months, auto_renew, payment_method_id,
	next_billing_date, failed_payment_attempts, referral_code, is_admin, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*models.Profile, error) {
	var p models.Profile
	err := row.Scan(&p.ID, &p.Email, &p.Tier, &p.Status, &p.ExpiresAt, &p.DurationMonths, &p.AutoRenew,
		&p.PaymentMethodID, &p.NextBillingDate, &p.FailedPaymentAttempts, &p.ReferralCode, &p.IsAdmin,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProfile creates a new profile
func (db *DB) CreateProfile(ctx context.Context, p *models.Profile) error {
	row := db.conn(ctx).QueryRowContext(ctx,
		`INSERT INTO profiles (id, email, tier, status, referral_code, is_admin)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+profileColumns,
		p.ID, p.Email, p.Tier, p.Status, p.ReferralCode, p.IsAdmin,
	)
	created, err := scanProfile(row)
	if isUniqueViolation(err) {
		return models.Errorf(models.ErrInvalidState, "email or referral code already registered")
	}
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	*p = *created
	return nil
}

// GetProfile retrieves a profile by ID
func (db *DB) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	p, err := scanProfile(db.conn(ctx).QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// GetProfileByReferralCode retrieves the owner of a referral code
func (db *DB) GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error) {
	p, err := scanProfile(db.conn(ctx).QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE referral_code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile by referral code: %w", err)
	}
	return p, nil
}

// SaveSubscription writes the subscription fields of a profile
func (db *DB) SaveSubscription(ctx context.Context, p *models.Profile) error {
	res, err := db.conn(ctx).ExecContext(ctx,
		`UPDATE profiles
		 SET tier = $1, status = $2, expires_at = $3, duration_months = $4, auto_renew = $5,
		     payment_method_id = $6, next_billing_date = $7, failed_payment_attempts = $8, updated_at = NOW()
		 WHERE id = $9`,
		p.Tier, p.Status, p.ExpiresAt, p.DurationMonths, p.AutoRenew,
		p.PaymentMethodID, p.NextBillingDate, p.FailedPaymentAttempts, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Errorf(models.ErrNotFound, "profile %s", p.ID)
	}
	return nil
}

// IncrementFailedPayments bumps the failed renewal counter and returns the new value
func (db *DB) IncrementFailedPayments(ctx context.Context, userID string) (int, error) {
	var attempts int
	err := db.conn(ctx).QueryRowContext(ctx,
		`UPDATE profiles
		 SET failed_payment_attempts = failed_payment_attempts + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING failed_payment_attempts`,
		userID,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.Errorf(models.ErrNotFound, "profile %s", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment failed payments: %w", err)
	}
	return attempts, nil
}

const pendingRenewalExists = `EXISTS (
	SELECT 1 FROM transactions t
	WHERE t.user_id = p.id AND t.status = 'pending' AND t.metadata->>'kind' = 'renewal')`

// ListDueRenewals returns active auto-renewing profiles billed before cutoff
// that have no renewal charge still awaiting the gateway
func (db *DB) ListDueRenewals(ctx context.Context, cutoff time.Time) ([]models.Profile, error) {
	rows, err := db.conn(ctx).QueryContext(ctx,
		`SELECT `+profileColumns+`
		 FROM profiles p
		 WHERE p.status = 'active' AND p.auto_renew AND p.payment_method_id IS NOT NULL
		   AND p.next_billing_date < $1
		   AND NOT `+pendingRenewalExists+`
		 ORDER BY p.next_billing_date`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due renewals: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// ClaimRenewalAttempt records that billingDate is being processed for a user.
// It returns false when the day was already claimed.
func (db *DB) ClaimRenewalAttempt(ctx context.Context, userID string, billingDate time.Time) (bool, error) {
	res, err := db.conn(ctx).ExecContext(ctx,
		`INSERT INTO renewal_attempts (user_id, billing_date) VALUES ($1, $2)
		 ON CONFLICT (user_id, billing_date) DO NOTHING`,
		userID, billingDate.Format("2006-01-02"),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim renewal attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim renewal attempt: %w", err)
	}
	return n == 1, nil
}

// LapseExpired moves profiles whose paid period ended before now back to
// inactive/free. Auto-renewing profiles still inside their retry budget and
// profiles with a renewal charge awaiting the gateway are left alone.
func (db *DB) LapseExpired(ctx context.Context, now time.Time, maxFailed int) (int64, error) {
	res, err := db.conn(ctx).ExecContext(ctx,
		`UPDATE profiles p
		 SET status = 'inactive', tier = 'free', auto_renew = FALSE, next_billing_date = NULL, updated_at = NOW()
		 WHERE p.status IN ('active', 'canceled') AND p.expires_at < $1
		   AND NOT (p.status = 'active' AND p.auto_renew AND p.payment_method_id IS NOT NULL
		            AND p.failed_payment_attempts < $2)
		   AND NOT `+pendingRenewalExists,
		now, maxFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to lapse expired subscriptions: %w", err)
	}
	return res.RowsAffected()
}

// GetProduct retrieves a product by ID. Products are immutable so lookups are cached.
func (db *DB) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	if p, ok := db.products.Get(id); ok {
		return p, nil
	}

	var p models.Product
	err := db.conn(ctx).QueryRowContext(ctx,
		`SELECT id, name, type, tier_level, duration_months, price, discount_percent
		 FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Type, &p.TierLevel, &p.DurationMonths, &p.Price, &p.DiscountPercent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	db.products.Add(p.ID, &p)
	return &p, nil
}

// FindSubscriptionProduct retrieves the subscription product for a tier and duration
func (db *DB) FindSubscriptionProduct(ctx context.Context, tierLevel, durationMonths int) (*models.Product, error) {
	var id string
	err := db.conn(ctx).QueryRowContext(ctx,
		`SELECT id FROM products
		 WHERE type = 'subscription_tier' AND tier_level = $1 AND duration_months = $2
		 ORDER BY price LIMIT 1`,
		tierLevel, durationMonths,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription product: %w", err)
	}
	return db.GetProduct(ctx, id)
}

const transactionColumns = `id, user_id, product_id, external_payment_id, amount, status, metadata,
	cancellation_reason, created_at, updated_at`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var metadata []byte
	err := row.Scan(&t.ID, &t.UserID, &t.ProductID, &t.ExternalPaymentID, &t.Amount, &t.Status, &metadata,
		&t.CancellationReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
	}
	return &t, nil
}

// CreateTransaction records a payment created with the gateway
func (db *DB) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	created, err := scanTransaction(db.conn(ctx).QueryRowContext(ctx,
		`INSERT INTO transactions (id, user_id, product_id, external_payment_id, amount, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+transactionColumns,
		t.ID, t.UserID, t.ProductID, t.ExternalPaymentID, t.Amount, t.Status, metadata,
	))
	if isUniqueViolation(err) {
		return models.Errorf(models.ErrInvalidState, "payment %s already recorded", t.ExternalPaymentID)
	}
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	*t = *created
	return nil
}

// GetTransactionByExternalID retrieves a transaction by the gateway payment id
func (db *DB) GetTransactionByExternalID(ctx context.Context, externalID string) (*models.Transaction, error) {
	t, err := scanTransaction(db.conn(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE external_payment_id = $1`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ClaimTransaction moves a pending transaction to status. It returns nil when
// the transaction was no longer pending, so only one caller ever wins.
func (db *DB) ClaimTransaction(ctx context.Context, externalID string, status models.TransactionStatus, reason *string) (*models.Transaction, error) {
	t, err := scanTransaction(db.conn(ctx).QueryRowContext(ctx,
		`UPDATE transactions
		 SET status = $1, cancellation_reason = $2, updated_at = NOW()
		 WHERE external_payment_id = $3 AND status = 'pending'
		 RETURNING `+transactionColumns,
		status, reason, externalID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim transaction: %w", err)
	}
	return t, nil
}

// GetLastSucceededSubscription retrieves the most recent paid subscription
// transaction, skipping excludeID when it is set
func (db *DB) GetLastSucceededSubscription(ctx context.Context, userID, excludeID string) (*models.Transaction, error) {
	t, err := scanTransaction(db.conn(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE user_id = $1 AND status = 'succeeded' AND metadata->>'product_type' = 'subscription_tier'
		   AND id::text <> $2
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID, excludeID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last subscription transaction: %w", err)
	}
	return t, nil
}

// HasSucceededTransaction reports whether the user has ever completed a payment
func (db *DB) HasSucceededTransaction(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := db.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE user_id = $1 AND status = 'succeeded')`,
		userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transactions: %w", err)
	}
	return exists, nil
}

// GrantPack records a one-time pack purchase. Replays of the same transaction are ignored.
func (db *DB) GrantPack(ctx context.Context, userID, productID, transactionID string) error {
	_, err := db.conn(ctx).ExecContext(ctx,
		`INSERT INTO pack_grants (transaction_id, user_id, product_id) VALUES ($1, $2, $3)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		transactionID, userID, productID,
	)
	if err != nil {
		return fmt.Errorf("failed to grant pack: %w", err)
	}
	return nil
}
