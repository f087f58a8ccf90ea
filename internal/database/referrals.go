package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

const referralColumns = `id, referrer_id, referred_id, status, created_at, updated_at`

func scanReferral(row rowScanner) (*models.Referral, error) {
	var r models.Referral
	if err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateReferral inserts a referral row. It returns false without error when
// the referred user already has one.
func (db *DB) CreateReferral(ctx context.Context, r *models.Referral) (bool, error) {
	created, err := scanReferral(db.conn(ctx).QueryRowContext(ctx,
		`INSERT INTO referrals (id, referrer_id, referred_id, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (referred_id) DO NOTHING
		 RETURNING `+referralColumns,
		r.ID, r.ReferrerID, r.ReferredID, r.Status,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create referral: %w", err)
	}
	*r = *created
	return true, nil
}

// GetReferralByReferred retrieves the referral a user signed up through
func (db *DB) GetReferralByReferred(ctx context.Context, referredID string) (*models.Referral, error) {
	r, err := scanReferral(db.conn(ctx).QueryRowContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referred_id = $1`, referredID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	return r, nil
}

// MarkReferralFirstPurchase moves a registered referral forward. It returns
// nil when there is no referral or it already moved.
func (db *DB) MarkReferralFirstPurchase(ctx context.Context, referredID string) (*models.Referral, error) {
	r, err := scanReferral(db.conn(ctx).QueryRowContext(ctx,
		`UPDATE referrals
		 SET status = 'first_purchase_made', updated_at = NOW()
		 WHERE referred_id = $1 AND status = 'registered'
		 RETURNING `+referralColumns,
		referredID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update referral: %w", err)
	}
	return r, nil
}

// ListRewardableReferrals returns every completed referral the user is part of
func (db *DB) ListRewardableReferrals(ctx context.Context, userID string) ([]models.Referral, error) {
	rows, err := db.conn(ctx).QueryContext(ctx,
		`SELECT `+referralColumns+`
		 FROM referrals
		 WHERE (referrer_id = $1 OR referred_id = $1) AND status = 'first_purchase_made'
		 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	defer rows.Close()

	var referrals []models.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		referrals = append(referrals, *r)
	}
	return referrals, rows.Err()
}

// UnlockAchievement records an achievement. It returns false when it was already unlocked.
func (db *DB) UnlockAchievement(ctx context.Context, userID, key string) (bool, error) {
	res, err := db.conn(ctx).ExecContext(ctx,
		`INSERT INTO achievements (user_id, key) VALUES ($1, $2)
		 ON CONFLICT (user_id, key) DO NOTHING`,
		userID, key,
	)
	if err != nil {
		return false, fmt.Errorf("failed to unlock achievement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to unlock achievement: %w", err)
	}
	return n == 1, nil
}

// GetPromoCode retrieves a promo code
func (db *DB) GetPromoCode(ctx context.Context, code string) (*models.PromoCode, error) {
	var p models.PromoCode
	err := db.conn(ctx).QueryRowContext(ctx,
		`SELECT code, percent_off, amount_off, product_id, valid_from, valid_until, max_redemptions, redemptions
		 FROM promo_codes WHERE code = $1`,
		code,
	).Scan(&p.Code, &p.PercentOff, &p.AmountOff, &p.ProductID, &p.ValidFrom, &p.ValidUntil,
		&p.MaxRedemptions, &p.Redemptions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promo code: %w", err)
	}
	return &p, nil
}

// RedeemPromoCode counts one use of a promo code
func (db *DB) RedeemPromoCode(ctx context.Context, code string) error {
	_, err := db.conn(ctx).ExecContext(ctx,
		`UPDATE promo_codes SET redemptions = redemptions + 1 WHERE code = $1`,
		code,
	)
	if err != nil {
		return fmt.Errorf("failed to redeem promo code: %w", err)
	}
	return nil
}
