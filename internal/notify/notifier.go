// Package notify tells the outside world about completed payments.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// Receipt describes a succeeded payment.
type Receipt struct {
	UserID        string             `json:"user_id"`
	Email         string             `json:"email"`
	TransactionID string             `json:"transaction_id"`
	PaymentID     string             `json:"payment_id"`
	ProductID     string             `json:"product_id"`
	ProductName   string             `json:"product_name"`
	ProductType   models.ProductType `json:"product_type"`
	Kind          models.PaymentKind `json:"kind"`
	Amount        int64              `json:"amount"`
	Currency      string             `json:"currency"`
	BonusUsed     int64              `json:"bonus_used"`
	Cashback      int64              `json:"cashback"`
	Tier          models.Tier        `json:"tier,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	PaidAt        time.Time          `json:"paid_at"`
}

// Notifier delivers a receipt somewhere.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, r Receipt) error
}

// Multi fans a receipt out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) PaymentSucceeded(ctx context.Context, r Receipt) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.PaymentSucceeded(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
