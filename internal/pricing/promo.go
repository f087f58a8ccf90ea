package pricing

import (
	"context"

	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// PromoRepository looks up promo code rules.
type PromoRepository interface {
	GetPromoCode(ctx context.Context, code string) (*models.PromoCode, error)
}

// StoredPromos validates codes against the promo_codes table.
type StoredPromos struct {
	repo  PromoRepository
	clock ledger.Clock
}

func NewStoredPromos(repo PromoRepository, clock ledger.Clock) *StoredPromos {
	return &StoredPromos{repo: repo, clock: clock}
}

func (s *StoredPromos) Discount(ctx context.Context, code string, basePrice int64, productID string) (int64, error) {
	promo, err := s.repo.GetPromoCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if promo == nil {
		return 0, nil
	}

	now := s.clock.Now()
	switch {
	case now.Before(promo.ValidFrom):
		return 0, nil
	case promo.ValidUntil != nil && !now.Before(*promo.ValidUntil):
		return 0, nil
	case promo.MaxRedemptions != nil && promo.Redemptions >= *promo.MaxRedemptions:
		return 0, nil
	case promo.ProductID != nil && *promo.ProductID != productID:
		return 0, nil
	}

	if promo.PercentOff > 0 {
		return basePrice * int64(promo.PercentOff) / 100, nil
	}
	return promo.AmountOff, nil
}
