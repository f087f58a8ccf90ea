package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

type stubPromos struct {
	discount int64
	err      error
	calls    int
}

func (s *stubPromos) Discount(ctx context.Context, code string, basePrice int64, productID string) (int64, error) {
	s.calls++
	return s.discount, s.err
}

type stubBalances struct {
	balance int64
	err     error
}

func (s stubBalances) Balance(ctx context.Context, userID string) (*models.BonusAccount, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.BonusAccount{UserID: userID, Balance: s.balance, CashbackLevel: 1}, nil
}

var proMonthly = &models.Product{
	ID:             "pro-1m",
	Name:           "Pro Monthly",
	Type:           models.ProductSubscriptionTier,
	TierLevel:      2,
	DurationMonths: 1,
	Price:          10000,
}

func TestQuote(t *testing.T) {
	testCases := []struct {
		name          string
		promo         *stubPromos
		balance       int64
		req           Request
		expectedFinal int64
		expectedBonus int64
		expectedPromo int64
	}{
		{
			name:          "no discounts",
			req:           Request{Product: proMonthly},
			expectedFinal: 10000,
		},
		{
			name:          "bonus clamped to balance",
			balance:       2000,
			req:           Request{Product: proMonthly, UserID: "u1", BonusToUse: 5000},
			expectedFinal: 8000,
			expectedBonus: 2000,
		},
		{
			name:          "bonus clamped to percent cap",
			balance:       10000,
			req:           Request{Product: proMonthly, UserID: "u1", BonusToUse: 9999},
			expectedFinal: 7000,
			expectedBonus: 3000,
		},
		{
			name:          "bonus below cap used as requested",
			balance:       10000,
			req:           Request{Product: proMonthly, UserID: "u1", BonusToUse: 500},
			expectedFinal: 9500,
			expectedBonus: 500,
		},
		{
			name:          "promo then bonus on discounted price",
			promo:         &stubPromos{discount: 2000},
			balance:       10000,
			req:           Request{Product: proMonthly, UserID: "u1", PromoCode: " spring20 ", BonusToUse: 5000},
			expectedFinal: 5600,
			expectedBonus: 2400,
			expectedPromo: 2000,
		},
		{
			name:          "promo failure degrades to no discount",
			promo:         &stubPromos{err: errors.New("promo service down")},
			req:           Request{Product: proMonthly, PromoCode: "SPRING20"},
			expectedFinal: 10000,
		},
		{
			name:          "negative bonus request ignored",
			balance:       1000,
			req:           Request{Product: proMonthly, UserID: "u1", BonusToUse: -50},
			expectedFinal: 10000,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var promos PromoValidator
			if tc.promo != nil {
				promos = tc.promo
			}
			calc := NewCalculator(promos, stubBalances{balance: tc.balance}, 100)

			q, err := calc.Quote(context.Background(), tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedFinal, q.FinalPrice)
			assert.Equal(t, tc.expectedBonus, q.BonusToUse)
			assert.Equal(t, tc.expectedPromo, q.PromoDiscount)
			assert.Equal(t, q.Price-q.PromoDiscount, q.PriceAfterDiscounts)
			assert.Equal(t, q.PriceAfterDiscounts-q.BonusToUse, q.FinalPrice)
		})
	}
}

func TestQuote_NormalizesPromoCode(t *testing.T) {
	promos := &stubPromos{discount: 100}
	calc := NewCalculator(promos, nil, 1)

	q, err := calc.Quote(context.Background(), Request{Product: proMonthly, PromoCode: "  welcome_10 "})
	require.NoError(t, err)
	assert.Equal(t, "WELCOME_10", q.PromoCode)
	assert.Equal(t, 1, promos.calls)
}

func TestQuote_MalformedPromoCode(t *testing.T) {
	calc := NewCalculator(&stubPromos{}, nil, 1)

	_, err := calc.Quote(context.Background(), Request{Product: proMonthly, PromoCode: "no spaces!"})
	assert.True(t, errors.Is(err, models.ErrMalformedPayload))
}

func TestQuote_BelowMinimumPayable(t *testing.T) {
	cheap := &models.Product{ID: "pack", Type: models.ProductOneTimePack, Price: 120}
	calc := NewCalculator(nil, stubBalances{balance: 1000}, 100)

	_, err := calc.Quote(context.Background(), Request{Product: cheap, UserID: "u1", BonusToUse: 36})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrBelowMinimumPayable))

	var domainErr *models.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, int64(84), domainErr.Details["finalPrice"])
	assert.Equal(t, int64(100), domainErr.Details["minimum"])
}

func TestQuote_PromoDiscountClampedToPrice(t *testing.T) {
	calc := NewCalculator(&stubPromos{discount: 50000}, nil, 1)

	_, err := calc.Quote(context.Background(), Request{Product: proMonthly, PromoCode: "HUGE"})
	assert.True(t, errors.Is(err, models.ErrBelowMinimumPayable))
}

func TestQuote_BalanceErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	calc := NewCalculator(nil, stubBalances{err: boom}, 1)

	_, err := calc.Quote(context.Background(), Request{Product: proMonthly, UserID: "u1", BonusToUse: 10})
	assert.ErrorIs(t, err, boom)
}

func TestQuote_MissingProduct(t *testing.T) {
	calc := NewCalculator(nil, nil, 1)

	_, err := calc.Quote(context.Background(), Request{})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestNormalizePromoCode(t *testing.T) {
	code, err := NormalizePromoCode("")
	require.NoError(t, err)
	assert.Empty(t, code)

	code, err = NormalizePromoCode(" black-friday ")
	require.NoError(t, err)
	assert.Equal(t, "BLACK-FRIDAY", code)

	_, err = NormalizePromoCode("AB")
	assert.Error(t, err)
}
