package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/models"
	"github.com/jeet-patel/subscription-ledger/internal/testutil"
)

func TestStoredPromos_Discount(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)
	two := 2
	elite := "elite-1m"

	mem := testutil.NewMemStore()
	mem.AddPromo(models.PromoCode{Code: "PCT20", PercentOff: 20, ValidFrom: yesterday})
	mem.AddPromo(models.PromoCode{Code: "FLAT500", AmountOff: 500, ValidFrom: yesterday, ValidUntil: &tomorrow})
	mem.AddPromo(models.PromoCode{Code: "LATER", PercentOff: 10, ValidFrom: tomorrow})
	mem.AddPromo(models.PromoCode{Code: "OVER", PercentOff: 10, ValidFrom: yesterday.Add(-time.Hour), ValidUntil: &yesterday})
	mem.AddPromo(models.PromoCode{Code: "USEDUP", PercentOff: 10, ValidFrom: yesterday, MaxRedemptions: &two, Redemptions: 2})
	mem.AddPromo(models.PromoCode{Code: "ELITEONLY", PercentOff: 50, ValidFrom: yesterday, ProductID: &elite})

	promos := NewStoredPromos(mem, ledger.FixedClock{FixedTime: now})

	testCases := []struct {
		code      string
		productID string
		expected  int64
	}{
		{code: "PCT20", productID: "pro-1m", expected: 2400},
		{code: "FLAT500", productID: "pro-1m", expected: 500},
		{code: "LATER", productID: "pro-1m", expected: 0},
		{code: "OVER", productID: "pro-1m", expected: 0},
		{code: "USEDUP", productID: "pro-1m", expected: 0},
		{code: "ELITEONLY", productID: "pro-1m", expected: 0},
		{code: "ELITEONLY", productID: "elite-1m", expected: 6000},
		{code: "MISSING", productID: "pro-1m", expected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.code+"/"+tc.productID, func(t *testing.T) {
			discount, err := promos.Discount(context.Background(), tc.code, 12000, tc.productID)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, discount)
		})
	}
}

func TestStoredPromos_LookupError(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.FailOn("GetPromoCode", errors.New("connection reset"))
	promos := NewStoredPromos(mem, ledger.RealClock{})

	_, err := promos.Discount(context.Background(), "PCT20", 1000, "pro-1m")
	assert.Error(t, err)
}
