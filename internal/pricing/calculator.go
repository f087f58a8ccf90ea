// Package pricing turns a product plus optional promo code and bonus points
// into a final payable amount.
package pricing

import (
	"context"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/bonus"
	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/models"
)

var promoCodePattern = regexp.MustCompile(`^[A-Z0-9_-]{3,32}$`)

// PromoValidator prices a promo code against a base price. Unknown or expired
// codes return 0 and no error.
type PromoValidator interface {
	Discount(ctx context.Context, code string, basePrice int64, productID string) (int64, error)
}

// BalanceReader exposes the user's bonus account.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (*models.BonusAccount, error)
}

// Request is the input of a quote.
type Request struct {
	Product    *models.Product
	UserID     string
	PromoCode  string
	BonusToUse int64
}

// Quote keeps every intermediate value so receipts never recompute them.
type Quote struct {
	ProductID           string `json:"productId"`
	BasePrice           int64  `json:"basePrice"`
	Price               int64  `json:"price"`
	PromoCode           string `json:"promoCode,omitempty"`
	PromoDiscount       int64  `json:"promoDiscount"`
	PriceAfterDiscounts int64  `json:"priceAfterDiscounts"`
	BonusRequested      int64  `json:"bonusRequested"`
	BonusBalance        int64  `json:"bonusBalance"`
	BonusCap            int64  `json:"bonusCap"`
	BonusToUse          int64  `json:"bonusToUse"`
	FinalPrice          int64  `json:"finalPrice"`
}

// Calculator runs the quote pipeline.
type Calculator struct {
	promos     PromoValidator
	balances   BalanceReader
	minPayable int64
}

func NewCalculator(promos PromoValidator, balances BalanceReader, minPayable int64) *Calculator {
	if minPayable < 1 {
		minPayable = 1
	}
	return &Calculator{promos: promos, balances: balances, minPayable: minPayable}
}

// NormalizePromoCode upper-cases and trims a code, rejecting malformed input.
func NormalizePromoCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", nil
	}
	if !promoCodePattern.MatchString(code) {
		return "", models.Errorf(models.ErrMalformedPayload, "promo code %q is not valid", code).
			WithDetail("field", "promoCode")
	}
	return code, nil
}

// Quote prices a request.
func (c *Calculator) Quote(ctx context.Context, req Request) (*Quote, error) {
	if req.Product == nil {
		return nil, models.Errorf(models.ErrNotFound, "product")
	}
	code, err := NormalizePromoCode(req.PromoCode)
	if err != nil {
		return nil, err
	}

	p := req.Product
	q := &Quote{
		ProductID:      p.ID,
		BasePrice:      ledger.BasePrice(p.Price, p.DiscountPercent),
		Price:          p.Price,
		PromoCode:      code,
		BonusRequested: max(req.BonusToUse, 0),
	}

	if code != "" && c.promos != nil {
		discount, err := c.promos.Discount(ctx, code, q.BasePrice, p.ID)
		if err != nil {
			log.WithError(err).WithField("promo_code", code).Warn("Promo validation failed, quoting without discount")
			discount = 0
		}
		q.PromoDiscount = min(max(discount, 0), p.Price)
	}
	q.PriceAfterDiscounts = p.Price - q.PromoDiscount

	if req.UserID != "" && q.BonusRequested > 0 && c.balances != nil {
		account, err := c.balances.Balance(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		q.BonusBalance = account.Balance
		q.BonusCap = bonus.MaxRedeemable(q.PriceAfterDiscounts, account.Balance)
		q.BonusToUse = min(q.BonusRequested, q.BonusCap)
	}

	q.FinalPrice = q.PriceAfterDiscounts - q.BonusToUse
	if q.FinalPrice < c.minPayable {
		return nil, models.Errorf(models.ErrBelowMinimumPayable, "final price %d is below minimum %d", q.FinalPrice, c.minPayable).
			WithDetail("finalPrice", q.FinalPrice).
			WithDetail("minimum", c.minPayable)
	}
	return q, nil
}
