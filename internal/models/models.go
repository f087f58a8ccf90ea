package models

import (
	"time"
)

// Tier represents a subscription level
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
	TierElite Tier = "elite"
)

var tierLevels = map[Tier]int{
	TierFree:  0,
	TierBasic: 1,
	TierPro:   2,
	TierElite: 3,
}

// Level returns the ordering level of a tier. Unknown tiers rank as free.
func (t Tier) Level() int {
	return tierLevels[t]
}

// TierForLevel maps a product tier_level back to a tier name.
func TierForLevel(level int) Tier {
	for tier, l := range tierLevels {
		if l == level {
			return tier
		}
	}
	return TierFree
}

// SubscriptionStatus represents valid subscription states
type SubscriptionStatus string

const (
	StatusInactive SubscriptionStatus = "inactive"
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Profile represents a subscriber
type Profile struct {
	ID                    string             `json:"id"`
	Email                 string             `json:"email"`
	Tier                  Tier               `json:"tier"`
	Status                SubscriptionStatus `json:"status"`
	ExpiresAt             *time.Time         `json:"expires_at,omitempty"`
	DurationMonths        int                `json:"duration_months"`
	AutoRenew             bool               `json:"auto_renew"`
	PaymentMethodID       *string            `json:"-"`
	NextBillingDate       *time.Time         `json:"next_billing_date,omitempty"`
	FailedPaymentAttempts int                `json:"failed_payment_attempts"`
	ReferralCode          string             `json:"referral_code"`
	IsAdmin               bool               `json:"-"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// HasAccess reports whether the profile's paid access is live at now.
// An active or soft-canceled profile whose expiry has passed is lapsed.
func (p *Profile) HasAccess(now time.Time) bool {
	if p.Status != StatusActive && p.Status != StatusCanceled {
		return false
	}
	return p.ExpiresAt != nil && p.ExpiresAt.After(now)
}

// ProductType distinguishes recurring tiers from one-off packs
type ProductType string

const (
	ProductSubscriptionTier ProductType = "subscription_tier"
	ProductOneTimePack      ProductType = "one_time_pack"
)

// Product represents a purchasable plan or pack. Prices already include DiscountPercent.
type Product struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Type            ProductType `json:"type"`
	TierLevel       int         `json:"tier_level"`
	DurationMonths  int         `json:"duration_months"`
	Price           int64       `json:"price"`
	DiscountPercent int         `json:"discount_percent"`
}

// TransactionStatus represents valid payment states
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxSucceeded TransactionStatus = "succeeded"
	TxCanceled  TransactionStatus = "canceled"
)

// PaymentKind records why a transaction was created
type PaymentKind string

const (
	KindPurchase PaymentKind = "purchase"
	KindUpgrade  PaymentKind = "upgrade"
	KindRenewal  PaymentKind = "renewal"
)

// TransactionMetadata is the audit trail written once at payment creation.
// OriginalPrice is read back by the upgrade conversion.
type TransactionMetadata struct {
	ProductType       ProductType `json:"product_type"`
	Kind              PaymentKind `json:"kind"`
	TierLevel         int         `json:"tier_level"`
	DurationMonths    int         `json:"duration_months"`
	BasePrice         int64       `json:"base_price"`
	OriginalPrice     int64       `json:"original_price"`
	PromoCode         string      `json:"promo_code"`
	PromoDiscount     int64       `json:"promo_discount"`
	BonusUsed         int64       `json:"bonus_used"`
	SavePaymentMethod bool        `json:"save_payment_method"`
}

// Transaction represents a payment attempt with the external gateway
type Transaction struct {
	ID                 string              `json:"id"`
	UserID             string              `json:"user_id"`
	ProductID          string              `json:"product_id"`
	ExternalPaymentID  string              `json:"external_payment_id"`
	Amount             int64               `json:"amount"`
	Status             TransactionStatus   `json:"status"`
	Metadata           TransactionMetadata `json:"metadata"`
	CancellationReason *string             `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// BonusAccount holds a user's point balance
type BonusAccount struct {
	UserID        string    `json:"user_id"`
	Balance       int64     `json:"balance"`
	CashbackLevel int       `json:"cashback_level"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BonusTransactionType labels a ledger row
type BonusTransactionType string

const (
	BonusCashback       BonusTransactionType = "cashback"
	BonusRedeem         BonusTransactionType = "redeem"
	BonusRedeemRelease  BonusTransactionType = "redeem_release"
	BonusReferralReward BonusTransactionType = "referral_reward"
	BonusManual         BonusTransactionType = "manual"
)

// BonusTransaction is an append-only ledger row; Amount is signed
type BonusTransaction struct {
	ID          string               `json:"id"`
	UserID      string               `json:"user_id"`
	Amount      int64                `json:"amount"`
	Type        BonusTransactionType `json:"type"`
	Description string               `json:"description"`
	CreatedAt   time.Time            `json:"created_at"`
}

// ReferralStatus represents valid referral states
type ReferralStatus string

const (
	ReferralRegistered        ReferralStatus = "registered"
	ReferralFirstPurchaseMade ReferralStatus = "first_purchase_made"
)

// Referral links a referrer to the user they brought in
type Referral struct {
	ID         string         `json:"id"`
	ReferrerID string         `json:"referrer_id"`
	ReferredID string         `json:"referred_id"`
	Status     ReferralStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PromoCode is a discount rule. Exactly one of PercentOff or AmountOff is normally set.
type PromoCode struct {
	Code           string
	PercentOff     int
	AmountOff      int64
	ProductID      *string
	ValidFrom      time.Time
	ValidUntil     *time.Time
	MaxRedemptions *int
	Redemptions    int
}

// Actor is the caller of a privileged operation
type Actor struct {
	UserID  string
	IsAdmin bool
}

// API Request/Response types

type CreatePaymentRequest struct {
	ProductID         string `json:"productId"`
	PromoCode         string `json:"promoCode,omitempty"`
	BonusToUse        int64  `json:"bonusToUse,omitempty"`
	SavePaymentMethod bool   `json:"savePaymentMethod,omitempty"`
}

type CreatePaymentResponse struct {
	PaymentID         string `json:"paymentId"`
	ConfirmationToken string `json:"confirmationToken,omitempty"`
	ConfirmationURL   string `json:"confirmationUrl,omitempty"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

type UpgradeQuote struct {
	Conversion   ConversionView `json:"conversion"`
	CurrentPrice int64          `json:"currentPrice"`
	NewPrice     int64          `json:"newPrice"`
	CurrentTier  Tier           `json:"currentTier"`
	NewTier      Tier           `json:"newTier"`
}

type ConversionView struct {
	BonusDays int `json:"bonusDays"`
	TotalDays int `json:"totalDays"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResetRequest struct {
	UserID  string `json:"user_id"`
	Confirm bool   `json:"confirm"`
}

type AutoRenewRequest struct {
	Enabled bool `json:"enabled"`
}

type RegisterReferralRequest struct {
	Code string `json:"code"`
}
