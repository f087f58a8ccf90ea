// Package subscription owns every change to a profile's tier, status and expiry.
package subscription

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/gateway"
	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/metrics"
	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// Repository is the storage the state machine needs.
type Repository interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	SaveSubscription(ctx context.Context, p *models.Profile) error
	IncrementFailedPayments(ctx context.Context, userID string) (int, error)
	ListDueRenewals(ctx context.Context, cutoff time.Time) ([]models.Profile, error)
	ClaimRenewalAttempt(ctx context.Context, userID string, billingDate time.Time) (bool, error)
	LapseExpired(ctx context.Context, now time.Time, maxFailed int) (int64, error)
	FindSubscriptionProduct(ctx context.Context, tierLevel, durationMonths int) (*models.Product, error)
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	ClaimTransaction(ctx context.Context, externalID string, status models.TransactionStatus, reason *string) (*models.Transaction, error)
	GetLastSucceededSubscription(ctx context.Context, userID, excludeID string) (*models.Transaction, error)
	GrantPack(ctx context.Context, userID, productID, transactionID string) error
}

// TxRunner runs fn inside a database transaction carried by ctx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Charger charges a saved payment method.
type Charger interface {
	ChargeSaved(ctx context.Context, req gateway.ChargeRequest) (*gateway.Payment, error)
}

// Cashback credits purchase cashback.
type Cashback interface {
	CreditCashback(ctx context.Context, userID string, finalPrice int64, reference string) (int64, error)
}

// Locker takes a cluster-wide named lock.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), err error)
}

// Config holds the machine's policy knobs.
type Config struct {
	Currency string
	// MaxFailedRenewals is the number of consecutive failed renewal charges
	// after which auto-renew is switched off and the subscription soft-canceled.
	MaxFailedRenewals int
}

// Machine applies subscription transitions.
type Machine struct {
	repo     Repository
	tx       TxRunner
	charger  Charger
	cashback Cashback
	locker   Locker
	prices   ledger.PriceTable
	clock    ledger.Clock
	metrics  *metrics.Metrics
	cfg      Config
}

func NewMachine(repo Repository, tx TxRunner, charger Charger, cashback Cashback, locker Locker,
	prices ledger.PriceTable, clock ledger.Clock, m *metrics.Metrics, cfg Config) *Machine {
	if cfg.MaxFailedRenewals <= 0 {
		cfg.MaxFailedRenewals = 3
	}
	return &Machine{
		repo:     repo,
		tx:       tx,
		charger:  charger,
		cashback: cashback,
		locker:   locker,
		prices:   prices,
		clock:    clock,
		metrics:  m,
		cfg:      cfg,
	}
}

func (m *Machine) profile(ctx context.Context, userID string) (*models.Profile, error) {
	p, err := m.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, models.Errorf(models.ErrNotFound, "profile %s", userID)
	}
	return p, nil
}

// Conversion computes what upgrading p to target would yield. excludeID
// skips one transaction when looking up the price actually paid, so a
// just-claimed upgrade payment is not mistaken for the current plan.
func (m *Machine) Conversion(ctx context.Context, p *models.Profile, target *models.Product, excludeID string) (ledger.Conversion, int64, error) {
	if target.Type != models.ProductSubscriptionTier {
		return ledger.Conversion{}, 0, models.Errorf(models.ErrInvalidState, "product %s is not a subscription tier", target.ID)
	}
	now := m.clock.Now()
	if !p.HasAccess(now) {
		return ledger.Conversion{}, 0, ledger.ErrNoActiveSubscription
	}

	var paid int64
	last, err := m.repo.GetLastSucceededSubscription(ctx, p.ID, excludeID)
	if err != nil {
		return ledger.Conversion{}, 0, err
	}
	if last != nil {
		paid = last.Amount
	}

	base, err := m.prices.BaseMonthly(target.TierLevel)
	if err != nil {
		return ledger.Conversion{}, 0, err
	}

	conv, err := ledger.ConvertUpgrade(
		ledger.CurrentPlan{
			TierLevel:      p.Tier.Level(),
			DurationMonths: p.DurationMonths,
			PaidPrice:      paid,
			RemainingDays:  ledger.RemainingDays(*p.ExpiresAt, now),
		},
		ledger.TargetPlan{
			TierLevel:        target.TierLevel,
			DurationMonths:   target.DurationMonths,
			Price:            target.Price,
			BaseMonthlyPrice: base,
		},
	)
	return conv, paid, err
}

// ApplyPayment performs the profile side of a succeeded transaction. It runs
// inside the caller's database transaction, after the transaction claim.
func (m *Machine) ApplyPayment(ctx context.Context, t *models.Transaction, product *models.Product, method *gateway.PaymentMethod) error {
	switch t.Metadata.ProductType {
	case models.ProductOneTimePack:
		return m.repo.GrantPack(ctx, t.UserID, t.ProductID, t.ID)
	case models.ProductSubscriptionTier:
	default:
		return models.Errorf(models.ErrMalformedPayload, "unknown product type %q on transaction %s", t.Metadata.ProductType, t.ID)
	}

	switch t.Metadata.Kind {
	case models.KindUpgrade:
		return m.upgrade(ctx, t, product, method)
	case models.KindRenewal:
		return m.renewed(ctx, t.UserID, product)
	default:
		return m.activate(ctx, t.UserID, product, savedMethod(t, method))
	}
}

func savedMethod(t *models.Transaction, method *gateway.PaymentMethod) *string {
	if !t.Metadata.SavePaymentMethod || method == nil || !method.Saved || method.ID == "" {
		return nil
	}
	id := method.ID
	return &id
}

func (m *Machine) activate(ctx context.Context, userID string, product *models.Product, methodID *string) error {
	p, err := m.profile(ctx, userID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	tier := models.TierForLevel(product.TierLevel)

	// Re-buying the tier already held stacks on top of the remaining time.
	var from *time.Time
	if p.HasAccess(now) && p.Tier == tier {
		from = p.ExpiresAt
	}
	expires := ledger.Extend(from, now, ledger.DurationDays(product.DurationMonths))

	p.Tier = tier
	p.Status = models.StatusActive
	p.ExpiresAt = &expires
	p.DurationMonths = product.DurationMonths
	p.FailedPaymentAttempts = 0
	if methodID != nil {
		p.PaymentMethodID = methodID
		p.AutoRenew = true
	}
	if p.AutoRenew {
		p.NextBillingDate = &expires
	} else {
		p.NextBillingDate = nil
	}

	if err := m.repo.SaveSubscription(ctx, p); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"user_id":    userID,
		"tier":       p.Tier,
		"expires_at": expires,
		"auto_renew": p.AutoRenew,
	}).Info("Subscription activated")
	return nil
}

func (m *Machine) upgrade(ctx context.Context, t *models.Transaction, product *models.Product, method *gateway.PaymentMethod) error {
	p, err := m.profile(ctx, t.UserID)
	if err != nil {
		return err
	}

	conv, _, err := m.Conversion(ctx, p, product, t.ID)
	if err != nil {
		// The plan lapsed or changed between quote and payment. The user
		// paid for the target plan, so they get it without conversion.
		log.WithError(err).WithField("user_id", t.UserID).Warn("Upgrade conversion unavailable, activating target plan")
		return m.activate(ctx, t.UserID, product, savedMethod(t, method))
	}

	now := m.clock.Now()
	expires := now.Add(time.Duration(conv.TotalDays) * 24 * time.Hour)
	p.Tier = models.TierForLevel(product.TierLevel)
	p.Status = models.StatusActive
	p.ExpiresAt = &expires
	p.DurationMonths = product.DurationMonths
	p.FailedPaymentAttempts = 0
	if methodID := savedMethod(t, method); methodID != nil {
		p.PaymentMethodID = methodID
		p.AutoRenew = true
	}
	if p.AutoRenew {
		p.NextBillingDate = &expires
	}

	if err := m.repo.SaveSubscription(ctx, p); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"user_id":    t.UserID,
		"tier":       p.Tier,
		"bonus_days": conv.BonusDays,
		"total_days": conv.TotalDays,
	}).Info("Subscription upgraded")
	return nil
}

// renewed extends the profile and restores the plan the renewal charged for.
func (m *Machine) renewed(ctx context.Context, userID string, product *models.Product) error {
	p, err := m.profile(ctx, userID)
	if err != nil {
		return err
	}
	days := ledger.DurationDays(p.DurationMonths)
	if product != nil {
		days = ledger.DurationDays(product.DurationMonths)
		p.Tier = models.TierForLevel(product.TierLevel)
		p.DurationMonths = product.DurationMonths
	}
	expires := ledger.Extend(p.ExpiresAt, m.clock.Now(), days)

	p.Status = models.StatusActive
	p.ExpiresAt = &expires
	p.FailedPaymentAttempts = 0
	p.AutoRenew = p.PaymentMethodID != nil
	if p.AutoRenew {
		p.NextBillingDate = &expires
	} else {
		p.NextBillingDate = nil
	}
	return m.repo.SaveSubscription(ctx, p)
}

// RenewalFailed records a failed renewal charge and soft-cancels once the
// failure threshold is reached. Access continues until expires_at.
func (m *Machine) RenewalFailed(ctx context.Context, userID string) error {
	attempts, err := m.repo.IncrementFailedPayments(ctx, userID)
	if err != nil {
		return err
	}
	if attempts < m.cfg.MaxFailedRenewals {
		return nil
	}
	p, err := m.profile(ctx, userID)
	if err != nil {
		return err
	}
	if p.Status != models.StatusActive {
		return nil
	}
	p.Status = models.StatusCanceled
	p.AutoRenew = false
	p.NextBillingDate = nil
	log.WithFields(log.Fields{
		"user_id":  userID,
		"attempts": attempts,
	}).Warn("Auto-renew disabled after repeated payment failures")
	return m.repo.SaveSubscription(ctx, p)
}

// CancelSoft stops renewal. Access persists until expires_at and nothing else
// is reset. Cancelling an already canceled subscription is a no-op. reason is
// free text from the user and is only logged.
func (m *Machine) CancelSoft(ctx context.Context, userID, reason string) (*models.Profile, error) {
	p, err := m.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case models.StatusCanceled:
		return p, nil
	case models.StatusActive:
	default:
		return nil, models.Errorf(models.ErrInvalidState, "subscription is not active")
	}

	p.Status = models.StatusCanceled
	p.AutoRenew = false
	p.NextBillingDate = nil
	if err := m.repo.SaveSubscription(ctx, p); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"user_id":    userID,
		"reason":     reason,
		"expires_at": p.ExpiresAt,
	}).Info("Subscription canceled, access kept until expiry")
	return p, nil
}

// CancelHard resets the target's subscription immediately. The actor must be
// the target or an admin, and confirm must be set.
func (m *Machine) CancelHard(ctx context.Context, actor models.Actor, targetID string, confirm bool) (*models.Profile, error) {
	if actor.UserID == "" {
		return nil, models.Errorf(models.ErrUnauthorized, "no caller identity")
	}
	if targetID == "" {
		targetID = actor.UserID
	}
	if actor.UserID != targetID && !actor.IsAdmin {
		return nil, models.Errorf(models.ErrUnauthorized, "only the owner or an admin may reset a subscription")
	}
	if !confirm {
		return nil, models.Errorf(models.ErrInvalidState, "reset must be explicitly confirmed").
			WithDetail("field", "confirm")
	}

	p, err := m.profile(ctx, targetID)
	if err != nil {
		return nil, err
	}
	p.Tier = models.TierFree
	p.Status = models.StatusInactive
	p.ExpiresAt = nil
	p.DurationMonths = 0
	p.AutoRenew = false
	p.PaymentMethodID = nil
	p.NextBillingDate = nil
	p.FailedPaymentAttempts = 0
	if err := m.repo.SaveSubscription(ctx, p); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"user_id":  targetID,
		"actor_id": actor.UserID,
		"admin":    actor.IsAdmin,
	}).Warn("Subscription reset")
	return p, nil
}

// SetAutoRenew toggles renewal. Disabling is a soft cancel; enabling needs a
// saved payment method and unexpired access.
func (m *Machine) SetAutoRenew(ctx context.Context, userID string, enabled bool) (*models.Profile, error) {
	if !enabled {
		return m.CancelSoft(ctx, userID, "auto-renew disabled")
	}

	p, err := m.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !p.HasAccess(m.clock.Now()) {
		return nil, models.Errorf(models.ErrInvalidState, "no subscription to renew")
	}
	if p.PaymentMethodID == nil {
		return nil, models.Errorf(models.ErrInvalidState, "no saved payment method")
	}
	if p.Status == models.StatusActive && p.AutoRenew {
		return p, nil
	}

	p.Status = models.StatusActive
	p.AutoRenew = true
	p.FailedPaymentAttempts = 0
	p.NextBillingDate = p.ExpiresAt
	if err := m.repo.SaveSubscription(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
