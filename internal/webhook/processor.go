// Package webhook applies payment gateway notifications to local state.
package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/gateway"
	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/metrics"
	"github.com/jeet-patel/subscription-ledger/internal/models"
	"github.com/jeet-patel/subscription-ledger/internal/notify"
)

// Gateway event names
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
)

// Outcomes reported for a delivery
const (
	OutcomeApplied  = "applied"
	OutcomeReplayed = "replayed"
	OutcomeIgnored  = "ignored"
)

const (
	defaultTimeout = 10 * time.Second
	notifyTimeout  = 30 * time.Second
)

// Event is the webhook body.
type Event struct {
	Event  string          `json:"event"`
	Object gateway.Payment `json:"object"`
}

// Repository is the storage the processor reads and claims through.
type Repository interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (*models.Transaction, error)
	ClaimTransaction(ctx context.Context, externalID string, status models.TransactionStatus, reason *string) (*models.Transaction, error)
	RedeemPromoCode(ctx context.Context, code string) error
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Subscriptions applies the profile side of a payment.
type Subscriptions interface {
	ApplyPayment(ctx context.Context, t *models.Transaction, product *models.Product, method *gateway.PaymentMethod) error
	RenewalFailed(ctx context.Context, userID string) error
}

// Bonus credits cashback and returns reserved points.
type Bonus interface {
	Credit(ctx context.Context, userID string, amount int64, typ models.BonusTransactionType, description string) (*models.BonusTransaction, error)
	CreditCashback(ctx context.Context, userID string, finalPrice int64, reference string) (int64, error)
}

// Referrals advances and rewards referral relationships.
type Referrals interface {
	MarkFirstPurchase(ctx context.Context, referredID string) (*models.Referral, error)
	UnlockPair(ctx context.Context, ref *models.Referral)
}

// Config configures a Processor.
type Config struct {
	Secret   string
	Currency string
	Timeout  time.Duration
}

// Processor verifies, deduplicates and dispatches gateway events. Every
// state change for one delivery commits in a single database transaction
// guarded by the pending-to-final claim, so redelivery is a no-op.
type Processor struct {
	repo          Repository
	tx            TxRunner
	subscriptions Subscriptions
	bonus         Bonus
	referrals     Referrals
	notifier      notify.Notifier
	clock         ledger.Clock
	metrics       *metrics.Metrics
	cfg           Config

	wg sync.WaitGroup
}

func NewProcessor(repo Repository, tx TxRunner, subs Subscriptions, bonus Bonus, referrals Referrals,
	notifier notify.Notifier, clock ledger.Clock, m *metrics.Metrics, cfg Config) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Processor{
		repo:          repo,
		tx:            tx,
		subscriptions: subs,
		bonus:         bonus,
		referrals:     referrals,
		notifier:      notifier,
		clock:         clock,
		metrics:       m,
		cfg:           cfg,
	}
}

// Handle processes one delivery. The returned error carries a models kind
// that determines the HTTP status the gateway sees.
func (p *Processor) Handle(ctx context.Context, signature string, body []byte) (outcome string, err error) {
	started := time.Now()
	event := "unknown"
	defer func() {
		result := outcome
		if err != nil {
			result = "error"
		}
		p.metrics.WebhookHandled(event, result, started)
	}()

	if !gateway.VerifySignature(p.cfg.Secret, body, signature) {
		log.Warn("Webhook rejected: invalid signature")
		return "", models.ErrSignatureInvalid
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.WithError(err).Warn("Webhook rejected: malformed payload")
		return "", models.Errorf(models.ErrMalformedPayload, "invalid JSON: %v", err)
	}
	if ev.Event == "" {
		return "", models.Errorf(models.ErrMalformedPayload, "event is required")
	}
	event = ev.Event

	if ev.Event != EventPaymentSucceeded && ev.Event != EventPaymentCanceled {
		log.WithField("event", ev.Event).Info("Ignoring unhandled webhook event")
		return OutcomeIgnored, nil
	}
	if ev.Object.ID == "" {
		return "", models.Errorf(models.ErrMalformedPayload, "object.id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	t, err := p.repo.GetTransactionByExternalID(ctx, ev.Object.ID)
	if err != nil {
		return "", err
	}
	if t == nil {
		log.WithField("payment_id", ev.Object.ID).Warn("Webhook for unknown payment")
		return "", models.Errorf(models.ErrNotFound, "transaction for payment %s", ev.Object.ID)
	}

	if ev.Event == EventPaymentSucceeded {
		return p.succeeded(ctx, t, &ev.Object)
	}
	return p.canceled(ctx, t, &ev.Object)
}

func (p *Processor) succeeded(ctx context.Context, t *models.Transaction, payment *gateway.Payment) (string, error) {
	fields := log.Fields{"payment_id": payment.ID, "user_id": t.UserID}
	if payment.Amount.Value != 0 && payment.Amount.Value != t.Amount {
		log.WithFields(fields).WithField("gateway_amount", payment.Amount.Value).
			Warn("Gateway amount differs from recorded amount")
	}

	var (
		claimed  *models.Transaction
		product  *models.Product
		referral *models.Referral
		cashback int64
	)
	err := p.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = p.repo.ClaimTransaction(ctx, payment.ID, models.TxSucceeded, nil)
		if err != nil || claimed == nil {
			return err
		}

		product, err = p.repo.GetProduct(ctx, claimed.ProductID)
		if err != nil {
			return err
		}
		if product == nil {
			return models.Errorf(models.ErrNotFound, "product %s", claimed.ProductID)
		}

		if err := p.subscriptions.ApplyPayment(ctx, claimed, product, payment.PaymentMethod); err != nil {
			return err
		}

		cashback, err = p.bonus.CreditCashback(ctx, claimed.UserID, claimed.Amount, "payment "+payment.ID)
		if err != nil {
			return err
		}

		if claimed.Metadata.PromoCode != "" {
			if err := p.repo.RedeemPromoCode(ctx, claimed.Metadata.PromoCode); err != nil {
				return err
			}
		}

		referral, err = p.referrals.MarkFirstPurchase(ctx, claimed.UserID)
		return err
	})
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Failed to apply succeeded payment")
		return "", err
	}
	if claimed == nil {
		log.WithFields(fields).Info("Duplicate payment.succeeded delivery")
		return OutcomeReplayed, nil
	}

	log.WithFields(fields).WithFields(log.Fields{
		"product_id": claimed.ProductID,
		"kind":       claimed.Metadata.Kind,
		"amount":     claimed.Amount,
		"cashback":   cashback,
	}).Info("Payment succeeded")

	if referral != nil {
		p.referrals.UnlockPair(ctx, referral)
	}
	p.notify(claimed, product, cashback)
	return OutcomeApplied, nil
}

func (p *Processor) canceled(ctx context.Context, t *models.Transaction, payment *gateway.Payment) (string, error) {
	fields := log.Fields{"payment_id": payment.ID, "user_id": t.UserID}
	reason := "canceled"
	if d := payment.CancellationDetails; d != nil && d.Reason != "" {
		reason = d.Reason
	}

	var claimed *models.Transaction
	err := p.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = p.repo.ClaimTransaction(ctx, payment.ID, models.TxCanceled, &reason)
		if err != nil || claimed == nil {
			return err
		}

		if used := claimed.Metadata.BonusUsed; used > 0 {
			if _, err := p.bonus.Credit(ctx, claimed.UserID, used, models.BonusRedeemRelease,
				"Points returned for canceled payment "+payment.ID); err != nil {
				return err
			}
		}

		if claimed.Metadata.Kind == models.KindRenewal {
			return p.subscriptions.RenewalFailed(ctx, claimed.UserID)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Failed to apply canceled payment")
		return "", err
	}
	if claimed == nil {
		log.WithFields(fields).Info("Duplicate payment.canceled delivery")
		return OutcomeReplayed, nil
	}

	log.WithFields(fields).WithField("reason", reason).Info("Payment canceled")
	return OutcomeApplied, nil
}

// notify sends the receipt in the background. Failures are logged only.
func (p *Processor) notify(t *models.Transaction, product *models.Product, cashback int64) {
	if p.notifier == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		receipt := notify.Receipt{
			UserID:        t.UserID,
			TransactionID: t.ID,
			PaymentID:     t.ExternalPaymentID,
			ProductID:     product.ID,
			ProductName:   product.Name,
			ProductType:   product.Type,
			Kind:          t.Metadata.Kind,
			Amount:        t.Amount,
			Currency:      p.cfg.Currency,
			BonusUsed:     t.Metadata.BonusUsed,
			Cashback:      cashback,
			PaidAt:        p.clock.Now(),
		}
		profile, err := p.repo.GetProfile(ctx, t.UserID)
		if err != nil {
			log.WithError(err).WithField("user_id", t.UserID).Warn("Failed to load profile for receipt")
		}
		if profile != nil {
			receipt.Email = profile.Email
			receipt.Tier = profile.Tier
			receipt.ExpiresAt = profile.ExpiresAt
		}

		if err := p.notifier.PaymentSucceeded(ctx, receipt); err != nil {
			log.WithError(err).WithField("payment_id", t.ExternalPaymentID).Error("Failed to send payment notification")
		}
	}()
}

// Wait blocks until background notifications finish.
func (p *Processor) Wait() {
	p.wg.Wait()
}
