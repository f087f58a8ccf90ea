// Package payments quotes upgrades and opens gateway payments.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/gateway"
	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/metrics"
	"github.com/jeet-patel/subscription-ledger/internal/models"
	"github.com/jeet-patel/subscription-ledger/internal/pricing"
)

type Repository interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	CreateTransaction(ctx context.Context, t *models.Transaction) error
}

// Gateway opens payments the user confirms with the provider.
type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.Payment, error)
}

// Converter prices an upgrade in days.
type Converter interface {
	Conversion(ctx context.Context, p *models.Profile, target *models.Product, excludeID string) (ledger.Conversion, int64, error)
}

// Quoter prices a purchase.
type Quoter interface {
	Quote(ctx context.Context, req pricing.Request) (*pricing.Quote, error)
}

// Reserver holds bonus points while a payment is open.
type Reserver interface {
	Debit(ctx context.Context, userID string, amount int64, typ models.BonusTransactionType, description string) (*models.BonusTransaction, error)
	Credit(ctx context.Context, userID string, amount int64, typ models.BonusTransactionType, description string) (*models.BonusTransaction, error)
}

// Service orchestrates quoting and payment creation.
type Service struct {
	repo      Repository
	gateway   Gateway
	converter Converter
	quoter    Quoter
	bonus     Reserver
	clock     ledger.Clock
	metrics   *metrics.Metrics
	currency  string
}

func NewService(repo Repository, gw Gateway, converter Converter, quoter Quoter, bonus Reserver,
	clock ledger.Clock, m *metrics.Metrics, currency string) *Service {
	return &Service{
		repo:      repo,
		gateway:   gw,
		converter: converter,
		quoter:    quoter,
		bonus:     bonus,
		clock:     clock,
		metrics:   m,
		currency:  currency,
	}
}

func (s *Service) load(ctx context.Context, userID, productID string) (*models.Profile, *models.Product, error) {
	if productID == "" {
		return nil, nil, models.Errorf(models.ErrMalformedPayload, "productId is required").
			WithDetail("field", "productId")
	}
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if profile == nil {
		return nil, nil, models.Errorf(models.ErrNotFound, "profile %s", userID)
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	if product == nil {
		return nil, nil, models.Errorf(models.ErrNotFound, "product %s", productID)
	}
	return profile, product, nil
}

// CalculateUpgrade previews the days a user gets for switching to newProductID.
func (s *Service) CalculateUpgrade(ctx context.Context, userID, newProductID string) (*models.UpgradeQuote, error) {
	profile, product, err := s.load(ctx, userID, newProductID)
	if err != nil {
		return nil, err
	}
	conv, paid, err := s.converter.Conversion(ctx, profile, product, "")
	if err != nil {
		return nil, err
	}
	return &models.UpgradeQuote{
		Conversion:   models.ConversionView{BonusDays: conv.BonusDays, TotalDays: conv.TotalDays},
		CurrentPrice: paid,
		NewPrice:     product.Price,
		CurrentTier:  profile.Tier,
		NewTier:      models.TierForLevel(product.TierLevel),
	}, nil
}

// CreatePayment prices the request, reserves the bonus points it spends and
// opens a gateway payment. The reservation is returned if the gateway call
// fails or the payment is later canceled.
func (s *Service) CreatePayment(ctx context.Context, userID string, req models.CreatePaymentRequest) (resp *models.CreatePaymentResponse, err error) {
	profile, product, err := s.load(ctx, userID, req.ProductID)
	if err != nil {
		return nil, err
	}
	defer func() {
		outcome := "created"
		if err != nil {
			outcome = "rejected"
		}
		s.metrics.PaymentCreated(string(product.Type), outcome)
	}()

	kind, err := s.kindFor(ctx, profile, product)
	if err != nil {
		return nil, err
	}

	quote, err := s.quoter.Quote(ctx, pricing.Request{
		Product:    product,
		UserID:     userID,
		PromoCode:  req.PromoCode,
		BonusToUse: req.BonusToUse,
	})
	if err != nil {
		return nil, err
	}

	transactionID := uuid.New().String()
	fields := log.Fields{"user_id": userID, "product_id": product.ID, "transaction_id": transactionID}

	if quote.BonusToUse > 0 {
		if _, err := s.bonus.Debit(ctx, userID, quote.BonusToUse, models.BonusRedeem,
			"Points reserved for "+product.Name); err != nil {
			return nil, err
		}
	}
	release := func(cause error) {
		if quote.BonusToUse <= 0 {
			return
		}
		if _, err := s.bonus.Credit(ctx, userID, quote.BonusToUse, models.BonusRedeemRelease,
			"Points returned for failed payment"); err != nil {
			log.WithError(errors.Join(cause, err)).WithFields(fields).Error("Failed to release reserved bonus points")
		}
	}

	payment, err := s.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		Amount:            gateway.Amount{Value: quote.FinalPrice, Currency: s.currency},
		Description:       product.Name,
		SavePaymentMethod: req.SavePaymentMethod,
		Metadata: map[string]string{
			"user_id":        userID,
			"product_id":     product.ID,
			"transaction_id": transactionID,
		},
		IdempotenceKey: transactionID,
	})
	if err != nil {
		release(err)
		log.WithError(err).WithFields(fields).Error("Gateway rejected payment creation")
		return nil, fmt.Errorf("failed to create gateway payment: %w", err)
	}

	t := &models.Transaction{
		ID:                transactionID,
		UserID:            userID,
		ProductID:         product.ID,
		ExternalPaymentID: payment.ID,
		Amount:            quote.FinalPrice,
		Status:            models.TxPending,
		Metadata: models.TransactionMetadata{
			ProductType:       product.Type,
			Kind:              kind,
			TierLevel:         product.TierLevel,
			DurationMonths:    product.DurationMonths,
			BasePrice:         quote.BasePrice,
			OriginalPrice:     product.Price,
			PromoCode:         quote.PromoCode,
			PromoDiscount:     quote.PromoDiscount,
			BonusUsed:         quote.BonusToUse,
			SavePaymentMethod: req.SavePaymentMethod,
		},
	}
	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		// The gateway payment exists; reconciliation picks up the orphan.
		log.WithError(err).WithFields(fields).WithField("payment_id", payment.ID).
			Error("Failed to record pending transaction")
	}

	log.WithFields(fields).WithFields(log.Fields{
		"payment_id": payment.ID,
		"amount":     quote.FinalPrice,
		"kind":       kind,
		"bonus_used": quote.BonusToUse,
	}).Info("Payment created")

	resp = &models.CreatePaymentResponse{
		PaymentID: payment.ID,
		Amount:    quote.FinalPrice,
		Currency:  s.currency,
	}
	if payment.Confirmation != nil {
		resp.ConfirmationToken = payment.Confirmation.Token
		resp.ConfirmationURL = payment.Confirmation.ConfirmationURL
	}
	return resp, nil
}

// kindFor decides whether a purchase is a fresh activation or an upgrade.
// Buying the same or a lower tier while one is live is refused.
func (s *Service) kindFor(ctx context.Context, profile *models.Profile, product *models.Product) (models.PaymentKind, error) {
	if product.Type != models.ProductSubscriptionTier || !profile.HasAccess(s.clock.Now()) {
		return models.KindPurchase, nil
	}
	if !ledger.IsUpgrade(profile.Tier.Level(), product.TierLevel) {
		return "", models.Errorf(models.ErrInvalidState, "subscription already active at %s", profile.Tier).
			WithDetail("currentTier", profile.Tier).
			WithDetail("newTier", models.TierForLevel(product.TierLevel))
	}
	if _, _, err := s.converter.Conversion(ctx, profile, product, ""); err != nil {
		return "", err
	}
	return models.KindUpgrade, nil
}
