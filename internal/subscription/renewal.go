package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/gateway"
	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/models"
)

const (
	sweepLockName = "billing:renewal-sweep"
	sweepLockTTL  = 10 * time.Minute
)

// Renewal outcomes
const (
	OutcomeRenewed = "renewed"
	OutcomePending = "pending"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// ErrSweepRunning is returned when another instance holds the sweep lock.
var ErrSweepRunning = fmt.Errorf("%w: renewal sweep already running", models.ErrInvalidState)

// RenewalResult is the outcome for one profile.
type RenewalResult struct {
	UserID    string `json:"user_id"`
	Outcome   string `json:"outcome"`
	PaymentID string `json:"payment_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RenewalReport summarizes one sweep.
type RenewalReport struct {
	RanAt   time.Time       `json:"ran_at"`
	Due     int             `json:"due"`
	Renewed int             `json:"renewed"`
	Pending int             `json:"pending"`
	Failed  int             `json:"failed"`
	Skipped int             `json:"skipped"`
	Errors  int             `json:"errors"`
	Lapsed  int64           `json:"lapsed"`
	Results []RenewalResult `json:"results"`
}

func (r *RenewalReport) add(res RenewalResult) {
	switch res.Outcome {
	case OutcomeRenewed:
		r.Renewed++
	case OutcomePending:
		r.Pending++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Errors++
	}
	r.Results = append(r.Results, res)
}

// RenewDue charges every profile whose next billing date falls on or before
// today, then lapses subscriptions whose expiry has passed. One profile
// failing does not stop the sweep.
func (m *Machine) RenewDue(ctx context.Context) (*RenewalReport, error) {
	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, sweepLockName, sweepLockTTL)
		if err != nil {
			log.WithError(err).Warn("Renewal sweep lock not acquired")
			return nil, ErrSweepRunning
		}
		defer unlock()
	}

	now := m.clock.Now()
	today := now.Truncate(24 * time.Hour)
	report := &RenewalReport{RanAt: now, Results: []RenewalResult{}}

	due, err := m.repo.ListDueRenewals(ctx, today.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	report.Due = len(due)

	for i := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := m.renewOne(ctx, &due[i], now)
		m.metrics.RenewalAttempted(res.Outcome)
		if res.Error != "" {
			log.WithFields(log.Fields{
				"user_id": res.UserID,
				"outcome": res.Outcome,
				"error":   res.Error,
			}).Warn("Renewal did not complete")
		}
		report.add(res)
	}

	lapsed, err := m.repo.LapseExpired(ctx, now, m.cfg.MaxFailedRenewals)
	if err != nil {
		log.WithError(err).Error("Failed to lapse expired subscriptions")
	}
	report.Lapsed = lapsed

	log.WithFields(log.Fields{
		"due":     report.Due,
		"renewed": report.Renewed,
		"pending": report.Pending,
		"failed":  report.Failed,
		"skipped": report.Skipped,
		"errors":  report.Errors,
		"lapsed":  report.Lapsed,
	}).Info("Renewal sweep finished")
	return report, nil
}

func (m *Machine) renewOne(ctx context.Context, p *models.Profile, now time.Time) RenewalResult {
	res := RenewalResult{UserID: p.ID}
	fail := func(outcome string, err error) RenewalResult {
		res.Outcome = outcome
		res.Error = err.Error()
		return res
	}

	// One attempt per profile per sweep day. A declined charge leaves
	// next_billing_date in the past, so the next day's sweep retries it.
	attemptDate := now.UTC().Truncate(24 * time.Hour)
	claimed, err := m.repo.ClaimRenewalAttempt(ctx, p.ID, attemptDate)
	if err != nil {
		return fail(OutcomeError, err)
	}
	if !claimed {
		res.Outcome = OutcomeSkipped
		return res
	}

	if p.PaymentMethodID == nil {
		return fail(OutcomeError, models.Errorf(models.ErrInvalidState, "no saved payment method"))
	}

	product, err := m.repo.FindSubscriptionProduct(ctx, p.Tier.Level(), p.DurationMonths)
	if err != nil {
		return fail(OutcomeError, err)
	}
	if product == nil {
		return fail(OutcomeError, models.Errorf(models.ErrNotFound, "no %s plan for %d months", p.Tier, p.DurationMonths))
	}

	// No database transaction is open across the gateway call.
	payment, err := m.charger.ChargeSaved(ctx, gateway.ChargeRequest{
		Amount:          gateway.Amount{Value: product.Price, Currency: m.cfg.Currency},
		Description:     "Renewal: " + product.Name,
		PaymentMethodID: *p.PaymentMethodID,
		Metadata: map[string]string{
			"user_id":    p.ID,
			"product_id": product.ID,
			"kind":       string(models.KindRenewal),
		},
		IdempotenceKey: "renewal-" + p.ID + "-" + attemptDate.Format("2006-01-02"),
	})
	if err != nil {
		if ferr := m.RenewalFailed(ctx, p.ID); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return fail(OutcomeFailed, err)
	}
	res.PaymentID = payment.ID

	t := &models.Transaction{
		ID:                uuid.New().String(),
		UserID:            p.ID,
		ProductID:         product.ID,
		ExternalPaymentID: payment.ID,
		Amount:            product.Price,
		Status:            models.TxPending,
		Metadata: models.TransactionMetadata{
			ProductType:    models.ProductSubscriptionTier,
			Kind:           models.KindRenewal,
			TierLevel:      product.TierLevel,
			DurationMonths: product.DurationMonths,
			BasePrice:      ledger.BasePrice(product.Price, product.DiscountPercent),
			OriginalPrice:  product.Price,
		},
	}

	switch payment.Status {
	case gateway.StatusSucceeded:
		err = m.tx.InTx(ctx, func(ctx context.Context) error {
			if err := m.repo.CreateTransaction(ctx, t); err != nil {
				return err
			}
			claimed, err := m.repo.ClaimTransaction(ctx, payment.ID, models.TxSucceeded, nil)
			if err != nil || claimed == nil {
				return err
			}
			if err := m.renewed(ctx, p.ID, product); err != nil {
				return err
			}
			if m.cashback != nil {
				if _, err := m.cashback.CreditCashback(ctx, p.ID, product.Price, "renewal "+payment.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fail(OutcomeError, err)
		}
		res.Outcome = OutcomeRenewed

	case gateway.StatusCanceled:
		reason := "renewal charge declined"
		if payment.CancellationDetails != nil && payment.CancellationDetails.Reason != "" {
			reason = payment.CancellationDetails.Reason
		}
		err = m.tx.InTx(ctx, func(ctx context.Context) error {
			if err := m.repo.CreateTransaction(ctx, t); err != nil {
				return err
			}
			claimed, err := m.repo.ClaimTransaction(ctx, payment.ID, models.TxCanceled, &reason)
			if err != nil || claimed == nil {
				return err
			}
			return m.RenewalFailed(ctx, p.ID)
		})
		if err != nil {
			return fail(OutcomeError, err)
		}
		return fail(OutcomeFailed, errors.New(reason))

	default:
		// The payment webhook finishes the renewal.
		if err := m.repo.CreateTransaction(ctx, t); err != nil {
			return fail(OutcomeError, err)
		}
		res.Outcome = OutcomePending
	}

	log.WithFields(log.Fields{
		"user_id":    p.ID,
		"payment_id": payment.ID,
		"amount":     product.Price,
		"outcome":    res.Outcome,
	}).Info("Renewal charged")
	return res
}
