// Package referral records who referred whom and pays the referral rewards.
package referral

import (
	"context"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// Repository is the storage the registrar needs.
type Repository interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error)
	CreateReferral(ctx context.Context, r *models.Referral) (bool, error)
	GetReferralByReferred(ctx context.Context, referredID string) (*models.Referral, error)
	MarkReferralFirstPurchase(ctx context.Context, referredID string) (*models.Referral, error)
	HasSucceededTransaction(ctx context.Context, userID string) (bool, error)
}

// Unlocker grants whatever achievements a user has earned. It must be safe
// to call any number of times for the same user.
type Unlocker interface {
	Unlock(ctx context.Context, userID string) error
}

// Registrar creates referral relationships.
type Registrar struct {
	repo     Repository
	unlocker Unlocker
}

func NewRegistrar(repo Repository, unlocker Unlocker) *Registrar {
	return &Registrar{repo: repo, unlocker: unlocker}
}

// Register links newUserID to the owner of code. A user already referred is
// left untouched and the existing referral is returned with created=false.
func (r *Registrar) Register(ctx context.Context, code, newUserID string) (ref *models.Referral, created bool, err error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, false, models.Errorf(models.ErrMalformedPayload, "referral code is required")
	}

	user, err := r.repo.GetProfile(ctx, newUserID)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		return nil, false, models.Errorf(models.ErrNotFound, "profile %s", newUserID)
	}

	referrer, err := r.repo.GetProfileByReferralCode(ctx, code)
	if err != nil {
		return nil, false, err
	}
	if referrer == nil {
		return nil, false, models.Errorf(models.ErrNotFound, "referral code %q", code)
	}
	if referrer.ID == newUserID {
		return nil, false, models.Errorf(models.ErrInvalidState, "users cannot refer themselves")
	}

	existing, err := r.repo.GetReferralByReferred(ctx, newUserID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		r.unlockPair(ctx, existing)
		return existing, false, nil
	}

	// The referred user may already have paid if registration arrives late.
	purchased, err := r.repo.HasSucceededTransaction(ctx, newUserID)
	if err != nil {
		return nil, false, err
	}
	status := models.ReferralRegistered
	if purchased {
		status = models.ReferralFirstPurchaseMade
	}

	ref = &models.Referral{
		ID:         uuid.New().String(),
		ReferrerID: referrer.ID,
		ReferredID: newUserID,
		Status:     status,
	}
	created, err = r.repo.CreateReferral(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// lost a race with a concurrent registration
		ref, err = r.repo.GetReferralByReferred(ctx, newUserID)
		if err != nil {
			return nil, false, err
		}
		return ref, false, nil
	}

	log.WithFields(log.Fields{
		"referrer_id": ref.ReferrerID,
		"referred_id": ref.ReferredID,
		"status":      ref.Status,
	}).Info("Referral registered")

	r.unlockPair(ctx, ref)
	return ref, true, nil
}

// MarkFirstPurchase advances the referral of referredID, if any. It returns
// the referral only when this call performed the transition.
func (r *Registrar) MarkFirstPurchase(ctx context.Context, referredID string) (*models.Referral, error) {
	return r.repo.MarkReferralFirstPurchase(ctx, referredID)
}

// UnlockPair runs the unlocker for both sides of a referral. Failures are
// logged; the unlocker is retried on the next change for the pair.
func (r *Registrar) UnlockPair(ctx context.Context, ref *models.Referral) {
	r.unlockPair(ctx, ref)
}

func (r *Registrar) unlockPair(ctx context.Context, ref *models.Referral) {
	if r.unlocker == nil || ref == nil {
		return
	}
	for _, userID := range []string{ref.ReferrerID, ref.ReferredID} {
		if err := r.unlocker.Unlock(ctx, userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Failed to unlock referral achievements")
		}
	}
}
