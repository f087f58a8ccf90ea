package referral

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

const (
	inviterKeyPrefix = "referral_inviter:"
	welcomeKey       = "referral_welcome"
)

// AchievementRepository stores unlocked achievements.
type AchievementRepository interface {
	ListRewardableReferrals(ctx context.Context, userID string) ([]models.Referral, error)
	UnlockAchievement(ctx context.Context, userID, key string) (bool, error)
}

// Crediter credits bonus points.
type Crediter interface {
	Credit(ctx context.Context, userID string, amount int64, typ models.BonusTransactionType, description string) (*models.BonusTransaction, error)
}

// TxRunner runs fn inside a database transaction carried by ctx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Rewards configures the points paid per completed referral.
type Rewards struct {
	Referrer int64
	Referred int64
}

// Achievements pays referral rewards once per (user, achievement key). Only
// referrals whose referred user completed a first purchase are rewarded.
type Achievements struct {
	repo    AchievementRepository
	tx      TxRunner
	bonus   Crediter
	rewards Rewards
}

func NewAchievements(repo AchievementRepository, tx TxRunner, bonus Crediter, rewards Rewards) *Achievements {
	return &Achievements{repo: repo, tx: tx, bonus: bonus, rewards: rewards}
}

// Unlock grants every referral achievement userID has earned and not yet received.
func (a *Achievements) Unlock(ctx context.Context, userID string) error {
	referrals, err := a.repo.ListRewardableReferrals(ctx, userID)
	if err != nil {
		return err
	}

	for _, ref := range referrals {
		key, amount, description := a.rewardFor(userID, ref)
		err := a.tx.InTx(ctx, func(ctx context.Context) error {
			unlocked, err := a.repo.UnlockAchievement(ctx, userID, key)
			if err != nil || !unlocked {
				return err
			}
			if amount > 0 {
				if _, err := a.bonus.Credit(ctx, userID, amount, models.BonusReferralReward, description); err != nil {
					return err
				}
			}
			log.WithFields(log.Fields{
				"user_id":     userID,
				"achievement": key,
				"reward":      amount,
			}).Info("Referral achievement unlocked")
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to unlock %s for %s: %w", key, userID, err)
		}
	}
	return nil
}

func (a *Achievements) rewardFor(userID string, ref models.Referral) (key string, amount int64, description string) {
	if ref.ReferrerID == userID {
		return inviterKeyPrefix + ref.ReferredID, a.rewards.Referrer, "Referral reward for inviting a friend"
	}
	return welcomeKey, a.rewards.Referred, "Welcome reward for joining by referral"
}
