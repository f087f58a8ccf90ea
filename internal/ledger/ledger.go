// Package ledger holds the pure day and price arithmetic used by upgrades,
// quotes and renewals. Nothing here touches storage.
package ledger

import (
	"fmt"
	"time"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// DaysPerMonth is the billing month length used by every conversion.
const DaysPerMonth = 30

const day = 24 * time.Hour

// ErrNoActiveSubscription is returned when there is nothing left to convert.
var ErrNoActiveSubscription = fmt.Errorf("%w: no active subscription", models.ErrInvalidState)

// IsUpgrade reports whether moving to newLevel is an upgrade. Equal or lower
// levels are never upgrades.
func IsUpgrade(currentLevel, newLevel int) bool {
	return newLevel > currentLevel
}

// RemainingDays returns the whole days left until expiresAt, rounded up.
func RemainingDays(expiresAt, now time.Time) int {
	left := expiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	days := int(left / day)
	if left%day != 0 {
		days++
	}
	return days
}

// CurrentPlan describes what the user holds today.
type CurrentPlan struct {
	TierLevel      int
	DurationMonths int
	// PaidPrice is the amount recorded on the user's last succeeded
	// subscription transaction, never the list price.
	PaidPrice     int64
	RemainingDays int
}

// TargetPlan describes the plan being upgraded to.
type TargetPlan struct {
	TierLevel        int
	DurationMonths   int
	Price            int64
	BaseMonthlyPrice int64
}

// Conversion is the result of translating unused value into target-plan days.
type Conversion struct {
	UnusedValue int64 `json:"unusedValue"`
	BonusDays   int   `json:"bonusDays"`
	TotalDays   int   `json:"totalDays"`
}

// ConvertUpgrade credits the unused part of the current plan as extra days of
// the target plan, priced at the target's base monthly rate.
func ConvertUpgrade(current CurrentPlan, target TargetPlan) (Conversion, error) {
	if !IsUpgrade(current.TierLevel, target.TierLevel) {
		return Conversion{}, models.Errorf(models.ErrInvalidState,
			"tier level %d is not an upgrade over %d", target.TierLevel, current.TierLevel).
			WithDetail("currentTierLevel", current.TierLevel).
			WithDetail("newTierLevel", target.TierLevel)
	}
	if current.RemainingDays <= 0 {
		return Conversion{}, ErrNoActiveSubscription
	}
	if current.DurationMonths <= 0 {
		return Conversion{}, models.Errorf(models.ErrInvalidState, "current plan has no duration")
	}
	if target.BaseMonthlyPrice <= 0 {
		return Conversion{}, fmt.Errorf("base monthly price for tier %d is not configured", target.TierLevel)
	}

	paid := current.PaidPrice
	if paid < 0 {
		paid = 0
	}
	remaining := int64(current.RemainingDays)
	periodDays := int64(current.DurationMonths * DaysPerMonth)
	// Days beyond one period were earned as bonus or stacked, not paid for
	// with PaidPrice, so unused value never exceeds what was paid.
	if remaining > periodDays {
		remaining = periodDays
	}

	// unused = paid*remaining/periodDays; bonus = unused / (base/30).
	// Both steps are folded into one integer division so nothing is lost to
	// intermediate rounding.
	unused := paid * remaining / periodDays
	bonusDays := paid * remaining / (int64(current.DurationMonths) * target.BaseMonthlyPrice)

	return Conversion{
		UnusedValue: unused,
		BonusDays:   int(bonusDays),
		TotalDays:   target.DurationMonths*DaysPerMonth + int(bonusDays),
	}, nil
}

// BasePrice reconstructs the pre-discount anchor price of a product, rounded
// to the nearest unit.
func BasePrice(price int64, discountPercent int) int64 {
	if discountPercent <= 0 || discountPercent >= 100 {
		return price
	}
	denominator := int64(100 - discountPercent)
	return (price*100 + denominator/2) / denominator
}

// DurationDays returns the length in days of a plan of the given months.
func DurationDays(months int) int {
	return months * DaysPerMonth
}

// Extend returns the new expiry when adding days onto a subscription. Days
// are added from the later of now and the current expiry.
func Extend(expiresAt *time.Time, now time.Time, days int) time.Time {
	from := now
	if expiresAt != nil && expiresAt.After(now) {
		from = *expiresAt
	}
	return from.Add(time.Duration(days) * day)
}
