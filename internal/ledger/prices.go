package ledger

import (
	"fmt"
	"time"
)

// PriceTable maps a tier level to its non-discounted monthly price. It is
// built from configuration and handed to whoever needs it.
type PriceTable map[int]int64

// BaseMonthly returns the base monthly price for a tier level.
func (t PriceTable) BaseMonthly(tierLevel int) (int64, error) {
	price, ok := t[tierLevel]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("no base monthly price for tier level %d", tierLevel)
	}
	return price, nil
}

// Clock provides an abstraction for time operations
type Clock interface {
	Now() time.Time
}

// RealClock is the production implementation of Clock
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is used for testing with deterministic time
type FixedClock struct {
	FixedTime time.Time
}

func (f FixedClock) Now() time.Time {
	return f.FixedTime
}
