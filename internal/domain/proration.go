package domain

import "time"

// ProrationCredit returns the unused-time credit for a subscription period.
// The credit is the remaining fraction of the period applied to the price
// already paid, truncated toward zero cents.
//
// Out-of-range clocks clamp: before the period start the full price is
// credited, at or after the period end the credit is zero.
func ProrationCredit(now, periodStart, periodEnd time.Time, pricePaid int64) int64 {
	if pricePaid <= 0 {
		return 0
	}
	if !periodEnd.After(periodStart) {
		return 0
	}
	if !now.After(periodStart) {
		return pricePaid
	}
	if !now.Before(periodEnd) {
		return 0
	}

	total := periodEnd.Sub(periodStart)
	remaining := periodEnd.Sub(now)
	return int64(float64(pricePaid) * (float64(remaining) / float64(total)))
}

// UpgradeCharge returns the amount due today when switching to a plan priced
// at targetPrice with the given credit, floored at zero.
func UpgradeCharge(targetPrice, credit int64) int64 {
	due := targetPrice - credit
	if due < 0 {
		return 0
	}
	return due
}
