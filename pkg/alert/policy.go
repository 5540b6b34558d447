package alert

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Policy decides whether a price change is worth an alert.
type Policy struct {
	// MinDropPercent is the relative drop (0-100) that counts as significant.
	MinDropPercent decimal.Decimal

	// MinDropAmount is the absolute drop that counts as significant.
	MinDropAmount decimal.Decimal

	// Cooldown is the minimum time between two alerts for one item.
	Cooldown time.Duration
}

// ShouldAlert reports whether current warrants an alert.
//
// All of the following must hold: current is at or below target; the drop
// from previous is significant by amount OR by percent; and the cooldown has
// elapsed since lastAlertAt (a zero lastAlertAt always passes). A previous
// price of zero or less has no baseline and never alerts.
func (p Policy) ShouldAlert(current, target, previous decimal.Decimal, lastAlertAt, now time.Time) bool {
	if current.GreaterThan(target) {
		return false
	}
	if !p.significantDrop(previous, current) {
		return false
	}
	if !lastAlertAt.IsZero() && now.Sub(lastAlertAt) < p.Cooldown {
		return false
	}
	return true
}

func (p Policy) significantDrop(previous, current decimal.Decimal) bool {
	if !previous.IsPositive() {
		return false
	}
	drop := previous.Sub(current)
	if !drop.IsPositive() {
		return false
	}
	if drop.GreaterThanOrEqual(p.MinDropAmount) {
		return true
	}
	return drop.Div(previous).Mul(hundred).GreaterThanOrEqual(p.MinDropPercent)
}
