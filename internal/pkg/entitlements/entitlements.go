// Package entitlements derives content access from subscription state.
package entitlements

import (
	"time"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

// HasAccess reports whether the subscriber may see the creator's content at
// now. Past-due subscriptions keep access until the paid period runs out.
func HasAccess(sub *models.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case models.SubscriptionStatusActive:
		return true
	case models.SubscriptionStatusPastDue:
		return sub.CurrentPeriodEnd != nil && now.Before(*sub.CurrentPeriodEnd)
	default:
		return false
	}
}

// AccessUntil returns when access ends, or nil when it is open ended or
// already gone.
func AccessUntil(sub *models.Subscription, now time.Time) *time.Time {
	if !HasAccess(sub, now) || sub.CurrentPeriodEnd == nil {
		return nil
	}
	end := *sub.CurrentPeriodEnd
	return &end
}
