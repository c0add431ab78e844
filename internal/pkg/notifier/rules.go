package notifier

import (
	"fmt"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
)

type rule struct {
	subscriber string
	creator    string
}

// rules maps a transition reason to the notification types it produces. An
// empty type means that side is not notified.
var rules = map[string]rule{
	models.TransitionReasonActivated:   {models.NotificationSubscriptionActivated, models.NotificationNewSubscriber},
	models.TransitionReasonForceActive: {models.NotificationSubscriptionActivated, models.NotificationNewSubscriber},
	models.TransitionReasonRenewed:     {models.NotificationSubscriptionRenewed, models.NotificationRenewalReceived},
	models.TransitionReasonRecovered:   {models.NotificationSubscriptionReactivated, models.NotificationRenewalReceived},
	models.TransitionReasonPastDue:     {models.NotificationPaymentFailed, models.NotificationPaymentFailed},
	models.TransitionReasonCanceled:    {models.NotificationSubscriptionCanceled, models.NotificationSubscriberCanceled},
	models.TransitionReasonPaused:      {models.NotificationSubscriptionPaused, ""},
	models.TransitionReasonResumed:     {models.NotificationSubscriptionResumed, ""},
}

// BuildNotifications returns the notifications a transition produces.
func BuildNotifications(t billing.Transition) []models.Notification {
	r, ok := rules[t.Reason]
	if !ok {
		return nil
	}
	var out []models.Notification
	if r.subscriber != "" && t.SubscriberID != 0 {
		out = append(out, models.Notification{
			UserID:       t.SubscriberID,
			TransitionID: t.ID,
			Type:         r.subscriber,
			Content:      subscriberContent(r.subscriber, t),
			ReferenceID:  t.SubscriptionID,
		})
	}
	if r.creator != "" && t.CreatorID != 0 {
		out = append(out, models.Notification{
			UserID:       t.CreatorID,
			TransitionID: t.ID,
			Type:         r.creator,
			Content:      creatorContent(r.creator, t),
			ReferenceID:  t.SubscriptionID,
		})
	}
	return out
}

func subscriberContent(kind string, t billing.Transition) string {
	switch kind {
	case models.NotificationSubscriptionActivated:
		return "Your subscription is active."
	case models.NotificationSubscriptionRenewed:
		return fmt.Sprintf("Your subscription was renewed (%s).", amount(t))
	case models.NotificationSubscriptionReactivated:
		return "Your payment went through and your subscription is active again."
	case models.NotificationPaymentFailed:
		return "We could not charge your subscription. Please update your payment method."
	case models.NotificationSubscriptionCanceled:
		return "Your subscription was canceled."
	case models.NotificationSubscriptionPaused:
		return "Your subscription is paused."
	case models.NotificationSubscriptionResumed:
		return "Your subscription was resumed."
	default:
		return ""
	}
}

func creatorContent(kind string, t billing.Transition) string {
	switch kind {
	case models.NotificationNewSubscriber:
		return "You have a new subscriber."
	case models.NotificationRenewalReceived:
		return fmt.Sprintf("A subscriber renewed (%s).", amount(t))
	case models.NotificationPaymentFailed:
		return "A subscriber's payment failed."
	case models.NotificationSubscriberCanceled:
		return "A subscriber canceled."
	default:
		return ""
	}
}

func amount(t billing.Transition) string {
	if t.Amount.IsZero() {
		return "no charge"
	}
	return t.Amount.StringFixed(2) + " " + t.Currency
}
