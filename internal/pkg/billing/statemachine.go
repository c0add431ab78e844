package billing

import (
	"fmt"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

// Trigger is an input to the subscription state machine.
type Trigger string

const (
	TriggerPaymentApproved  Trigger = "payment_approved"
	TriggerPaymentRejected  Trigger = "payment_rejected"
	TriggerProviderCanceled Trigger = "provider_canceled"
	TriggerUserCanceled     Trigger = "user_canceled"
	TriggerProviderPaused   Trigger = "provider_paused"
	TriggerProviderResumed  Trigger = "provider_resumed"
	TriggerProviderPastDue  Trigger = "provider_past_due"
	TriggerForceActivate    Trigger = "force_activate"
)

var transitions = map[string]map[Trigger]string{
	models.SubscriptionStatusPending: {
		TriggerPaymentApproved:  models.SubscriptionStatusActive,
		TriggerPaymentRejected:  models.SubscriptionStatusPending,
		TriggerForceActivate:    models.SubscriptionStatusActive,
		TriggerProviderCanceled: models.SubscriptionStatusCanceled,
		TriggerUserCanceled:     models.SubscriptionStatusCanceled,
	},
	models.SubscriptionStatusActive: {
		TriggerPaymentApproved:  models.SubscriptionStatusActive,
		TriggerPaymentRejected:  models.SubscriptionStatusPastDue,
		TriggerProviderPastDue:  models.SubscriptionStatusPastDue,
		TriggerProviderCanceled: models.SubscriptionStatusCanceled,
		TriggerUserCanceled:     models.SubscriptionStatusCanceled,
		TriggerProviderPaused:   models.SubscriptionStatusPaused,
		TriggerProviderResumed:  models.SubscriptionStatusActive,
	},
	models.SubscriptionStatusPastDue: {
		TriggerPaymentApproved:  models.SubscriptionStatusActive,
		TriggerPaymentRejected:  models.SubscriptionStatusPastDue,
		TriggerProviderPastDue:  models.SubscriptionStatusPastDue,
		TriggerProviderResumed:  models.SubscriptionStatusActive,
		TriggerProviderCanceled: models.SubscriptionStatusCanceled,
		TriggerUserCanceled:     models.SubscriptionStatusCanceled,
	},
	models.SubscriptionStatusPaused: {
		TriggerProviderResumed:  models.SubscriptionStatusActive,
		TriggerProviderPaused:   models.SubscriptionStatusPaused,
		TriggerPaymentApproved:  models.SubscriptionStatusPaused,
		TriggerPaymentRejected:  models.SubscriptionStatusPaused,
		TriggerProviderCanceled: models.SubscriptionStatusCanceled,
		TriggerUserCanceled:     models.SubscriptionStatusCanceled,
	},
}

// NextStatus returns the status reached from `from` on trigger. Canceled is
// terminal and rejects every trigger with ErrTerminalState.
func NextStatus(from string, trigger Trigger) (string, error) {
	if from == models.SubscriptionStatusCanceled {
		return from, ErrTerminalState
	}
	next, ok := transitions[from][trigger]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trigger, from)
	}
	return next, nil
}

// transitionReason names a status change for the transition log.
func transitionReason(from, to string, trigger Trigger) string {
	switch {
	case to == models.SubscriptionStatusCanceled:
		return models.TransitionReasonCanceled
	case to == models.SubscriptionStatusPastDue:
		return models.TransitionReasonPastDue
	case to == models.SubscriptionStatusPaused:
		return models.TransitionReasonPaused
	case from == models.SubscriptionStatusPaused && to == models.SubscriptionStatusActive:
		return models.TransitionReasonResumed
	case from == models.SubscriptionStatusPastDue && to == models.SubscriptionStatusActive:
		return models.TransitionReasonRecovered
	case trigger == TriggerForceActivate:
		return models.TransitionReasonForceActive
	case from == models.SubscriptionStatusActive && to == models.SubscriptionStatusActive:
		return models.TransitionReasonRenewed
	default:
		return models.TransitionReasonActivated
	}
}

func triggerForProviderStatus(status ProviderStatus) Trigger {
	switch status {
	case ProviderStatusPaused:
		return TriggerProviderPaused
	case ProviderStatusPastDue:
		return TriggerProviderPastDue
	case ProviderStatusCanceled:
		return TriggerProviderCanceled
	default:
		return TriggerProviderResumed
	}
}
