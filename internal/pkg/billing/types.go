package billing

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the normalized result a provider reports for a payment.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomePending  Outcome = "pending"
)

// EventKind classifies a provider event.
type EventKind string

const (
	KindPaymentSettled            EventKind = "payment_settled"
	KindPaymentFailed             EventKind = "payment_failed"
	KindSubscriptionStatusChanged EventKind = "subscription_status_changed"
	KindSubscriptionCanceled      EventKind = "subscription_canceled"
	KindAccountUpdated            EventKind = "account_updated"
	KindUnhandled                 EventKind = "unhandled"
)

// ProviderPaymentEvent is the provider-agnostic shape of a payment outcome.
type ProviderPaymentEvent struct {
	Provider                string
	ProviderPaymentRef      string
	ProviderSubscriptionRef string
	SubscriptionID          string
	Outcome                 Outcome
	Amount                  decimal.Decimal
	Currency                string
	PeriodStart             *time.Time
	PeriodEnd               *time.Time
	FailureReason           string
	CustomerEmail           string
	OccurredAt              time.Time
}

func (e ProviderPaymentEvent) Validate() error {
	if strings.TrimSpace(e.Provider) == "" || strings.TrimSpace(e.ProviderPaymentRef) == "" {
		return errors.New("provider and provider payment ref are required")
	}
	switch e.Outcome {
	case OutcomeApproved, OutcomeRejected, OutcomePending:
	default:
		return errors.New("unknown payment outcome " + string(e.Outcome))
	}
	if e.PeriodStart != nil && e.PeriodEnd != nil && e.PeriodEnd.Before(*e.PeriodStart) {
		return errors.New("period end before period start")
	}
	return nil
}

// ProviderStatus is a subscription status reported by a provider, already
// mapped onto the local vocabulary.
type ProviderStatus string

const (
	ProviderStatusActive   ProviderStatus = "active"
	ProviderStatusPastDue  ProviderStatus = "past_due"
	ProviderStatusPaused   ProviderStatus = "paused"
	ProviderStatusCanceled ProviderStatus = "canceled"
)

// SubscriptionStatusChange reports a provider-side subscription lifecycle change.
type SubscriptionStatusChange struct {
	Provider                string
	ProviderSubscriptionRef string
	SubscriptionID          string
	Status                  ProviderStatus
	PeriodStart             *time.Time
	PeriodEnd               *time.Time
	CanceledAt              *time.Time
	Reason                  string
}

func (c SubscriptionStatusChange) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return errors.New("provider is required")
	}
	if c.SubscriptionID == "" && c.ProviderSubscriptionRef == "" {
		return errors.New("subscription id or provider subscription ref is required")
	}
	switch c.Status {
	case ProviderStatusActive, ProviderStatusPastDue, ProviderStatusPaused, ProviderStatusCanceled:
		return nil
	default:
		return errors.New("unknown provider status " + string(c.Status))
	}
}

// ConnectedAccountUpdate carries readiness flags of a creator's connected account.
type ConnectedAccountUpdate struct {
	Provider          string
	ProviderAccountID string
	CreatorID         uint
	Email             string
	ChargesEnabled    bool
	PayoutsEnabled    bool
	DetailsSubmitted  bool
}

// ClassifiedEvent is the tagged union produced by adapters. Exactly one payload
// pointer is set and it matches Kind; Unhandled carries none.
type ClassifiedEvent struct {
	Kind       EventKind
	Provider   string
	EventID    string
	EventType  string
	Payment    *ProviderPaymentEvent
	Status     *SubscriptionStatusChange
	Account    *ConnectedAccountUpdate
	IgnoreNote string
}

// CorrelationRef returns the most specific identifier of the event, used for
// audit records.
func (e ClassifiedEvent) CorrelationRef() string {
	switch {
	case e.Payment != nil:
		return e.Payment.ProviderPaymentRef
	case e.Status != nil:
		if e.Status.ProviderSubscriptionRef != "" {
			return e.Status.ProviderSubscriptionRef
		}
		return e.Status.SubscriptionID
	case e.Account != nil:
		return e.Account.ProviderAccountID
	default:
		return e.EventID
	}
}

func (e ClassifiedEvent) Validate() error {
	switch e.Kind {
	case KindPaymentSettled, KindPaymentFailed:
		if e.Payment == nil {
			return errors.New("payment event without payment payload")
		}
		return e.Payment.Validate()
	case KindSubscriptionStatusChanged, KindSubscriptionCanceled:
		if e.Status == nil {
			return errors.New("status event without status payload")
		}
		return e.Status.Validate()
	case KindAccountUpdated:
		if e.Account == nil || e.Account.ProviderAccountID == "" {
			return errors.New("account event without account id")
		}
		return nil
	case KindUnhandled:
		return nil
	default:
		return errors.New("unknown event kind " + string(e.Kind))
	}
}

// Unhandled builds an event the engine acknowledges without acting on.
func Unhandled(provider, eventID, eventType, note string) ClassifiedEvent {
	return ClassifiedEvent{
		Kind:       KindUnhandled,
		Provider:   provider,
		EventID:    eventID,
		EventType:  eventType,
		IgnoreNote: note,
	}
}

// WebhookRequest is the raw inbound webhook as seen by an adapter.
type WebhookRequest struct {
	Body    []byte
	Headers map[string]string
	Query   map[string]string
}

// Header looks up a header case-insensitively.
func (r WebhookRequest) Header(key string) string {
	if v, ok := r.Headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// TimeWindow bounds provider-side searches.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Transition is handed to the notification emitter after commit.
type Transition struct {
	ID             uint
	SubscriptionID string
	SubscriberID   uint
	CreatorID      uint
	FromStatus     string
	ToStatus       string
	Reason         string
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	Heuristic      bool
	OccurredAt     time.Time
}

// ApplyStatus describes what the engine did with an event.
type ApplyStatus string

const (
	ApplyApplied         ApplyStatus = "applied"
	ApplyDuplicate       ApplyStatus = "duplicate"
	ApplyUnresolved      ApplyStatus = "unresolved"
	ApplyDroppedTerminal ApplyStatus = "dropped_terminal"
	ApplyIgnored         ApplyStatus = "ignored"
)

// ApplyResult summarizes one engine application.
type ApplyResult struct {
	Status             ApplyStatus
	SubscriptionID     string
	SubscriptionStatus string
	PaymentID          string
	PaymentStatus      string
	Transitions        []Transition
	Note               string
}
