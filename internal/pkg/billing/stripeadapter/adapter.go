// Package stripeadapter turns Stripe webhooks and API objects into billing events.
package stripeadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cast"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
)

// MetadataSubscriptionID is the checkout metadata key carrying the local subscription id.
const MetadataSubscriptionID = "subscription_id"

type Config struct {
	SecretKey     string `validate:"required"`
	WebhookSecret string
	Verification  billing.VerificationMode
	Tolerance     time.Duration `validate:"gte=0"`
	LookupTimeout time.Duration `validate:"gt=0"`
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Verification.Enforced() && strings.TrimSpace(c.WebhookSecret) == "" {
		return errors.New("stripe webhook secret is required when signature verification is enforced")
	}
	return nil
}

// LoadConfig reads the Stripe settings from the environment.
func LoadConfig() (Config, error) {
	mode, err := billing.ParseVerificationMode(
		env.GetEnv("BILLING_SIGNATURE_VERIFICATION", "enforce"),
		env.GetEnv("APP_ENV", "prod"),
	)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		SecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		Verification:  mode,
		Tolerance:     env.GetEnvDuration("STRIPE_WEBHOOK_TOLERANCE", webhook.DefaultTolerance),
		LookupTimeout: env.GetEnvDuration("BILLING_LOOKUP_TIMEOUT", 5*time.Second),
	}
	return cfg, cfg.Validate()
}

// Adapter is the Stripe billing.Adapter, billing.Lookup and billing.ProviderCanceler.
type Adapter struct {
	cfg Config
	api API
}

func New(cfg Config, api API) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stripe configuration: %w", err)
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	if api == nil {
		api = NewAPI(cfg.SecretKey)
	}
	if !cfg.Verification.Enforced() {
		log.Warnf("[Stripe] Webhook signature verification is DISABLED")
	}
	return &Adapter{cfg: cfg, api: api}, nil
}

// WithVerification returns a copy of the adapter using mode.
func (a *Adapter) WithVerification(mode billing.VerificationMode) *Adapter {
	c := *a
	c.cfg.Verification = mode
	return &c
}

func (a *Adapter) Provider() string { return models.PaymentProviderStripe }

func (a *Adapter) CancelSubscription(ctx context.Context, providerSubscriptionRef string) error {
	return a.api.CancelSubscription(ctx, providerSubscriptionRef)
}

func (a *Adapter) ParseWebhook(ctx context.Context, req billing.WebhookRequest) ([]billing.ClassifiedEvent, error) {
	event, err := a.constructEvent(req)
	if err != nil {
		return nil, err
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, a.malformed(errors.New("event without data.object"))
	}
	ev, err := a.classify(ctx, event)
	if err != nil {
		return nil, err
	}
	return []billing.ClassifiedEvent{ev}, nil
}

func (a *Adapter) constructEvent(req billing.WebhookRequest) (stripe.Event, error) {
	var event stripe.Event
	if !a.cfg.Verification.Enforced() {
		if err := json.Unmarshal(req.Body, &event); err != nil {
			return event, a.malformed(err)
		}
		if event.ID == "" || event.Type == "" {
			return event, a.malformed(errors.New("event id and type are required"))
		}
		return event, nil
	}

	sig := req.Header("Stripe-Signature")
	if sig == "" {
		return event, &billing.AuthenticationError{Provider: a.Provider(), Reason: "missing Stripe-Signature header"}
	}
	event, err := webhook.ConstructEventWithOptions(req.Body, sig, a.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.cfg.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return event, &billing.AuthenticationError{Provider: a.Provider(), Reason: err.Error()}
		}
		return event, a.malformed(err)
	}
	return event, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func (a *Adapter) malformed(err error) error {
	return &billing.MalformedPayloadError{Provider: a.Provider(), Err: err}
}

func (a *Adapter) classify(ctx context.Context, event stripe.Event) (billing.ClassifiedEvent, error) {
	eventType := string(event.Type)
	base := billing.ClassifiedEvent{Provider: a.Provider(), EventID: event.ID, EventType: eventType}
	occurred := time.Unix(event.Created, 0).UTC()

	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded", "checkout.session.async_payment_failed":
		var cs checkoutSessionObject
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return base, a.malformed(err)
		}
		if cs.Mode == "setup" {
			return billing.Unhandled(a.Provider(), event.ID, eventType, "setup mode checkout"), nil
		}
		pe := a.sessionEvent(ctx, cs)
		pe.OccurredAt = occurred
		if eventType == "checkout.session.async_payment_failed" {
			pe.Outcome = billing.OutcomeRejected
			pe.FailureReason = "asynchronous payment failed"
		}
		return paymentEvent(base, pe), nil

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv invoiceObject
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return base, a.malformed(err)
		}
		if inv.subscriptionRef() == "" {
			return billing.Unhandled(a.Provider(), event.ID, eventType, "invoice without subscription"), nil
		}
		pe := invoiceEvent(inv, eventType == "invoice.payment_failed")
		pe.OccurredAt = occurred
		return paymentEvent(base, pe), nil

	case "customer.subscription.updated", "customer.subscription.deleted",
		"customer.subscription.paused", "customer.subscription.resumed":
		var sub subscriptionObject
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return base, a.malformed(err)
		}
		status, ok := mapSubscriptionStatus(sub)
		if eventType == "customer.subscription.deleted" {
			status, ok = billing.ProviderStatusCanceled, true
		}
		if !ok {
			return billing.Unhandled(a.Provider(), event.ID, eventType, "subscription status "+sub.Status), nil
		}
		start, end := sub.period()
		change := &billing.SubscriptionStatusChange{
			Provider:                a.Provider(),
			ProviderSubscriptionRef: sub.ID,
			SubscriptionID:          strings.TrimSpace(sub.Metadata[MetadataSubscriptionID]),
			Status:                  status,
			PeriodStart:             start,
			PeriodEnd:               end,
			CanceledAt:              unixPtr(sub.CanceledAt),
		}
		if sub.CancellationDetails != nil {
			change.Reason = sub.CancellationDetails.Reason
		}
		base.Kind = billing.KindSubscriptionStatusChanged
		if status == billing.ProviderStatusCanceled {
			base.Kind = billing.KindSubscriptionCanceled
		}
		base.Status = change
		return base, nil

	case "account.updated":
		var acct accountObject
		if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
			return base, a.malformed(err)
		}
		base.Kind = billing.KindAccountUpdated
		base.Account = &billing.ConnectedAccountUpdate{
			Provider:          a.Provider(),
			ProviderAccountID: acct.ID,
			CreatorID:         cast.ToUint(acct.Metadata["creator_id"]),
			Email:             acct.Email,
			ChargesEnabled:    acct.ChargesEnabled,
			PayoutsEnabled:    acct.PayoutsEnabled,
			DetailsSubmitted:  acct.DetailsSubmitted,
		}
		return base, nil

	default:
		return billing.Unhandled(a.Provider(), event.ID, eventType, "event type not tracked"), nil
	}
}

func paymentEvent(base billing.ClassifiedEvent, pe billing.ProviderPaymentEvent) billing.ClassifiedEvent {
	base.Kind = billing.KindPaymentSettled
	if pe.Outcome == billing.OutcomeRejected {
		base.Kind = billing.KindPaymentFailed
	}
	base.Payment = &pe
	return base
}

// sessionEvent maps a completed checkout. The invoice id is used as payment
// ref when present so the first invoice.paid lands on the same payment.
func (a *Adapter) sessionEvent(ctx context.Context, cs checkoutSessionObject) billing.ProviderPaymentEvent {
	pe := billing.ProviderPaymentEvent{
		Provider:                a.Provider(),
		ProviderPaymentRef:      firstNonEmpty(cs.Invoice.String(), cs.ID),
		ProviderSubscriptionRef: cs.Subscription.String(),
		SubscriptionID:          correlationID(cs.Metadata, cs.ClientReferenceID),
		Outcome:                 billing.OutcomePending,
		Amount:                  minorToDecimal(cs.AmountTotal, cs.Currency),
		Currency:                strings.ToUpper(cs.Currency),
		CustomerEmail:           cs.email(),
	}
	if cs.paid() {
		pe.Outcome = billing.OutcomeApproved
	}
	if pe.Outcome == billing.OutcomeApproved && pe.ProviderSubscriptionRef != "" {
		pe.PeriodStart, pe.PeriodEnd = a.subscriptionPeriod(ctx, pe.ProviderSubscriptionRef)
	}
	return pe
}

// subscriptionPeriod asks Stripe for the authoritative period. Failures leave
// the period empty and the engine falls back to the plan interval.
func (a *Adapter) subscriptionPeriod(ctx context.Context, ref string) (*time.Time, *time.Time) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.LookupTimeout)
	defer cancel()
	sub, err := a.api.GetSubscription(ctx, ref)
	if err != nil {
		log.Warnf("[Stripe] Could not load period of subscription %s, engine will use fallback period: %v", ref, err)
		return nil, nil
	}
	return sub.PeriodStart, sub.PeriodEnd
}

func invoiceEvent(inv invoiceObject, failed bool) billing.ProviderPaymentEvent {
	start, end := inv.period()
	pe := billing.ProviderPaymentEvent{
		Provider:                models.PaymentProviderStripe,
		ProviderPaymentRef:      inv.ID,
		ProviderSubscriptionRef: inv.subscriptionRef(),
		SubscriptionID:          strings.TrimSpace(inv.metadata()[MetadataSubscriptionID]),
		Outcome:                 billing.OutcomeApproved,
		Amount:                  minorToDecimal(inv.AmountPaid, inv.Currency),
		Currency:                strings.ToUpper(inv.Currency),
		PeriodStart:             start,
		PeriodEnd:               end,
		CustomerEmail:           inv.CustomerEmail,
	}
	if failed {
		attempt := inv.AttemptCount
		if attempt < 1 {
			attempt = 1
		}
		// Each attempt is its own payment so a later invoice.paid is not
		// blocked by the failure.
		pe.ProviderPaymentRef = fmt.Sprintf("%s#%d", inv.ID, attempt)
		pe.Outcome = billing.OutcomeRejected
		pe.Amount = minorToDecimal(inv.AmountDue, inv.Currency)
		pe.FailureReason = fmt.Sprintf("invoice payment failed (attempt %d)", attempt)
	}
	return pe
}

func mapSubscriptionStatus(sub subscriptionObject) (billing.ProviderStatus, bool) {
	switch sub.Status {
	case "active", "trialing":
		if sub.PauseCollection != nil && sub.PauseCollection.Behavior != "" {
			return billing.ProviderStatusPaused, true
		}
		return billing.ProviderStatusActive, true
	case "past_due", "unpaid":
		return billing.ProviderStatusPastDue, true
	case "paused":
		return billing.ProviderStatusPaused, true
	case "canceled", "incomplete_expired":
		return billing.ProviderStatusCanceled, true
	default:
		return "", false
	}
}

func correlationID(metadata map[string]string, clientReferenceID string) string {
	return firstNonEmpty(metadata[MetadataSubscriptionID], clientReferenceID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
