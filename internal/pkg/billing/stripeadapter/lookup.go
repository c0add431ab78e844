package stripeadapter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
)

// LookupBySubscriptionRef reads the subscription and its latest invoice.
func (a *Adapter) LookupBySubscriptionRef(ctx context.Context, ref string) (*billing.ProviderPaymentEvent, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, billing.ErrNoMatch
	}
	sub, err := a.api.GetSubscription(ctx, ref)
	if err != nil {
		return nil, err
	}
	return eventFromSubscription(*sub)
}

// FindByCorrelation searches the checkout sessions created in window for one
// carrying subscriptionID as metadata or client reference.
func (a *Adapter) FindByCorrelation(ctx context.Context, subscriptionID string, window billing.TimeWindow) (*billing.ProviderPaymentEvent, error) {
	sessions, err := a.api.ListCheckoutSessions(ctx, window)
	if err != nil {
		return nil, err
	}
	var matches []CheckoutSession
	for _, cs := range sessions {
		if correlationID(cs.Metadata, cs.ClientReferenceID) != subscriptionID {
			continue
		}
		if cs.Status != "complete" {
			continue
		}
		matches = append(matches, cs)
	}
	if len(matches) == 0 {
		return nil, billing.ErrNoMatch
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Created.After(matches[j].Created) })
	cs := matches[0]

	pe := &billing.ProviderPaymentEvent{
		Provider:                a.Provider(),
		ProviderPaymentRef:      firstNonEmpty(cs.InvoiceID, cs.ID),
		ProviderSubscriptionRef: cs.SubscriptionID,
		SubscriptionID:          subscriptionID,
		Outcome:                 billing.OutcomePending,
		Amount:                  minorToDecimal(cs.AmountTotal, cs.Currency),
		Currency:                strings.ToUpper(cs.Currency),
		CustomerEmail:           cs.CustomerEmail,
		OccurredAt:              cs.Created,
	}
	if cs.PaymentStatus == "paid" || cs.PaymentStatus == "no_payment_required" {
		pe.Outcome = billing.OutcomeApproved
	}
	if pe.Outcome == billing.OutcomeApproved && cs.SubscriptionID != "" {
		pe.PeriodStart, pe.PeriodEnd = a.subscriptionPeriod(ctx, cs.SubscriptionID)
	}
	return pe, nil
}

// FindByCustomerEmail looks for a subscription created in window by a
// customer with the given email.
func (a *Adapter) FindByCustomerEmail(ctx context.Context, email string, window billing.TimeWindow) (*billing.ProviderPaymentEvent, error) {
	customerIDs, err := a.api.FindCustomerIDs(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	var candidates []Subscription
	for _, id := range customerIDs {
		subs, err := a.api.ListSubscriptions(ctx, id, window)
		if err != nil {
			return nil, err
		}
		for _, s := range subs {
			if window.Contains(s.Created) {
				candidates = append(candidates, s)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, billing.ErrNoMatch
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Created.After(candidates[j].Created) })
	ev, err := eventFromSubscription(candidates[0])
	if err != nil {
		return nil, err
	}
	ev.CustomerEmail = email
	return ev, nil
}

// eventFromSubscription derives a payment outcome from the latest invoice.
func eventFromSubscription(sub Subscription) (*billing.ProviderPaymentEvent, error) {
	inv := sub.LatestInvoice
	if inv == nil || inv.ID == "" {
		return nil, billing.ErrNoMatch
	}
	pe := &billing.ProviderPaymentEvent{
		Provider:                models.PaymentProviderStripe,
		ProviderPaymentRef:      inv.ID,
		ProviderSubscriptionRef: sub.ID,
		SubscriptionID:          strings.TrimSpace(sub.Metadata[MetadataSubscriptionID]),
		Amount:                  minorToDecimal(inv.AmountPaid, inv.Currency),
		Currency:                strings.ToUpper(inv.Currency),
		PeriodStart:             sub.PeriodStart,
		PeriodEnd:               sub.PeriodEnd,
		OccurredAt:              sub.Created,
	}
	switch {
	case inv.Status == "paid":
		pe.Outcome = billing.OutcomeApproved
	case inv.Status == "void" || inv.Status == "uncollectible" || sub.Status == "incomplete_expired":
		attempt := inv.AttemptCount
		if attempt < 1 {
			attempt = 1
		}
		pe.ProviderPaymentRef = fmt.Sprintf("%s#%d", inv.ID, attempt)
		pe.Outcome = billing.OutcomeRejected
		pe.FailureReason = "latest invoice is " + firstNonEmpty(inv.Status, sub.Status)
		pe.PeriodStart, pe.PeriodEnd = nil, nil
	case inv.Status == "open":
		pe.Outcome = billing.OutcomePending
	default:
		return nil, billing.ErrNoMatch
	}
	return pe, nil
}
