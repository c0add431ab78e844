package stripeadapter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/customer"
	"github.com/stripe/stripe-go/v83/subscription"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
)

// maxListed caps how many objects a single search pages through.
const maxListed = 300

// Invoice is the part of a Stripe invoice the lookups need.
type Invoice struct {
	ID           string
	Status       string
	AmountPaid   int64
	Currency     string
	AttemptCount int64
}

// Subscription is the part of a Stripe subscription the lookups need.
type Subscription struct {
	ID            string
	Status        string
	CustomerID    string
	Metadata      map[string]string
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
	LatestInvoice *Invoice
	Created       time.Time
}

// CheckoutSession is the part of a Stripe Checkout session the lookups need.
type CheckoutSession struct {
	ID                string
	Status            string
	PaymentStatus     string
	SubscriptionID    string
	InvoiceID         string
	ClientReferenceID string
	CustomerEmail     string
	Metadata          map[string]string
	AmountTotal       int64
	Currency          string
	Created           time.Time
}

// API is the subset of the Stripe API used by the adapter.
type API interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
	ListCheckoutSessions(ctx context.Context, window billing.TimeWindow) ([]CheckoutSession, error)
	FindCustomerIDs(ctx context.Context, email string) ([]string, error)
	ListSubscriptions(ctx context.Context, customerID string, window billing.TimeWindow) ([]Subscription, error)
}

type stripeAPI struct{}

// NewAPI returns the stripe-go backed API. It sets the global stripe key.
func NewAPI(secretKey string) API {
	stripe.Key = strings.TrimSpace(secretKey)
	return stripeAPI{}
}

func (stripeAPI) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice")
	s, err := subscription.Get(id, params)
	if err != nil {
		return nil, wrapStripeError("get subscription", err)
	}
	out := convertSubscription(s)
	return &out, nil
}

func (stripeAPI) CancelSubscription(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := subscription.Cancel(id, params); err != nil {
		return wrapStripeError("cancel subscription", err)
	}
	return nil
}

func (stripeAPI) ListCheckoutSessions(ctx context.Context, window billing.TimeWindow) ([]CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: window.From.Unix(),
			LesserThanOrEqual:  window.To.Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []CheckoutSession
	iter := session.List(params)
	for iter.Next() && len(out) < maxListed {
		cs := iter.CheckoutSession()
		c := CheckoutSession{
			ID:                cs.ID,
			Status:            string(cs.Status),
			PaymentStatus:     string(cs.PaymentStatus),
			ClientReferenceID: cs.ClientReferenceID,
			CustomerEmail:     cs.CustomerEmail,
			Metadata:          cs.Metadata,
			AmountTotal:       cs.AmountTotal,
			Currency:          string(cs.Currency),
			Created:           time.Unix(cs.Created, 0).UTC(),
		}
		if cs.Subscription != nil {
			c.SubscriptionID = cs.Subscription.ID
		}
		if cs.Invoice != nil {
			c.InvoiceID = cs.Invoice.ID
		}
		if cs.CustomerDetails != nil && cs.CustomerDetails.Email != "" {
			c.CustomerEmail = cs.CustomerDetails.Email
		}
		out = append(out, c)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError("list checkout sessions", err)
	}
	return out, nil
}

func (stripeAPI) FindCustomerIDs(ctx context.Context, email string) ([]string, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	var ids []string
	iter := customer.List(params)
	for iter.Next() {
		ids = append(ids, iter.Customer().ID)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError("list customers", err)
	}
	return ids, nil
}

func (stripeAPI) ListSubscriptions(ctx context.Context, customerID string, window billing.TimeWindow) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: window.From.Unix(),
			LesserThanOrEqual:  window.To.Unix(),
		},
	}
	params.Context = ctx
	params.AddExpand("data.latest_invoice")

	var out []Subscription
	iter := subscription.List(params)
	for iter.Next() && len(out) < maxListed {
		out = append(out, convertSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError("list subscriptions", err)
	}
	return out, nil
}

func convertSubscription(s *stripe.Subscription) Subscription {
	out := Subscription{
		ID:       s.ID,
		Status:   string(s.Status),
		Metadata: s.Metadata,
		Created:  time.Unix(s.Created, 0).UTC(),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		var start, end int64
		for _, item := range s.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
			}
		}
		out.PeriodStart, out.PeriodEnd = unixPtr(start), unixPtr(end)
	}
	if inv := s.LatestInvoice; inv != nil {
		out.LatestInvoice = &Invoice{
			ID:           inv.ID,
			Status:       string(inv.Status),
			AmountPaid:   inv.AmountPaid,
			Currency:     string(inv.Currency),
			AttemptCount: inv.AttemptCount,
		}
	}
	return out
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return billing.ErrNoMatch
		}
		return &billing.ProviderError{Provider: models.PaymentProviderStripe, Op: op, StatusCode: stripeErr.HTTPStatusCode, Err: err}
	}
	return &billing.ProviderError{Provider: models.PaymentProviderStripe, Op: op, Err: err}
}
