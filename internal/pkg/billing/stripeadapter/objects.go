package stripeadapter

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// expandableID decodes a field Stripe sends either as an id or as the expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

func (e expandableID) String() string { return strings.TrimSpace(string(e)) }

type customerDetails struct {
	Email string `json:"email"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      expandableID      `json:"subscription"`
	Invoice           expandableID      `json:"invoice"`
	Customer          expandableID      `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *customerDetails  `json:"customer_details"`
	Metadata          map[string]string `json:"metadata"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Created           int64             `json:"created"`
}

func (s checkoutSessionObject) email() string {
	if s.CustomerDetails != nil && strings.TrimSpace(s.CustomerDetails.Email) != "" {
		return strings.TrimSpace(s.CustomerDetails.Email)
	}
	return strings.TrimSpace(s.CustomerEmail)
}

func (s checkoutSessionObject) paid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

type subscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoicePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// invoiceObject covers both the pre-2025 shape (top level subscription) and
// the newer one where the subscription hangs off parent.subscription_details.
type invoiceObject struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	Subscription        expandableID         `json:"subscription"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Metadata      map[string]string `json:"metadata"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	AttemptCount  int64             `json:"attempt_count"`
	CustomerEmail string            `json:"customer_email"`
	BillingReason string            `json:"billing_reason"`
	PeriodStart   int64             `json:"period_start"`
	PeriodEnd     int64             `json:"period_end"`
	Lines         struct {
		Data []struct {
			Period invoicePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	Created int64 `json:"created"`
}

func (i invoiceObject) subscriptionRef() string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && i.Parent.SubscriptionDetails.Subscription.String() != "" {
		return i.Parent.SubscriptionDetails.Subscription.String()
	}
	return i.Subscription.String()
}

func (i invoiceObject) metadata() map[string]string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && len(i.Parent.SubscriptionDetails.Metadata) > 0 {
		return i.Parent.SubscriptionDetails.Metadata
	}
	if i.SubscriptionDetails != nil && len(i.SubscriptionDetails.Metadata) > 0 {
		return i.SubscriptionDetails.Metadata
	}
	return i.Metadata
}

// period returns the billed period from the line items, which for
// subscription invoices is the period being paid for.
func (i invoiceObject) period() (*time.Time, *time.Time) {
	var start, end int64
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			start, end = line.Period.Start, line.Period.End
		}
	}
	if end == 0 || end <= start {
		return nil, nil
	}
	return unixPtr(start), unixPtr(end)
}

type subscriptionItem struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           expandableID      `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	CanceledAt          int64 `json:"canceled_at"`
	CancellationDetails *struct {
		Reason string `json:"reason"`
	} `json:"cancellation_details"`
	PauseCollection *struct {
		Behavior string `json:"behavior"`
	} `json:"pause_collection"`
}

func (s subscriptionObject) period() (*time.Time, *time.Time) {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	if end == 0 || end <= start {
		return nil, nil
	}
	return unixPtr(start), unixPtr(end)
}

type accountObject struct {
	ID               string            `json:"id"`
	Email            string            `json:"email"`
	ChargesEnabled   bool              `json:"charges_enabled"`
	PayoutsEnabled   bool              `json:"payouts_enabled"`
	DetailsSubmitted bool              `json:"details_submitted"`
	Metadata         map[string]string `json:"metadata"`
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true,
	"mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true,
	"xof": true, "xpf": true,
}

// minorToDecimal converts Stripe's minor currency units to a decimal amount.
func minorToDecimal(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}
