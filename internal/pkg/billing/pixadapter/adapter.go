// Package pixadapter handles Mercado Pago PIX notifications and payment lookups.
package pixadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cast"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
)

type Config struct {
	AccessToken   string `validate:"required"`
	WebhookSecret string
	Verification  billing.VerificationMode
	APIBaseURL    string `validate:"omitempty,url"`
	HTTPTimeout   time.Duration
	// SignatureTolerance bounds the age of the x-signature ts. Zero disables the check.
	SignatureTolerance time.Duration
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Verification.Enforced() && strings.TrimSpace(c.WebhookSecret) == "" {
		return errors.New("mercado pago webhook secret is required when signature verification is enforced")
	}
	return nil
}

func LoadConfig() (Config, error) {
	mode, err := billing.ParseVerificationMode(
		env.GetEnv("BILLING_SIGNATURE_VERIFICATION", "enforce"),
		env.GetEnv("APP_ENV", "prod"),
	)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		AccessToken:   strings.TrimSpace(env.GetEnv("MERCADOPAGO_ACCESS_TOKEN", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("MERCADOPAGO_WEBHOOK_SECRET", "")),
		Verification:  mode,
		APIBaseURL:    strings.TrimSpace(env.GetEnv("MERCADOPAGO_API_BASE_URL", defaultAPIBaseURL)),
		HTTPTimeout:   env.GetEnvDuration("MERCADOPAGO_HTTP_TIMEOUT", defaultHTTPTimeout),

		SignatureTolerance: env.GetEnvDuration("MERCADOPAGO_SIGNATURE_TOLERANCE", 5*time.Minute),
	}
	return cfg, cfg.Validate()
}

// Adapter is the Mercado Pago billing.Adapter and billing.Lookup.
type Adapter struct {
	cfg    Config
	client *Client
	now    func() time.Time
}

func New(cfg Config, client *Client) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mercado pago configuration: %w", err)
	}
	if client == nil {
		client = NewClient(cfg)
	}
	if !cfg.Verification.Enforced() {
		log.Warnf("[MercadoPago] Webhook signature verification is DISABLED")
	}
	return &Adapter{cfg: cfg, client: client, now: time.Now}, nil
}

// WithVerification returns a copy of the adapter using mode.
func (a *Adapter) WithVerification(mode billing.VerificationMode) *Adapter {
	c := *a
	c.cfg.Verification = mode
	return &c
}

func (a *Adapter) Provider() string { return models.PaymentProviderMercadoPago }

type notification struct {
	ID     any    `json:"id"`
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID any `json:"id"`
	} `json:"data"`
}

// ParseWebhook verifies the notification and fetches the payment it points at.
// The notification body only carries the payment id; the payment itself is
// read from the API.
func (a *Adapter) ParseWebhook(ctx context.Context, req billing.WebhookRequest) ([]billing.ClassifiedEvent, error) {
	var n notification
	decodeErr := json.Unmarshal(req.Body, &n)

	dataID := strings.TrimSpace(req.Query["data.id"])
	if dataID == "" {
		dataID = strings.TrimSpace(cast.ToString(n.Data.ID))
	}
	if dataID == "" && strings.EqualFold(req.Query["topic"], "payment") {
		dataID = strings.TrimSpace(req.Query["id"])
	}

	if a.cfg.Verification.Enforced() {
		if err := a.verifySignature(req, dataID); err != nil {
			return nil, err
		}
	}
	if decodeErr != nil && len(req.Query) == 0 {
		return nil, a.malformed(decodeErr)
	}

	eventType := strings.ToLower(firstNonEmpty(n.Type, n.Topic, req.Query["type"], req.Query["topic"]))
	eventID := cast.ToString(n.ID)
	if eventType != "payment" {
		return []billing.ClassifiedEvent{billing.Unhandled(a.Provider(), eventID, eventType, "notification type not tracked")}, nil
	}
	if dataID == "" {
		return nil, a.malformed(errors.New("payment notification without data.id"))
	}
	if eventID == "" {
		eventID = "payment:" + dataID + ":" + n.Action
	}

	payment, err := a.client.GetPayment(ctx, dataID)
	if errors.Is(err, billing.ErrNoMatch) {
		log.Warnf("[MercadoPago] Payment %s from notification %s not found", dataID, eventID)
		return []billing.ClassifiedEvent{billing.Unhandled(a.Provider(), eventID, eventType, "payment not found")}, nil
	}
	if err != nil {
		return nil, err
	}

	base := billing.ClassifiedEvent{Provider: a.Provider(), EventID: eventID, EventType: eventType}
	pe, ok := a.paymentEvent(*payment)
	if !ok {
		log.Infof("[MercadoPago] Payment %s is %s, not acted on", payment.ID, payment.Status)
		return []billing.ClassifiedEvent{billing.Unhandled(a.Provider(), eventID, eventType, "payment status "+payment.Status)}, nil
	}
	base.Kind = billing.KindPaymentSettled
	if pe.Outcome == billing.OutcomeRejected {
		base.Kind = billing.KindPaymentFailed
	}
	base.Payment = &pe
	return []billing.ClassifiedEvent{base}, nil
}

// verifySignature checks x-signature (ts=<ts>,v1=<hex>) against the manifest
// id:<data.id>;request-id:<x-request-id>;ts:<ts>; with absent parts left out.
func (a *Adapter) verifySignature(req billing.WebhookRequest, dataID string) error {
	header := req.Header("x-signature")
	if header == "" {
		return &billing.AuthenticationError{Provider: a.Provider(), Reason: "missing x-signature header"}
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			ts = strings.TrimSpace(v)
		case "v1":
			v1 = strings.TrimSpace(v)
		}
	}
	if ts == "" || v1 == "" {
		return &billing.AuthenticationError{Provider: a.Provider(), Reason: "x-signature without ts or v1"}
	}
	manifest := Manifest(dataID, req.Header("x-request-id"), ts)
	if !billing.VerifyHexHMACSHA256([]byte(manifest), v1, a.cfg.WebhookSecret) {
		return &billing.AuthenticationError{Provider: a.Provider(), Reason: "signature mismatch"}
	}
	return a.checkTimestamp(ts)
}

// checkTimestamp rejects signatures whose ts is further from now than the
// configured tolerance. Mercado Pago sends milliseconds; seconds are accepted too.
func (a *Adapter) checkTimestamp(ts string) error {
	if a.cfg.SignatureTolerance <= 0 {
		return nil
	}
	n, err := cast.ToInt64E(ts)
	if err != nil || n <= 0 {
		return &billing.AuthenticationError{Provider: a.Provider(), Reason: "x-signature ts is not a unix timestamp"}
	}
	sent := time.Unix(n, 0)
	if n > 1e12 {
		sent = time.UnixMilli(n)
	}
	skew := a.now().Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.cfg.SignatureTolerance {
		return &billing.AuthenticationError{
			Provider: a.Provider(),
			Reason:   fmt.Sprintf("x-signature ts %s outside tolerance %s", sent.UTC().Format(time.RFC3339), a.cfg.SignatureTolerance),
		}
	}
	return nil
}

// Manifest builds the string Mercado Pago signs for a notification.
func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

func (a *Adapter) malformed(err error) error {
	return &billing.MalformedPayloadError{Provider: a.Provider(), Err: err}
}

func (a *Adapter) paymentEvent(p Payment) (billing.ProviderPaymentEvent, bool) {
	outcome, ok := mapStatus(p.Status)
	if !ok {
		return billing.ProviderPaymentEvent{}, false
	}
	pe := billing.ProviderPaymentEvent{
		Provider:           a.Provider(),
		ProviderPaymentRef: p.ID.String(),
		SubscriptionID:     p.SubscriptionID(),
		Outcome:            outcome,
		Amount:             p.TransactionAmount,
		Currency:           strings.ToUpper(p.CurrencyID),
		CustomerEmail:      strings.TrimSpace(p.Payer.Email),
	}
	if p.DateApproved != nil {
		pe.OccurredAt = p.DateApproved.UTC()
	} else if p.DateCreated != nil {
		pe.OccurredAt = p.DateCreated.UTC()
	}
	if outcome == billing.OutcomeRejected {
		pe.FailureReason = firstNonEmpty(p.StatusDetail, p.Status)
	}
	return pe, true
}

func mapStatus(status string) (billing.Outcome, bool) {
	switch strings.ToLower(status) {
	case "approved":
		return billing.OutcomeApproved, true
	case "rejected", "cancelled":
		return billing.OutcomeRejected, true
	case "pending", "in_process", "authorized", "in_mediation":
		return billing.OutcomePending, true
	default:
		// refunded and charged_back are not part of the subscription lifecycle here.
		return "", false
	}
}

// LookupBySubscriptionRef is unsupported: PIX charges are one-off payments
// without a provider-side subscription.
func (a *Adapter) LookupBySubscriptionRef(context.Context, string) (*billing.ProviderPaymentEvent, error) {
	return nil, billing.ErrLookupUnsupported
}

func (a *Adapter) FindByCorrelation(ctx context.Context, subscriptionID string, window billing.TimeWindow) (*billing.ProviderPaymentEvent, error) {
	payments, err := a.client.SearchPayments(ctx, SearchQuery{ExternalReference: subscriptionID, Window: window})
	if err != nil {
		return nil, err
	}
	var matches []Payment
	for _, p := range payments {
		if p.SubscriptionID() == subscriptionID {
			matches = append(matches, p)
		}
	}
	return a.best(matches)
}

func (a *Adapter) FindByCustomerEmail(ctx context.Context, email string, window billing.TimeWindow) (*billing.ProviderPaymentEvent, error) {
	payments, err := a.client.SearchPayments(ctx, SearchQuery{PayerEmail: strings.TrimSpace(email), Window: window})
	if err != nil {
		return nil, err
	}
	var matches []Payment
	for _, p := range payments {
		if p.DateCreated != nil && window.Contains(*p.DateCreated) {
			matches = append(matches, p)
		}
	}
	return a.best(matches)
}

// best prefers an approved payment, then the most recent one with a status
// the engine understands.
func (a *Adapter) best(payments []Payment) (*billing.ProviderPaymentEvent, error) {
	sort.SliceStable(payments, func(i, j int) bool {
		return created(payments[i]).After(created(payments[j]))
	})
	var fallback *billing.ProviderPaymentEvent
	for _, p := range payments {
		pe, ok := a.paymentEvent(p)
		if !ok {
			continue
		}
		if pe.Outcome == billing.OutcomeApproved {
			return &pe, nil
		}
		if fallback == nil {
			fallback = &pe
		}
	}
	if fallback == nil {
		return nil, billing.ErrNoMatch
	}
	return fallback, nil
}

func created(p Payment) time.Time {
	if p.DateCreated == nil {
		return time.Time{}
	}
	return *p.DateCreated
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
