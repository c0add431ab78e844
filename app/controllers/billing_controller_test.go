package controllers

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing/billingtest"
)

type billingFixture struct {
	app     *fiber.App
	repo    *billingtest.MemoryRepository
	adapter *billingtest.StaticAdapter
	lookup  *billingtest.FakeLookup
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	repo := billingtest.NewMemoryRepository()
	engine := billing.NewEngine(repo)
	adapter := &billingtest.StaticAdapter{Name: models.PaymentProviderStripe}
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe, ByCorrelation: map[string]*billing.ProviderPaymentEvent{}}
	processor := billing.NewWebhookProcessor(engine, []billing.Adapter{adapter})
	verifier := billing.NewVerifier(engine, []billing.Lookup{lookup})
	bc := NewBillingController(engine, processor, verifier)

	app := fiber.New()
	app.Post("/webhooks/:provider", bc.HandleWebhook)
	app.Post("/subscriptions", bc.HandleCreateSubscription)
	app.Get("/subscriptions/:id", bc.HandleGetSubscription)
	app.Post("/subscriptions/:id/verify", bc.HandleVerifySubscription)
	app.Post("/subscriptions/:id/cancel", bc.HandleCancelSubscription)

	return &billingFixture{app: app, repo: repo, adapter: adapter, lookup: lookup}
}

func (f *billingFixture) pending() *models.Subscription {
	return f.repo.Put(models.Subscription{
		SubscriberID:    1,
		CreatorID:       2,
		PlanID:          3,
		Provider:        models.PaymentProviderStripe,
		BillingInterval: models.BillingIntervalMonth,
		Amount:          decimal.NewFromInt(10),
		Currency:        "USD",
		Status:          models.SubscriptionStatusPending,
	})
}

func (f *billingFixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func approvedFor(subID, ref string) billing.ProviderPaymentEvent {
	return billing.ProviderPaymentEvent{
		Provider:           models.PaymentProviderStripe,
		ProviderPaymentRef: ref,
		SubscriptionID:     subID,
		Outcome:            billing.OutcomeApproved,
		Amount:             decimal.NewFromInt(10),
		Currency:           "USD",
	}
}

func TestHandleWebhook_ProcessesAndGrantsAccess(t *testing.T) {
	f := newBillingFixture(t)
	sub := f.pending()
	ev := approvedFor(sub.ID, "in_1")
	f.adapter.Events = []billing.ClassifiedEvent{{
		Kind:      billing.KindPaymentSettled,
		Provider:  models.PaymentProviderStripe,
		EventID:   "evt_1",
		EventType: "invoice.paid",
		Payment:   &ev,
	}}

	status, body := f.do(t, "POST", "/webhooks/stripe", `{"id":"evt_1"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.WebhookOutcomeProcessed, body["outcome"])

	// Same delivery again is acknowledged as a duplicate.
	status, body = f.do(t, "POST", "/webhooks/stripe", `{"id":"evt_1"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.WebhookOutcomeDuplicate, body["outcome"])

	status, body = f.do(t, "GET", "/subscriptions/"+sub.ID, "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.SubscriptionStatusActive, body["status"])
	assert.Equal(t, true, body["has_access"])
	assert.Len(t, body["payments"], 1)
}

func TestHandleWebhook_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		err      error
		expected int
		code     string
	}{
		{"bad signature", "/webhooks/stripe", &billing.AuthenticationError{Provider: "stripe", Reason: "no valid signature"}, fiber.StatusUnauthorized, "invalid_signature"},
		{"malformed", "/webhooks/stripe", &billing.MalformedPayloadError{Provider: "stripe", Err: assert.AnError}, fiber.StatusBadRequest, "invalid_payload"},
		{"provider down", "/webhooks/stripe", &billing.ProviderError{Provider: "stripe", Op: "get", Err: assert.AnError}, fiber.StatusBadGateway, "provider_unavailable"},
		{"unknown provider", "/webhooks/paypal", nil, fiber.StatusNotFound, "unknown_provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBillingFixture(t)
			f.adapter.Err = tt.err

			status, body := f.do(t, "POST", tt.path, `{}`)
			assert.Equal(t, tt.expected, status)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestHandleCreateSubscription(t *testing.T) {
	f := newBillingFixture(t)

	status, body := f.do(t, "POST", "/subscriptions", `{"subscriber_id":1,"creator_id":2,"plan_id":3,"provider":"mercadopago","currency":"brl","amount":"19.90","billing_interval":"month"}`)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, models.SubscriptionStatusPending, body["status"])
	assert.Equal(t, "BRL", body["currency"])
	assert.Equal(t, false, body["has_access"])
	id, _ := body["id"].(string)
	assert.NotNil(t, f.repo.Subscription(id))

	status, body = f.do(t, "POST", "/subscriptions", `{"subscriber_id":1,"provider":"paypal","currency":"USD"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["error"])

	status, _ = f.do(t, "POST", "/subscriptions", `{not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleGetSubscription_NotFound(t *testing.T) {
	f := newBillingFixture(t)
	status, body := f.do(t, "GET", "/subscriptions/missing", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestHandleVerifySubscription(t *testing.T) {
	f := newBillingFixture(t)
	sub := f.pending()
	ev := approvedFor(sub.ID, "in_verify")
	f.lookup.ByCorrelation[sub.ID] = &ev

	status, body := f.do(t, "POST", "/subscriptions/"+sub.ID+"/verify", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["has_access"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, models.SubscriptionStatusActive, result["status"])
	assert.Equal(t, billing.TierCorrelationSearch, result["tier_name"])
	assert.Equal(t, false, result["heuristic"])

	status, _ = f.do(t, "POST", "/subscriptions/missing/verify", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestHandleCancelSubscription(t *testing.T) {
	f := newBillingFixture(t)
	sub := f.pending()

	status, body := f.do(t, "POST", "/subscriptions/"+sub.ID+"/cancel", `{"reason":"too expensive"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.SubscriptionStatusCanceled, body["status"])
	assert.Equal(t, "too expensive", f.repo.Subscription(sub.ID).CancelReason)

	status, body = f.do(t, "POST", "/subscriptions/"+sub.ID+"/cancel", "")
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "conflict", body["error"])
}
