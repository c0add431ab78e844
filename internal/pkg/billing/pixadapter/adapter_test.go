package pixadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
)

const testSecret = "mp-webhook-secret"

type fakeMP struct {
	mu       sync.Mutex
	payments map[string]string
	search   string
	status   int
	queries  []string
}

func (f *fakeMP) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer APP_USR-test" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"message":"internal"}`))
		return
	}
	if r.URL.Path == "/v1/payments/search" {
		f.queries = append(f.queries, r.URL.RawQuery)
		_, _ = w.Write([]byte(f.search))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
	body, ok := f.payments[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Payment not found"}`))
		return
	}
	_, _ = w.Write([]byte(body))
}

func newTestAdapter(t *testing.T, mp *fakeMP) *Adapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(mp.handler))
	t.Cleanup(srv.Close)

	cfg := Config{
		AccessToken:   "APP_USR-test",
		WebhookSecret: testSecret,
		Verification:  billing.VerificationEnforced,
		APIBaseURL:    srv.URL,
		HTTPTimeout:   2 * time.Second,

		SignatureTolerance: 5 * time.Minute,
	}
	a, err := New(cfg, nil)
	require.NoError(t, err)
	a.now = func() time.Time { return notificationTime }
	return a
}

// notificationTime is the instant signedNotification stamps into ts.
var notificationTime = time.UnixMilli(1772366400000)

func signedNotification(dataID, requestID string) billing.WebhookRequest {
	ts := "1772366400000"
	sig := billing.SignHexHMACSHA256([]byte(Manifest(dataID, requestID, ts)), testSecret)
	body := `{"id":98765,"type":"payment","action":"payment.updated","data":{"id":"` + dataID + `"}}`
	return billing.WebhookRequest{
		Body: []byte(body),
		Headers: map[string]string{
			"X-Signature":  "ts=" + ts + ",v1=" + sig,
			"X-Request-Id": requestID,
		},
		Query: map[string]string{"data.id": dataID, "type": "payment"},
	}
}

func paymentJSON(id, status, ref string) string {
	p := map[string]any{
		"id":                 json.Number(id),
		"status":             status,
		"status_detail":      "detail_" + status,
		"external_reference": ref,
		"transaction_amount": 19.9,
		"currency_id":        "BRL",
		"payment_method_id":  "pix",
		"date_created":       "2026-03-01T12:00:00.000-03:00",
		"payer":              map[string]any{"email": "fan@example.com"},
	}
	b, _ := json.Marshal(p)
	return string(b)
}

func TestManifest(t *testing.T) {
	assert.Equal(t, "id:abc123;request-id:req-1;ts:1700;", Manifest("ABC123", "req-1", "1700"))
	assert.Equal(t, "request-id:req-1;ts:1700;", Manifest("", "req-1", "1700"))
	assert.Equal(t, "id:42;ts:1700;", Manifest("42", "", "1700"))
}

func TestParseWebhook_ApprovedPayment(t *testing.T) {
	mp := &fakeMP{payments: map[string]string{"1001": paymentJSON("1001", "approved", "local-1")}}
	a := newTestAdapter(t, mp)

	events, err := a.ParseWebhook(context.Background(), signedNotification("1001", "req-1"))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, billing.KindPaymentSettled, ev.Kind)
	assert.Equal(t, "98765", ev.EventID)
	require.NotNil(t, ev.Payment)
	assert.Equal(t, "1001", ev.Payment.ProviderPaymentRef)
	assert.Equal(t, "local-1", ev.Payment.SubscriptionID)
	assert.Equal(t, billing.OutcomeApproved, ev.Payment.Outcome)
	assert.True(t, decimal.RequireFromString("19.9").Equal(ev.Payment.Amount))
	assert.Equal(t, "BRL", ev.Payment.Currency)
	assert.Nil(t, ev.Payment.PeriodEnd)
	assert.NoError(t, ev.Validate())
}

func TestParseWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		status  string
		kind    billing.EventKind
		outcome billing.Outcome
	}{
		{"rejected", billing.KindPaymentFailed, billing.OutcomeRejected},
		{"cancelled", billing.KindPaymentFailed, billing.OutcomeRejected},
		{"pending", billing.KindPaymentSettled, billing.OutcomePending},
		{"in_process", billing.KindPaymentSettled, billing.OutcomePending},
		{"refunded", billing.KindUnhandled, ""},
		{"charged_back", billing.KindUnhandled, ""},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			mp := &fakeMP{payments: map[string]string{"2002": paymentJSON("2002", tt.status, "local-2")}}
			a := newTestAdapter(t, mp)

			events, err := a.ParseWebhook(context.Background(), signedNotification("2002", "req-2"))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, events[0].Kind)
			if tt.outcome != "" {
				assert.Equal(t, tt.outcome, events[0].Payment.Outcome)
			}
			if tt.outcome == billing.OutcomeRejected {
				assert.Equal(t, "detail_"+tt.status, events[0].Payment.FailureReason)
			}
		})
	}
}

func TestParseWebhook_MetadataCorrelation(t *testing.T) {
	body := `{"id":3003,"status":"approved","transaction_amount":5,"currency_id":"BRL","metadata":{"subscription_id":"local-meta"}}`
	a := newTestAdapter(t, &fakeMP{payments: map[string]string{"3003": body}})

	events, err := a.ParseWebhook(context.Background(), signedNotification("3003", "req-3"))
	require.NoError(t, err)
	assert.Equal(t, "local-meta", events[0].Payment.SubscriptionID)
}

func TestParseWebhook_Signature(t *testing.T) {
	mp := &fakeMP{payments: map[string]string{"1001": paymentJSON("1001", "approved", "local-1")}}
	a := newTestAdapter(t, mp)

	t.Run("missing header", func(t *testing.T) {
		req := signedNotification("1001", "req-1")
		delete(req.Headers, "X-Signature")
		_, err := a.ParseWebhook(context.Background(), req)
		assert.True(t, billing.IsAuthenticationError(err))
	})

	t.Run("other request id", func(t *testing.T) {
		req := signedNotification("1001", "req-1")
		req.Headers["X-Request-Id"] = "req-forged"
		_, err := a.ParseWebhook(context.Background(), req)
		assert.True(t, billing.IsAuthenticationError(err))
	})

	t.Run("other payment id", func(t *testing.T) {
		req := signedNotification("1001", "req-1")
		req.Query["data.id"] = "9999"
		_, err := a.ParseWebhook(context.Background(), req)
		assert.True(t, billing.IsAuthenticationError(err))
	})

	t.Run("header without v1", func(t *testing.T) {
		req := signedNotification("1001", "req-1")
		req.Headers["X-Signature"] = "ts=1772366400000"
		_, err := a.ParseWebhook(context.Background(), req)
		assert.True(t, billing.IsAuthenticationError(err))
	})

	t.Run("within tolerance", func(t *testing.T) {
		late := *a
		late.now = func() time.Time { return notificationTime.Add(4 * time.Minute) }
		_, err := late.ParseWebhook(context.Background(), signedNotification("1001", "req-1"))
		require.NoError(t, err)
	})

	t.Run("replayed outside tolerance", func(t *testing.T) {
		late := *a
		late.now = func() time.Time { return notificationTime.Add(time.Hour) }
		_, err := late.ParseWebhook(context.Background(), signedNotification("1001", "req-1"))
		require.Error(t, err)
		assert.True(t, billing.IsAuthenticationError(err))
		assert.Contains(t, err.Error(), "outside tolerance")
	})

	t.Run("seconds timestamp", func(t *testing.T) {
		ts := "1772366400"
		req := signedNotification("1001", "req-1")
		req.Headers["X-Signature"] = "ts=" + ts + ",v1=" + billing.SignHexHMACSHA256([]byte(Manifest("1001", "req-1", ts)), testSecret)
		_, err := a.ParseWebhook(context.Background(), req)
		require.NoError(t, err)
	})

	t.Run("non numeric timestamp", func(t *testing.T) {
		ts := "yesterday"
		req := signedNotification("1001", "req-1")
		req.Headers["X-Signature"] = "ts=" + ts + ",v1=" + billing.SignHexHMACSHA256([]byte(Manifest("1001", "req-1", ts)), testSecret)
		_, err := a.ParseWebhook(context.Background(), req)
		assert.True(t, billing.IsAuthenticationError(err))
	})

	t.Run("skipped accepts unsigned", func(t *testing.T) {
		req := signedNotification("1001", "req-1")
		delete(req.Headers, "X-Signature")
		events, err := a.WithVerification(billing.VerificationSkipped).ParseWebhook(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApproved, events[0].Payment.Outcome)
	})
}

func TestParseWebhook_NonPaymentAndMalformed(t *testing.T) {
	a := newTestAdapter(t, &fakeMP{}).WithVerification(billing.VerificationSkipped)

	events, err := a.ParseWebhook(context.Background(), billing.WebhookRequest{
		Body: []byte(`{"id":1,"type":"plan","data":{"id":"p1"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, billing.KindUnhandled, events[0].Kind)

	_, err = a.ParseWebhook(context.Background(), billing.WebhookRequest{Body: []byte(`not json`)})
	assert.True(t, billing.IsMalformedPayload(err))

	_, err = a.ParseWebhook(context.Background(), billing.WebhookRequest{Body: []byte(`{"type":"payment"}`)})
	assert.True(t, billing.IsMalformedPayload(err))
}

func TestParseWebhook_LookupFailures(t *testing.T) {
	t.Run("transport failure is a provider error", func(t *testing.T) {
		a := newTestAdapter(t, &fakeMP{status: http.StatusBadGateway})
		_, err := a.ParseWebhook(context.Background(), signedNotification("1001", "req-1"))
		require.Error(t, err)
		assert.True(t, billing.IsProviderError(err))
		assert.Equal(t, 502, billing.StatusCode(err))
	})

	t.Run("unknown payment is ignored", func(t *testing.T) {
		a := newTestAdapter(t, &fakeMP{payments: map[string]string{}})
		events, err := a.ParseWebhook(context.Background(), signedNotification("404404", "req-1"))
		require.NoError(t, err)
		assert.Equal(t, billing.KindUnhandled, events[0].Kind)
	})
}

func TestLookups(t *testing.T) {
	search := `{"results":[` +
		`{"id":11,"status":"pending","external_reference":"local-1","date_created":"2026-03-01T12:05:00Z"},` +
		`{"id":12,"status":"approved","external_reference":"local-1","transaction_amount":19.9,"currency_id":"BRL","date_created":"2026-03-01T12:01:00Z"},` +
		`{"id":13,"status":"approved","external_reference":"someone-else","date_created":"2026-03-01T12:02:00Z"}` +
		`]}`
	mp := &fakeMP{search: search}
	a := newTestAdapter(t, mp)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := billing.TimeWindow{From: created.Add(-5 * time.Minute), To: created.Add(24 * time.Hour)}

	ev, err := a.FindByCorrelation(context.Background(), "local-1", window)
	require.NoError(t, err)
	assert.Equal(t, "12", ev.ProviderPaymentRef)
	assert.Equal(t, billing.OutcomeApproved, ev.Outcome)

	ev, err = a.FindByCustomerEmail(context.Background(), "fan@example.com", billing.TimeWindow{From: created, To: created.Add(time.Minute + 30*time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "12", ev.ProviderPaymentRef)

	_, err = a.FindByCorrelation(context.Background(), "local-none", window)
	assert.ErrorIs(t, err, billing.ErrNoMatch)

	_, err = a.LookupBySubscriptionRef(context.Background(), "anything")
	assert.ErrorIs(t, err, billing.ErrLookupUnsupported)

	mp.mu.Lock()
	defer mp.mu.Unlock()
	require.NotEmpty(t, mp.queries)
	assert.Contains(t, mp.queries[0], "external_reference=local-1")
	assert.Contains(t, mp.queries[1], "payer.email=fan%40example.com")
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{AccessToken: "APP_USR-x", Verification: billing.VerificationEnforced}
	assert.Error(t, cfg.Validate())

	cfg.WebhookSecret = "s"
	assert.NoError(t, cfg.Validate())

	cfg.APIBaseURL = "not a url"
	assert.Error(t, cfg.Validate())
}
