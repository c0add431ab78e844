package pixadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
)

const (
	defaultAPIBaseURL = "https://api.mercadopago.com"
	// defaultHTTPTimeout stays below the webhook handler deadline so a slow
	// payment lookup still leaves time to record the delivery.
	defaultHTTPTimeout = 10 * time.Second
)

// Payment is a Mercado Pago payment as returned by /v1/payments.
type Payment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	PaymentMethodID   string          `json:"payment_method_id"`
	DateCreated       *time.Time      `json:"date_created"`
	DateApproved      *time.Time      `json:"date_approved"`
	Payer             struct {
		Email string `json:"email"`
	} `json:"payer"`
	Metadata map[string]any `json:"metadata"`
}

// SubscriptionID returns the local subscription id the payment was created for.
func (p Payment) SubscriptionID() string {
	if ref := strings.TrimSpace(p.ExternalReference); ref != "" {
		return ref
	}
	return strings.TrimSpace(cast.ToString(p.Metadata["subscription_id"]))
}

// SearchQuery filters /v1/payments/search. Empty fields are not sent.
type SearchQuery struct {
	ExternalReference string
	PayerEmail        string
	Window            billing.TimeWindow
	Limit             int
}

type Client struct {
	AccessToken string
	APIBaseURL  string
	HTTPClient  *http.Client
}

func NewClient(cfg Config) *Client {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if base == "" {
		base = defaultAPIBaseURL
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		AccessToken: strings.TrimSpace(cfg.AccessToken),
		APIBaseURL:  strings.TrimRight(base, "/"),
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("payment id is required")
	}
	var out Payment
	if err := c.get(ctx, "get payment", "/v1/payments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SearchPayments(ctx context.Context, q SearchQuery) ([]Payment, error) {
	params := url.Values{}
	if q.ExternalReference != "" {
		params.Set("external_reference", q.ExternalReference)
	}
	if q.PayerEmail != "" {
		params.Set("payer.email", q.PayerEmail)
	}
	if !q.Window.From.IsZero() && !q.Window.To.IsZero() {
		params.Set("range", "date_created")
		params.Set("begin_date", q.Window.From.UTC().Format(time.RFC3339))
		params.Set("end_date", q.Window.To.UTC().Format(time.RFC3339))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	params.Set("limit", cast.ToString(limit))
	params.Set("sort", "date_created")
	params.Set("criteria", "desc")

	var out struct {
		Results []Payment `json:"results"`
	}
	if err := c.get(ctx, "search payments", "/v1/payments/search", params, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values, dst any) error {
	u := c.APIBaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &billing.ProviderError{Provider: models.PaymentProviderMercadoPago, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return billing.ErrNoMatch
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &billing.ProviderError{
			Provider:   models.PaymentProviderMercadoPago,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("body=%s", strings.TrimSpace(string(body))),
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &billing.ProviderError{Provider: models.PaymentProviderMercadoPago, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}
