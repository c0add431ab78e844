package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

var validate = validator.New()

// CheckoutInput describes a checkout the platform is about to hand to a provider.
type CheckoutInput struct {
	SubscriberID    uint            `json:"subscriber_id" validate:"required"`
	CreatorID       uint            `json:"creator_id" validate:"required"`
	PlanID          uint            `json:"plan_id" validate:"required"`
	SubscriberEmail string          `json:"subscriber_email" validate:"omitempty,email,max=200"`
	Provider        string          `json:"provider" validate:"required,oneof=stripe mercadopago"`
	BillingInterval string          `json:"billing_interval" validate:"omitempty,oneof=month year monthly yearly"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"required,len=3"`
}

// CreatePendingSubscription stores a pending subscription. Its id is sent to the
// provider as checkout metadata so later events can be correlated.
func (e *Engine) CreatePendingSubscription(ctx context.Context, in CheckoutInput) (*models.Subscription, error) {
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.SubscriberEmail = strings.TrimSpace(in.SubscriberEmail)
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckout, err)
	}
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidCheckout)
	}

	sub := &models.Subscription{
		SubscriberID:    in.SubscriberID,
		CreatorID:       in.CreatorID,
		PlanID:          in.PlanID,
		SubscriberEmail: in.SubscriberEmail,
		Provider:        in.Provider,
		BillingInterval: normalizeInterval(in.BillingInterval),
		Amount:          in.Amount,
		Currency:        in.Currency,
		Status:          models.SubscriptionStatusPending,
	}
	if err := e.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create pending subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription loads a subscription without locking it.
func (e *Engine) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrSubscriptionNotFound
	}
	return e.repo.GetSubscription(ctx, id)
}

func (e *Engine) ListPayments(ctx context.Context, subscriptionID string) ([]models.Payment, error) {
	return e.repo.ListPayments(ctx, subscriptionID)
}

// DeliveryID returns the provider delivery id, or a content hash when the
// provider sent none.
func DeliveryID(providerEventID string, payload []byte) string {
	if id := strings.TrimSpace(providerEventID); id != "" {
		return id
	}
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}
