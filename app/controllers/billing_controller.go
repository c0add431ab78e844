package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/entitlements"
)

const webhookTimeout = 15 * time.Second

// BillingController serves provider webhooks and the internal subscription API.
type BillingController struct {
	engine    *billing.Engine
	processor *billing.WebhookProcessor
	verifier  *billing.Verifier
	now       func() time.Time
}

func NewBillingController(engine *billing.Engine, processor *billing.WebhookProcessor, verifier *billing.Verifier) *BillingController {
	return &BillingController{engine: engine, processor: processor, verifier: verifier, now: time.Now}
}

type subscriptionResponse struct {
	*models.Subscription
	HasAccess   bool             `json:"has_access"`
	AccessUntil *time.Time       `json:"access_until,omitempty"`
	Payments    []models.Payment `json:"payments"`
}

// HandleWebhook receives POST /webhooks/:provider.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	req := billing.WebhookRequest{
		Body:    append([]byte(nil), c.BodyRaw()...),
		Headers: requestHeaders(c),
		Query:   c.Queries(),
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	out, err := bc.processor.Handle(ctx, provider, req)
	if err != nil {
		status := billing.StatusCode(err)
		code, message := webhookErrorCode(status), err.Error()
		if status == fiber.StatusInternalServerError {
			message = "webhook could not be processed"
		}
		body := fiber.Map{"error": code, "message": message}
		if out != nil {
			body["audit_id"] = out.AuditID
		}
		return c.Status(status).JSON(body)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":       true,
		"outcome":  out.Outcome,
		"audit_id": out.AuditID,
	})
}

// HandleCreateSubscription receives POST /api/v1/subscriptions.
func (bc *BillingController) HandleCreateSubscription(c *fiber.Ctx) error {
	var in billing.CheckoutInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	sub, err := bc.engine.CreatePendingSubscription(c.UserContext(), in)
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(bc.subscriptionView(sub, []models.Payment{}))
}

// HandleGetSubscription receives GET /api/v1/subscriptions/:id.
func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	sub, err := bc.engine.GetSubscription(c.UserContext(), c.Params("id"))
	if err != nil {
		return billingError(c, err)
	}
	payments, err := bc.engine.ListPayments(c.UserContext(), sub.ID)
	if err != nil {
		return billingError(c, err)
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	return c.Status(fiber.StatusOK).JSON(bc.subscriptionView(sub, payments))
}

// HandleVerifySubscription receives POST /api/v1/subscriptions/:id/verify,
// called by the checkout return page while the webhook has not arrived.
func (bc *BillingController) HandleVerifySubscription(c *fiber.Ctx) error {
	result, err := bc.verifier.Verify(c.UserContext(), c.Params("id"))
	if err != nil {
		return billingError(c, err)
	}
	sub, err := bc.engine.GetSubscription(c.UserContext(), result.SubscriptionID)
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"result":     result,
		"has_access": entitlements.HasAccess(sub, bc.now()),
	})
}

// HandleCancelSubscription receives POST /api/v1/subscriptions/:id/cancel.
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
		}
	}
	res, err := bc.engine.Cancel(c.UserContext(), c.Params("id"), body.Reason)
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"subscription_id": res.SubscriptionID,
		"status":          res.SubscriptionStatus,
	})
}

func (bc *BillingController) subscriptionView(sub *models.Subscription, payments []models.Payment) subscriptionResponse {
	now := bc.now()
	return subscriptionResponse{
		Subscription: sub,
		HasAccess:    entitlements.HasAccess(sub, now),
		AccessUntil:  entitlements.AccessUntil(sub, now),
		Payments:     payments,
	}
}

func billingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Subscription not found"})
	case errors.Is(err, billing.ErrTerminalState), errors.Is(err, billing.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
	case errors.Is(err, billing.ErrInvalidCheckout):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	default:
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Request failed"})
	}
}

func webhookErrorCode(status int) string {
	switch status {
	case fiber.StatusUnauthorized:
		return "invalid_signature"
	case fiber.StatusBadRequest:
		return "invalid_payload"
	case fiber.StatusNotFound:
		return "unknown_provider"
	case fiber.StatusBadGateway:
		return "provider_unavailable"
	default:
		return "webhook_failed"
	}
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})
	return headers
}
