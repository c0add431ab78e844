package billing

import (
	"context"
	"strings"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

const (
	TierAlreadyActive        = "already_active"
	TierSubscriptionRef      = "subscription_ref"
	TierCorrelationSearch    = "correlation_search"
	TierCustomerEmail        = "customer_email"
	TierCompletedPayment     = "completed_payment_inconsistency"
	TierRecentGraceHeuristic = "recent_grace_heuristic"
)

// DefaultStrategies returns the verification tiers in the order they run.
func DefaultStrategies(cfg VerifierConfig) []Strategy {
	return []Strategy{
		{Tier: 1, Name: TierAlreadyActive, Resolve: resolveAlreadyActive},
		{Tier: 2, Name: TierSubscriptionRef, Remote: true, Resolve: resolveBySubscriptionRef},
		{Tier: 3, Name: TierCorrelationSearch, Remote: true, Resolve: correlationResolver(cfg)},
		{Tier: 4, Name: TierCustomerEmail, Remote: true, Resolve: emailResolver(cfg)},
		{Tier: 5, Name: TierCompletedPayment, Resolve: resolveCompletedPayment},
		{Tier: 6, Name: TierRecentGraceHeuristic, Resolve: graceResolver(cfg)},
	}
}

func resolveAlreadyActive(_ context.Context, sub *models.Subscription, _ ProviderContext) (*Resolution, error) {
	if sub.Status == models.SubscriptionStatusPending {
		return nil, nil
	}
	return &Resolution{Reason: "subscription is already " + sub.Status}, nil
}

func resolveBySubscriptionRef(ctx context.Context, sub *models.Subscription, pc ProviderContext) (*Resolution, error) {
	ref := sub.ExternalRef()
	if ref == "" {
		return nil, nil
	}
	ev, err := pc.Lookup.LookupBySubscriptionRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &Resolution{Event: ev, Reason: "provider subscription " + ref + " reports a settled payment"}, nil
}

func correlationResolver(cfg VerifierConfig) ResolverFunc {
	return func(ctx context.Context, sub *models.Subscription, pc ProviderContext) (*Resolution, error) {
		window := TimeWindow{
			From: sub.CreatedAt.Add(-cfg.CorrelationSkew),
			To:   sub.CreatedAt.Add(cfg.CorrelationSpan),
		}
		ev, err := pc.Lookup.FindByCorrelation(ctx, sub.ID, window)
		if err != nil {
			return nil, err
		}
		return &Resolution{Event: ev, Reason: "provider payment found by correlation id"}, nil
	}
}

func emailResolver(cfg VerifierConfig) ResolverFunc {
	return func(ctx context.Context, sub *models.Subscription, pc ProviderContext) (*Resolution, error) {
		email := strings.TrimSpace(sub.SubscriberEmail)
		if email == "" {
			return nil, nil
		}
		window := TimeWindow{
			From: sub.CreatedAt.Add(-cfg.EmailTolerance),
			To:   sub.CreatedAt.Add(cfg.EmailTolerance),
		}
		ev, err := pc.Lookup.FindByCustomerEmail(ctx, email, window)
		if err != nil {
			return nil, err
		}
		return &Resolution{Event: ev, Reason: "provider payment found by customer email near checkout time"}, nil
	}
}

func resolveCompletedPayment(ctx context.Context, sub *models.Subscription, pc ProviderContext) (*Resolution, error) {
	n, err := pc.Repo.CountPayments(ctx, sub.ID, models.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return &Resolution{
		ForceActivate: true,
		Source:        models.ActivationSourceReconciled,
		Reason:        "completed payment recorded while subscription was pending",
	}, nil
}

func graceResolver(cfg VerifierConfig) ResolverFunc {
	return func(ctx context.Context, sub *models.Subscription, pc ProviderContext) (*Resolution, error) {
		if pc.Now.Sub(sub.CreatedAt) >= cfg.GraceWindow {
			return nil, nil
		}
		failed, err := pc.Repo.CountPayments(ctx, sub.ID, models.PaymentStatusFailed)
		if err != nil {
			return nil, err
		}
		if failed > 0 {
			return nil, nil
		}
		return &Resolution{
			ForceActivate: true,
			Source:        models.ActivationSourceHeuristic,
			Reason:        "recent checkout without failures, activated pending provider confirmation",
		}, nil
	}
}
