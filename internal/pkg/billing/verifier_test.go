package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing/billingtest"
)

func newTestVerifier(t *testing.T, lookup *billingtest.FakeLookup, opts ...billing.VerifierOption) (*billing.Verifier, *billingtest.MemoryRepository) {
	t.Helper()
	engine, repo, _ := newTestEngine(t)
	return billing.NewVerifier(engine, []billing.Lookup{lookup}, opts...), repo
}

func tierOutcomes(res *billing.VerifyResult) map[string]string {
	out := make(map[string]string, len(res.Attempts))
	for _, a := range res.Attempts {
		out[a.Name] = a.Outcome
	}
	return out
}

func TestVerify_AlreadyActiveShortCircuits(t *testing.T) {
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe}
	verifier, repo := newTestVerifier(t, lookup)
	end := testNow.AddDate(0, 0, 5)
	sub := seedSubscription(repo, models.SubscriptionStatusActive, &end)

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, res.Status)
	assert.Equal(t, 1, res.Tier)
	assert.Equal(t, billing.TierAlreadyActive, res.TierName)
	assert.False(t, res.Heuristic)
	assert.Empty(t, lookup.Calls())
}

func TestVerify_SubscriptionRef(t *testing.T) {
	lookup := &billingtest.FakeLookup{
		Name: models.PaymentProviderStripe,
		ByRef: map[string]*billing.ProviderPaymentEvent{
			"sub_123": {
				Provider:                models.PaymentProviderStripe,
				ProviderPaymentRef:      "in_first",
				ProviderSubscriptionRef: "sub_123",
				Outcome:                 billing.OutcomeApproved,
			},
		},
	}
	verifier, repo := newTestVerifier(t, lookup)
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)
	ref := "sub_123"
	sub.ExternalSubscriptionRef = &ref
	repo.Put(*sub)

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, res.Status)
	assert.Equal(t, 2, res.Tier)
	assert.Equal(t, []string{"ref"}, lookup.Calls())
}

func TestVerify_CorrelationSearchUsesIdempotentPath(t *testing.T) {
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe}
	verifier, repo := newTestVerifier(t, lookup)
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)
	start, end := testNow, testNow.AddDate(0, 0, 30)
	lookup.ByCorrelation = map[string]*billing.ProviderPaymentEvent{
		sub.ID: {
			Provider:           models.PaymentProviderStripe,
			ProviderPaymentRef: "in_from_session",
			Outcome:            billing.OutcomeApproved,
			PeriodStart:        &start,
			PeriodEnd:          &end,
		},
	}

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, res.Status)
	assert.Equal(t, 3, res.Tier)
	assert.Equal(t, billing.TierCorrelationSearch, res.TierName)
	assert.False(t, res.Heuristic)
	assert.False(t, res.Inconclusive)

	outcomes := tierOutcomes(res)
	assert.Equal(t, "resolved", outcomes[billing.TierCorrelationSearch])
	assert.NotContains(t, outcomes, billing.TierCompletedPayment)
	assert.NotContains(t, outcomes, billing.TierRecentGraceHeuristic)

	stored := repo.Subscription(sub.ID)
	assert.True(t, end.Equal(*stored.CurrentPeriodEnd))
	assert.Equal(t, models.ActivationSourceProvider, stored.ActivationSource)
	require.Len(t, repo.Payments(), 1)
	assert.Equal(t, models.PaymentStatusCompleted, repo.Payments()[0].Status)

	// The webhook arriving afterwards is a duplicate.
	engine := billing.NewEngine(repo, billing.WithClock(func() time.Time { return testNow }))
	applied, err := engine.ApplyPayment(context.Background(), approved(sub.ID, "in_from_session", &start, &end))
	require.NoError(t, err)
	assert.Equal(t, billing.ApplyDuplicate, applied.Status)
}

func TestVerify_CustomerEmail(t *testing.T) {
	lookup := &billingtest.FakeLookup{
		Name: models.PaymentProviderStripe,
		ByEmail: map[string]*billing.ProviderPaymentEvent{
			"fan@example.com": {ProviderPaymentRef: "in_email", Outcome: billing.OutcomeApproved},
		},
	}
	verifier, repo := newTestVerifier(t, lookup)
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Tier)
	assert.Equal(t, models.SubscriptionStatusActive, res.Status)
	assert.Equal(t, []string{"correlation", "email"}, lookup.Calls())
}

func TestVerify_NonApprovedMatchFallsThrough(t *testing.T) {
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe}
	verifier, repo := newTestVerifier(t, lookup)
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)
	sub.CreatedAt = testNow.Add(-time.Hour)
	repo.Put(*sub)
	lookup.ByCorrelation = map[string]*billing.ProviderPaymentEvent{
		sub.ID: {ProviderPaymentRef: "pix_waiting", Outcome: billing.OutcomePending},
	}

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, res.Inconclusive)
	assert.Equal(t, models.SubscriptionStatusPending, res.Status)
	assert.Equal(t, "not_approved", tierOutcomes(res)[billing.TierCorrelationSearch])
	assert.Equal(t, "not_applicable", tierOutcomes(res)[billing.TierRecentGraceHeuristic])

	// The pending payment was still recorded.
	require.Len(t, repo.Payments(), 1)
	assert.Equal(t, models.PaymentStatusPending, repo.Payments()[0].Status)
}

func TestVerify_CompletedPaymentInconsistency(t *testing.T) {
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe, Err: errors.New("provider unavailable")}
	verifier, repo := newTestVerifier(t, lookup)
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)
	sub.CreatedAt = testNow.Add(-time.Hour)
	repo.Put(*sub)
	_, _, err := repo.CreatePaymentIfNotExists(context.Background(), &models.Payment{
		SubscriptionID:     sub.ID,
		Provider:           models.PaymentProviderStripe,
		ProviderPaymentRef: "in_orphaned",
		Status:             models.PaymentStatusCompleted,
	})
	require.NoError(t, err)

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Tier)
	assert.True(t, res.Heuristic)
	assert.Equal(t, models.SubscriptionStatusActive, res.Status)
	assert.Equal(t, models.ActivationSourceReconciled, repo.Subscription(sub.ID).ActivationSource)
	assert.Equal(t, "error", tierOutcomes(res)[billing.TierCorrelationSearch])
}

func TestVerify_RecentGraceHeuristic(t *testing.T) {
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe}
	verifier, repo := newTestVerifier(t, lookup)
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Tier)
	assert.Equal(t, billing.TierRecentGraceHeuristic, res.TierName)
	assert.True(t, res.Heuristic)
	assert.Equal(t, models.SubscriptionStatusActive, res.Status)

	stored := repo.Subscription(sub.ID)
	assert.Equal(t, models.ActivationSourceHeuristic, stored.ActivationSource)
	assert.True(t, repo.Transitions(sub.ID)[0].Heuristic)
}

func TestVerify_GraceHeuristicSkippedAfterFailure(t *testing.T) {
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe}
	verifier, repo := newTestVerifier(t, lookup)
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)
	_, _, err := repo.CreatePaymentIfNotExists(context.Background(), &models.Payment{
		SubscriptionID:     sub.ID,
		Provider:           models.PaymentProviderStripe,
		ProviderPaymentRef: "in_declined",
		Status:             models.PaymentStatusFailed,
	})
	require.NoError(t, err)

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, res.Inconclusive)
	assert.False(t, res.Heuristic)
	assert.Equal(t, models.SubscriptionStatusPending, repo.Subscription(sub.ID).Status)
}

func TestVerify_LookupTimeoutFallsThrough(t *testing.T) {
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe, Delay: time.Second}
	cfg := billing.DefaultVerifierConfig()
	cfg.LookupTimeout = 20 * time.Millisecond
	verifier, repo := newTestVerifier(t, lookup, billing.WithVerifierConfig(cfg))
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)

	started := time.Now()
	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 900*time.Millisecond)
	assert.Equal(t, "error", tierOutcomes(res)[billing.TierCorrelationSearch])
	assert.Equal(t, 6, res.Tier)
}

func TestVerify_UnknownSubscription(t *testing.T) {
	verifier, _ := newTestVerifier(t, &billingtest.FakeLookup{Name: models.PaymentProviderStripe})

	_, err := verifier.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

type fakeThrottle struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeThrottle) TryAcquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func TestVerify_Throttled(t *testing.T) {
	lookup := &billingtest.FakeLookup{Name: models.PaymentProviderStripe}
	throttle := &fakeThrottle{held: map[string]bool{}}
	verifier, repo := newTestVerifier(t, lookup, billing.WithThrottle(throttle))
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)
	throttle.held["verify:"+sub.ID] = true

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, res.Inconclusive)
	assert.Equal(t, models.SubscriptionStatusPending, res.Status)
	assert.Empty(t, res.Attempts)
	assert.Empty(t, lookup.Calls())
}

type countingRecorder struct {
	mu    sync.Mutex
	tiers []string
}

func (c *countingRecorder) RecordVerify(_ context.Context, _, tier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers = append(c.tiers, tier)
}

func TestVerify_CustomStrategiesAndRecorder(t *testing.T) {
	recorder := &countingRecorder{}
	calls := 0
	strategies := []billing.Strategy{
		{Tier: 1, Name: "noop", Resolve: func(context.Context, *models.Subscription, billing.ProviderContext) (*billing.Resolution, error) {
			calls++
			return nil, nil
		}},
	}
	verifier, repo := newTestVerifier(t, &billingtest.FakeLookup{Name: models.PaymentProviderStripe},
		billing.WithStrategies(strategies), billing.WithVerifyRecorder(recorder))
	sub := seedSubscription(repo, models.SubscriptionStatusPending, nil)

	res, err := verifier.Verify(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, res.Inconclusive)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"inconclusive"}, recorder.tiers)
}
