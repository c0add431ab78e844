package billingtest

import (
	"context"
	"sync"
	"time"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
)

// FakeLookup answers verifier lookups from fixed maps. Missing entries return
// billing.ErrNoMatch.
type FakeLookup struct {
	Name          string
	ByRef         map[string]*billing.ProviderPaymentEvent
	ByCorrelation map[string]*billing.ProviderPaymentEvent
	ByEmail       map[string]*billing.ProviderPaymentEvent
	Err           error
	Delay         time.Duration

	mu    sync.Mutex
	calls []string
}

func (f *FakeLookup) Provider() string { return f.Name }

func (f *FakeLookup) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeLookup) answer(ctx context.Context, call string, m map[string]*billing.ProviderPaymentEvent, key string) (*billing.ProviderPaymentEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	ev, ok := m[key]
	if !ok {
		return nil, billing.ErrNoMatch
	}
	c := *ev
	return &c, nil
}

func (f *FakeLookup) LookupBySubscriptionRef(ctx context.Context, ref string) (*billing.ProviderPaymentEvent, error) {
	return f.answer(ctx, "ref", f.ByRef, ref)
}

func (f *FakeLookup) FindByCorrelation(ctx context.Context, subscriptionID string, _ billing.TimeWindow) (*billing.ProviderPaymentEvent, error) {
	return f.answer(ctx, "correlation", f.ByCorrelation, subscriptionID)
}

func (f *FakeLookup) FindByCustomerEmail(ctx context.Context, email string, _ billing.TimeWindow) (*billing.ProviderPaymentEvent, error) {
	return f.answer(ctx, "email", f.ByEmail, email)
}

// RecordingEmitter keeps every emitted transition.
type RecordingEmitter struct {
	mu          sync.Mutex
	transitions []billing.Transition
}

func (e *RecordingEmitter) Emit(_ context.Context, transitions []billing.Transition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitions = append(e.transitions, transitions...)
}

func (e *RecordingEmitter) Transitions() []billing.Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]billing.Transition(nil), e.transitions...)
}

// FakeCanceler records provider-side cancellations.
type FakeCanceler struct {
	Name string
	Err  error

	mu       sync.Mutex
	canceled []string
}

func (c *FakeCanceler) Provider() string { return c.Name }

func (c *FakeCanceler) CancelSubscription(_ context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, ref)
	return c.Err
}

func (c *FakeCanceler) Canceled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.canceled...)
}

// StaticAdapter returns the same parse result for every request.
type StaticAdapter struct {
	Name   string
	Events []billing.ClassifiedEvent
	Err    error
}

func (a *StaticAdapter) Provider() string { return a.Name }

func (a *StaticAdapter) ParseWebhook(context.Context, billing.WebhookRequest) ([]billing.ClassifiedEvent, error) {
	return a.Events, a.Err
}
