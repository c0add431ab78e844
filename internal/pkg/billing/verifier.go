package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
)

// Lookup queries a provider's API for the outcome of a checkout.
type Lookup interface {
	Provider() string
	LookupBySubscriptionRef(ctx context.Context, ref string) (*ProviderPaymentEvent, error)
	FindByCorrelation(ctx context.Context, subscriptionID string, window TimeWindow) (*ProviderPaymentEvent, error)
	FindByCustomerEmail(ctx context.Context, email string, window TimeWindow) (*ProviderPaymentEvent, error)
}

// Throttle serializes verification of one subscription across callers.
type Throttle interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// VerifyRecorder counts verifier outcomes.
type VerifyRecorder interface {
	RecordVerify(ctx context.Context, provider, tier string)
}

// ProviderContext is what a strategy may use besides the subscription itself.
type ProviderContext struct {
	Lookup Lookup
	Repo   Repository
	Now    time.Time
}

// Resolution is what a strategy found. Either Event is set and gets applied,
// or ForceActivate asks the engine to activate without provider data.
type Resolution struct {
	Event         *ProviderPaymentEvent
	ForceActivate bool
	Source        string
	Reason        string
}

// ResolverFunc runs one verification tier. It returns (nil, nil) when the tier
// does not apply.
type ResolverFunc func(ctx context.Context, sub *models.Subscription, pc ProviderContext) (*Resolution, error)

// Strategy is one ordered verification tier.
type Strategy struct {
	Tier int
	Name string
	// Remote marks tiers that call the provider and run under the lookup timeout.
	Remote  bool
	Resolve ResolverFunc
}

// TierAttempt records what a tier did during one Verify call.
type TierAttempt struct {
	Tier    int    `json:"tier"`
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// VerifyResult is the answer handed back to the client polling a checkout.
type VerifyResult struct {
	SubscriptionID string        `json:"subscription_id"`
	Status         string        `json:"status"`
	Tier           int           `json:"tier,omitempty"`
	TierName       string        `json:"tier_name,omitempty"`
	Heuristic      bool          `json:"heuristic"`
	Inconclusive   bool          `json:"inconclusive"`
	Explanation    string        `json:"explanation"`
	Attempts       []TierAttempt `json:"attempts"`
}

// VerifierConfig bounds how long verification may take.
type VerifierConfig struct {
	LookupTimeout   time.Duration
	Budget          time.Duration
	ThrottleTTL     time.Duration
	GraceWindow     time.Duration
	CorrelationSkew time.Duration
	CorrelationSpan time.Duration
	EmailTolerance  time.Duration
}

func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		LookupTimeout:   5 * time.Second,
		Budget:          15 * time.Second,
		ThrottleTTL:     5 * time.Second,
		GraceWindow:     10 * time.Minute,
		CorrelationSkew: 5 * time.Minute,
		CorrelationSpan: 24 * time.Hour,
		EmailTolerance:  5 * time.Minute,
	}
}

// LoadVerifierConfig reads overrides of the defaults from the environment.
func LoadVerifierConfig() VerifierConfig {
	cfg := DefaultVerifierConfig()
	cfg.LookupTimeout = env.GetEnvDuration("BILLING_LOOKUP_TIMEOUT", cfg.LookupTimeout)
	cfg.Budget = env.GetEnvDuration("BILLING_VERIFY_BUDGET", cfg.Budget)
	cfg.ThrottleTTL = env.GetEnvDuration("BILLING_VERIFY_THROTTLE", cfg.ThrottleTTL)
	cfg.GraceWindow = env.GetEnvDuration("BILLING_GRACE_WINDOW", cfg.GraceWindow)
	cfg.EmailTolerance = env.GetEnvDuration("BILLING_EMAIL_TOLERANCE", cfg.EmailTolerance)
	return cfg
}

type VerifierOption func(*Verifier)

func WithThrottle(t Throttle) VerifierOption {
	return func(v *Verifier) { v.throttle = t }
}

func WithVerifyRecorder(r VerifyRecorder) VerifierOption {
	return func(v *Verifier) { v.recorder = r }
}

func WithVerifierConfig(cfg VerifierConfig) VerifierOption {
	return func(v *Verifier) { v.cfg = cfg }
}

// WithStrategies replaces the default tier list.
func WithStrategies(s []Strategy) VerifierOption {
	return func(v *Verifier) { v.strategies = s }
}

// Verifier resolves pending subscriptions whose webhook never arrived by
// asking the provider directly, then falling back to local evidence.
type Verifier struct {
	engine     *Engine
	lookups    map[string]Lookup
	strategies []Strategy
	throttle   Throttle
	recorder   VerifyRecorder
	cfg        VerifierConfig
}

func NewVerifier(engine *Engine, lookups []Lookup, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		engine:  engine,
		lookups: make(map[string]Lookup, len(lookups)),
		cfg:     DefaultVerifierConfig(),
	}
	for _, l := range lookups {
		v.lookups[l.Provider()] = l
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.strategies == nil {
		v.strategies = DefaultStrategies(v.cfg)
	}
	return v
}

// Verify runs the tiers in order until one settles the subscription.
func (v *Verifier) Verify(ctx context.Context, subscriptionID string) (*VerifyResult, error) {
	sub, err := v.engine.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	result := &VerifyResult{SubscriptionID: sub.ID, Status: sub.Status, Attempts: []TierAttempt{}}

	if v.throttle != nil && sub.Status == models.SubscriptionStatusPending {
		ok, err := v.throttle.TryAcquire(ctx, "verify:"+sub.ID, v.cfg.ThrottleTTL)
		if err != nil {
			log.Warnf("[Verifier] Throttle unavailable for %s: %v", sub.ID, err)
		} else if !ok {
			result.Inconclusive = true
			result.Explanation = "verification already in progress, retry shortly"
			return result, nil
		}
	}

	budgetCtx, cancel := context.WithTimeout(ctx, v.cfg.Budget)
	defer cancel()

	pc := ProviderContext{
		Lookup: v.lookups[sub.Provider],
		Repo:   v.engine.Repository(),
		Now:    v.engine.now().UTC(),
	}

	for _, s := range v.strategies {
		if budgetCtx.Err() != nil {
			result.Attempts = append(result.Attempts, TierAttempt{Tier: s.Tier, Name: s.Name, Outcome: "skipped", Error: "verification budget exhausted"})
			continue
		}

		res, err := v.runTier(budgetCtx, s, sub, pc)
		attempt := TierAttempt{Tier: s.Tier, Name: s.Name}
		if err != nil {
			attempt.Outcome = "error"
			attempt.Error = err.Error()
			if errors.Is(err, ErrNoMatch) || errors.Is(err, ErrLookupUnsupported) {
				attempt.Outcome = "no_match"
				attempt.Error = ""
			}
			result.Attempts = append(result.Attempts, attempt)
			continue
		}
		if res == nil {
			attempt.Outcome = "not_applicable"
			result.Attempts = append(result.Attempts, attempt)
			continue
		}

		settled, err := v.settle(ctx, sub, res, result)
		if err != nil {
			attempt.Outcome = "error"
			attempt.Error = err.Error()
			result.Attempts = append(result.Attempts, attempt)
			if !IsMalformedPayload(err) {
				return nil, err
			}
			continue
		}
		if !settled {
			attempt.Outcome = "not_approved"
			result.Attempts = append(result.Attempts, attempt)
			continue
		}

		attempt.Outcome = "resolved"
		result.Attempts = append(result.Attempts, attempt)
		result.Tier = s.Tier
		result.TierName = s.Name
		result.Explanation = firstNonEmpty(res.Reason, s.Name)
		if result.Heuristic {
			log.Warnf("[Verifier] Subscription %s activated by heuristic tier %d (%s): %s", sub.ID, s.Tier, s.Name, result.Explanation)
		} else {
			log.Infof("[Verifier] Subscription %s resolved by tier %d (%s)", sub.ID, s.Tier, s.Name)
		}
		v.record(ctx, sub.Provider, s.Name)
		return result, nil
	}

	current, err := v.engine.GetSubscription(ctx, sub.ID)
	if err == nil {
		result.Status = current.Status
	}
	result.Inconclusive = true
	result.Explanation = "no tier could confirm the payment"
	v.record(ctx, sub.Provider, "inconclusive")
	log.Infof("[Verifier] Subscription %s still %s after %d tiers", sub.ID, result.Status, len(result.Attempts))
	return result, nil
}

func (v *Verifier) runTier(ctx context.Context, s Strategy, sub *models.Subscription, pc ProviderContext) (res *Resolution, err error) {
	if s.Remote {
		if pc.Lookup == nil {
			return nil, ErrLookupUnsupported
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.LookupTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tier %s panicked: %v", s.Name, r)
		}
	}()
	return s.Resolve(ctx, sub, pc)
}

// settle applies a resolution and reports whether the subscription left pending.
func (v *Verifier) settle(ctx context.Context, sub *models.Subscription, res *Resolution, out *VerifyResult) (bool, error) {
	if res.ForceActivate {
		applied, err := v.engine.ForceActivate(ctx, sub.ID, res.Source, res.Reason)
		if err != nil {
			return false, err
		}
		out.Status = applied.SubscriptionStatus
		out.Heuristic = applied.Status == ApplyApplied
		return applied.SubscriptionStatus != models.SubscriptionStatusPending, nil
	}
	if res.Event == nil {
		out.Status = sub.Status
		return sub.Status != models.SubscriptionStatusPending, nil
	}

	// The match was made for this subscription, whatever metadata it carries.
	ev := *res.Event
	ev.SubscriptionID = sub.ID
	if ev.Provider == "" {
		ev.Provider = sub.Provider
	}
	applied, err := v.engine.ApplyPayment(ctx, ev)
	if err != nil {
		return false, err
	}
	if applied.SubscriptionStatus != "" {
		out.Status = applied.SubscriptionStatus
	}
	return ev.Outcome == OutcomeApproved && out.Status != models.SubscriptionStatusPending, nil
}

func (v *Verifier) record(ctx context.Context, provider, tier string) {
	if v.recorder == nil {
		return
	}
	v.recorder.RecordVerify(ctx, strings.ToLower(provider), tier)
}
