package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

// TransitionEmitter receives committed subscription transitions. Implementations
// must not block and must swallow their own failures.
type TransitionEmitter interface {
	Emit(ctx context.Context, transitions []Transition)
}

// ProviderCanceler cancels a subscription on the provider side.
type ProviderCanceler interface {
	Provider() string
	CancelSubscription(ctx context.Context, providerSubscriptionRef string) error
}

type EngineOption func(*Engine)

// WithEmitter sets the transition consumer.
func WithEmitter(emitter TransitionEmitter) EngineOption {
	return func(e *Engine) { e.emitter = emitter }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithCanceler registers a provider-side canceler used by Cancel.
func WithCanceler(c ProviderCanceler) EngineOption {
	return func(e *Engine) { e.cancelers[c.Provider()] = c }
}

// Engine applies provider events to subscriptions and payments. Every mutation
// runs in one transaction that holds the subscription row lock, so repeated or
// concurrent deliveries of an event converge on the same state.
type Engine struct {
	repo      Repository
	emitter   TransitionEmitter
	cancelers map[string]ProviderCanceler
	now       func() time.Time
}

func NewEngine(repo Repository, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:      repo,
		cancelers: make(map[string]ProviderCanceler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEngineFromDB creates an engine from a GORM DB handle.
func NewEngineFromDB(db *gorm.DB, opts ...EngineOption) *Engine {
	return NewEngine(NewRepository(db), opts...)
}

// Repository exposes the store the engine writes to.
func (e *Engine) Repository() Repository {
	return e.repo
}

// Apply dispatches a classified event to the matching operation.
func (e *Engine) Apply(ctx context.Context, ev ClassifiedEvent) (*ApplyResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, &MalformedPayloadError{Provider: ev.Provider, Err: err}
	}
	switch ev.Kind {
	case KindPaymentSettled, KindPaymentFailed:
		return e.ApplyPayment(ctx, *ev.Payment)
	case KindSubscriptionStatusChanged, KindSubscriptionCanceled:
		return e.ApplyStatusChange(ctx, *ev.Status)
	case KindAccountUpdated:
		return e.ApplyAccountUpdate(ctx, *ev.Account)
	default:
		log.Debugf("[Engine] Ignoring %s event %s (%s): %s", ev.Provider, ev.EventID, ev.EventType, ev.IgnoreNote)
		return &ApplyResult{Status: ApplyIgnored, Note: ev.IgnoreNote}, nil
	}
}

// ApplyPayment reconciles one payment outcome.
func (e *Engine) ApplyPayment(ctx context.Context, ev ProviderPaymentEvent) (*ApplyResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, &MalformedPayloadError{Provider: ev.Provider, Err: err}
	}
	ev.Provider = strings.ToLower(strings.TrimSpace(ev.Provider))
	now := e.now().UTC()

	var result *ApplyResult
	err := e.repo.WithinTransaction(ctx, func(tx Repository) error {
		result = &ApplyResult{}
		sub, err := resolveSubscription(ctx, tx, ev.Provider, ev.SubscriptionID, ev.ProviderSubscriptionRef)
		if errors.Is(err, ErrSubscriptionNotFound) {
			result.Status = ApplyUnresolved
			return nil
		}
		if err != nil {
			return err
		}
		result.SubscriptionID = sub.ID
		result.SubscriptionStatus = sub.Status
		if sub.IsTerminal() {
			result.Status = ApplyDroppedTerminal
			return nil
		}

		payment, err := tx.FindPayment(ctx, ev.Provider, ev.ProviderPaymentRef)
		if err != nil && !errors.Is(err, ErrPaymentNotFound) {
			return err
		}
		if payment == nil {
			amount := ev.Amount
			if amount.IsZero() {
				amount = sub.Amount
			}
			currency := strings.ToUpper(strings.TrimSpace(ev.Currency))
			if currency == "" {
				currency = sub.Currency
			}
			_, payment, err = tx.CreatePaymentIfNotExists(ctx, &models.Payment{
				SubscriptionID:     sub.ID,
				Provider:           ev.Provider,
				ProviderPaymentRef: ev.ProviderPaymentRef,
				Amount:             amount,
				Currency:           currency,
				Status:             models.PaymentStatusPending,
			})
			if err != nil {
				return err
			}
		}
		result.PaymentID = payment.ID
		result.PaymentStatus = payment.Status

		if payment.SubscriptionID != sub.ID {
			log.Warnf("[Engine] Payment %s/%s belongs to subscription %s, event resolved to %s; skipping",
				ev.Provider, ev.ProviderPaymentRef, payment.SubscriptionID, sub.ID)
			result.Status = ApplyDuplicate
			result.Note = "payment belongs to another subscription"
			return nil
		}
		if payment.IsTerminal() {
			result.Status = ApplyDuplicate
			return nil
		}

		subChanged := linkExternalRef(sub, ev.ProviderSubscriptionRef)
		var draft *models.SubscriptionTransition

		switch ev.Outcome {
		case OutcomeApproved:
			payment.Status = models.PaymentStatusCompleted
			payment.PaidAt = timePtr(now)
			changed, d := e.applyApproved(sub, ev, now)
			subChanged = subChanged || changed
			draft = d
		case OutcomeRejected:
			payment.Status = models.PaymentStatusFailed
			payment.FailedAt = timePtr(now)
			payment.FailureReason = strings.TrimSpace(ev.FailureReason)
			if payment.FailureReason == "" {
				payment.FailureReason = "rejected by provider"
			}
			changed, d := e.applyRejected(sub, ev)
			subChanged = subChanged || changed
			draft = d
		case OutcomePending:
		}

		if err := tx.SavePayment(ctx, payment); err != nil {
			return err
		}
		if subChanged {
			if err := tx.SaveSubscription(ctx, sub); err != nil {
				return err
			}
		}
		if draft != nil {
			draft.PaymentID = &payment.ID
			t, err := appendTransition(ctx, tx, sub, draft, now)
			if err != nil {
				return err
			}
			t.Amount = payment.Amount
			t.Currency = payment.Currency
			result.Transitions = append(result.Transitions, t)
		}
		result.Status = ApplyApplied
		result.SubscriptionStatus = sub.Status
		result.PaymentStatus = payment.Status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s payment %s: %w", ev.Provider, ev.ProviderPaymentRef, err)
	}

	e.logResult("payment "+ev.ProviderPaymentRef, ev.Provider, result)
	e.emit(ctx, result.Transitions)
	return result, nil
}

func (e *Engine) applyApproved(sub *models.Subscription, ev ProviderPaymentEvent, now time.Time) (bool, *models.SubscriptionTransition) {
	from := sub.Status
	to, err := NextStatus(from, TriggerPaymentApproved)
	if err != nil {
		log.Warnf("[Engine] Approved payment %s cannot move subscription %s from %s: %v", ev.ProviderPaymentRef, sub.ID, from, err)
		return false, nil
	}

	start, end := e.periodFor(sub, ev, now)
	periodAdvanced := false
	if advancesPeriod(sub.CurrentPeriodEnd, end) {
		sub.CurrentPeriodStart = timePtr(start)
		sub.CurrentPeriodEnd = timePtr(end)
		periodAdvanced = true
	}
	if to == models.SubscriptionStatusActive && !sub.CurrentPeriodEnd.After(now) {
		s, en := FallbackPeriod(now, sub.BillingInterval)
		log.Warnf("[Engine] Period of subscription %s ends in the past, using fallback %s period from now", sub.ID, normalizeInterval(sub.BillingInterval))
		sub.CurrentPeriodStart = timePtr(s)
		sub.CurrentPeriodEnd = timePtr(en)
		periodAdvanced = true
	}

	statusChanged := to != from
	sourceChanged := false
	if to == models.SubscriptionStatusActive && sub.ActivationSource != models.ActivationSourceProvider {
		sub.ActivationSource = models.ActivationSourceProvider
		sourceChanged = true
	}
	sub.Status = to

	if !statusChanged && !(periodAdvanced && from == models.SubscriptionStatusActive) {
		return periodAdvanced || sourceChanged, nil
	}
	return true, &models.SubscriptionTransition{
		SubscriptionID: sub.ID,
		FromStatus:     from,
		ToStatus:       to,
		Reason:         transitionReason(from, to, TriggerPaymentApproved),
	}
}

// periodFor returns the period an approved payment covers. Without provider
// bounds an active subscription is extended from its current end, anything
// else starts now.
func (e *Engine) periodFor(sub *models.Subscription, ev ProviderPaymentEvent, now time.Time) (time.Time, time.Time) {
	if ev.PeriodEnd != nil {
		end := ev.PeriodEnd.UTC()
		switch {
		case ev.PeriodStart != nil:
			return ev.PeriodStart.UTC(), end
		case sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(end):
			return sub.CurrentPeriodEnd.UTC(), end
		default:
			return now, end
		}
	}

	interval := normalizeInterval(sub.BillingInterval)
	if sub.Status == models.SubscriptionStatusActive && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
		start, end := FallbackPeriod(*sub.CurrentPeriodEnd, interval)
		log.Warnf("[Engine] No provider period for payment %s/%s, extending subscription %s by one %s (fallback)",
			ev.Provider, ev.ProviderPaymentRef, sub.ID, interval)
		return start, end
	}
	start, end := FallbackPeriod(now, interval)
	log.Warnf("[Engine] No provider period for payment %s/%s, assuming one %s from now for subscription %s (fallback)",
		ev.Provider, ev.ProviderPaymentRef, interval, sub.ID)
	return start, end
}

func (e *Engine) applyRejected(sub *models.Subscription, ev ProviderPaymentEvent) (bool, *models.SubscriptionTransition) {
	from := sub.Status
	if from == models.SubscriptionStatusActive && ev.PeriodEnd != nil && sub.CurrentPeriodEnd != nil &&
		!ev.PeriodEnd.After(*sub.CurrentPeriodEnd) {
		log.Infof("[Engine] Rejected payment %s covers an already paid period of subscription %s; status kept",
			ev.ProviderPaymentRef, sub.ID)
		return false, nil
	}
	to, err := NextStatus(from, TriggerPaymentRejected)
	if err != nil {
		log.Warnf("[Engine] Rejected payment %s cannot move subscription %s from %s: %v", ev.ProviderPaymentRef, sub.ID, from, err)
		return false, nil
	}
	if to == from {
		return false, nil
	}
	sub.Status = to
	return true, &models.SubscriptionTransition{
		SubscriptionID: sub.ID,
		FromStatus:     from,
		ToStatus:       to,
		Reason:         transitionReason(from, to, TriggerPaymentRejected),
	}
}

// ApplyStatusChange applies a provider-side lifecycle change. A pending
// subscription is never activated this way.
func (e *Engine) ApplyStatusChange(ctx context.Context, ch SubscriptionStatusChange) (*ApplyResult, error) {
	if err := ch.Validate(); err != nil {
		return nil, &MalformedPayloadError{Provider: ch.Provider, Err: err}
	}
	ch.Provider = strings.ToLower(strings.TrimSpace(ch.Provider))
	now := e.now().UTC()

	var result *ApplyResult
	err := e.repo.WithinTransaction(ctx, func(tx Repository) error {
		result = &ApplyResult{}
		sub, err := resolveSubscription(ctx, tx, ch.Provider, ch.SubscriptionID, ch.ProviderSubscriptionRef)
		if errors.Is(err, ErrSubscriptionNotFound) {
			result.Status = ApplyUnresolved
			return nil
		}
		if err != nil {
			return err
		}
		result.SubscriptionID = sub.ID
		result.SubscriptionStatus = sub.Status
		if sub.IsTerminal() {
			result.Status = ApplyDroppedTerminal
			return nil
		}

		changed := linkExternalRef(sub, ch.ProviderSubscriptionRef)
		from := sub.Status
		trigger := triggerForProviderStatus(ch.Status)
		to, err := NextStatus(from, trigger)
		if err != nil {
			result.Status = ApplyIgnored
			result.Note = err.Error()
			if changed {
				return tx.SaveSubscription(ctx, sub)
			}
			return nil
		}
		if isStaleDowngrade(sub, trigger, ch.PeriodEnd) {
			log.Infof("[Engine] Ignoring %s status for subscription %s: event period ends %s, stored period ends %s",
				ch.Status, sub.ID, ch.PeriodEnd.UTC().Format(time.RFC3339), sub.CurrentPeriodEnd.UTC().Format(time.RFC3339))
			result.Status = ApplyIgnored
			result.Note = "stale provider status, a later period is already recorded"
			if changed {
				return tx.SaveSubscription(ctx, sub)
			}
			return nil
		}

		if to == models.SubscriptionStatusActive && ch.PeriodEnd != nil && advancesPeriod(sub.CurrentPeriodEnd, *ch.PeriodEnd) {
			start := now
			if ch.PeriodStart != nil {
				start = ch.PeriodStart.UTC()
			}
			sub.CurrentPeriodStart = timePtr(start)
			sub.CurrentPeriodEnd = timePtr(ch.PeriodEnd.UTC())
			changed = true
		}
		if to == models.SubscriptionStatusCanceled {
			canceledAt := now
			if ch.CanceledAt != nil {
				canceledAt = ch.CanceledAt.UTC()
			}
			sub.CanceledAt = timePtr(canceledAt)
			sub.CancelReason = firstNonEmpty(ch.Reason, "provider_canceled")
		}
		if to != from {
			sub.Status = to
			changed = true
		}
		if changed {
			if err := tx.SaveSubscription(ctx, sub); err != nil {
				return err
			}
		}
		if to != from {
			t, err := appendTransition(ctx, tx, sub, &models.SubscriptionTransition{
				SubscriptionID: sub.ID,
				FromStatus:     from,
				ToStatus:       to,
				Reason:         transitionReason(from, to, trigger),
			}, now)
			if err != nil {
				return err
			}
			result.Transitions = append(result.Transitions, t)
		}
		result.Status = ApplyApplied
		result.SubscriptionStatus = sub.Status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s status %s for %s: %w", ch.Provider, ch.Status, firstNonEmpty(ch.SubscriptionID, ch.ProviderSubscriptionRef), err)
	}

	e.logResult("status "+string(ch.Status), ch.Provider, result)
	e.emit(ctx, result.Transitions)
	return result, nil
}

// ApplyAccountUpdate stores the readiness of a connected creator account.
func (e *Engine) ApplyAccountUpdate(ctx context.Context, upd ConnectedAccountUpdate) (*ApplyResult, error) {
	account := &models.PayoutAccount{
		Provider:          strings.ToLower(strings.TrimSpace(upd.Provider)),
		ProviderAccountID: strings.TrimSpace(upd.ProviderAccountID),
		CreatorID:         upd.CreatorID,
		Email:             strings.TrimSpace(upd.Email),
		ChargesEnabled:    upd.ChargesEnabled,
		PayoutsEnabled:    upd.PayoutsEnabled,
		DetailsSubmitted:  upd.DetailsSubmitted,
	}
	if account.Provider == "" || account.ProviderAccountID == "" {
		return nil, &MalformedPayloadError{Provider: upd.Provider, Err: errors.New("provider and provider_account_id are required")}
	}
	if err := e.repo.UpsertPayoutAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("upsert payout account %s: %w", account.ProviderAccountID, err)
	}
	return &ApplyResult{Status: ApplyApplied, Note: "payout account " + account.ProviderAccountID}, nil
}

// ForceActivate activates a pending subscription without a provider
// confirmation, using the fallback period. The transition is marked as
// heuristic and source is stored as the activation source.
func (e *Engine) ForceActivate(ctx context.Context, subscriptionID, source, reason string) (*ApplyResult, error) {
	now := e.now().UTC()
	var result *ApplyResult
	err := e.repo.WithinTransaction(ctx, func(tx Repository) error {
		result = &ApplyResult{}
		sub, err := tx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		result.SubscriptionID = sub.ID
		result.SubscriptionStatus = sub.Status
		if sub.Status != models.SubscriptionStatusPending {
			result.Status = ApplyIgnored
			result.Note = "subscription is " + sub.Status
			return nil
		}
		to, err := NextStatus(sub.Status, TriggerForceActivate)
		if err != nil {
			return err
		}
		start, end := FallbackPeriod(now, sub.BillingInterval)
		from := sub.Status
		sub.Status = to
		sub.CurrentPeriodStart = timePtr(start)
		sub.CurrentPeriodEnd = timePtr(end)
		sub.ActivationSource = source
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		t, err := appendTransition(ctx, tx, sub, &models.SubscriptionTransition{
			SubscriptionID: sub.ID,
			FromStatus:     from,
			ToStatus:       to,
			Reason:         transitionReason(from, to, TriggerForceActivate),
			Heuristic:      true,
		}, now)
		if err != nil {
			return err
		}
		t.Amount = sub.Amount
		t.Currency = sub.Currency
		result.Transitions = append(result.Transitions, t)
		result.Status = ApplyApplied
		result.SubscriptionStatus = sub.Status
		result.Note = reason
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("force activate %s: %w", subscriptionID, err)
	}
	if result.Status == ApplyApplied {
		log.Warnf("[Engine] Subscription %s force-activated without provider confirmation (source=%s): %s", subscriptionID, source, reason)
	}
	e.emit(ctx, result.Transitions)
	return result, nil
}

// Cancel applies a user-initiated cancellation and then asks the provider to
// stop billing. A provider failure is logged; the local cancellation stands.
func (e *Engine) Cancel(ctx context.Context, subscriptionID, reason string) (*ApplyResult, error) {
	now := e.now().UTC()
	var (
		result      *ApplyResult
		provider    string
		externalRef string
	)
	err := e.repo.WithinTransaction(ctx, func(tx Repository) error {
		result = &ApplyResult{}
		sub, err := tx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		from := sub.Status
		to, err := NextStatus(from, TriggerUserCanceled)
		if err != nil {
			return err
		}
		sub.Status = to
		sub.CanceledAt = timePtr(now)
		sub.CancelReason = firstNonEmpty(strings.TrimSpace(reason), "user_canceled")
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		t, err := appendTransition(ctx, tx, sub, &models.SubscriptionTransition{
			SubscriptionID: sub.ID,
			FromStatus:     from,
			ToStatus:       to,
			Reason:         models.TransitionReasonCanceled,
		}, now)
		if err != nil {
			return err
		}
		result.Transitions = append(result.Transitions, t)
		result.Status = ApplyApplied
		result.SubscriptionID = sub.ID
		result.SubscriptionStatus = sub.Status
		provider = sub.Provider
		externalRef = sub.ExternalRef()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) || errors.Is(err, ErrTerminalState) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}

	if c, ok := e.cancelers[provider]; ok && externalRef != "" {
		if err := c.CancelSubscription(ctx, externalRef); err != nil {
			log.Errorf("[Engine] Provider cancellation of %s/%s failed: %v", provider, externalRef, err)
		}
	}
	e.emit(ctx, result.Transitions)
	return result, nil
}

func (e *Engine) emit(ctx context.Context, transitions []Transition) {
	if e.emitter == nil || len(transitions) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Engine] Transition emitter panicked: %v", r)
		}
	}()
	e.emitter.Emit(context.WithoutCancel(ctx), transitions)
}

func (e *Engine) logResult(what, provider string, r *ApplyResult) {
	switch r.Status {
	case ApplyUnresolved:
		log.Infof("[Engine] %s %s: no local subscription resolved, dropping", provider, what)
	case ApplyDroppedTerminal:
		log.Infof("[Engine] %s %s: subscription %s is canceled, dropping", provider, what, r.SubscriptionID)
	case ApplyDuplicate:
		log.Infof("[Engine] %s %s: already reconciled for subscription %s", provider, what, r.SubscriptionID)
	case ApplyApplied:
		log.Infof("[Engine] %s %s: subscription %s now %s", provider, what, r.SubscriptionID, r.SubscriptionStatus)
	}
}

func resolveSubscription(ctx context.Context, tx Repository, provider, subscriptionID, externalRef string) (*models.Subscription, error) {
	if id := strings.TrimSpace(subscriptionID); id != "" {
		sub, err := tx.LockSubscription(ctx, id)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
	}
	if ref := strings.TrimSpace(externalRef); ref != "" {
		return tx.LockSubscriptionByExternalRef(ctx, provider, ref)
	}
	return nil, ErrSubscriptionNotFound
}

// linkExternalRef stores the provider subscription ref the first time it is seen.
// isStaleDowngrade reports whether a provider past_due or paused status
// describes a period older than the one already paid for.
func isStaleDowngrade(sub *models.Subscription, trigger Trigger, periodEnd *time.Time) bool {
	if trigger != TriggerProviderPastDue && trigger != TriggerProviderPaused {
		return false
	}
	return periodEnd != nil && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(*periodEnd)
}

func linkExternalRef(sub *models.Subscription, ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	if sub.ExternalSubscriptionRef == nil || *sub.ExternalSubscriptionRef == "" {
		sub.ExternalSubscriptionRef = &ref
		return true
	}
	if *sub.ExternalSubscriptionRef != ref {
		log.Warnf("[Engine] Subscription %s already linked to %s, ignoring ref %s", sub.ID, *sub.ExternalSubscriptionRef, ref)
	}
	return false
}

func appendTransition(ctx context.Context, tx Repository, sub *models.Subscription, row *models.SubscriptionTransition, now time.Time) (Transition, error) {
	if err := tx.AppendTransition(ctx, row); err != nil {
		return Transition{}, err
	}
	t := Transition{
		ID:             row.ID,
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
		CreatorID:      sub.CreatorID,
		FromStatus:     row.FromStatus,
		ToStatus:       row.ToStatus,
		Reason:         row.Reason,
		Amount:         sub.Amount,
		Currency:       sub.Currency,
		Heuristic:      row.Heuristic,
		OccurredAt:     now,
	}
	if row.PaymentID != nil {
		t.PaymentID = *row.PaymentID
	}
	return t, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
