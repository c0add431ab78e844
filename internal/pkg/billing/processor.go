package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

// Adapter turns a provider webhook into classified events.
type Adapter interface {
	Provider() string
	ParseWebhook(ctx context.Context, req WebhookRequest) ([]ClassifiedEvent, error)
}

// WebhookRecorder counts webhook outcomes.
type WebhookRecorder interface {
	RecordWebhook(ctx context.Context, provider, kind, result string)
}

// ArchiveEnqueuer schedules the upload of a stored webhook payload.
type ArchiveEnqueuer interface {
	EnqueueArchive(ctx context.Context, auditID uint, provider string) error
}

type ProcessorOption func(*WebhookProcessor)

func WithWebhookRecorder(r WebhookRecorder) ProcessorOption {
	return func(p *WebhookProcessor) { p.recorder = r }
}

func WithArchiveEnqueuer(a ArchiveEnqueuer) ProcessorOption {
	return func(p *WebhookProcessor) { p.archiver = a }
}

// WebhookOutcome is what the HTTP layer reports back to the provider.
type WebhookOutcome struct {
	AuditID uint           `json:"audit_id"`
	Outcome string         `json:"outcome"`
	Results []*ApplyResult `json:"-"`
}

// WebhookProcessor audits, parses and applies provider webhooks.
type WebhookProcessor struct {
	engine   *Engine
	adapters map[string]Adapter
	recorder WebhookRecorder
	archiver ArchiveEnqueuer
}

func NewWebhookProcessor(engine *Engine, adapters []Adapter, opts ...ProcessorOption) *WebhookProcessor {
	p := &WebhookProcessor{engine: engine, adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		p.adapters[a.Provider()] = a
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one delivery. Authentication and payload errors are
// returned typed so the caller can map them to 401 and 400; store and provider
// failures are returned wrapped and should be retried by the provider.
func (p *WebhookProcessor) Handle(ctx context.Context, provider string, req WebhookRequest) (*WebhookOutcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, ok := p.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	events, parseErr := adapter.ParseWebhook(ctx, req)

	audit := &models.WebhookAuditEvent{
		Provider:       provider,
		PayloadJSON:    string(req.Body),
		SignatureValid: parseErr == nil || !IsAuthenticationError(parseErr),
	}
	if len(events) > 0 {
		audit.ProviderEventID = events[0].EventID
		audit.EventType = events[0].EventType
		audit.CorrelationRef = events[0].CorrelationRef()
	}
	audit.ProviderEventID = DeliveryID(audit.ProviderEventID, req.Body)
	// A slow provider lookup may have used up the request deadline; the
	// delivery is still recorded.
	if err := p.engine.Repository().AppendWebhookAudit(context.WithoutCancel(ctx), audit); err != nil {
		return nil, fmt.Errorf("append %s webhook audit: %w", provider, err)
	}
	out := &WebhookOutcome{AuditID: audit.ID}

	if parseErr != nil {
		outcome := models.WebhookOutcomeFailed
		if IsAuthenticationError(parseErr) || IsMalformedPayload(parseErr) {
			outcome = models.WebhookOutcomeRejected
		}
		p.finish(ctx, audit, outcome, parseErr.Error(), "parse")
		if outcome == models.WebhookOutcomeRejected {
			log.Warnf("[Webhook] Rejected %s delivery %d: %v", provider, audit.ID, parseErr)
		} else {
			log.Errorf("[Webhook] Failed to parse %s delivery %d: %v", provider, audit.ID, parseErr)
		}
		return out, parseErr
	}

	out.Outcome = models.WebhookOutcomeIgnored
	for _, ev := range events {
		res, err := p.engine.Apply(ctx, ev)
		if err != nil {
			p.finish(ctx, audit, models.WebhookOutcomeFailed, err.Error(), string(ev.Kind))
			log.Errorf("[Webhook] Failed to apply %s %s (%s): %v", provider, ev.EventType, ev.EventID, err)
			out.Outcome = models.WebhookOutcomeFailed
			return out, err
		}
		out.Results = append(out.Results, res)
		out.Outcome = mergeOutcome(out.Outcome, res.Status)
		p.count(ctx, provider, string(ev.Kind), string(res.Status))
	}

	p.finish(ctx, audit, out.Outcome, "", "")
	p.archive(ctx, audit)
	return out, nil
}

// Replay re-applies a stored payload through the given adapter, which is
// expected to skip signature checks. Only deliveries whose signature verified
// on receipt and that were not rejected can be replayed.
func (p *WebhookProcessor) Replay(ctx context.Context, auditID uint, adapter Adapter) ([]*ApplyResult, error) {
	audit, err := p.engine.Repository().GetWebhookAudit(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if !audit.SignatureValid || audit.Outcome == models.WebhookOutcomeRejected {
		log.Warnf("[Webhook] Refusing to replay %s audit %d (signature_valid=%t, outcome=%s)",
			audit.Provider, auditID, audit.SignatureValid, audit.Outcome)
		return nil, fmt.Errorf("%w: audit %d", ErrReplayRefused, auditID)
	}
	if adapter.Provider() != audit.Provider {
		return nil, fmt.Errorf("audit %d belongs to %s, adapter is %s", auditID, audit.Provider, adapter.Provider())
	}
	events, err := adapter.ParseWebhook(ctx, WebhookRequest{Body: []byte(audit.PayloadJSON)})
	if err != nil {
		return nil, err
	}
	results := make([]*ApplyResult, 0, len(events))
	for _, ev := range events {
		res, err := p.engine.Apply(ctx, ev)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	log.Infof("[Webhook] Replayed %s audit %d: %d events", audit.Provider, auditID, len(results))
	return results, nil
}

func (p *WebhookProcessor) finish(ctx context.Context, audit *models.WebhookAuditEvent, outcome, processingErr, kind string) {
	if err := p.engine.Repository().MarkWebhookAudit(context.WithoutCancel(ctx), audit.ID, outcome, processingErr); err != nil {
		log.Errorf("[Webhook] Failed to mark audit %d as %s: %v", audit.ID, outcome, err)
	}
	if kind != "" {
		p.count(ctx, audit.Provider, kind, outcome)
	}
}

func (p *WebhookProcessor) count(ctx context.Context, provider, kind, result string) {
	if p.recorder != nil {
		p.recorder.RecordWebhook(ctx, provider, kind, result)
	}
}

func (p *WebhookProcessor) archive(ctx context.Context, audit *models.WebhookAuditEvent) {
	if p.archiver == nil {
		return
	}
	if err := p.archiver.EnqueueArchive(ctx, audit.ID, audit.Provider); err != nil {
		log.Warnf("[Webhook] Could not enqueue archive of audit %d: %v", audit.ID, err)
	}
}

// mergeOutcome keeps the most significant outcome of a multi-event delivery.
func mergeOutcome(current string, status ApplyStatus) string {
	next := models.WebhookOutcomeIgnored
	switch status {
	case ApplyApplied:
		next = models.WebhookOutcomeProcessed
	case ApplyDuplicate:
		next = models.WebhookOutcomeDuplicate
	case ApplyUnresolved:
		next = models.WebhookOutcomeUnresolved
	case ApplyDroppedTerminal, ApplyIgnored:
		next = models.WebhookOutcomeIgnored
	}
	if outcomeRank(next) > outcomeRank(current) {
		return next
	}
	return current
}

func outcomeRank(outcome string) int {
	switch outcome {
	case models.WebhookOutcomeProcessed:
		return 4
	case models.WebhookOutcomeUnresolved:
		return 3
	case models.WebhookOutcomeDuplicate:
		return 2
	case models.WebhookOutcomeIgnored:
		return 1
	default:
		return 0
	}
}

// StatusCode maps a Handle error to the HTTP status the provider should see.
func StatusCode(err error) int {
	var provErr *ProviderError
	switch {
	case err == nil:
		return 200
	case IsAuthenticationError(err):
		return 401
	case IsMalformedPayload(err):
		return 400
	case errors.As(err, &provErr):
		return 502
	case errors.Is(err, ErrUnknownProvider):
		return 404
	default:
		return 500
	}
}
