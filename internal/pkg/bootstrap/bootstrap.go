// Package bootstrap assembles the reconciliation services from the
// environment. The HTTP server and the operator CLI share it.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/archive"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing/pixadapter"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing/stripeadapter"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/cache"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/jobqueue"
	metrics "github.com/RubensPaulo1/NexFun-sub000/internal/pkg/metrics/counter"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/notifier"
)

// Services is the wired reconciliation stack.
type Services struct {
	Engine    *billing.Engine
	Processor *billing.WebhookProcessor
	Verifier  *billing.Verifier
	Notifier  *notifier.Emitter
	Archiver  *archive.Archiver
	Stripe    *stripeadapter.Adapter
	Pix       *pixadapter.Adapter
}

// Build wires adapters, engine, verifier and processor. A provider whose
// credentials are absent is left out; one with invalid settings is an error.
// Queue handlers are registered on queue when it is not nil.
func Build(ctx context.Context, db *gorm.DB, queue *jobqueue.Queue) (*Services, error) {
	s := &Services{}
	var (
		adapters []billing.Adapter
		lookups  []billing.Lookup
	)

	if env.GetEnv("STRIPE_SECRET_KEY", "") != "" {
		cfg, err := stripeadapter.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		if s.Stripe, err = stripeadapter.New(cfg, nil); err != nil {
			return nil, err
		}
		adapters = append(adapters, s.Stripe)
		lookups = append(lookups, s.Stripe)
	} else {
		log.Warn("[Bootstrap] STRIPE_SECRET_KEY not set, Stripe is disabled")
	}

	if env.GetEnv("MERCADOPAGO_ACCESS_TOKEN", "") != "" {
		cfg, err := pixadapter.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("mercado pago: %w", err)
		}
		if s.Pix, err = pixadapter.New(cfg, nil); err != nil {
			return nil, err
		}
		adapters = append(adapters, s.Pix)
		lookups = append(lookups, s.Pix)
	} else {
		log.Warn("[Bootstrap] MERCADOPAGO_ACCESS_TOKEN not set, Mercado Pago is disabled")
	}

	var emitterQueue notifier.Enqueuer
	if queue != nil {
		emitterQueue = queue
	}
	s.Notifier = notifier.NewEmitter(notifier.GormStore{DB: db}, emitterQueue)

	engineOpts := []billing.EngineOption{billing.WithEmitter(s.Notifier)}
	if s.Stripe != nil {
		engineOpts = append(engineOpts, billing.WithCanceler(s.Stripe))
	}
	s.Engine = billing.NewEngineFromDB(db, engineOpts...)

	recorder := metrics.Default()
	verifierOpts := []billing.VerifierOption{
		billing.WithVerifierConfig(billing.LoadVerifierConfig()),
		billing.WithVerifyRecorder(recorder),
	}
	if cache.GetClient() != nil {
		verifierOpts = append(verifierOpts, billing.WithThrottle(cache.NewThrottle()))
	}
	s.Verifier = billing.NewVerifier(s.Engine, lookups, verifierOpts...)

	processorOpts := []billing.ProcessorOption{billing.WithWebhookRecorder(recorder)}
	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return nil, err
	}
	if archiveCfg.IsEnabled() && queue != nil {
		client, err := archive.NewClient(ctx, archiveCfg)
		if err != nil {
			return nil, err
		}
		s.Archiver = archive.NewArchiver(s.Engine.Repository(), client, queue)
		processorOpts = append(processorOpts, billing.WithArchiveEnqueuer(s.Archiver))
	}
	s.Processor = billing.NewWebhookProcessor(s.Engine, adapters, processorOpts...)

	if queue != nil {
		s.Notifier.Register(queue)
		if s.Archiver != nil {
			s.Archiver.Register(queue)
		}
	}
	return s, nil
}

// ReplayAdapter returns the adapter for provider with signature checks off.
// Stored payloads were verified when they arrived.
func (s *Services) ReplayAdapter(provider string) (billing.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "stripe":
		if s.Stripe != nil {
			return s.Stripe.WithVerification(billing.VerificationSkipped), nil
		}
	case "mercadopago":
		if s.Pix != nil {
			return s.Pix.WithVerification(billing.VerificationSkipped), nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not configured", billing.ErrUnknownProvider, provider)
}
