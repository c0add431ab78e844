// Package notifier turns committed subscription transitions into user
// notifications.
package notifier

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/jobqueue"
)

// Store persists notifications. Save reports whether a new row was written.
type Store interface {
	Save(ctx context.Context, n *models.Notification) (bool, error)
}

// Enqueuer is the part of the job queue the emitter uses.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

type GormStore struct {
	DB *gorm.DB
}

func (s GormStore) Save(ctx context.Context, n *models.Notification) (bool, error) {
	return models.CreateNotification(s.DB.WithContext(ctx), n)
}

// Emitter implements billing.TransitionEmitter. Notifications go through the
// job queue when one is configured and are written directly otherwise.
type Emitter struct {
	store Store
	queue Enqueuer
	// direct runs a direct write; tests replace it to run synchronously.
	direct func(func())
}

func NewEmitter(store Store, queue Enqueuer) *Emitter {
	return &Emitter{store: store, queue: queue, direct: func(fn func()) { go fn() }}
}

// Emit never fails; delivery problems are logged.
func (e *Emitter) Emit(ctx context.Context, transitions []billing.Transition) {
	for _, t := range transitions {
		for _, n := range BuildNotifications(t) {
			e.dispatch(ctx, n)
		}
	}
}

func (e *Emitter) dispatch(ctx context.Context, n models.Notification) {
	if e.queue != nil {
		payload := jobqueue.NotificationJobPayload{
			TransitionID: n.TransitionID,
			UserID:       n.UserID,
			Type:         n.Type,
			Content:      n.Content,
			ReferenceID:  n.ReferenceID,
		}
		_, err := e.queue.EnqueueJob(ctx, jobqueue.JobTypeNotification, payload.ToMap())
		if err == nil {
			return
		}
		log.Warnf("[Notifier] Queue unavailable, writing %s for user %d directly: %v", n.Type, n.UserID, err)
	}
	detached := context.WithoutCancel(ctx)
	e.direct(func() {
		if _, err := e.store.Save(detached, &n); err != nil {
			log.Errorf("[Notifier] Failed to store %s for user %d: %v", n.Type, n.UserID, err)
		}
	})
}

// Handle is the job queue handler for JobTypeNotification.
func (e *Emitter) Handle(ctx context.Context, job *jobqueue.Job) error {
	p, err := jobqueue.NotificationJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}
	n := &models.Notification{
		UserID:       p.UserID,
		TransitionID: p.TransitionID,
		Type:         p.Type,
		Content:      p.Content,
		ReferenceID:  p.ReferenceID,
	}
	created, err := e.store.Save(ctx, n)
	if err != nil {
		return err
	}
	if !created {
		log.Debugf("[Notifier] %s for user %d and transition %d already stored", p.Type, p.UserID, p.TransitionID)
	}
	return nil
}

// Register wires Handle into q.
func (e *Emitter) Register(q *jobqueue.Queue) {
	q.RegisterHandler(jobqueue.JobTypeNotification, e.Handle)
}
