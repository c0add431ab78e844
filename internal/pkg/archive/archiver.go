// Package archive copies raw webhook payloads to S3 after they are processed.
package archive

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2/log"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/jobqueue"
)

// AuditStore is the part of the billing repository the archiver needs.
type AuditStore interface {
	GetWebhookAudit(ctx context.Context, id uint) (*models.WebhookAuditEvent, error)
	MarkWebhookArchived(ctx context.Context, id uint, key string) error
}

// Enqueuer is the part of the job queue the archiver uses.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// Archiver implements billing.ArchiveEnqueuer and handles the resulting jobs.
type Archiver struct {
	store    AuditStore
	uploader Uploader
	queue    Enqueuer
}

func NewArchiver(store AuditStore, uploader Uploader, queue Enqueuer) *Archiver {
	return &Archiver{store: store, uploader: uploader, queue: queue}
}

func (a *Archiver) EnqueueArchive(ctx context.Context, auditID uint, provider string) error {
	payload := jobqueue.WebhookArchiveJobPayload{AuditID: auditID, Provider: provider}
	_, err := a.queue.EnqueueJob(ctx, jobqueue.JobTypeWebhookArchive, payload.ToMap())
	return err
}

// Handle uploads one audit row's payload. Rows that already carry an archive
// key are skipped.
func (a *Archiver) Handle(ctx context.Context, job *jobqueue.Job) error {
	p, err := jobqueue.WebhookArchiveJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("decode archive payload: %w", err)
	}
	return a.Archive(ctx, p.AuditID)
}

func (a *Archiver) Archive(ctx context.Context, auditID uint) error {
	audit, err := a.store.GetWebhookAudit(ctx, auditID)
	if err != nil {
		return err
	}
	if audit.ArchiveKey != "" {
		return nil
	}

	key := ObjectKey(audit.Provider, audit.ID, audit.CreatedAt)
	meta := map[string]string{
		"provider":          audit.Provider,
		"provider-event-id": audit.ProviderEventID,
		"audit-id":          strconv.FormatUint(uint64(audit.ID), 10),
	}
	if err := a.uploader.Put(ctx, key, []byte(audit.PayloadJSON), meta); err != nil {
		return err
	}
	if err := a.store.MarkWebhookArchived(ctx, audit.ID, key); err != nil {
		return fmt.Errorf("mark audit %d archived: %w", audit.ID, err)
	}
	log.Debugf("[Archive] Stored audit %d as %s", audit.ID, key)
	return nil
}

// Register wires Handle into q.
func (a *Archiver) Register(q *jobqueue.Queue) {
	q.RegisterHandler(jobqueue.JobTypeWebhookArchive, a.Handle)
}
