package models

import "time"

// Webhook audit outcomes.
const (
	WebhookOutcomeReceived   = "received"
	WebhookOutcomeProcessed  = "processed"
	WebhookOutcomeIgnored    = "ignored"
	WebhookOutcomeUnresolved = "unresolved"
	WebhookOutcomeDuplicate  = "duplicate"
	WebhookOutcomeRejected   = "rejected"
	WebhookOutcomeFailed     = "failed"
)

// WebhookAuditEvent is appended for every webhook delivery, duplicates and
// rejected signatures included, so payloads can be replayed later.
type WebhookAuditEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:idx_webhook_audit_provider_event,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:idx_webhook_audit_provider_event,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	CorrelationRef  string     `gorm:"type:varchar(191);not null;default:'';index" json:"correlation_ref"`
	PayloadJSON     string     `gorm:"not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	Outcome         string     `gorm:"type:varchar(20);not null;default:'received';index" json:"outcome"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	ArchiveKey      string     `gorm:"type:varchar(255);default:''" json:"archive_key,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
