package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	SubscriptionStatusPending  = "pending"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusPaused   = "paused"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

// Activation sources record how the current activation was reached.
const (
	ActivationSourceProvider   = "provider"
	ActivationSourceReconciled = "reconciled"
	ActivationSourceHeuristic  = "heuristic"
)

// Subscription is a subscriber's access to a creator plan together with the
// billing period it currently covers.
type Subscription struct {
	ID                      string          `gorm:"type:char(36);primaryKey" json:"id"`
	SubscriberID            uint            `gorm:"not null;index" json:"subscriber_id"`
	CreatorID               uint            `gorm:"not null;index" json:"creator_id"`
	PlanID                  uint            `gorm:"not null;index" json:"plan_id"`
	SubscriberEmail         string          `gorm:"type:varchar(200);default:''" json:"subscriber_email,omitempty"`
	Provider                string          `gorm:"type:varchar(20);not null;index:idx_subscriptions_provider_ref,priority:1" json:"provider"`
	BillingInterval         string          `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	Amount                  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	Currency                string          `gorm:"type:varchar(8);not null;default:''" json:"currency"`
	Status                  string          `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	CurrentPeriodStart      *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	ExternalSubscriptionRef *string         `gorm:"type:varchar(191);default:null;index:idx_subscriptions_provider_ref,priority:2" json:"external_subscription_ref,omitempty"`
	ActivationSource        string          `gorm:"type:varchar(20);not null;default:''" json:"activation_source,omitempty"`
	CanceledAt              *time.Time      `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CancelReason            string          `gorm:"type:varchar(191);default:''" json:"cancel_reason,omitempty"`
	CreatedAt               time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt               time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// ExternalRef returns the provider subscription reference or "".
func (s *Subscription) ExternalRef() string {
	if s.ExternalSubscriptionRef == nil {
		return ""
	}
	return *s.ExternalSubscriptionRef
}

func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled
}
