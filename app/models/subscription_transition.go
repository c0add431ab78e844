package models

import "time"

// Transition reasons.
const (
	TransitionReasonActivated   = "activated"
	TransitionReasonRenewed     = "renewed"
	TransitionReasonRecovered   = "recovered"
	TransitionReasonPastDue     = "past_due"
	TransitionReasonCanceled    = "canceled"
	TransitionReasonPaused      = "paused"
	TransitionReasonResumed     = "resumed"
	TransitionReasonForceActive = "force_activated"
)

// SubscriptionTransition is appended in the same transaction as the state
// change it describes.
type SubscriptionTransition struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID string    `gorm:"type:char(36);not null;index" json:"subscription_id"`
	FromStatus     string    `gorm:"type:varchar(32);not null" json:"from_status"`
	ToStatus       string    `gorm:"type:varchar(32);not null" json:"to_status"`
	Reason         string    `gorm:"type:varchar(64);not null" json:"reason"`
	PaymentID      *string   `gorm:"type:char(36);default:null" json:"payment_id,omitempty"`
	Heuristic      bool      `gorm:"default:false" json:"heuristic"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
