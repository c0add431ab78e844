package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	NotificationSubscriptionActivated   = "subscription_activated"
	NotificationSubscriptionRenewed     = "subscription_renewed"
	NotificationSubscriptionReactivated = "subscription_reactivated"
	NotificationSubscriptionCanceled    = "subscription_canceled"
	NotificationSubscriptionPaused      = "subscription_paused"
	NotificationSubscriptionResumed     = "subscription_resumed"
	NotificationPaymentFailed           = "payment_failed"
	NotificationNewSubscriber           = "new_subscriber"
	NotificationRenewalReceived         = "renewal_received"
	NotificationSubscriberCanceled      = "subscriber_canceled"
)

type Notification struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index;index:ux_notifications_transition_user_type,unique,priority:2" json:"user_id" validate:"required"`
	TransitionID uint      `gorm:"not null;default:0;index:ux_notifications_transition_user_type,unique,priority:1" json:"transition_id"`
	Type         string    `gorm:"type:varchar(50);not null;index:ux_notifications_transition_user_type,unique,priority:3" json:"type" validate:"required,oneof=subscription_activated subscription_renewed subscription_reactivated subscription_canceled subscription_paused subscription_resumed payment_failed new_subscriber renewal_received subscriber_canceled"`
	Content      string    `gorm:"type:text" json:"content"`
	IsRead       bool      `gorm:"default:false" json:"is_read"`
	ReferenceID  string    `gorm:"type:char(36);default:''" json:"reference_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (n *Notification) Validate() error {
	return validator.New().Struct(n)
}

func (n *Notification) MarkAsRead(db *gorm.DB) error {
	n.IsRead = true
	return db.Model(n).Update("is_read", true).Error
}

// CreateNotification inserts the notification once per (transition, user, type).
// It reports whether a new row was written.
func CreateNotification(db *gorm.DB, n *Notification) (bool, error) {
	if err := n.Validate(); err != nil {
		return false, err
	}
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "transition_id"},
			{Name: "user_id"},
			{Name: "type"},
		},
		DoNothing: true,
	}).Create(n)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func ListNotificationsForUser(db *gorm.DB, userID uint, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Notification
	err := db.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
