package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment provider identifiers.
const (
	PaymentProviderStripe      = "stripe"
	PaymentProviderMercadoPago = "mercadopago"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// Payment is one settlement attempt of a subscription billing cycle. The pair
// (provider, provider_payment_ref) is unique and anchors webhook replay.
type Payment struct {
	ID                 string          `gorm:"type:char(36);primaryKey" json:"id"`
	SubscriptionID     string          `gorm:"type:char(36);not null;index:idx_payments_subscription_status,priority:1" json:"subscription_id"`
	Provider           string          `gorm:"type:varchar(20);not null;index:ux_payments_provider_ref,unique,priority:1" json:"provider"`
	ProviderPaymentRef string          `gorm:"type:varchar(191);not null;index:ux_payments_provider_ref,unique,priority:2" json:"provider_payment_ref"`
	Amount             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	Currency           string          `gorm:"type:varchar(8);not null;default:''" json:"currency"`
	Status             string          `gorm:"type:varchar(16);not null;default:'pending';index:idx_payments_subscription_status,priority:2" json:"status"`
	PaidAt             *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	FailedAt           *time.Time      `gorm:"type:timestamp;default:null" json:"failed_at,omitempty"`
	FailureReason      string          `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// IsTerminal reports whether the payment reached completed or failed.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}
