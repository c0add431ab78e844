package models

import "time"

// PayoutAccount stores the readiness of a creator's connected provider account.
type PayoutAccount struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:ux_payout_accounts_provider_account,unique,priority:1" json:"provider"`
	ProviderAccountID string    `gorm:"type:varchar(191);not null;index:ux_payout_accounts_provider_account,unique,priority:2" json:"provider_account_id"`
	CreatorID         uint      `gorm:"not null;default:0;index" json:"creator_id"`
	Email             string    `gorm:"type:varchar(200);default:''" json:"email"`
	ChargesEnabled    bool      `gorm:"default:false" json:"charges_enabled"`
	PayoutsEnabled    bool      `gorm:"default:false" json:"payouts_enabled"`
	DetailsSubmitted  bool      `gorm:"default:false" json:"details_submitted"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsReady reports whether the account can receive subscription revenue.
func (a *PayoutAccount) IsReady() bool {
	return a.ChargesEnabled && a.PayoutsEnabled
}
