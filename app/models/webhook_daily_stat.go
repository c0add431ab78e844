package models

import "time"

// WebhookDailyStat aggregates flushed Redis counters per day.
type WebhookDailyStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Day       string    `gorm:"type:char(10);not null;index:ux_webhook_daily_stats_key,unique,priority:1" json:"day"`
	Provider  string    `gorm:"type:varchar(20);not null;index:ux_webhook_daily_stats_key,unique,priority:2" json:"provider"`
	Kind      string    `gorm:"type:varchar(50);not null;index:ux_webhook_daily_stats_key,unique,priority:3" json:"kind"`
	Result    string    `gorm:"type:varchar(32);not null;index:ux_webhook_daily_stats_key,unique,priority:4" json:"result"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
