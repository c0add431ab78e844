package entitlements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

func TestHasAccess(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		status string
		end    *time.Time
		want   bool
	}{
		{"active with period", models.SubscriptionStatusActive, &future, true},
		{"active without period", models.SubscriptionStatusActive, nil, true},
		{"past due inside period", models.SubscriptionStatusPastDue, &future, true},
		{"past due after period", models.SubscriptionStatusPastDue, &past, false},
		{"past due without period", models.SubscriptionStatusPastDue, nil, false},
		{"pending", models.SubscriptionStatusPending, &future, false},
		{"paused", models.SubscriptionStatusPaused, &future, false},
		{"canceled", models.SubscriptionStatusCanceled, &future, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &models.Subscription{Status: tt.status, CurrentPeriodEnd: tt.end}
			assert.Equal(t, tt.want, HasAccess(sub, now))
		})
	}

	assert.False(t, HasAccess(nil, now))
}

func TestAccessUntil(t *testing.T) {
	now := time.Now()
	end := now.Add(time.Hour)

	got := AccessUntil(&models.Subscription{Status: models.SubscriptionStatusPastDue, CurrentPeriodEnd: &end}, now)
	if assert.NotNil(t, got) {
		assert.True(t, got.Equal(end))
	}
	assert.Nil(t, AccessUntil(&models.Subscription{Status: models.SubscriptionStatusActive}, now))
	assert.Nil(t, AccessUntil(&models.Subscription{Status: models.SubscriptionStatusCanceled, CurrentPeriodEnd: &end}, now))
}
