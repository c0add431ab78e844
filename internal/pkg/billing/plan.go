package billing

import (
	"strings"
	"time"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

func normalizeInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "year", "yearly", "annual", "annually":
		return models.BillingIntervalYear
	default:
		return models.BillingIntervalMonth
	}
}

// FallbackPeriod computes a billing period starting at now when the provider
// did not report one. Yearly plans get one year, everything else one month.
func FallbackPeriod(now time.Time, interval string) (time.Time, time.Time) {
	start := now.UTC()
	if normalizeInterval(interval) == models.BillingIntervalYear {
		return start, start.AddDate(1, 0, 0)
	}
	return start, start.AddDate(0, 1, 0)
}

// advancesPeriod reports whether end moves the stored period end forward.
func advancesPeriod(current *time.Time, end time.Time) bool {
	return current == nil || end.After(*current)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
