package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	assert.Equal(t, "notification", string(JobTypeNotification))
	assert.Equal(t, "webhook_archive", string(JobTypeWebhookArchive))
}

func TestJob_Lifecycle(t *testing.T) {
	job := &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3}
	assert.True(t, job.IsRetryable())

	job.RetryCount = 3
	assert.False(t, job.IsRetryable())

	before := time.Now()
	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.NotNil(t, job.ProcessedAt)
	assert.False(t, job.UpdatedAt.Before(before))

	job.MarkAsFailed("boom")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 4, job.RetryCount)

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMsg)
}

// Payloads travel through Redis as JSON, so numeric ids come back as float64.
func TestPayloadsSurviveJSONStorage(t *testing.T) {
	job := Job{Payload: NotificationJobPayload{TransitionID: 9, UserID: 3, Type: "payment_failed", ReferenceID: "sub-9"}.ToMap()}
	raw, err := json.Marshal(job)
	require.NoError(t, err)

	var stored Job
	require.NoError(t, json.Unmarshal(raw, &stored))
	p, err := NotificationJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint(9), p.TransitionID)
	assert.Equal(t, uint(3), p.UserID)
	assert.Equal(t, "payment_failed", p.Type)

	a, err := WebhookArchiveJobPayloadFromMap(map[string]interface{}{"audit_id": float64(12), "provider": "stripe"})
	require.NoError(t, err)
	assert.Equal(t, uint(12), a.AuditID)
}
