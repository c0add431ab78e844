package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/jobqueue"
)

const subID = "0b6c7a52-4a8e-4b8f-9f57-3f1f0c2a9d11"

type memStore struct {
	mu    sync.Mutex
	saved []models.Notification
	err   error
}

func (s *memStore) Save(_ context.Context, n *models.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for _, existing := range s.saved {
		if existing.TransitionID == n.TransitionID && existing.UserID == n.UserID && existing.Type == n.Type {
			return false, nil
		}
	}
	s.saved = append(s.saved, *n)
	return true, nil
}

type fakeQueue struct {
	jobs []*jobqueue.Job
	err  error
}

func (q *fakeQueue) EnqueueJob(_ context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error) {
	if q.err != nil {
		return nil, q.err
	}
	job := &jobqueue.Job{ID: "job", Type: jobType, Payload: payload}
	q.jobs = append(q.jobs, job)
	return job, nil
}

func transition(reason string) billing.Transition {
	return billing.Transition{
		ID:             7,
		SubscriptionID: subID,
		SubscriberID:   10,
		CreatorID:      20,
		Reason:         reason,
		Amount:         decimal.RequireFromString("9.90"),
		Currency:       "BRL",
	}
}

func TestBuildNotifications(t *testing.T) {
	tests := []struct {
		reason     string
		subscriber string
		creator    string
	}{
		{models.TransitionReasonActivated, models.NotificationSubscriptionActivated, models.NotificationNewSubscriber},
		{models.TransitionReasonForceActive, models.NotificationSubscriptionActivated, models.NotificationNewSubscriber},
		{models.TransitionReasonRenewed, models.NotificationSubscriptionRenewed, models.NotificationRenewalReceived},
		{models.TransitionReasonRecovered, models.NotificationSubscriptionReactivated, models.NotificationRenewalReceived},
		{models.TransitionReasonPastDue, models.NotificationPaymentFailed, models.NotificationPaymentFailed},
		{models.TransitionReasonCanceled, models.NotificationSubscriptionCanceled, models.NotificationSubscriberCanceled},
		{models.TransitionReasonPaused, models.NotificationSubscriptionPaused, ""},
		{models.TransitionReasonResumed, models.NotificationSubscriptionResumed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			got := BuildNotifications(transition(tt.reason))
			want := 1
			if tt.creator != "" {
				want = 2
			}
			require.Len(t, got, want)

			assert.Equal(t, uint(10), got[0].UserID)
			assert.Equal(t, tt.subscriber, got[0].Type)
			assert.Equal(t, uint(7), got[0].TransitionID)
			assert.Equal(t, subID, got[0].ReferenceID)
			assert.NotEmpty(t, got[0].Content)
			if tt.creator != "" {
				assert.Equal(t, uint(20), got[1].UserID)
				assert.Equal(t, tt.creator, got[1].Type)
				assert.NotEmpty(t, got[1].Content)
			}
		})
	}
}

func TestBuildNotifications_SkipsMissingUsersAndUnknownReasons(t *testing.T) {
	tr := transition(models.TransitionReasonActivated)
	tr.CreatorID = 0
	got := BuildNotifications(tr)
	require.Len(t, got, 1)
	assert.Equal(t, models.NotificationSubscriptionActivated, got[0].Type)

	assert.Empty(t, BuildNotifications(transition("something_else")))
}

func TestBuildNotifications_RenewalContentCarriesAmount(t *testing.T) {
	got := BuildNotifications(transition(models.TransitionReasonRenewed))
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Content, "9.90 BRL")
	assert.Contains(t, got[1].Content, "9.90 BRL")
}

func TestEmitter_EnqueuesJobs(t *testing.T) {
	store := &memStore{}
	q := &fakeQueue{}
	e := NewEmitter(store, q)

	e.Emit(context.Background(), []billing.Transition{transition(models.TransitionReasonActivated)})

	require.Len(t, q.jobs, 2)
	assert.Empty(t, store.saved)
	for _, job := range q.jobs {
		assert.Equal(t, jobqueue.JobTypeNotification, job.Type)
	}

	for _, job := range q.jobs {
		require.NoError(t, e.Handle(context.Background(), job))
	}
	require.Len(t, store.saved, 2)
	assert.Equal(t, models.NotificationSubscriptionActivated, store.saved[0].Type)
	assert.Equal(t, models.NotificationNewSubscriber, store.saved[1].Type)

	// A redelivered job does not write a second row.
	require.NoError(t, e.Handle(context.Background(), q.jobs[0]))
	assert.Len(t, store.saved, 2)
}

func TestEmitter_FallsBackToDirectWrite(t *testing.T) {
	store := &memStore{}
	e := NewEmitter(store, &fakeQueue{err: errors.New("redis down")})
	e.direct = func(fn func()) { fn() }

	e.Emit(context.Background(), []billing.Transition{transition(models.TransitionReasonPastDue)})

	require.Len(t, store.saved, 2)
	assert.Equal(t, models.NotificationPaymentFailed, store.saved[0].Type)
	assert.Equal(t, uint(20), store.saved[1].UserID)
}

func TestEmitter_NoQueueWritesDirectlyAndSwallowsErrors(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	e := NewEmitter(store, nil)
	e.direct = func(fn func()) { fn() }

	assert.NotPanics(t, func() {
		e.Emit(context.Background(), []billing.Transition{transition(models.TransitionReasonCanceled)})
	})
	assert.Empty(t, store.saved)
}

func TestEmitter_HandleReturnsStoreErrors(t *testing.T) {
	e := NewEmitter(&memStore{err: errors.New("db down")}, nil)
	payload := jobqueue.NotificationJobPayload{TransitionID: 1, UserID: 2, Type: models.NotificationSubscriptionPaused}
	err := e.Handle(context.Background(), &jobqueue.Job{Type: jobqueue.JobTypeNotification, Payload: payload.ToMap()})
	assert.Error(t, err)
}

func TestGormStore_Deduplicates(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notifications.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Notification{}))

	store := GormStore{DB: db}
	n := models.Notification{UserID: 10, TransitionID: 3, Type: models.NotificationSubscriptionRenewed, ReferenceID: subID}

	created, err := store.Save(context.Background(), &n)
	require.NoError(t, err)
	assert.True(t, created)

	again := n
	again.ID = 0
	created, err = store.Save(context.Background(), &again)
	require.NoError(t, err)
	assert.False(t, created)

	list, err := models.ListNotificationsForUser(db, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
