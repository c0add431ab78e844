package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
)

// Repository provides the store operations used by the engine, the verifier
// and the webhook processor. Lock* methods take a row lock when called on the
// repository handed to a WithinTransaction callback.
type Repository interface {
	WithinTransaction(ctx context.Context, fn func(tx Repository) error) error

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	LockSubscription(ctx context.Context, id string) (*models.Subscription, error)
	LockSubscriptionByExternalRef(ctx context.Context, provider, ref string) (*models.Subscription, error)
	SaveSubscription(ctx context.Context, sub *models.Subscription) error

	FindPayment(ctx context.Context, provider, ref string) (*models.Payment, error)
	CreatePaymentIfNotExists(ctx context.Context, payment *models.Payment) (bool, *models.Payment, error)
	SavePayment(ctx context.Context, payment *models.Payment) error
	CountPayments(ctx context.Context, subscriptionID, status string) (int64, error)
	ListPayments(ctx context.Context, subscriptionID string) ([]models.Payment, error)

	AppendTransition(ctx context.Context, t *models.SubscriptionTransition) error
	UpsertPayoutAccount(ctx context.Context, account *models.PayoutAccount) error

	AppendWebhookAudit(ctx context.Context, event *models.WebhookAuditEvent) error
	MarkWebhookAudit(ctx context.Context, id uint, outcome, processingError string) error
	GetWebhookAudit(ctx context.Context, id uint) (*models.WebhookAuditEvent, error)
	MarkWebhookArchived(ctx context.Context, id uint, key string) error
}

type gormRepository struct {
	db   *gorm.DB
	inTx bool
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithinTransaction(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx, inTx: true})
	})
}

func (r *gormRepository) locking(ctx context.Context) *gorm.DB {
	q := r.db.WithContext(ctx)
	if r.inTx {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, notFound(err, ErrSubscriptionNotFound)
	}
	return &sub, nil
}

func (r *gormRepository) LockSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.locking(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, notFound(err, ErrSubscriptionNotFound)
	}
	return &sub, nil
}

func (r *gormRepository) LockSubscriptionByExternalRef(ctx context.Context, provider, ref string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.locking(ctx).
		Where("provider = ? AND external_subscription_ref = ?", provider, ref).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, notFound(err, ErrSubscriptionNotFound)
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) FindPayment(ctx context.Context, provider, ref string) (*models.Payment, error) {
	var p models.Payment
	err := r.locking(ctx).Where("provider = ? AND provider_payment_ref = ?", provider, ref).First(&p).Error
	if err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}
	return &p, nil
}

func (r *gormRepository) CreatePaymentIfNotExists(ctx context.Context, payment *models.Payment) (bool, *models.Payment, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_payment_ref"},
		},
		DoNothing: true,
	}).Create(payment)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	stored, err := r.FindPayment(ctx, payment.Provider, payment.ProviderPaymentRef)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *gormRepository) SavePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Save(payment).Error
}

func (r *gormRepository) CountPayments(ctx context.Context, subscriptionID, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, status).
		Count(&n).Error
	return n, err
}

func (r *gormRepository) ListPayments(ctx context.Context, subscriptionID string) ([]models.Payment, error) {
	var out []models.Payment
	err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (r *gormRepository) AppendTransition(ctx context.Context, t *models.SubscriptionTransition) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *gormRepository) UpsertPayoutAccount(ctx context.Context, account *models.PayoutAccount) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_account_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"email",
			"charges_enabled",
			"payouts_enabled",
			"details_submitted",
			"updated_at",
		}),
	}).Create(account).Error; err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Where("provider = ? AND provider_account_id = ?", account.Provider, account.ProviderAccountID).
		First(account).Error
}

func (r *gormRepository) AppendWebhookAudit(ctx context.Context, event *models.WebhookAuditEvent) error {
	if event.Outcome == "" {
		event.Outcome = models.WebhookOutcomeReceived
	}
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *gormRepository) MarkWebhookAudit(ctx context.Context, id uint, outcome, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"outcome":          outcome,
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.WebhookAuditEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) GetWebhookAudit(ctx context.Context, id uint) (*models.WebhookAuditEvent, error) {
	var ev models.WebhookAuditEvent
	if err := r.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		return nil, notFound(err, ErrWebhookAuditNotFound)
	}
	return &ev, nil
}

func (r *gormRepository) MarkWebhookArchived(ctx context.Context, id uint, key string) error {
	return r.db.WithContext(ctx).Model(&models.WebhookAuditEvent{}).Where("id = ?", id).Update("archive_key", key).Error
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
