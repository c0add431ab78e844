// Package billingtest provides in-memory doubles for the billing package.
package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
)

type memStore struct {
	mu          sync.Mutex
	subs        map[string]models.Subscription
	payments    map[string]models.Payment
	transitions []models.SubscriptionTransition
	accounts    map[string]models.PayoutAccount
	audits      []models.WebhookAuditEvent
	nextID      uint
	failures    map[string]error
}

func (s *memStore) clone() *memStore {
	c := &memStore{
		subs:        make(map[string]models.Subscription, len(s.subs)),
		payments:    make(map[string]models.Payment, len(s.payments)),
		transitions: append([]models.SubscriptionTransition(nil), s.transitions...),
		accounts:    make(map[string]models.PayoutAccount, len(s.accounts)),
		audits:      append([]models.WebhookAuditEvent(nil), s.audits...),
		nextID:      s.nextID,
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	return c
}

func (s *memStore) restore(c *memStore) {
	s.subs = c.subs
	s.payments = c.payments
	s.transitions = c.transitions
	s.accounts = c.accounts
	s.audits = c.audits
	s.nextID = c.nextID
}

// MemoryRepository is a billing.Repository kept in memory. A transaction holds
// one store-wide lock and is rolled back when its callback fails.
type MemoryRepository struct {
	store *memStore
	inTx  bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{store: &memStore{
		subs:     make(map[string]models.Subscription),
		payments: make(map[string]models.Payment),
		accounts: make(map[string]models.PayoutAccount),
		failures: make(map[string]error),
	}}
}

// FailWith makes the named method return err until cleared with a nil err.
func (r *MemoryRepository) FailWith(method string, err error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err == nil {
		delete(r.store.failures, method)
		return
	}
	r.store.failures[method] = err
}

func (r *MemoryRepository) do(method string, fn func(s *memStore) error) error {
	if !r.inTx {
		r.store.mu.Lock()
		defer r.store.mu.Unlock()
	}
	if err := r.store.failures[method]; err != nil {
		return err
	}
	return fn(r.store)
}

func (r *MemoryRepository) WithinTransaction(ctx context.Context, fn func(tx billing.Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.failures["WithinTransaction"]; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := r.store.clone()
	if err := fn(&MemoryRepository{store: r.store, inTx: true}); err != nil {
		r.store.restore(snapshot)
		return err
	}
	return nil
}

func (r *MemoryRepository) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	return r.do("CreateSubscription", func(s *memStore) error {
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		now := time.Now()
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
		sub.UpdatedAt = now
		s.subs[sub.ID] = *sub
		return nil
	})
}

func (r *MemoryRepository) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	return r.getSubscription("GetSubscription", id)
}

func (r *MemoryRepository) getSubscription(method, id string) (*models.Subscription, error) {
	var out *models.Subscription
	err := r.do(method, func(s *memStore) error {
		sub, ok := s.subs[id]
		if !ok {
			return billing.ErrSubscriptionNotFound
		}
		out = &sub
		return nil
	})
	return out, err
}

func (r *MemoryRepository) LockSubscription(_ context.Context, id string) (*models.Subscription, error) {
	return r.getSubscription("LockSubscription", id)
}

func (r *MemoryRepository) LockSubscriptionByExternalRef(_ context.Context, provider, ref string) (*models.Subscription, error) {
	var out *models.Subscription
	err := r.do("LockSubscriptionByExternalRef", func(s *memStore) error {
		for _, sub := range s.subs {
			if sub.Provider != provider || sub.ExternalRef() != ref {
				continue
			}
			if out == nil || sub.CreatedAt.After(out.CreatedAt) {
				c := sub
				out = &c
			}
		}
		if out == nil {
			return billing.ErrSubscriptionNotFound
		}
		return nil
	})
	return out, err
}

func (r *MemoryRepository) SaveSubscription(_ context.Context, sub *models.Subscription) error {
	return r.do("SaveSubscription", func(s *memStore) error {
		sub.UpdatedAt = time.Now()
		s.subs[sub.ID] = *sub
		return nil
	})
}

func paymentKey(provider, ref string) string {
	return provider + "|" + ref
}

func (r *MemoryRepository) FindPayment(_ context.Context, provider, ref string) (*models.Payment, error) {
	var out *models.Payment
	err := r.do("FindPayment", func(s *memStore) error {
		p, ok := s.payments[paymentKey(provider, ref)]
		if !ok {
			return billing.ErrPaymentNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *MemoryRepository) CreatePaymentIfNotExists(_ context.Context, payment *models.Payment) (bool, *models.Payment, error) {
	var (
		created bool
		out     *models.Payment
	)
	err := r.do("CreatePaymentIfNotExists", func(s *memStore) error {
		key := paymentKey(payment.Provider, payment.ProviderPaymentRef)
		if existing, ok := s.payments[key]; ok {
			out = &existing
			return nil
		}
		if payment.ID == "" {
			payment.ID = uuid.NewString()
		}
		now := time.Now()
		payment.CreatedAt = now
		payment.UpdatedAt = now
		s.payments[key] = *payment
		stored := *payment
		created, out = true, &stored
		return nil
	})
	return created, out, err
}

func (r *MemoryRepository) SavePayment(_ context.Context, payment *models.Payment) error {
	return r.do("SavePayment", func(s *memStore) error {
		payment.UpdatedAt = time.Now()
		s.payments[paymentKey(payment.Provider, payment.ProviderPaymentRef)] = *payment
		return nil
	})
}

func (r *MemoryRepository) CountPayments(_ context.Context, subscriptionID, status string) (int64, error) {
	var n int64
	err := r.do("CountPayments", func(s *memStore) error {
		for _, p := range s.payments {
			if p.SubscriptionID == subscriptionID && p.Status == status {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *MemoryRepository) ListPayments(_ context.Context, subscriptionID string) ([]models.Payment, error) {
	var out []models.Payment
	err := r.do("ListPayments", func(s *memStore) error {
		for _, p := range s.payments {
			if p.SubscriptionID == subscriptionID {
				out = append(out, p)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		return nil
	})
	return out, err
}

func (r *MemoryRepository) AppendTransition(_ context.Context, t *models.SubscriptionTransition) error {
	return r.do("AppendTransition", func(s *memStore) error {
		s.nextID++
		t.ID = s.nextID
		t.CreatedAt = time.Now()
		s.transitions = append(s.transitions, *t)
		return nil
	})
}

func (r *MemoryRepository) UpsertPayoutAccount(_ context.Context, account *models.PayoutAccount) error {
	return r.do("UpsertPayoutAccount", func(s *memStore) error {
		key := account.Provider + "|" + account.ProviderAccountID
		now := time.Now()
		if existing, ok := s.accounts[key]; ok {
			account.ID = existing.ID
			account.CreatorID = existing.CreatorID
			account.CreatedAt = existing.CreatedAt
		} else {
			s.nextID++
			account.ID = s.nextID
			account.CreatedAt = now
		}
		account.UpdatedAt = now
		s.accounts[key] = *account
		return nil
	})
}

func (r *MemoryRepository) AppendWebhookAudit(ctx context.Context, event *models.WebhookAuditEvent) error {
	// Expired contexts fail like they do on a real connection.
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.do("AppendWebhookAudit", func(s *memStore) error {
		if event.Outcome == "" {
			event.Outcome = models.WebhookOutcomeReceived
		}
		s.nextID++
		event.ID = s.nextID
		event.CreatedAt = time.Now()
		s.audits = append(s.audits, *event)
		return nil
	})
}

func (r *MemoryRepository) MarkWebhookAudit(ctx context.Context, id uint, outcome, processingError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.do("MarkWebhookAudit", func(s *memStore) error {
		for i := range s.audits {
			if s.audits[i].ID == id {
				now := time.Now()
				s.audits[i].Outcome = outcome
				s.audits[i].ProcessingError = processingError
				s.audits[i].ProcessedAt = &now
				return nil
			}
		}
		return billing.ErrWebhookAuditNotFound
	})
}

func (r *MemoryRepository) GetWebhookAudit(_ context.Context, id uint) (*models.WebhookAuditEvent, error) {
	var out *models.WebhookAuditEvent
	err := r.do("GetWebhookAudit", func(s *memStore) error {
		for _, a := range s.audits {
			if a.ID == id {
				c := a
				out = &c
				return nil
			}
		}
		return billing.ErrWebhookAuditNotFound
	})
	return out, err
}

func (r *MemoryRepository) MarkWebhookArchived(_ context.Context, id uint, key string) error {
	return r.do("MarkWebhookArchived", func(s *memStore) error {
		for i := range s.audits {
			if s.audits[i].ID == id {
				s.audits[i].ArchiveKey = key
				return nil
			}
		}
		return billing.ErrWebhookAuditNotFound
	})
}

// Put stores a subscription as-is, keeping a caller supplied CreatedAt.
func (r *MemoryRepository) Put(sub models.Subscription) *models.Subscription {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	r.store.subs[sub.ID] = sub
	return &sub
}

// Subscription returns a copy of the stored subscription or nil.
func (r *MemoryRepository) Subscription(id string) *models.Subscription {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sub, ok := r.store.subs[id]
	if !ok {
		return nil
	}
	return &sub
}

func (r *MemoryRepository) Payments() []models.Payment {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make([]models.Payment, 0, len(r.store.payments))
	for _, p := range r.store.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderPaymentRef < out[j].ProviderPaymentRef })
	return out
}

func (r *MemoryRepository) Transitions(subscriptionID string) []models.SubscriptionTransition {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []models.SubscriptionTransition
	for _, t := range r.store.transitions {
		if subscriptionID == "" || t.SubscriptionID == subscriptionID {
			out = append(out, t)
		}
	}
	return out
}

func (r *MemoryRepository) Audits() []models.WebhookAuditEvent {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return append([]models.WebhookAuditEvent(nil), r.store.audits...)
}

func (r *MemoryRepository) PayoutAccounts() []models.PayoutAccount {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make([]models.PayoutAccount, 0, len(r.store.accounts))
	for _, a := range r.store.accounts {
		out = append(out, a)
	}
	return out
}
