// Package memory is an in-process services.Store used by tests and local
// runs without Postgres. One mutex serialises every call, which gives the
// same atomicity the Postgres store gets from transactions.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

type Store struct {
	mu     sync.Mutex
	nextID int64
	now    func() time.Time

	users         map[int64]models.User
	organizations map[int64]models.Organization
	subscriptions map[int64]models.Subscription
	transactions  []models.CreditTransaction
	history       []models.VerificationHistory
	bulkJobs      map[int64]models.BulkJob
	events        map[int64]models.BillingEvent
	apiKeys       map[int64]models.APIKey
}

var _ services.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[int64]models.User),
		organizations: make(map[int64]models.Organization),
		subscriptions: make(map[int64]models.Subscription),
		bulkJobs:      make(map[int64]models.BulkJob),
		events:        make(map[int64]models.BillingEvent),
		apiKeys:       make(map[int64]models.APIKey),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Ping(context.Context) error { return nil }

// Users

func (s *Store) CreateUser(_ context.Context, user models.User, signup *models.CreditTransaction) (models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ClerkID == user.ClerkID {
			return u, false, nil
		}
	}
	now := s.now()
	user.ID = s.id()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = user

	if signup != nil {
		tx := *signup
		tx.UserID = user.ID
		s.appendTx(tx)
	}
	return user, true, nil
}

func (s *Store) GetUserByClerkID(_ context.Context, clerkID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ClerkID == clerkID {
			return u, nil
		}
	}
	return models.User{}, services.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, services.ErrNotFound
	}
	return u, nil
}

func (s *Store) UpdateUserProfile(_ context.Context, user models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user.ID]
	if !ok {
		return models.User{}, services.ErrNotFound
	}
	u.Email = user.Email
	u.Username = user.Username
	u.Name = user.Name
	u.ImageURL = user.ImageURL
	u.UpdatedAt = s.now()
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) SoftDeleteUser(_ context.Context, clerkID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.ClerkID == clerkID {
			if u.DeletedAt == nil {
				u.DeletedAt = &at
				u.UpdatedAt = at
				s.users[id] = u
			}
			return nil
		}
	}
	return services.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, page, pageSize int) ([]models.User, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b models.User) int { return int(b.ID - a.ID) })
	return paginate(users, page, pageSize), int64(len(users)), nil
}

// Organizations

func (s *Store) CreateOrganization(_ context.Context, org models.Organization) (models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.organizations {
		if o.OwnerID == org.OwnerID {
			return o, nil
		}
	}
	for _, o := range s.organizations {
		if o.Slug == org.Slug {
			return models.Organization{}, services.ErrSlugTaken
		}
	}
	now := s.now()
	org.ID = s.id()
	org.CreatedAt = now
	org.UpdatedAt = now
	s.organizations[org.ID] = org
	return org, nil
}

func (s *Store) GetOrganizationByOwner(_ context.Context, ownerID int64) (models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.organizations {
		if o.OwnerID == ownerID {
			return o, nil
		}
	}
	return models.Organization{}, services.ErrNotFound
}

func (s *Store) GetOrganizationByCustomer(_ context.Context, customerID string) (models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orgByCustomer(customerID); ok {
		return o, nil
	}
	return models.Organization{}, services.ErrNotFound
}

func (s *Store) orgByCustomer(customerID string) (models.Organization, bool) {
	for _, o := range s.organizations {
		if customerID != "" && o.StripeCustomerID == customerID {
			return o, true
		}
	}
	return models.Organization{}, false
}

func (s *Store) SetOrganizationCustomer(_ context.Context, orgID int64, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.organizations[orgID]
	if !ok {
		return services.ErrNotFound
	}
	if o.StripeCustomerID == customerID {
		return nil
	}
	if o.StripeCustomerID != "" {
		return services.ErrCustomerAlreadySet
	}
	if _, taken := s.orgByCustomer(customerID); taken {
		return services.ErrCustomerAlreadySet
	}
	o.StripeCustomerID = customerID
	o.UpdatedAt = s.now()
	s.organizations[orgID] = o
	return nil
}

func (s *Store) UpdateOrganizationBillingByCustomer(_ context.Context, customerID string, b models.OrganizationBilling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgByCustomer(customerID)
	if !ok {
		return services.ErrNotFound
	}
	if b.SubscriptionID != "" {
		o.StripeSubscriptionID = b.SubscriptionID
	}
	if b.PriceID != "" {
		o.StripePriceID = b.PriceID
	}
	o.StripeStatus = b.Status
	o.UpdatedAt = s.now()
	s.organizations[o.ID] = o
	return nil
}

// Subscriptions

func (s *Store) UpsertSubscription(_ context.Context, sub models.Subscription) (models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, existing := range s.subscriptions {
		if existing.StripeSubscriptionID == sub.StripeSubscriptionID {
			sub.ID = id
			sub.CreatedAt = existing.CreatedAt
			sub.UpdatedAt = now
			s.subscriptions[id] = sub
			return sub, nil
		}
	}
	sub.ID = s.id()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *Store) GetSubscriptionByStripeID(_ context.Context, stripeID string) (models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.StripeSubscriptionID == stripeID {
			return sub, nil
		}
	}
	return models.Subscription{}, services.ErrNotFound
}

func (s *Store) UpdateSubscriptionState(_ context.Context, sub models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.subscriptions[sub.ID]
	if !ok {
		return services.ErrNotFound
	}
	existing.Status = sub.Status
	existing.StripePriceID = sub.StripePriceID
	existing.PackageID = sub.PackageID
	existing.Credits = sub.Credits
	existing.CurrentPeriodStart = sub.CurrentPeriodStart
	existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
	existing.CancelAt = sub.CancelAt
	existing.UpdatedAt = s.now()
	s.subscriptions[sub.ID] = existing
	return nil
}

func (s *Store) ListSubscriptionsByUser(_ context.Context, userID int64) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Subscription{}
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b models.Subscription) int { return int(b.ID - a.ID) })
	return out, nil
}

// Ledger

func (s *Store) appendTx(tx models.CreditTransaction) models.CreditTransaction {
	tx.ID = s.id()
	tx.CreatedAt = s.now()
	s.transactions = append(s.transactions, tx)
	return tx
}

func (s *Store) txByKey(userID int64, key string) (models.CreditTransaction, bool) {
	for _, tx := range s.transactions {
		if key != "" && tx.UserID == userID && tx.IdempotencyKey == key {
			return tx, true
		}
	}
	return models.CreditTransaction{}, false
}

func (s *Store) sum(userID int64) int64 {
	var total int64
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			total += int64(tx.Amount)
		}
	}
	return total
}

func (s *Store) InsertCreditTransaction(_ context.Context, tx models.CreditTransaction) (models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[tx.UserID]; !ok {
		return models.CreditTransaction{}, services.ErrNotFound
	}
	if _, dup := s.txByKey(tx.UserID, tx.IdempotencyKey); dup {
		return models.CreditTransaction{}, services.ErrDuplicateTransaction
	}
	return s.appendTx(tx), nil
}

func (s *Store) GetCreditTransactionByKey(_ context.Context, userID int64, key string) (models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txByKey(userID, key); ok {
		return tx, nil
	}
	return models.CreditTransaction{}, services.ErrNotFound
}

func (s *Store) SumCredits(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum(userID), nil
}

func (s *Store) ListCreditTransactions(_ context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.CreditTransaction{}
	for i := len(s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.transactions[i].UserID == userID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

func (s *Store) RecordUsageDebit(_ context.Context, d services.UsageDebit) (services.UsageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[d.UserID]; !ok {
		return services.UsageResult{}, services.ErrNotFound
	}
	if s.sum(d.UserID) < int64(d.Amount) {
		return services.UsageResult{}, services.ErrInsufficientCredits
	}
	if d.BulkJob != nil {
		for _, j := range s.bulkJobs {
			if j.UserID == d.UserID && j.FileID == d.BulkJob.FileID {
				return services.UsageResult{}, fmt.Errorf("%w: bulk job %s already recorded", services.ErrInvalidRequest, j.FileID)
			}
		}
	}

	var res services.UsageResult
	now := s.now()
	if d.Amount > 0 {
		tx := s.appendTx(models.CreditTransaction{
			UserID:      d.UserID,
			Amount:      -d.Amount,
			Type:        d.Type,
			Description: d.Description,
			FileID:      d.FileID,
		})
		res.Transaction = &tx
	}
	if d.Verification != nil {
		v := *d.Verification
		v.ID = s.id()
		v.UserID = d.UserID
		v.CreatedAt = now
		s.history = append(s.history, v)
		res.Verification = &v
	}
	if d.BulkJob != nil {
		j := *d.BulkJob
		j.ID = s.id()
		j.UserID = d.UserID
		j.CreatedAt = now
		j.UpdatedAt = now
		s.bulkJobs[j.ID] = j
		res.BulkJob = &j
	}
	res.Balance = max(s.sum(d.UserID), 0)
	return res, nil
}

// Verification history

func (s *Store) ListVerificationHistory(_ context.Context, userID int64, f services.HistoryFilter) ([]models.VerificationHistory, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(f.Email)
	matched := []models.VerificationHistory{}
	for i := len(s.history) - 1; i >= 0; i-- {
		h := s.history[i]
		switch {
		case h.UserID != userID:
		case email != "" && !strings.Contains(strings.ToLower(h.Email), email):
		case f.Result != "" && h.Result != f.Result:
		case f.Quality != "" && h.Quality != f.Quality:
		case f.DateFrom != nil && h.CreatedAt.Before(*f.DateFrom):
		case f.DateTo != nil && h.CreatedAt.After(*f.DateTo):
		default:
			matched = append(matched, h)
		}
	}
	return paginate(matched, f.Page, f.Limit), int64(len(matched)), nil
}

func (s *Store) VerificationStats(_ context.Context, userID int64) (services.VerificationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := services.VerificationStats{ResultBreakdown: map[string]int64{}}
	for _, h := range s.history {
		if h.UserID != userID {
			continue
		}
		stats.TotalVerifications++
		stats.TotalCreditsUsed += int64(h.CreditsUsed)
		stats.ResultBreakdown[h.Result]++
	}
	return stats, nil
}

// Bulk jobs

func (s *Store) findJob(userID int64, fileID string) (models.BulkJob, bool) {
	for _, j := range s.bulkJobs {
		if j.UserID == userID && j.FileID == fileID {
			return j, true
		}
	}
	return models.BulkJob{}, false
}

func (s *Store) GetBulkJob(_ context.Context, userID int64, fileID string) (models.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.findJob(userID, fileID); ok {
		return j, nil
	}
	return models.BulkJob{}, services.ErrNotFound
}

func (s *Store) ListBulkJobs(_ context.Context, userID int64) ([]models.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.BulkJob{}
	for _, j := range s.bulkJobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b models.BulkJob) int { return int(b.ID - a.ID) })
	return out, nil
}

// UpdateBulkJob stores provider-reported state. The reservation and the
// settlement marker are owned by RecordUsageDebit and SettleBulkJob.
func (s *Store) UpdateBulkJob(_ context.Context, job models.BulkJob) (models.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.bulkJobs[job.ID]
	if !ok {
		return models.BulkJob{}, services.ErrNotFound
	}
	job.UserID = existing.UserID
	job.FileID = existing.FileID
	job.ReservedCredits = existing.ReservedCredits
	job.SettledAt = existing.SettledAt
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = s.now()
	s.bulkJobs[job.ID] = job
	return job, nil
}

func (s *Store) DeleteBulkJob(_ context.Context, userID int64, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.findJob(userID, fileID)
	if !ok {
		return services.ErrNotFound
	}
	delete(s.bulkJobs, j.ID)
	return nil
}

func (s *Store) SettleBulkJob(_ context.Context, st services.BulkSettlement) (models.BulkJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.bulkJobs[st.JobID]
	if !ok || j.UserID != st.UserID {
		return models.BulkJob{}, false, services.ErrNotFound
	}
	if j.SettledAt != nil {
		return j, false, nil
	}
	key := services.SettleKey(st.FileID)
	if _, dup := s.txByKey(st.UserID, key); !dup && st.Adjustment != 0 {
		s.appendTx(models.CreditTransaction{
			UserID:         st.UserID,
			Amount:         st.Adjustment,
			Type:           models.TxBulkVerification,
			Description:    st.Description,
			IdempotencyKey: key,
			FileID:         st.FileID,
		})
	}
	at := st.At
	j.SettledAt = &at
	j.UpdatedAt = at
	s.bulkJobs[j.ID] = j
	return j, true, nil
}

// Billing events

func (s *Store) RecordBillingEvent(_ context.Context, evt models.BillingEvent) (models.BillingEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Provider == evt.Provider && e.EventID == evt.EventID {
			return e, false, nil
		}
	}
	evt.ID = s.id()
	evt.CreatedAt = s.now()
	evt.Payload = slices.Clone(evt.Payload)
	s.events[evt.ID] = evt
	return evt, true, nil
}

func (s *Store) MarkBillingEventProcessed(_ context.Context, id int64, processingError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return services.ErrNotFound
	}
	e.ProcessedAt = &at
	e.ProcessingError = processingError
	s.events[id] = e
	return nil
}

func (s *Store) GetBillingEvent(_ context.Context, id int64) (models.BillingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return models.BillingEvent{}, services.ErrNotFound
	}
	return e, nil
}

func (s *Store) ListBillingEvents(_ context.Context, page, pageSize int) ([]models.BillingEvent, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.BillingEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b models.BillingEvent) int { return int(b.ID - a.ID) })
	return paginate(out, page, pageSize), int64(len(out)), nil
}

// API keys

func (s *Store) CreateAPIKey(_ context.Context, key models.APIKey) (models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyPrefix == key.KeyPrefix {
			return models.APIKey{}, fmt.Errorf("%w: key prefix collision", services.ErrInvalidRequest)
		}
	}
	key.ID = s.id()
	key.CreatedAt = s.now()
	s.apiKeys[key.ID] = key
	return key, nil
}

func (s *Store) ListAPIKeys(_ context.Context, userID int64) ([]models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.APIKey{}
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b models.APIKey) int { return int(b.ID - a.ID) })
	return out, nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) (models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix {
			return k, nil
		}
	}
	return models.APIKey{}, services.ErrNotFound
}

func (s *Store) RevokeAPIKey(_ context.Context, userID, keyID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok || k.UserID != userID {
		return services.ErrNotFound
	}
	if k.Status == models.APIKeyStatusRevoked {
		return nil
	}
	k.Status = models.APIKeyStatusRevoked
	k.RevokedAt = &at
	s.apiKeys[keyID] = k
	return nil
}

func (s *Store) TouchAPIKey(_ context.Context, keyID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok {
		return services.ErrNotFound
	}
	k.LastUsedAt = &at
	s.apiKeys[keyID] = k
	return nil
}

func paginate[T any](items []T, page, pageSize int) []T {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return items
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := min(start+pageSize, len(items))
	return items[start:end]
}
