package services_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zenverifier/internal/billing"
	"zenverifier/internal/config"
	"zenverifier/internal/identity"
	"zenverifier/internal/models"
	"zenverifier/internal/services"
	"zenverifier/internal/store/memory"
	"zenverifier/internal/verifier"
)

type fakeBilling struct {
	mu            sync.Mutex
	subscriptions map[string]billing.Subscription
	customers     int
	checkouts     []billing.CheckoutParams
	invoices      []billing.Invoice
	err           error
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{subscriptions: map[string]billing.Subscription{}}
}

func (f *fakeBilling) CreateCustomer(_ context.Context, p billing.CustomerParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.customers++
	return fmt.Sprintf("cus_%d", p.OrganizationID), nil
}

func (f *fakeBilling) CreateCheckoutSession(_ context.Context, p billing.CheckoutParams) (billing.CheckoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return billing.CheckoutResult{}, f.err
	}
	f.checkouts = append(f.checkouts, p)
	return billing.CheckoutResult{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (f *fakeBilling) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	return "https://billing.stripe.test/" + customerID, f.err
}

func (f *fakeBilling) GetSubscription(_ context.Context, id string) (billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return billing.Subscription{}, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return billing.Subscription{}, &billing.Error{Op: "get subscription", Code: "resource_missing", Message: "No such subscription", HTTPStatus: 404}
	}
	return sub, nil
}

func (f *fakeBilling) LatestSubscription(_ context.Context, customerID string) (billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subscriptions {
		if sub.CustomerID == customerID {
			return sub, nil
		}
	}
	return billing.Subscription{}, billing.ErrNoSubscription
}

func (f *fakeBilling) ListInvoices(_ context.Context, customerID string, limit int) ([]billing.Invoice, error) {
	return f.invoices, f.err
}

func (f *fakeBilling) ListPaymentMethods(_ context.Context, customerID string) ([]billing.PaymentMethod, error) {
	return []billing.PaymentMethod{{ID: "pm_1", Brand: "visa", Last4: "4242"}}, f.err
}

func (f *fakeBilling) Ping(context.Context) error { return f.err }

type fakeVerifier struct {
	mu       sync.Mutex
	result   verifier.Result
	err      error
	calls    int
	files    map[string]verifier.FileInfo
	nextFile int
	stopped  []string
	deleted  []string
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		result: verifier.Result{Result: "ok", ResultCode: 1, Quality: "good", Credits: 1},
		files:  map[string]verifier.FileInfo{},
	}
}

func (f *fakeVerifier) VerifyEmail(_ context.Context, email string, timeoutSec int) (verifier.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return verifier.Result{}, f.err
	}
	res := f.result
	res.Email = email
	return res, nil
}

func (f *fakeVerifier) UploadFile(_ context.Context, fileName string, contents []byte) (verifier.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return verifier.FileInfo{}, f.err
	}
	f.nextFile++
	info := verifier.FileInfo{
		FileID:   verifier.FlexString(fmt.Sprintf("%d", 1000+f.nextFile)),
		FileName: fileName,
		Status:   models.BulkStatusInQueue,
	}
	f.files[info.FileID.String()] = info
	return info, nil
}

func (f *fakeVerifier) FileInfo(_ context.Context, fileID string) (verifier.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.files[fileID]
	if !ok {
		return verifier.FileInfo{}, &verifier.APIError{Status: 404, Code: verifier.CodeFileNotFound, Message: "File not found"}
	}
	return info, nil
}

// progress sets the provider-side state of a file.
func (f *fakeVerifier) progress(fileID, status string, verified, credit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.files[fileID]
	info.Status = status
	info.Verified = verified
	info.TotalRows = verified
	info.Credit = credit
	if status == models.BulkStatusFinished {
		info.Percent = 100
	}
	f.files[fileID] = info
}

func (f *fakeVerifier) Download(_ context.Context, fileID string, opts verifier.DownloadOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("email,result\na@example.com,ok\n")), nil
}

func (f *fakeVerifier) Stop(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, fileID)
	return nil
}

func (f *fakeVerifier) Delete(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fileID)
	if _, ok := f.files[fileID]; !ok {
		return &verifier.APIError{Status: 404, Code: verifier.CodeFileNotFound, Message: "File not found"}
	}
	delete(f.files, fileID)
	return nil
}

func (f *fakeVerifier) Credits(context.Context) (verifier.Credits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return verifier.Credits{}, f.err
	}
	return verifier.Credits{Credits: 42000, BulkCredits: 1000}, nil
}

type fakeIdentity struct {
	users map[string]identity.User
}

func (f *fakeIdentity) GetUser(_ context.Context, id string) (identity.User, error) {
	u, ok := f.users[id]
	if !ok {
		return identity.User{}, identity.ErrUserNotFound
	}
	return u, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	finished []string
}

func (f *fakeNotifier) BulkJobFinished(_ context.Context, _ models.User, job models.BulkJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, job.FileID)
	return nil
}

type env struct {
	svc      *services.Service
	store    *memory.Store
	billing  *fakeBilling
	verifier *fakeVerifier
	identity *fakeIdentity
	notifier *fakeNotifier
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.App.PublicURL = "https://app.example.com"
	cfg.Clerk.AdminUserIDs = []string{"user_admin"}
	cfg.Stripe.SecretKey = "sk_test_123"
	cfg.Credits.SignupBonus = 500
	cfg.Credits.SingleCheckCost = 1
	cfg.Credits.DefaultTimeout = 20
	cfg.Credits.Packages = []config.PackageConfig{
		{ID: "10k", Credits: 10000, PriceCents: 3700, Interval: "month"},
		{ID: "25k", Credits: 25000, PriceCents: 4900, Interval: "month"},
	}
	cfg.Bulk.MaxUploadBytes = 1024
	return cfg
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    memory.New(),
		billing:  newFakeBilling(),
		verifier: newFakeVerifier(),
		identity: &fakeIdentity{users: map[string]identity.User{}},
		notifier: &fakeNotifier{},
	}
	e.svc = services.New(testConfig(), services.Deps{
		Store:    e.store,
		Billing:  e.billing,
		Verifier: e.verifier,
		Identity: e.identity,
		Notifier: e.notifier,
		Now:      func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	return e
}

func (e *env) user(t *testing.T, clerkID string) models.User {
	t.Helper()
	u, err := e.svc.EnsureUser(context.Background(), clerkID, &models.Profile{
		Email:     clerkID + "@example.com",
		Username:  clerkID,
		FirstName: "Ada",
		LastName:  "Lovelace",
	})
	require.NoError(t, err)
	return u
}

func (e *env) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := e.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// ledgerSum is the raw sum of every transaction of the user.
func (e *env) ledgerSum(t *testing.T, userID int64) int64 {
	t.Helper()
	sum, err := e.store.SumCredits(context.Background(), userID)
	require.NoError(t, err)
	return sum
}

func (e *env) transactions(t *testing.T, userID int64) []models.CreditTransaction {
	t.Helper()
	txs, err := e.store.ListCreditTransactions(context.Background(), userID, 1000)
	require.NoError(t, err)
	return txs
}
