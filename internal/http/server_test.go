package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"

	"zenverifier/internal/config"
	"zenverifier/internal/identity"
	"zenverifier/internal/models"
	"zenverifier/internal/services"
	"zenverifier/internal/store/memory"
	"zenverifier/internal/verifier"
)

const testStripeSecret = "whsec_http_test"

// Svix secrets are base64 after the prefix.
const testClerkSecret = "whsec_Y2xlcmstaHR0cC10ZXN0LXNpZ25pbmcta2V5"

type stubVerifier struct {
	result verifier.Result
	err    error
	files  map[string]verifier.FileInfo
}

func (v *stubVerifier) VerifyEmail(_ context.Context, email string, _ int) (verifier.Result, error) {
	if v.err != nil {
		return verifier.Result{}, v.err
	}
	res := v.result
	res.Email = email
	return res, nil
}

func (v *stubVerifier) UploadFile(_ context.Context, fileName string, _ []byte) (verifier.FileInfo, error) {
	info := verifier.FileInfo{FileID: "2001", FileName: fileName, Status: models.BulkStatusInQueue}
	v.files[info.FileID.String()] = info
	return info, nil
}

func (v *stubVerifier) FileInfo(_ context.Context, fileID string) (verifier.FileInfo, error) {
	info, ok := v.files[fileID]
	if !ok {
		return verifier.FileInfo{}, &verifier.APIError{Status: http.StatusNotFound, Code: verifier.CodeFileNotFound, Message: "file_id not found"}
	}
	return info, nil
}

func (v *stubVerifier) Download(context.Context, string, verifier.DownloadOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("email,result\na@example.com,ok\n")), nil
}

func (v *stubVerifier) Credits(context.Context) (verifier.Credits, error) {
	return verifier.Credits{Credits: 1000}, nil
}

func (v *stubVerifier) Stop(context.Context, string) error   { return nil }
func (v *stubVerifier) Delete(context.Context, string) error { return nil }

type testServer struct {
	handler  http.Handler
	svc      *services.Service
	store    *memory.Store
	verifier *stubVerifier
	key      *rsa.PrivateKey
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.App.PublicURL = "https://app.example.com"
	cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Clerk.AdminUserIDs = []string{"user_admin"}
	cfg.Stripe.SecretKey = "sk_test_123"
	cfg.Stripe.WebhookSecret = testStripeSecret
	cfg.Clerk.WebhookSecret = testClerkSecret
	cfg.Credits.SignupBonus = 500
	cfg.Credits.SingleCheckCost = 1
	cfg.Credits.DefaultTimeout = 20
	cfg.Credits.Packages = []config.PackageConfig{
		{ID: "10k", Credits: 10000, PriceCents: 3700, Interval: "month"},
	}
	cfg.Bulk.MaxUploadBytes = 1024
	cfg.Internal.APIKey = "internal-secret"
	cfg.Internal.EnableTestRoutes = true
	return cfg
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	sessions, err := identity.NewSessionVerifier(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil)
	require.NoError(t, err)

	ts := &testServer{
		store: memory.New(),
		verifier: &stubVerifier{
			result: verifier.Result{Result: "ok", ResultCode: 1, Quality: "good", Credits: 1},
			files:  map[string]verifier.FileInfo{},
		},
		key: key,
	}
	ts.svc = services.New(cfg, services.Deps{
		Store:    ts.store,
		Verifier: ts.verifier,
		Metrics:  services.NewMetrics(prometheus.NewRegistry()),
	})
	ts.handler = NewServer(ts.svc, cfg, Options{
		Sessions: sessions,
		Gatherer: prometheus.NewRegistry(),
	}).Routes()
	return ts
}

func (ts *testServer) user(t *testing.T, clerkID string) models.User {
	t.Helper()
	u, err := ts.svc.EnsureUser(context.Background(), clerkID, &models.Profile{Email: clerkID + "@example.com"})
	require.NoError(t, err)
	return u
}

func (ts *testServer) apiKey(t *testing.T, u models.User) string {
	t.Helper()
	raw, _, err := ts.svc.CreateAPIKey(context.Background(), u.ID, "test")
	require.NoError(t, err)
	return raw
}

func (ts *testServer) sessionToken(t *testing.T, clerkID string) string {
	t.Helper()
	claims := identity.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clerkID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.key)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func withKey(req *http.Request, raw string) *http.Request {
	req.Header.Set(headerAPIKey, raw)
	return req
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func stripeSignature(payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(testStripeSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func clerkDelivery(t *testing.T, msgID string, payload string) *http.Request {
	t.Helper()
	wh, err := svix.NewWebhook(testClerkSecret)
	require.NoError(t, err)
	now := time.Now()
	sig, err := wh.Sign(msgID, now, []byte(payload))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/clerk", strings.NewReader(payload))
	req.Header.Set(identity.HeaderWebhookID, msgID)
	req.Header.Set(identity.HeaderWebhookTimestamp, fmt.Sprintf("%d", now.Unix()))
	req.Header.Set(identity.HeaderWebhookSignature, sig)
	return req
}

func TestParseID(t *testing.T) {
	id, err := parseID("123")
	require.NoError(t, err)
	assert.EqualValues(t, 123, id)

	for _, raw := range []string{"", "abc", "0", "-4"} {
		_, err := parseID(raw)
		assert.Error(t, err, raw)
	}
}

func TestParsePagination(t *testing.T) {
	req := &http.Request{URL: &url.URL{}}
	page, size := parsePagination(req)
	assert.Equal(t, 1, page)
	assert.Equal(t, 20, size)

	req = &http.Request{URL: &url.URL{RawQuery: "page=3&page_size=500"}}
	page, size = parsePagination(req)
	assert.Equal(t, 3, page)
	assert.Equal(t, 20, size)
}

func TestHistoryFilterFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?page=2&limit=10&email=al&dateFrom=2025-01-01&dateTo=2025-01-31T00:00:00Z", nil)
	f, err := historyFilterFromQuery(req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Page)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, "al", f.Email)
	require.NotNil(t, f.DateFrom)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *f.DateFrom)

	_, err = historyFilterFromQuery(httptest.NewRequest(http.MethodGet, "/?page=x", nil))
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
	_, err = historyFilterFromQuery(httptest.NewRequest(http.MethodGet, "/?dateFrom=yesterday", nil))
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
}

func TestCallerAuthentication(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "user_1")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, ts.do(req).Code)

	rec = ts.do(withKey(httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil), ts.apiKey(t, u)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 500, decode[map[string]int64](t, rec)["credits"])

	req = httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil)
	req.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "user_1"))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 500, decode[map[string]int64](t, rec)["credits"])
}

func TestVerifySingleEndpoint(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "user_1")
	key := ts.apiKey(t, u)

	rec := ts.do(withKey(httptest.NewRequest(http.MethodPost, "/api/verification/single",
		jsonBody(t, map[string]any{"email": "someone@example.com"})), key))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["result"])
	assert.EqualValues(t, 499, body["remainingCredits"])

	rec = ts.do(withKey(httptest.NewRequest(http.MethodPost, "/api/verification/single",
		jsonBody(t, map[string]any{"email": "someone@example.com", "timeout": 90})), key))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.verifier.err = &verifier.APIError{Status: http.StatusBadRequest, Code: verifier.CodeInvalidAPIKey, Message: "Invalid API key"}
	rec = ts.do(withKey(httptest.NewRequest(http.MethodPost, "/api/verification/single",
		jsonBody(t, map[string]any{"email": "someone@example.com"})), key))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, verifier.CodeInvalidAPIKey, decode[ErrorResponse](t, rec).Code)
}

func TestVerifySingleInsufficientCredits(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "user_1")
	_, err := ts.store.InsertCreditTransaction(context.Background(), models.CreditTransaction{UserID: u.ID, Amount: -500, Type: models.TxTest})
	require.NoError(t, err)

	rec := ts.do(withKey(httptest.NewRequest(http.MethodPost, "/api/verification/single",
		jsonBody(t, map[string]any{"email": "someone@example.com"})), ts.apiKey(t, u)))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestBulkUploadAndDownload(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "user_1")
	key := ts.apiKey(t, u)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "leads.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("email\na@example.com\nb@example.com\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := withKey(httptest.NewRequest(http.MethodPost, "/api/verification/bulk/upload", &buf), key)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decode[models.BulkJob](t, rec)
	assert.Equal(t, "2001", job.FileID)

	rec = ts.do(withKey(httptest.NewRequest(http.MethodGet, "/api/verification/bulk/download?fileId=2001&filter=ok", nil), key))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `attachment; filename="verification-results-2001-ok.csv"`, rec.Header().Get("Content-Disposition"))
	assert.Contains(t, rec.Body.String(), "a@example.com")

	rec = ts.do(withKey(httptest.NewRequest(http.MethodGet, "/api/verification/bulk/status", nil), key))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	other := ts.apiKey(t, ts.user(t, "user_2"))
	rec = ts.do(withKey(httptest.NewRequest(http.MethodGet, "/api/verification/bulk/status?fileId=2001", nil), other))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "user_1")
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_pay_1",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 1700000000,
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"mode": "payment",
			"customer": "cus_1",
			"payment_intent": "pi_1",
			"metadata": {"userId": "%d", "credits": "10000"}
		}}
	}`, u.ID))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, ts.do(req).Code)

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", stripeSignature(payload, time.Now()))
		rec := ts.do(req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	balance, err := ts.svc.GetBalance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10500, balance)
}

func TestStripeWebhookNotConfigured(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Stripe.WebhookSecret = "" })
	rec := ts.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClerkWebhook(t *testing.T) {
	ts := newTestServer(t)
	created := `{"type":"user.created","data":{"id":"user_9","object":"user","username":"nine",
		"primary_email_address_id":"e1","email_addresses":[{"id":"e1","email_address":"nine@example.com"}]}}`

	bad := clerkDelivery(t, "msg_0", created)
	bad.Header.Set(identity.HeaderWebhookSignature, "v1,bm9wZQ==")
	assert.Equal(t, http.StatusBadRequest, ts.do(bad).Code)

	rec := ts.do(clerkDelivery(t, "msg_1", created))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	u, err := ts.store.GetUserByClerkID(context.Background(), "user_9")
	require.NoError(t, err)
	assert.Equal(t, "nine@example.com", u.Email)
	balance, err := ts.svc.GetBalance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500, balance)

	rec = ts.do(clerkDelivery(t, "msg_2", `{"type":"session.created","data":{"id":"sess_1"}}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(clerkDelivery(t, "msg_3", `{"type":"user.deleted","data":{"id":"user_9","object":"user","deleted":true}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Events for a deleted account are acknowledged so Svix stops retrying.
	updated := strings.Replace(created, "user.created", "user.updated", 1)
	rec = ts.do(clerkDelivery(t, "msg_4", updated))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(clerkDelivery(t, "msg_5", created))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	balance, err = ts.svc.GetBalance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500, balance)
}

func TestClerkWebhookNotConfigured(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Clerk.WebhookSecret = "" })
	rec := ts.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/clerk", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.user(t, "user_admin")
	u := ts.user(t, "user_1")

	rec := ts.do(withKey(httptest.NewRequest(http.MethodGet, "/api/admin/users", nil), ts.apiKey(t, u)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin access needs an interactive session, not an API key.
	rec = ts.do(withKey(httptest.NewRequest(http.MethodGet, "/api/admin/users", nil), ts.apiKey(t, admin)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "user_admin"))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[pageResponse[models.User]](t, rec)
	assert.EqualValues(t, 2, page.Total)

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/admin/users/%d/ledger", u.ID), nil)
	req.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "user_admin"))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 500, decode[services.LedgerView](t, rec).Balance)
}

func TestInternalGrant(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "user_1")
	body := map[string]any{"userId": u.ID, "credits": 250, "idempotencyKey": "seed-1"}

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/api/internal/credits", jsonBody(t, body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for i, want := range []int{http.StatusCreated, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/api/internal/credits", jsonBody(t, body))
		req.Header.Set(headerInternalKey, "internal-secret")
		assert.Equal(t, want, ts.do(req).Code, "attempt %d", i)
	}
	balance, err := ts.svc.GetBalance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 750, balance)

	disabled := newTestServer(t, func(c *config.Config) { c.Internal.EnableTestRoutes = false })
	req := httptest.NewRequest(http.MethodPost, "/api/internal/credits", jsonBody(t, body))
	req.Header.Set(headerInternalKey, "internal-secret")
	assert.Equal(t, http.StatusNotFound, disabled.do(req).Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{Requests: 2, Window: time.Minute, Burst: 2}
	})
	key := ts.apiKey(t, ts.user(t, "user_1"))

	for range 2 {
		rec := ts.do(withKey(httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil), key))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(withKey(httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil), key))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestPublicRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/packages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]config.PackageConfig](t, rec), 1)

	assert.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil)).Code)
	assert.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/api/readyz", nil)).Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/credits/balance", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = ts.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	allowed := strings.Split(rec.Header().Get("Access-Control-Allow-Headers"), ",")
	assert.Contains(t, allowed, "X-API-Key")
	assert.Contains(t, allowed, "X-Internal-Key")
}
