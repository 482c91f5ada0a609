package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-io/custodia/internal/application/service"
	"github.com/custodia-io/custodia/internal/domain/models"
	domainservice "github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/internal/infrastructure/monitoring"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
	"github.com/custodia-io/custodia/pkg/utils"
)

var testMetrics = monitoring.NewMetrics()

func init() {
	gin.SetMode(gin.TestMode)
}

type stubKeyRepo struct {
	mu  sync.Mutex
	key *models.APIKey
}

func (r *stubKeyRepo) Create(context.Context, *models.APIKey) error { return nil }

func (r *stubKeyRepo) GetByKeyID(_ context.Context, keyID string) (*models.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.key == nil || r.key.KeyID != keyID {
		return nil, errors.ErrKeyNotFound()
	}
	copied := *r.key
	return &copied, nil
}

func (r *stubKeyRepo) ListByOwner(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}
func (r *stubKeyRepo) ListActive(context.Context) ([]*models.APIKey, error) { return nil, nil }
func (r *stubKeyRepo) Revoke(context.Context, string, time.Time, string) error {
	return nil
}
func (r *stubKeyRepo) Flag(context.Context, string, time.Time, time.Time) error { return nil }
func (r *stubKeyRepo) MarkCompromised(context.Context, string) error            { return nil }
func (r *stubKeyRepo) MarkRotated(context.Context, string, string, time.Time) error {
	return nil
}

func (r *stubKeyRepo) TouchUsage(context.Context, string, time.Time) error { return nil }

type stubUsageRepo struct {
	mu      sync.Mutex
	records []*models.APIKeyUsage
}

func (r *stubUsageRepo) Append(_ context.Context, usage *models.APIKeyUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, usage)
	return nil
}

func (r *stubUsageRepo) Query(context.Context, models.UsageFilter) ([]*models.APIKeyUsage, error) {
	return nil, nil
}

func (r *stubUsageRepo) CountSuspicious(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func (r *stubUsageRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *stubUsageRepo) first() *models.APIKeyUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return nil
	}
	return r.records[0]
}

type stubLimiter struct {
	result *domainservice.RateLimitResult
}

func (l *stubLimiter) Allow(context.Context, string, models.RateLimit) (*domainservice.RateLimitResult, error) {
	return l.result, nil
}

func (l *stubLimiter) Peek(context.Context, string, models.RateLimit) (*domainservice.RateLimitResult, error) {
	return l.result, nil
}

func (l *stubLimiter) Reset(context.Context, string) error { return nil }

type nopSink struct{}

func (nopSink) Record(context.Context, *models.AuditEvent) error { return nil }

type plainHasher struct{}

func (plainHasher) Hash(secret string) (string, error) { return secret, nil }
func (plainHasher) Compare(secret, stored string) bool { return secret == stored }

type authFixture struct {
	credential string
	usage      *stubUsageRepo
	recorder   *service.UsageRecorder
	router     *gin.Engine
}

func newAuthFixture(t *testing.T, limit *domainservice.RateLimitResult, reqs ...domainservice.EvaluationRequest) *authFixture {
	t.Helper()

	keyID, credential, err := utils.GenerateCredential()
	require.NoError(t, err)
	_, secret, err := utils.ParseCredential(credential)
	require.NoError(t, err)

	repo := &stubKeyRepo{key: &models.APIKey{
		KeyID:                 keyID,
		SecretHash:            secret,
		OwnerID:               "owner-1",
		OwnerType:             constants.OwnerTypeService,
		Permissions:           []string{"records:read"},
		Scope:                 constants.ScopeCommunity,
		ScopeID:               "community-1",
		SovereigntyLevel:      constants.SovereigntyCulturalProtocol,
		DataResidencyRequired: true,
		RateLimit:             models.DefaultRateLimit(),
		Status:                constants.KeyStatusActive,
		CreatedAt:             time.Now().UTC().Add(-time.Hour),
	}}

	usage := &stubUsageRepo{}
	recorder := service.NewUsageRecorder(usage, repo, 16, testMetrics, logger.NewNoopLogger())
	recorder.Start()
	t.Cleanup(recorder.Close)

	validator := domainservice.NewKeyValidator(repo, plainHasher{}, &stubLimiter{result: limit},
		nopSink{}, domainservice.SystemClock{}, logger.NewNoopLogger())
	evaluator := domainservice.NewPermissionEvaluator(nopSink{}, logger.NewNoopLogger())
	auth := NewAPIKeyAuth(validator, evaluator, recorder, testMetrics, true)

	r := gin.New()
	r.Use(RequestID())
	protected := r.Group("/", auth.RequireAPIKey(reqs...))
	protected.GET("/resource", func(c *gin.Context) {
		kc, ok := KeyContextFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"owner_id": kc.OwnerID})
	})

	return &authFixture{credential: credential, usage: usage, recorder: recorder, router: r}
}

func allowed(limit, remaining int) *domainservice.RateLimitResult {
	return &domainservice.RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Minute),
	}
}

func TestRequireAPIKeyAllows(t *testing.T) {
	f := newAuthFixture(t, allowed(100, 99))

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(constants.HeaderAPIKey, f.credential)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get(constants.HeaderRateLimitLimit))
	assert.Equal(t, "99", w.Header().Get(constants.HeaderRateLimitRemaining))
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRateLimitReset))
	assert.Contains(t, w.Body.String(), "owner-1")
}

func TestRequireAPIKeyAcceptsBearer(t *testing.T) {
	f := newAuthFixture(t, allowed(100, 99))

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(constants.HeaderAuthorization, "Bearer "+f.credential)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAPIKeyRejectsMissingCredential(t *testing.T) {
	f := newAuthFixture(t, allowed(100, 99))

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), string(constants.ErrCodeMissingKey))
}

func TestRequireAPIKeyRejectsUnknownCredential(t *testing.T) {
	f := newAuthFixture(t, allowed(100, 99))

	_, other, err := utils.GenerateCredential()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(constants.HeaderAPIKey, other)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), string(constants.ErrCodeNotFound))
}

func TestRequireAPIKeyRateLimited(t *testing.T) {
	resetAt := time.Now().UTC().Add(45 * time.Second)
	f := newAuthFixture(t, &domainservice.RateLimitResult{
		Allowed: false,
		Limit:   100,
		ResetAt: resetAt,
	})

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(constants.HeaderAPIKey, f.credential)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRetryAfter))
	assert.Contains(t, w.Body.String(), string(constants.ErrCodeRateLimited))
}

func TestRequireAPIKeyRateLimitedCarriesBudgetHeaders(t *testing.T) {
	resetAt := time.Now().UTC().Add(45 * time.Second)
	f := newAuthFixture(t, &domainservice.RateLimitResult{
		Allowed: false,
		Limit:   100,
		ResetAt: resetAt,
	})

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(constants.HeaderAPIKey, f.credential)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "100", w.Header().Get(constants.HeaderRateLimitLimit))
	assert.Equal(t, "0", w.Header().Get(constants.HeaderRateLimitRemaining))
	assert.Equal(t, strconv.FormatInt(resetAt.Unix(), 10),
		w.Header().Get(constants.HeaderRateLimitReset))
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRetryAfter))
}

func TestRequireAPIKeyEnforcesRouteRequirements(t *testing.T) {
	f := newAuthFixture(t, allowed(100, 99), domainservice.EvaluationRequest{
		Permission: "records:write",
	})

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(constants.HeaderAPIKey, f.credential)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(constants.ErrCodePermissionDenied))

	f.recorder.Close()
	record := f.usage.first()
	require.NotNil(t, record)
	assert.True(t, record.SuspiciousActivity)
	assert.Equal(t, http.StatusForbidden, record.StatusCode)
}

func TestRequireAPIKeyClassifiesUsage(t *testing.T) {
	f := newAuthFixture(t, allowed(100, 99), domainservice.EvaluationRequest{
		Permission:           "records:read",
		Scope:                constants.ScopeCommunity,
		ScopeID:              "community-1",
		SovereigntyLevel:     constants.SovereigntyCulturalProtocol,
		RequireDataResidency: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(constants.HeaderAPIKey, f.credential)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	f.recorder.Close()
	record := f.usage.first()
	require.NotNil(t, record)
	assert.True(t, record.DataAccessed)
	assert.True(t, record.IndigenousDataAccessed)
	assert.True(t, record.DataResidencyCompliant)
	assert.False(t, record.SuspiciousActivity)
}

func TestRequireAPIKeyRecordsUsage(t *testing.T) {
	f := newAuthFixture(t, allowed(100, 99))

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(constants.HeaderAPIKey, f.credential)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	f.recorder.Close()
	assert.Equal(t, 1, f.usage.count())
}
