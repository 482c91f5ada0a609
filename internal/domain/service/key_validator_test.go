package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
	"github.com/custodia-io/custodia/pkg/utils"
)

// memKeyRepo is an in-memory KeyRepository for domain tests.
type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*models.APIKey
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: make(map[string]*models.APIKey)}
}

func (r *memKeyRepo) Create(_ context.Context, key *models.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.KeyID] = key
	return nil
}

func (r *memKeyRepo) GetByKeyID(_ context.Context, keyID string) (*models.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	if !ok {
		return nil, errors.ErrKeyNotFound()
	}
	copied := *key
	return &copied, nil
}

func (r *memKeyRepo) ListByOwner(_ context.Context, ownerID string) ([]*models.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.APIKey
	for _, k := range r.keys {
		if k.OwnerID == ownerID {
			copied := *k
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memKeyRepo) ListActive(_ context.Context) ([]*models.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.APIKey
	for _, k := range r.keys {
		if k.RevokedAt == nil {
			copied := *k
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memKeyRepo) Revoke(_ context.Context, keyID string, at time.Time, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	if !ok || key.RevokedAt != nil {
		return errors.ErrKeyNotFound()
	}
	key.RevokedAt = &at
	key.Status = constants.KeyStatus(status)
	return nil
}

func (r *memKeyRepo) Flag(_ context.Context, keyID string, at, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	if !ok || key.RevokedAt != nil || key.FlaggedAt != nil {
		return nil
	}
	key.Status = constants.KeyStatusFlagged
	key.FlaggedAt = &at
	key.RotationDeadline = &deadline
	return nil
}

func (r *memKeyRepo) MarkCompromised(_ context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	if !ok {
		return errors.ErrKeyNotFound()
	}
	key.Compromised = true
	return nil
}

func (r *memKeyRepo) MarkRotated(_ context.Context, oldKeyID, newKeyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[oldKeyID]
	if !ok || key.RevokedAt != nil {
		return errors.ErrKeyNotFound()
	}
	key.Status = constants.KeyStatusRotated
	key.RotatedTo = newKeyID
	key.RevokedAt = &at
	return nil
}

func (r *memKeyRepo) TouchUsage(_ context.Context, keyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := r.keys[keyID]; ok {
		key.LastUsedAt = &at
		key.UsageCount++
	}
	return nil
}

// plainHasher compares secrets verbatim so tests can seed hashes directly.
type plainHasher struct{}

func (plainHasher) Hash(secret string) (string, error) { return secret, nil }
func (plainHasher) Compare(secret, encodedHash string) bool {
	return secret == encodedHash
}

// stubLimiter returns a fixed result.
type stubLimiter struct {
	result *RateLimitResult
	err    error
}

func (l *stubLimiter) Allow(context.Context, string, models.RateLimit) (*RateLimitResult, error) {
	return l.result, l.err
}
func (l *stubLimiter) Peek(context.Context, string, models.RateLimit) (*RateLimitResult, error) {
	return l.result, l.err
}
func (l *stubLimiter) Reset(context.Context, string) error { return nil }

// captureSink records every audit event.
type captureSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (s *captureSink) Record(_ context.Context, event *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) types() []constants.AuditEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []constants.AuditEventType
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testRequest() models.RequestContext {
	return models.RequestContext{
		IP:       "203.0.113.7",
		Endpoint: "/api/v1/records",
		Method:   "GET",
		Secure:   true,
	}
}

func allowedResult() *RateLimitResult {
	return &RateLimitResult{
		Allowed:   true,
		Limit:     100,
		Remaining: 99,
		ResetAt:   time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
	}
}

// seedKey stores an active key and returns its credential.
func seedKey(t *testing.T, repo *memKeyRepo, mutate func(*models.APIKey)) (string, *models.APIKey) {
	t.Helper()
	keyID, credential, err := utils.GenerateCredential()
	require.NoError(t, err)
	_, secret, err := utils.ParseCredential(credential)
	require.NoError(t, err)

	key := &models.APIKey{
		KeyID:            keyID,
		SecretHash:       secret, // plainHasher stores the secret verbatim
		OwnerID:          "owner-1",
		OwnerType:        constants.OwnerTypeUser,
		Permissions:      []string{"records:read"},
		Scope:            constants.ScopeCommunity,
		ScopeID:          "community-1",
		SovereigntyLevel: constants.SovereigntyCommunityDelegate,
		RateLimit:        models.DefaultRateLimit(),
		Status:           constants.KeyStatusActive,
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, repo.Create(context.Background(), key))
	return credential, key
}

func newTestValidator(repo *memKeyRepo, limiter RateLimitService, sink *captureSink, now time.Time) *KeyValidator {
	return NewKeyValidator(repo, plainHasher{}, limiter, sink, fixedClock{now: now}, logger.NewNoopLogger())
}

func TestValidateSuccess(t *testing.T) {
	repo := newMemKeyRepo()
	sink := &captureSink{}
	credential, key := seedKey(t, repo, nil)
	v := newTestValidator(repo, &stubLimiter{result: allowedResult()}, sink,
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	kc, err := v.Validate(context.Background(), credential, testRequest())
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, kc.KeyID)
	assert.Equal(t, "owner-1", kc.OwnerID)
	assert.Equal(t, constants.ScopeCommunity, kc.Scope)
	assert.Equal(t, 100, kc.RateLimitCeiling)
	assert.Equal(t, 99, kc.RateLimitRemaining)
	assert.Empty(t, kc.Warnings)
	assert.Empty(t, sink.types())
}

func TestValidateMissingCredential(t *testing.T) {
	v := newTestValidator(newMemKeyRepo(), &stubLimiter{result: allowedResult()}, &captureSink{}, time.Now())

	_, err := v.Validate(context.Background(), "", testRequest())
	assert.Equal(t, constants.ErrCodeMissingKey, errors.CodeOf(err))
}

func TestValidateMalformedCredential(t *testing.T) {
	v := newTestValidator(newMemKeyRepo(), &stubLimiter{result: allowedResult()}, &captureSink{}, time.Now())

	_, err := v.Validate(context.Background(), "not-a-credential", testRequest())
	assert.Equal(t, constants.ErrCodeInvalidFormat, errors.CodeOf(err))
}

func TestValidateUnknownKeyAndSecretMismatchIndistinguishable(t *testing.T) {
	repo := newMemKeyRepo()
	sink := &captureSink{}
	credential, key := seedKey(t, repo, nil)
	v := newTestValidator(repo, &stubLimiter{result: allowedResult()}, sink, time.Now())

	// Unknown key ID.
	_, unknownCredential, err := utils.GenerateCredential()
	require.NoError(t, err)
	_, errUnknown := v.Validate(context.Background(), unknownCredential, testRequest())

	// Known key ID, wrong secret.
	wrongSecret := fmt.Sprintf("%s_%s_%064d", constants.CredentialPrefix, key.KeyID, 0)
	_, errMismatch := v.Validate(context.Background(), wrongSecret, testRequest())

	assert.Equal(t, constants.ErrCodeNotFound, errors.CodeOf(errUnknown))
	assert.Equal(t, constants.ErrCodeNotFound, errors.CodeOf(errMismatch))
	assert.Equal(t, errUnknown.Error(), errMismatch.Error())

	// Both attempts are audited as auth failures.
	assert.Equal(t, []constants.AuditEventType{
		constants.AuditEventAuthFailure,
		constants.AuditEventAuthFailure,
	}, sink.types())

	// The real credential still works.
	_, err = v.Validate(context.Background(), credential, testRequest())
	assert.NoError(t, err)
}

func TestValidateRevokedKey(t *testing.T) {
	repo := newMemKeyRepo()
	sink := &captureSink{}
	revokedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	credential, _ := seedKey(t, repo, func(k *models.APIKey) {
		k.RevokedAt = &revokedAt
		k.Status = constants.KeyStatusRevoked
	})
	v := newTestValidator(repo, &stubLimiter{result: allowedResult()}, sink, time.Now())

	_, err := v.Validate(context.Background(), credential, testRequest())
	assert.Equal(t, constants.ErrCodeRevoked, errors.CodeOf(err))
	assert.Equal(t, []constants.AuditEventType{constants.AuditEventAuthFailure}, sink.types())
}

func TestValidateExpiredKey(t *testing.T) {
	repo := newMemKeyRepo()
	expires := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	credential, _ := seedKey(t, repo, func(k *models.APIKey) {
		k.ExpiresAt = &expires
	})
	v := newTestValidator(repo, &stubLimiter{result: allowedResult()}, &captureSink{},
		expires.Add(time.Hour))

	_, err := v.Validate(context.Background(), credential, testRequest())
	assert.Equal(t, constants.ErrCodeExpired, errors.CodeOf(err))
}

func TestValidateKeyValidUntilExactExpiry(t *testing.T) {
	repo := newMemKeyRepo()
	expires := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	credential, _ := seedKey(t, repo, func(k *models.APIKey) {
		k.ExpiresAt = &expires
	})

	before := newTestValidator(repo, &stubLimiter{result: allowedResult()}, &captureSink{},
		expires.Add(-time.Second))
	_, err := before.Validate(context.Background(), credential, testRequest())
	assert.NoError(t, err)

	at := newTestValidator(repo, &stubLimiter{result: allowedResult()}, &captureSink{}, expires)
	_, err = at.Validate(context.Background(), credential, testRequest())
	assert.Equal(t, constants.ErrCodeExpired, errors.CodeOf(err))
}

func TestValidateIPAllowlist(t *testing.T) {
	repo := newMemKeyRepo()
	sink := &captureSink{}
	credential, _ := seedKey(t, repo, func(k *models.APIKey) {
		k.IPAllowlist = []string{"198.51.100.1"}
	})
	v := newTestValidator(repo, &stubLimiter{result: allowedResult()}, sink, time.Now())

	_, err := v.Validate(context.Background(), credential, testRequest())
	assert.Equal(t, constants.ErrCodeIPNotAllowed, errors.CodeOf(err))

	req := testRequest()
	req.IP = "198.51.100.1"
	_, err = v.Validate(context.Background(), credential, req)
	assert.NoError(t, err)
}

func TestValidateRateLimited(t *testing.T) {
	repo := newMemKeyRepo()
	sink := &captureSink{}
	credential, _ := seedKey(t, repo, nil)
	resetAt := time.Now().Add(30 * time.Second)
	v := newTestValidator(repo, &stubLimiter{result: &RateLimitResult{
		Allowed: false, Limit: 10, Remaining: 0, ResetAt: resetAt,
	}}, sink, time.Now())

	_, err := v.Validate(context.Background(), credential, testRequest())
	require.Equal(t, constants.ErrCodeRateLimited, errors.CodeOf(err))

	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, 10, e.Metadata()["limit"])
	assert.Equal(t, resetAt.UTC().Unix(), e.Metadata()["reset_at_unix"])
	assert.Contains(t, e.Metadata(), "retry_after_seconds")
	assert.Contains(t, e.Metadata(), "owner_type")
	assert.Equal(t, []constants.AuditEventType{constants.AuditEventRateLimited}, sink.types())
}

func TestValidateLimiterFailureFailsClosed(t *testing.T) {
	repo := newMemKeyRepo()
	credential, _ := seedKey(t, repo, nil)
	v := newTestValidator(repo, &stubLimiter{err: fmt.Errorf("redis down")}, &captureSink{}, time.Now())

	_, err := v.Validate(context.Background(), credential, testRequest())
	assert.Equal(t, constants.ErrCodeInternal, errors.CodeOf(err))
}

func TestValidateWarnings(t *testing.T) {
	repo := newMemKeyRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(48 * time.Hour)
	expires := now.Add(24 * time.Hour)
	credential, _ := seedKey(t, repo, func(k *models.APIKey) {
		k.Status = constants.KeyStatusFlagged
		k.RotationDeadline = &deadline
		k.ExpiresAt = &expires
	})
	v := newTestValidator(repo, &stubLimiter{result: allowedResult()}, &captureSink{}, now)

	req := testRequest()
	req.Secure = false
	kc, err := v.Validate(context.Background(), credential, req)
	require.NoError(t, err)
	assert.Len(t, kc.Warnings, 3)
}
