package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/infrastructure/monitoring"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
)

// Shared across tests: prometheus instruments register once per process.
var testMetrics = monitoring.NewMetrics()

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
	return nil, nil
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
	if key, ok := r.keys[keyID]; ok {
		key.Compromised = true
	}
	return nil
}

func (r *memKeyRepo) MarkRotated(_ context.Context, oldKeyID, newKeyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[oldKeyID]
	if !ok {
		return errors.ErrKeyNotFound()
	}
	key.Status = constants.KeyStatusRotated
	key.RotatedTo = newKeyID
	key.RevokedAt = &at
	return nil
}

func (r *memKeyRepo) TouchUsage(_ context.Context, keyID string, at time.Time) error {
	return nil
}

func (r *memKeyRepo) get(keyID string) *models.APIKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *r.keys[keyID]
	return &copied
}

type stubUsageRepo struct {
	suspicious map[string]int
}

func (r *stubUsageRepo) Append(context.Context, *models.APIKeyUsage) error { return nil }
func (r *stubUsageRepo) Query(context.Context, models.UsageFilter) ([]*models.APIKeyUsage, error) {
	return nil, nil
}
func (r *stubUsageRepo) CountSuspicious(_ context.Context, keyID string, _ time.Time) (int, error) {
	return r.suspicious[keyID], nil
}

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

type captureNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *captureNotifier) NotifyRotationDue(context.Context, *models.APIKey, []string, time.Time) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func activeKey(keyID string, createdAt time.Time) *models.APIKey {
	return &models.APIKey{
		KeyID:     keyID,
		OwnerID:   "owner-1",
		OwnerType: constants.OwnerTypeService,
		Scope:     constants.ScopeCommunity,
		ScopeID:   "community-1",
		RateLimit: models.DefaultRateLimit(),
		Status:    constants.KeyStatusActive,
		CreatedAt: createdAt,
	}
}

func newTestEngine(repo *memKeyRepo, usage *stubUsageRepo, sink *captureSink, notifier *captureNotifier, now time.Time, policies []models.RotationPolicy) *Engine {
	return NewEngine(repo, usage, sink, notifier, fixedClock{now: now}, testMetrics,
		time.Hour, 4, policies, logger.NewNoopLogger())
}

func TestScanFlagsKeyPastMaxAge(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newMemKeyRepo()
	sink := &captureSink{}
	notifier := &captureNotifier{}
	require.NoError(t, repo.Create(context.Background(),
		activeKey("old", now.Add(-100*24*time.Hour))))
	require.NoError(t, repo.Create(context.Background(),
		activeKey("young", now.Add(-10*24*time.Hour))))

	engine := newTestEngine(repo, &stubUsageRepo{}, sink, notifier, now, []models.RotationPolicy{
		{Name: "age", MaxAgeDays: 90, NotifyBeforeDays: 14},
	})
	require.NoError(t, engine.ScanOnce(context.Background()))

	old := repo.get("old")
	assert.Equal(t, constants.KeyStatusFlagged, old.Status)
	require.NotNil(t, old.RotationDeadline)
	assert.Equal(t, now.Add(14*24*time.Hour), *old.RotationDeadline)

	assert.Equal(t, constants.KeyStatusActive, repo.get("young").Status)
	assert.Equal(t, []constants.AuditEventType{constants.AuditEventKeyFlagged}, sink.types())
	assert.Equal(t, 1, notifier.count())
}

func TestScanRevokesCompromisedKey(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newMemKeyRepo()
	sink := &captureSink{}
	key := activeKey("bad", now.Add(-time.Hour))
	key.Compromised = true
	require.NoError(t, repo.Create(context.Background(), key))

	engine := newTestEngine(repo, &stubUsageRepo{}, sink, &captureNotifier{}, now, nil)
	require.NoError(t, engine.ScanOnce(context.Background()))

	got := repo.get("bad")
	assert.NotNil(t, got.RevokedAt)
	assert.Equal(t, constants.KeyStatusRevoked, got.Status)
	assert.Equal(t, []constants.AuditEventType{constants.AuditEventRevocation}, sink.types())
}

func TestScanRevokesFlaggedKeyPastDeadline(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newMemKeyRepo()

	flagged := activeKey("flagged", now.Add(-120*24*time.Hour))
	flaggedAt := now.Add(-8 * 24 * time.Hour)
	deadline := now.Add(-24 * time.Hour)
	flagged.Status = constants.KeyStatusFlagged
	flagged.FlaggedAt = &flaggedAt
	flagged.RotationDeadline = &deadline
	require.NoError(t, repo.Create(context.Background(), flagged))

	graced := activeKey("graced", now.Add(-120*24*time.Hour))
	futureDeadline := now.Add(24 * time.Hour)
	graced.Status = constants.KeyStatusFlagged
	graced.FlaggedAt = &flaggedAt
	graced.RotationDeadline = &futureDeadline
	require.NoError(t, repo.Create(context.Background(), graced))

	engine := newTestEngine(repo, &stubUsageRepo{}, &captureSink{}, &captureNotifier{}, now, nil)
	require.NoError(t, engine.ScanOnce(context.Background()))

	assert.NotNil(t, repo.get("flagged").RevokedAt)
	assert.Nil(t, repo.get("graced").RevokedAt)
}

func TestScanFlagsOnSuspiciousActivity(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newMemKeyRepo()
	require.NoError(t, repo.Create(context.Background(), activeKey("sus", now.Add(-time.Hour))))
	require.NoError(t, repo.Create(context.Background(), activeKey("quiet", now.Add(-time.Hour))))

	usage := &stubUsageRepo{suspicious: map[string]int{"sus": 12}}
	engine := newTestEngine(repo, usage, &captureSink{}, &captureNotifier{}, now, []models.RotationPolicy{
		{Name: "suspicious", RotateOnSuspiciousActivity: true, SuspiciousActivityThreshold: 10, NotifyBeforeDays: 1},
	})
	require.NoError(t, engine.ScanOnce(context.Background()))

	assert.Equal(t, constants.KeyStatusFlagged, repo.get("sus").Status)
	assert.Equal(t, constants.KeyStatusActive, repo.get("quiet").Status)
}

func TestScanHonorsPolicySelector(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newMemKeyRepo()

	svc := activeKey("svc", now.Add(-100*24*time.Hour))
	require.NoError(t, repo.Create(context.Background(), svc))

	user := activeKey("user", now.Add(-100*24*time.Hour))
	user.OwnerType = constants.OwnerTypeUser
	require.NoError(t, repo.Create(context.Background(), user))

	engine := newTestEngine(repo, &stubUsageRepo{}, &captureSink{}, &captureNotifier{}, now, []models.RotationPolicy{
		{
			Name:       "service-only",
			MaxAgeDays: 90,
			AppliesTo:  models.PolicySelector{OwnerTypes: []constants.OwnerType{constants.OwnerTypeService}},
		},
	})
	require.NoError(t, engine.ScanOnce(context.Background()))

	assert.Equal(t, constants.KeyStatusFlagged, repo.get("svc").Status)
	assert.Equal(t, constants.KeyStatusActive, repo.get("user").Status)
}

func TestPolicyRegistry(t *testing.T) {
	engine := newTestEngine(newMemKeyRepo(), &stubUsageRepo{}, &captureSink{}, &captureNotifier{},
		time.Now(), []models.RotationPolicy{{Name: "age", MaxAgeDays: 90}})

	assert.Error(t, engine.UpsertPolicy(models.RotationPolicy{MaxAgeDays: 30}))

	require.NoError(t, engine.UpsertPolicy(models.RotationPolicy{Name: "age", MaxAgeDays: 30}))
	require.NoError(t, engine.UpsertPolicy(models.RotationPolicy{Name: "usage", MaxUsage: 1000}))

	policies := engine.Policies()
	require.Len(t, policies, 2)
	assert.Equal(t, 30, policies[0].MaxAgeDays)

	assert.True(t, engine.RemovePolicy("age"))
	assert.False(t, engine.RemovePolicy("age"))
	assert.Len(t, engine.Policies(), 1)
}

func TestSetPoliciesSwapsAtRuntime(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newMemKeyRepo()
	require.NoError(t, repo.Create(context.Background(), activeKey("k", now.Add(-100*24*time.Hour))))

	engine := newTestEngine(repo, &stubUsageRepo{}, &captureSink{}, &captureNotifier{}, now, nil)
	require.NoError(t, engine.ScanOnce(context.Background()))
	assert.Equal(t, constants.KeyStatusActive, repo.get("k").Status)

	engine.SetPolicies([]models.RotationPolicy{{Name: "age", MaxAgeDays: 90}})
	require.NoError(t, engine.ScanOnce(context.Background()))
	assert.Equal(t, constants.KeyStatusFlagged, repo.get("k").Status)
}
