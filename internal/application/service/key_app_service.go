// Package service orchestrates the administrative key operations on top of
// the domain services and repositories.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-io/custodia/internal/application/dto"
	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/repository"
	domainservice "github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/internal/infrastructure/monitoring"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
	"github.com/custodia-io/custodia/pkg/utils"
)

// KeyAppService is the administrative surface: issuance, revocation,
// rotation, compromise reporting and the read-only usage and audit queries.
type KeyAppService interface {
	IssueKey(ctx context.Context, req *dto.IssueKeyRequest) (*dto.IssuedKeyResponse, error)
	GetKey(ctx context.Context, keyID string) (*dto.KeyMetadata, error)
	ListKeys(ctx context.Context, ownerID string) ([]*dto.KeyMetadata, error)
	RevokeKey(ctx context.Context, keyID, reason string) error
	RotateKey(ctx context.Context, keyID, reason string) (*dto.RotateKeyResponse, error)
	ReportCompromise(ctx context.Context, keyID string, req *dto.CompromiseReportRequest) error
	QueryUsage(ctx context.Context, filter models.UsageFilter) ([]*dto.UsageRecordResponse, error)
	QueryAudit(ctx context.Context, filter models.AuditFilter) ([]*dto.AuditEventResponse, error)
}

type keyAppServiceImpl struct {
	keys    repository.KeyRepository
	usage   repository.UsageRepository
	auditDB repository.AuditRepository
	hasher  domainservice.SecretHasher
	limiter domainservice.RateLimitService
	audit   domainservice.AuditSink
	clock   domainservice.Clock
	metrics *monitoring.Metrics
	log     logger.Logger
}

// NewKeyAppService wires the administrative service.
func NewKeyAppService(
	keys repository.KeyRepository,
	usage repository.UsageRepository,
	auditDB repository.AuditRepository,
	hasher domainservice.SecretHasher,
	limiter domainservice.RateLimitService,
	audit domainservice.AuditSink,
	clock domainservice.Clock,
	metrics *monitoring.Metrics,
	log logger.Logger,
) KeyAppService {
	return &keyAppServiceImpl{
		keys:    keys,
		usage:   usage,
		auditDB: auditDB,
		hasher:  hasher,
		limiter: limiter,
		audit:   audit,
		clock:   clock,
		metrics: metrics,
		log:     log.WithComponent("KeyAppService"),
	}
}

// IssueKey creates a key and returns the plaintext credential. This response
// is the only time the plaintext exists outside the caller's hands; only its
// hash is stored.
func (s *keyAppServiceImpl) IssueKey(ctx context.Context, req *dto.IssueKeyRequest) (*dto.IssuedKeyResponse, error) {
	key, err := s.buildKey(req)
	if err != nil {
		return nil, err
	}

	keyID, credential, err := utils.GenerateCredential()
	if err != nil {
		return nil, errors.ErrInternal("credential generation failed").WithCause(err)
	}
	_, secret, err := utils.ParseCredential(credential)
	if err != nil {
		return nil, errors.ErrInternal("generated credential is malformed").WithCause(err)
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, errors.ErrInternal("secret hashing failed").WithCause(err)
	}
	key.KeyID = keyID
	key.SecretHash = hash

	if err := s.keys.Create(ctx, key); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, constants.AuditEventKeyIssued, key.KeyID, key.OwnerID,
		fmt.Sprintf("key issued with scope %s", key.Scope))
	s.metrics.RecordKeyIssued(string(key.OwnerType))
	s.log.Info(ctx, "key issued",
		logger.String("key_id", key.KeyID),
		logger.String("owner_id", key.OwnerID))

	return &dto.IssuedKeyResponse{
		KeyID:      key.KeyID,
		Credential: credential,
		Metadata:   dto.FromKey(key),
	}, nil
}

// buildKey validates the request and assembles the record, without the
// credential material.
func (s *keyAppServiceImpl) buildKey(req *dto.IssueKeyRequest) (*models.APIKey, error) {
	ownerType := constants.OwnerType(req.OwnerType)
	if !ownerType.Valid() {
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("unknown owner type %q", req.OwnerType))
	}
	scope := constants.Scope(req.Scope)
	if !scope.Valid() {
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("unknown scope %q", req.Scope))
	}
	if scope != constants.ScopeGlobal && req.ScopeID == "" {
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("scope %q requires a scope_id", req.Scope))
	}
	if scope == constants.ScopeGlobal && req.ScopeID != "" {
		return nil, errors.ErrInvalidRequest("global scope must not carry a scope_id")
	}
	level := constants.SovereigntyLevel(req.SovereigntyLevel)
	if !level.Valid() {
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("unknown sovereignty level %q", req.SovereigntyLevel))
	}
	if req.DataResidencyRequired && req.CommunityID == "" {
		return nil, errors.ErrComplianceViolation(
			"data residency requires a community declaration")
	}

	limit := models.DefaultRateLimit()
	if req.RateLimitRequests > 0 {
		window, err := time.ParseDuration(req.RateLimitWindow)
		if err != nil || window <= 0 {
			return nil, errors.ErrInvalidRequest(fmt.Sprintf("invalid rate_limit_window %q", req.RateLimitWindow))
		}
		limit = models.RateLimit{Requests: req.RateLimitRequests, Window: window}
	}

	now := s.clock.Now()
	key := &models.APIKey{
		OwnerID:               req.OwnerID,
		OwnerType:             ownerType,
		Permissions:           req.Permissions,
		Scope:                 scope,
		ScopeID:               req.ScopeID,
		SovereigntyLevel:      level,
		CulturalProtocols:     req.CulturalProtocols,
		CommunityID:           req.CommunityID,
		DataResidencyRequired: req.DataResidencyRequired,
		IPAllowlist:           req.IPAllowlist,
		RateLimit:             limit,
		Status:                constants.KeyStatusActive,
		CreatedAt:             now,
	}
	if req.ExpiresInDays > 0 {
		expires := now.Add(time.Duration(req.ExpiresInDays) * 24 * time.Hour)
		key.ExpiresAt = &expires
	}
	return key, nil
}

// GetKey returns the public view of a key record.
func (s *keyAppServiceImpl) GetKey(ctx context.Context, keyID string) (*dto.KeyMetadata, error) {
	key, err := s.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return dto.FromKey(key), nil
}

// ListKeys returns every key issued to an owner.
func (s *keyAppServiceImpl) ListKeys(ctx context.Context, ownerID string) ([]*dto.KeyMetadata, error) {
	keys, err := s.keys.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*dto.KeyMetadata, 0, len(keys))
	for _, k := range keys {
		out = append(out, dto.FromKey(k))
	}
	return out, nil
}

// RevokeKey retires a key immediately. The record is retained for audit.
func (s *keyAppServiceImpl) RevokeKey(ctx context.Context, keyID, reason string) error {
	key, err := s.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		return err
	}
	if err := s.keys.Revoke(ctx, keyID, s.clock.Now(), string(constants.KeyStatusRevoked)); err != nil {
		return err
	}
	if err := s.limiter.Reset(ctx, keyID); err != nil {
		s.log.Warn(ctx, "failed to reset rate-limit state for revoked key",
			logger.String("key_id", keyID), logger.Err(err))
	}

	s.recordAudit(ctx, constants.AuditEventRevocation, keyID, key.OwnerID,
		fmt.Sprintf("key revoked: %s", reason))
	s.metrics.RecordRevocation("manual")
	s.log.Info(ctx, "key revoked",
		logger.String("key_id", keyID), logger.String("reason", reason))
	return nil
}

// RotateKey issues a replacement carrying the old key's attributes and
// retires the old key in the same operation. The old record stays queryable
// and points at its replacement.
func (s *keyAppServiceImpl) RotateKey(ctx context.Context, keyID, reason string) (*dto.RotateKeyResponse, error) {
	old, err := s.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if old.IsRevoked() {
		return nil, errors.ErrKeyRevoked(keyID)
	}

	newKeyID, credential, err := utils.GenerateCredential()
	if err != nil {
		return nil, errors.ErrInternal("credential generation failed").WithCause(err)
	}
	_, secret, err := utils.ParseCredential(credential)
	if err != nil {
		return nil, errors.ErrInternal("generated credential is malformed").WithCause(err)
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, errors.ErrInternal("secret hashing failed").WithCause(err)
	}

	now := s.clock.Now()
	replacement := &models.APIKey{
		KeyID:                 newKeyID,
		SecretHash:            hash,
		OwnerID:               old.OwnerID,
		OwnerType:             old.OwnerType,
		Permissions:           old.Permissions,
		Scope:                 old.Scope,
		ScopeID:               old.ScopeID,
		SovereigntyLevel:      old.SovereigntyLevel,
		CulturalProtocols:     old.CulturalProtocols,
		CommunityID:           old.CommunityID,
		DataResidencyRequired: old.DataResidencyRequired,
		IPAllowlist:           old.IPAllowlist,
		RateLimit:             old.RateLimit,
		Status:                constants.KeyStatusActive,
		CreatedAt:             now,
	}
	if old.ExpiresAt != nil {
		// Preserve the original validity span rather than the old deadline.
		expires := now.Add(old.ExpiresAt.Sub(old.CreatedAt))
		replacement.ExpiresAt = &expires
	}

	if err := s.keys.Create(ctx, replacement); err != nil {
		return nil, err
	}
	if err := s.keys.MarkRotated(ctx, keyID, newKeyID, now); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, constants.AuditEventRotation, keyID, old.OwnerID,
		fmt.Sprintf("key rotated to %s: %s", newKeyID, reason))
	s.metrics.RecordRotationAction("rotate")
	s.log.Info(ctx, "key rotated",
		logger.String("old_key_id", keyID),
		logger.String("new_key_id", newKeyID))

	return &dto.RotateKeyResponse{
		OldKeyID: keyID,
		NewKey: &dto.IssuedKeyResponse{
			KeyID:      newKeyID,
			Credential: credential,
			Metadata:   dto.FromKey(replacement),
		},
	}, nil
}

// ReportCompromise marks a key as compromised. The rotation engine revokes
// it on its next scan, or immediately when the caller asks.
func (s *keyAppServiceImpl) ReportCompromise(ctx context.Context, keyID string, req *dto.CompromiseReportRequest) error {
	key, err := s.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		return err
	}
	if err := s.keys.MarkCompromised(ctx, keyID); err != nil {
		return err
	}
	s.recordAudit(ctx, constants.AuditEventCompromiseReported, keyID, key.OwnerID,
		fmt.Sprintf("compromise reported: %s", req.Reason))

	if req.RevokeImmediately {
		if err := s.keys.Revoke(ctx, keyID, s.clock.Now(), string(constants.KeyStatusRevoked)); err != nil {
			return err
		}
		s.recordAudit(ctx, constants.AuditEventRevocation, keyID, key.OwnerID,
			"key revoked on compromise report")
		s.metrics.RecordRevocation("compromise")
	}
	return nil
}

// QueryUsage returns usage records for the export interface.
func (s *keyAppServiceImpl) QueryUsage(ctx context.Context, filter models.UsageFilter) ([]*dto.UsageRecordResponse, error) {
	records, err := s.usage.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*dto.UsageRecordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, dto.FromUsage(r))
	}
	return out, nil
}

// QueryAudit returns audit events for the export interface.
func (s *keyAppServiceImpl) QueryAudit(ctx context.Context, filter models.AuditFilter) ([]*dto.AuditEventResponse, error) {
	events, err := s.auditDB.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*dto.AuditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, dto.FromAuditEvent(e))
	}
	return out, nil
}

func (s *keyAppServiceImpl) recordAudit(ctx context.Context, eventType constants.AuditEventType, keyID, ownerID, description string) {
	event := models.NewAuditEvent(eventType, keyID, ownerID, description)
	if err := s.audit.Record(ctx, event); err != nil {
		s.log.Error(ctx, "failed to record audit event", err,
			logger.String("event_type", string(eventType)),
			logger.String("key_id", keyID))
	}
}
