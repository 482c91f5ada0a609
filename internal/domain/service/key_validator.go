package service

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/repository"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
	"github.com/custodia-io/custodia/pkg/utils"
)

// KeyValidator authenticates presented credentials and composes the rate
// limiter. Validation is synchronous and bounded by the backing store's own
// timeouts; a store failure denies (fail closed), never hangs.
type KeyValidator struct {
	keys    repository.KeyRepository
	hasher  SecretHasher
	limiter RateLimitService
	audit   AuditSink
	clock   Clock
	log     logger.Logger
}

// NewKeyValidator wires a validator from its dependencies.
func NewKeyValidator(
	keys repository.KeyRepository,
	hasher SecretHasher,
	limiter RateLimitService,
	audit AuditSink,
	clock Clock,
	log logger.Logger,
) *KeyValidator {
	return &KeyValidator{
		keys:    keys,
		hasher:  hasher,
		limiter: limiter,
		audit:   audit,
		clock:   clock,
		log:     log.WithComponent("KeyValidator"),
	}
}

// Validate runs the full authentication sequence for a presented credential:
// format parse, record lookup, constant-time secret comparison, revocation,
// expiry, IP allowlist, then the atomic rate-limit check-and-increment.
//
// A secret mismatch returns the same not_found error as an unknown key ID so
// the two are indistinguishable to the caller. All failures except
// rate_limited are terminal for the request; rate_limited additionally
// exposes the window reset time. Security-relevant failures are written to
// the audit log with full request context before returning.
func (v *KeyValidator) Validate(ctx context.Context, credential string, req models.RequestContext) (*models.KeyContext, error) {
	if credential == "" {
		return nil, errors.ErrMissingKey()
	}

	keyID, secret, err := utils.ParseCredential(credential)
	if err != nil {
		return nil, errors.ErrInvalidFormat(err.Error())
	}

	key, err := v.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		if errors.CodeOf(err) == constants.ErrCodeNotFound {
			v.auditFailure(ctx, constants.AuditEventAuthFailure, keyID, "", "unknown key id", req)
			return nil, errors.ErrKeyNotFound()
		}
		v.log.Error(ctx, "key lookup failed", err, logger.String("key_id", keyID))
		return nil, errors.ErrInternal("key store unavailable").WithCause(err)
	}

	if !v.hasher.Compare(secret, key.SecretHash) {
		v.auditFailure(ctx, constants.AuditEventAuthFailure, keyID, key.OwnerID, "secret mismatch", req)
		return nil, errors.ErrKeyNotFound()
	}

	now := v.clock.Now()

	if key.IsRevoked() {
		v.auditFailure(ctx, constants.AuditEventAuthFailure, keyID, key.OwnerID, "revoked key presented", req)
		return nil, errors.ErrKeyRevoked(keyID)
	}

	if key.IsExpired(now) {
		v.auditFailure(ctx, constants.AuditEventAuthFailure, keyID, key.OwnerID, "expired key presented", req)
		return nil, errors.ErrKeyExpired(keyID)
	}

	if !key.AllowsIP(req.IP) {
		v.auditFailure(ctx, constants.AuditEventAuthFailure, keyID, key.OwnerID,
			fmt.Sprintf("request from %s not on allowlist", req.IP), req)
		return nil, errors.ErrIPNotAllowed(req.IP)
	}

	res, err := v.limiter.Allow(ctx, keyID, key.RateLimit)
	if err != nil {
		v.log.Error(ctx, "rate limiter failed", err, logger.String("key_id", keyID))
		return nil, errors.ErrInternal("rate limiter unavailable").WithCause(err)
	}
	if !res.Allowed {
		v.auditFailure(ctx, constants.AuditEventRateLimited, keyID, key.OwnerID,
			fmt.Sprintf("window exhausted, ceiling %d", res.Limit), req)
		return nil, errors.ErrRateLimited(res.Limit, res.ResetAt).
			WithMetadata("owner_type", string(key.OwnerType))
	}

	kc := &models.KeyContext{
		KeyID:              key.KeyID,
		OwnerID:            key.OwnerID,
		OwnerType:          key.OwnerType,
		Permissions:        key.Permissions,
		Scope:              key.Scope,
		ScopeID:            key.ScopeID,
		SovereigntyLevel:   key.SovereigntyLevel,
		CulturalProtocols:  key.CulturalProtocols,
		CommunityID:        key.CommunityID,
		DataResidency:      key.DataResidencyRequired,
		RateLimitCeiling:   res.Limit,
		RateLimitRemaining: res.Remaining,
		RateLimitResetAt:   res.ResetAt,
	}

	if key.Status == constants.KeyStatusFlagged && key.RotationDeadline != nil {
		kc.Warnings = append(kc.Warnings, fmt.Sprintf(
			"key is flagged for rotation, deadline %s", key.RotationDeadline.UTC().Format("2006-01-02")))
	}
	if !req.Secure {
		kc.Warnings = append(kc.Warnings, "credential presented over insecure transport")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Sub(now) < 7*24*time.Hour {
		kc.Warnings = append(kc.Warnings, fmt.Sprintf(
			"key expires %s", key.ExpiresAt.UTC().Format("2006-01-02")))
	}

	return kc, nil
}

// auditFailure writes a security event; sink failures are logged and
// swallowed so they never change the validation outcome.
func (v *KeyValidator) auditFailure(ctx context.Context, eventType constants.AuditEventType, keyID, ownerID, description string, req models.RequestContext) {
	event := models.NewAuditEvent(eventType, keyID, ownerID, description).WithRequest(req)
	if err := v.audit.Record(ctx, event); err != nil {
		v.log.Error(ctx, "failed to record audit event", err,
			logger.String("event_type", string(eventType)),
			logger.String("key_id", keyID))
	}
}
