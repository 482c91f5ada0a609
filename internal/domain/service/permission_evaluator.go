package service

import (
	"context"
	"fmt"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
)

// CustomPredicate is a caller-supplied check over the validated key context.
// Returning an error denies the request. A panic inside the predicate is
// recovered and also denies: evaluation fails closed, never open.
type CustomPredicate func(kc *models.KeyContext) error

// EvaluationRequest describes what an operation requires of a key. Zero
// values mean "not required".
type EvaluationRequest struct {
	Permission string

	Scope   constants.Scope
	ScopeID string

	SovereigntyLevel constants.SovereigntyLevel

	CulturalProtocols []string

	RequireDataResidency bool

	// OwnerID, when set, requires the key's owner to match unless the key is
	// globally scoped.
	OwnerID string

	Custom CustomPredicate
}

// PermissionEvaluator checks scope, ownership, sovereignty, and
// cultural-protocol requirements for a specific operation. Every failing
// check emits its audit event before the error is returned.
type PermissionEvaluator struct {
	audit AuditSink
	log   logger.Logger
}

// NewPermissionEvaluator wires an evaluator.
func NewPermissionEvaluator(audit AuditSink, log logger.Logger) *PermissionEvaluator {
	return &PermissionEvaluator{
		audit: audit,
		log:   log.WithComponent("PermissionEvaluator"),
	}
}

// Evaluate runs each required check independently; the first failure is
// returned with its distinct error kind.
func (e *PermissionEvaluator) Evaluate(ctx context.Context, kc *models.KeyContext, req EvaluationRequest, reqCtx models.RequestContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Fail closed on any fault inside evaluation.
			e.log.Error(ctx, "permission evaluation panicked", fmt.Errorf("%v", r),
				logger.String("key_id", kc.KeyID))
			err = errors.ErrCustomValidationFailed("evaluation fault")
			e.emit(ctx, constants.AuditEventPermissionDenied, kc, reqCtx,
				fmt.Sprintf("evaluation fault: %v", r))
		}
	}()

	if req.Permission != "" && !hasPermission(kc.Permissions, req.Permission) {
		e.emit(ctx, constants.AuditEventPermissionDenied, kc, reqCtx,
			fmt.Sprintf("missing permission %q", req.Permission))
		return errors.ErrPermissionDenied(req.Permission)
	}

	// A globally scoped key covers every scope and owner.
	if req.Scope != "" && kc.Scope != constants.ScopeGlobal {
		if kc.Scope != req.Scope || (req.ScopeID != "" && kc.ScopeID != req.ScopeID) {
			e.emit(ctx, constants.AuditEventScopeViolation, kc, reqCtx,
				fmt.Sprintf("requires %s:%s, key is %s:%s", req.Scope, req.ScopeID, kc.Scope, kc.ScopeID))
			return errors.ErrScopeMismatch(
				fmt.Sprintf("%s:%s", req.Scope, req.ScopeID),
				fmt.Sprintf("%s:%s", kc.Scope, kc.ScopeID))
		}
	}

	if req.SovereigntyLevel != "" && !kc.SovereigntyLevel.AtLeast(req.SovereigntyLevel) {
		e.emit(ctx, constants.AuditEventSovereigntyViolation, kc, reqCtx,
			fmt.Sprintf("requires %s, key holds %s", req.SovereigntyLevel, kc.SovereigntyLevel))
		return errors.ErrSovereigntyViolation(req.SovereigntyLevel, kc.SovereigntyLevel)
	}

	if len(req.CulturalProtocols) > 0 {
		ok, missing := acknowledges(kc.CulturalProtocols, req.CulturalProtocols)
		if !ok {
			e.emit(ctx, constants.AuditEventCulturalProtocolViolation, kc, reqCtx,
				fmt.Sprintf("missing protocol acknowledgements: %v", missing))
			return errors.ErrCulturalProtocolViolation(missing)
		}
	}

	if req.RequireDataResidency && !kc.DataResidency {
		e.emit(ctx, constants.AuditEventComplianceViolation, kc, reqCtx,
			"operation requires a data-residency declaration the key does not carry")
		return errors.ErrComplianceViolation("key carries no data-residency declaration")
	}

	if req.OwnerID != "" && kc.Scope != constants.ScopeGlobal && kc.OwnerID != req.OwnerID {
		e.emit(ctx, constants.AuditEventOwnershipViolation, kc, reqCtx,
			fmt.Sprintf("resource owned by %s, key owned by %s", req.OwnerID, kc.OwnerID))
		return errors.ErrOwnershipViolation(req.OwnerID)
	}

	if req.Custom != nil {
		if cerr := req.Custom(kc); cerr != nil {
			e.emit(ctx, constants.AuditEventPermissionDenied, kc, reqCtx,
				fmt.Sprintf("custom predicate rejected: %v", cerr))
			return errors.ErrCustomValidationFailed(cerr.Error())
		}
	}

	return nil
}

func (e *PermissionEvaluator) emit(ctx context.Context, eventType constants.AuditEventType, kc *models.KeyContext, reqCtx models.RequestContext, description string) {
	event := models.NewAuditEvent(eventType, kc.KeyID, kc.OwnerID, description).WithRequest(reqCtx)
	if err := e.audit.Record(ctx, event); err != nil {
		e.log.Error(ctx, "failed to record audit event", err,
			logger.String("event_type", string(eventType)),
			logger.String("key_id", kc.KeyID))
	}
}

func hasPermission(permissions []string, required string) bool {
	for _, p := range permissions {
		if p == required {
			return true
		}
	}
	return false
}

func acknowledges(held, required []string) (bool, []string) {
	var missing []string
	for _, r := range required {
		found := false
		for _, h := range held {
			if h == r {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, r)
		}
	}
	return len(missing) == 0, missing
}
