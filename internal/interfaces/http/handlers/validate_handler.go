package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/custodia-io/custodia/internal/application/dto"
	domainservice "github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/internal/infrastructure/monitoring"
	"github.com/custodia-io/custodia/internal/interfaces/http/middleware"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
)

// ValidateHandler serves POST /validate: resolver services call it to
// authenticate a credential and receive the key context. An optional request
// body declares the operation's requirements, which are evaluated against
// the resolved context before the success response. The call consumes one
// request from the key's rate-limit window.
type ValidateHandler struct {
	validator *domainservice.KeyValidator
	evaluator *domainservice.PermissionEvaluator
	metrics   *monitoring.Metrics
	verbose   bool
}

// NewValidateHandler creates the handler.
func NewValidateHandler(validator *domainservice.KeyValidator, evaluator *domainservice.PermissionEvaluator, metrics *monitoring.Metrics, verbose bool) *ValidateHandler {
	return &ValidateHandler{validator: validator, evaluator: evaluator, metrics: metrics, verbose: verbose}
}

// Validate authenticates the credential presented in the request headers and
// runs any requirements carried in the body.
func (h *ValidateHandler) Validate(c *gin.Context) {
	start := time.Now()
	credential := middleware.ExtractCredential(c)
	req := middleware.RequestContextFrom(c)

	var body dto.ValidateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.fail(c, errors.ErrInvalidRequest("request body is not valid JSON").WithCause(err))
			return
		}
	}

	kc, err := h.validator.Validate(c.Request.Context(), credential, req)
	if err != nil {
		h.metrics.RecordValidation(string(errors.CodeOf(err)), time.Since(start))
		if e, ok := errors.As(err); ok && e.Code() == constants.ErrCodeRateLimited {
			middleware.RateLimitDenialHeaders(c, e)
			ownerType, _ := e.Metadata()["owner_type"].(string)
			h.metrics.RecordRateLimitHit(ownerType)
		}
		h.fail(c, err)
		return
	}
	h.metrics.RecordValidation("allowed", time.Since(start))

	c.Header(constants.HeaderRateLimitLimit, strconv.Itoa(kc.RateLimitCeiling))
	c.Header(constants.HeaderRateLimitRemaining, strconv.Itoa(kc.RateLimitRemaining))
	c.Header(constants.HeaderRateLimitReset, strconv.FormatInt(kc.RateLimitResetAt.Unix(), 10))

	if !body.Empty() {
		eval := domainservice.EvaluationRequest{
			Permission:           body.Permission,
			Scope:                constants.Scope(body.Scope),
			ScopeID:              body.ScopeID,
			SovereigntyLevel:     constants.SovereigntyLevel(body.SovereigntyLevel),
			CulturalProtocols:    body.CulturalProtocols,
			RequireDataResidency: body.RequireDataResidency,
			OwnerID:              body.OwnerID,
		}
		if eerr := h.evaluator.Evaluate(c.Request.Context(), kc, eval, req); eerr != nil {
			h.fail(c, eerr)
			return
		}
	}

	c.JSON(http.StatusOK, dto.SuccessResponse(dto.FromKeyContext(kc), middleware.RequestIDFrom(c)))
}

func (h *ValidateHandler) fail(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	if e, ok := errors.As(err); ok {
		status = e.HTTPStatus()
	}
	c.JSON(status, dto.ErrorEnvelope(err, middleware.RequestIDFrom(c), h.verbose))
}
