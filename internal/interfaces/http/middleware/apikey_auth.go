package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/custodia-io/custodia/internal/application/dto"
	"github.com/custodia-io/custodia/internal/application/service"
	"github.com/custodia-io/custodia/internal/domain/models"
	domainservice "github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/internal/infrastructure/monitoring"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
)

// APIKeyAuth validates presented credentials, runs the route's permission
// requirements against the resolved key context, and attaches that context to
// the request. Rate-limit headers are set on every response that reached the
// limiter, allowed or denied.
type APIKeyAuth struct {
	validator *domainservice.KeyValidator
	evaluator *domainservice.PermissionEvaluator
	recorder  *service.UsageRecorder
	metrics   *monitoring.Metrics
	verbose   bool
}

// NewAPIKeyAuth creates the middleware. verbose includes error metadata in
// responses, enabled outside production.
func NewAPIKeyAuth(
	validator *domainservice.KeyValidator,
	evaluator *domainservice.PermissionEvaluator,
	recorder *service.UsageRecorder,
	metrics *monitoring.Metrics,
	verbose bool,
) *APIKeyAuth {
	return &APIKeyAuth{
		validator: validator,
		evaluator: evaluator,
		recorder:  recorder,
		metrics:   metrics,
		verbose:   verbose,
	}
}

// ExtractCredential pulls the credential from X-API-Key, falling back to a
// Bearer authorization header.
func ExtractCredential(c *gin.Context) string {
	if key := c.GetHeader(constants.HeaderAPIKey); key != "" {
		return key
	}
	auth := c.GetHeader(constants.HeaderAuthorization)
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// RequestContextFrom describes the incoming request for validation and audit.
func RequestContextFrom(c *gin.Context) models.RequestContext {
	return models.RequestContext{
		IP:        c.ClientIP(),
		Endpoint:  c.FullPath(),
		Method:    c.Request.Method,
		Secure:    c.Request.TLS != nil,
		UserAgent: c.Request.UserAgent(),
		RequestID: RequestIDFrom(c),
	}
}

// RequireAPIKey is the authentication gate for key-protected routes. The
// optional requirements declare what the route needs of the key (permission,
// scope, sovereignty level, protocol acknowledgements); each is checked
// against the validated key context and any failure denies with that check's
// error kind.
func (m *APIKeyAuth) RequireAPIKey(reqs ...domainservice.EvaluationRequest) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		credential := ExtractCredential(c)
		req := RequestContextFrom(c)

		kc, err := m.validator.Validate(c.Request.Context(), credential, req)
		if err != nil {
			m.metrics.RecordValidation(string(errors.CodeOf(err)), time.Since(start))
			m.deny(c, err)
			return
		}
		m.metrics.RecordValidation("allowed", time.Since(start))

		setRateLimitHeaders(c, kc.RateLimitCeiling, kc.RateLimitRemaining, kc.RateLimitResetAt)
		c.Set(constants.ContextKeyKeyContext, kc)

		data, indigenous, residency := classifyAccess(reqs, kc)

		for i := range reqs {
			if eerr := m.evaluator.Evaluate(c.Request.Context(), kc, reqs[i], req); eerr != nil {
				m.deny(c, eerr)
				m.recordUsage(c, kc, req, start, data, indigenous, residency)
				return
			}
		}

		c.Next()

		m.recordUsage(c, kc, req, start, data, indigenous, residency)
	}
}

// deny writes the error response. Rate-limited denials carry the full budget
// header set plus Retry-After and count toward the rate-limit-hit metric.
func (m *APIKeyAuth) deny(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	if e, ok := errors.As(err); ok {
		status = e.HTTPStatus()
		if e.Code() == constants.ErrCodeRateLimited {
			RateLimitDenialHeaders(c, e)
			ownerType, _ := e.Metadata()["owner_type"].(string)
			m.metrics.RecordRateLimitHit(ownerType)
		}
	}
	c.AbortWithStatusJSON(status, dto.ErrorEnvelope(err, RequestIDFrom(c), m.verbose))
}

func (m *APIKeyAuth) recordUsage(c *gin.Context, kc *models.KeyContext, req models.RequestContext, start time.Time, data, indigenous, residency bool) {
	m.recorder.Record(&models.APIKeyUsage{
		KeyID:                  kc.KeyID,
		Timestamp:              time.Now().UTC(),
		SourceIP:               req.IP,
		Endpoint:               req.Endpoint,
		Method:                 req.Method,
		StatusCode:             c.Writer.Status(),
		ResponseTime:           time.Since(start),
		BytesOut:               int64(c.Writer.Size()),
		SecurityFlags:          kc.Warnings,
		SuspiciousActivity:     c.Writer.Status() == http.StatusForbidden,
		DataAccessed:           data,
		IndigenousDataAccessed: indigenous,
		DataResidencyCompliant: residency,
	})
}

// classifyAccess derives the usage-record classification from the route's
// declared requirements. A route that declares nothing touches no governed
// data; residency compliance holds vacuously until a requirement demands it,
// at which point it reflects the key's declaration.
func classifyAccess(reqs []domainservice.EvaluationRequest, kc *models.KeyContext) (data, indigenous, residency bool) {
	residency = true
	for _, r := range reqs {
		if r.Permission != "" || r.Scope != "" {
			data = true
		}
		if r.SovereigntyLevel != "" || len(r.CulturalProtocols) > 0 || r.Scope == constants.ScopeCommunity {
			indigenous = true
		}
		if r.RequireDataResidency {
			data = true
			residency = kc.DataResidency
		}
	}
	return data, indigenous, residency
}

// KeyContextFrom returns the key context attached by RequireAPIKey.
func KeyContextFrom(c *gin.Context) (*models.KeyContext, bool) {
	v, ok := c.Get(constants.ContextKeyKeyContext)
	if !ok {
		return nil, false
	}
	kc, ok := v.(*models.KeyContext)
	return kc, ok
}

// RateLimitDenialHeaders sets the budget headers on a rate-limited denial:
// the ceiling from the error metadata, zero remaining, the window reset, and
// Retry-After. Shared with the validate endpoint so both denial surfaces
// report the same header set.
func RateLimitDenialHeaders(c *gin.Context, e errors.Error) {
	md := e.Metadata()
	if limit, ok := md["limit"].(int); ok {
		c.Header(constants.HeaderRateLimitLimit, strconv.Itoa(limit))
	}
	c.Header(constants.HeaderRateLimitRemaining, "0")
	if reset, ok := md["reset_at_unix"].(int64); ok {
		c.Header(constants.HeaderRateLimitReset, strconv.FormatInt(reset, 10))
	}
	if retry, ok := md["retry_after_seconds"].(int); ok {
		c.Header(constants.HeaderRetryAfter, strconv.Itoa(retry))
	}
}

func setRateLimitHeaders(c *gin.Context, limit, remaining int, resetAt time.Time) {
	c.Header(constants.HeaderRateLimitLimit, strconv.Itoa(limit))
	c.Header(constants.HeaderRateLimitRemaining, strconv.Itoa(remaining))
	c.Header(constants.HeaderRateLimitReset, strconv.FormatInt(resetAt.Unix(), 10))
}
