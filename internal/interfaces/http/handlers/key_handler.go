package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/custodia-io/custodia/internal/application/dto"
	"github.com/custodia-io/custodia/internal/application/service"
	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/interfaces/http/middleware"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
)

// KeyHandler serves the administrative key operations.
type KeyHandler struct {
	app     service.KeyAppService
	log     logger.Logger
	verbose bool
}

// NewKeyHandler creates the handler. verbose includes error metadata in
// responses.
func NewKeyHandler(app service.KeyAppService, log logger.Logger, verbose bool) *KeyHandler {
	return &KeyHandler{app: app, log: log.WithComponent("KeyHandler"), verbose: verbose}
}

// Issue handles POST /keys.
func (h *KeyHandler) Issue(c *gin.Context) {
	var req dto.IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.ErrInvalidRequest(err.Error()))
		return
	}
	resp, err := h.app.IssueKey(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.SuccessResponse(resp, middleware.RequestIDFrom(c)))
}

// Get handles GET /keys/:key_id.
func (h *KeyHandler) Get(c *gin.Context) {
	resp, err := h.app.GetKey(c.Request.Context(), c.Param("key_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(resp, middleware.RequestIDFrom(c)))
}

// List handles GET /keys?owner_id=.
func (h *KeyHandler) List(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		h.fail(c, errors.ErrInvalidRequest("owner_id query parameter is required"))
		return
	}
	resp, err := h.app.ListKeys(c.Request.Context(), ownerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(resp, middleware.RequestIDFrom(c)))
}

// Revoke handles DELETE /keys/:key_id.
func (h *KeyHandler) Revoke(c *gin.Context) {
	var req dto.RevokeKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.ErrInvalidRequest(err.Error()))
		return
	}
	if err := h.app.RevokeKey(c.Request.Context(), c.Param("key_id"), req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(gin.H{"revoked": true}, middleware.RequestIDFrom(c)))
}

// Rotate handles POST /keys/:key_id/rotate.
func (h *KeyHandler) Rotate(c *gin.Context) {
	reason := c.Query("reason")
	if reason == "" {
		reason = "administrative rotation"
	}
	resp, err := h.app.RotateKey(c.Request.Context(), c.Param("key_id"), reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(resp, middleware.RequestIDFrom(c)))
}

// ReportCompromise handles POST /keys/:key_id/compromise.
func (h *KeyHandler) ReportCompromise(c *gin.Context) {
	var req dto.CompromiseReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.ErrInvalidRequest(err.Error()))
		return
	}
	if err := h.app.ReportCompromise(c.Request.Context(), c.Param("key_id"), &req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.SuccessResponse(gin.H{"reported": true}, middleware.RequestIDFrom(c)))
}

// Usage handles GET /keys/:key_id/usage.
func (h *KeyHandler) Usage(c *gin.Context) {
	filter := models.UsageFilter{
		KeyID: c.Param("key_id"),
		From:  parseTimeQuery(c, "from"),
		To:    parseTimeQuery(c, "to"),
		Limit: parseIntQuery(c, "limit"),
	}
	resp, err := h.app.QueryUsage(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(resp, middleware.RequestIDFrom(c)))
}

// Audit handles GET /audit.
func (h *KeyHandler) Audit(c *gin.Context) {
	filter := models.AuditFilter{
		KeyID:     c.Query("key_id"),
		OwnerID:   c.Query("owner_id"),
		EventType: constants.AuditEventType(c.Query("event_type")),
		From:      parseTimeQuery(c, "from"),
		To:        parseTimeQuery(c, "to"),
		Limit:     parseIntQuery(c, "limit"),
	}
	resp, err := h.app.QueryAudit(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(resp, middleware.RequestIDFrom(c)))
}

func (h *KeyHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if e, ok := errors.As(err); ok {
		status = e.HTTPStatus()
	}
	c.JSON(status, dto.ErrorEnvelope(err, middleware.RequestIDFrom(c), h.verbose))
}

func parseTimeQuery(c *gin.Context, name string) time.Time {
	v := c.Query(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseIntQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}
