package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/custodia-io/custodia/internal/application/dto"
	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/interfaces/http/middleware"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
)

// PolicyRegistry is the rotation engine's policy surface used by the
// administrative endpoints.
type PolicyRegistry interface {
	Policies() []models.RotationPolicy
	UpsertPolicy(p models.RotationPolicy) error
	RemovePolicy(name string) bool
}

// PolicyHandler serves the rotation policy endpoints. Runtime changes last
// until the next config reload; the configuration file is the durable
// policy source.
type PolicyHandler struct {
	registry PolicyRegistry
	log      logger.Logger
	verbose  bool
}

// NewPolicyHandler creates the handler.
func NewPolicyHandler(registry PolicyRegistry, log logger.Logger, verbose bool) *PolicyHandler {
	return &PolicyHandler{
		registry: registry,
		log:      log.WithComponent("PolicyHandler"),
		verbose:  verbose,
	}
}

// List handles GET /policies.
func (h *PolicyHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, dto.SuccessResponse(h.registry.Policies(), middleware.RequestIDFrom(c)))
}

// Upsert handles PUT /policies/:name. The URL segment names the policy; a
// conflicting name in the body is rejected.
func (h *PolicyHandler) Upsert(c *gin.Context) {
	name := c.Param("name")

	var policy models.RotationPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		h.fail(c, errors.ErrInvalidRequest(err.Error()))
		return
	}
	if policy.Name != "" && policy.Name != name {
		h.fail(c, errors.ErrInvalidRequest("policy name in body does not match URL"))
		return
	}
	policy.Name = name

	if err := h.registry.UpsertPolicy(policy); err != nil {
		h.fail(c, errors.ErrInvalidRequest(err.Error()))
		return
	}
	h.log.Info(c.Request.Context(), "rotation policy updated via admin api",
		logger.String("policy", name))
	c.JSON(http.StatusOK, dto.SuccessResponse(policy, middleware.RequestIDFrom(c)))
}

// Remove handles DELETE /policies/:name.
func (h *PolicyHandler) Remove(c *gin.Context) {
	name := c.Param("name")
	if !h.registry.RemovePolicy(name) {
		h.fail(c, errors.ErrInvalidRequest("no policy named "+name))
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(gin.H{"removed": name}, middleware.RequestIDFrom(c)))
}

func (h *PolicyHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if e, ok := errors.As(err); ok {
		status = e.HTTPStatus()
	}
	c.JSON(status, dto.ErrorEnvelope(err, middleware.RequestIDFrom(c), h.verbose))
}
