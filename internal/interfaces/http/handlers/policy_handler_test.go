package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/pkg/logger"
)

type fakeRegistry struct {
	policies  []models.RotationPolicy
	upserted  *models.RotationPolicy
	upsertErr error
	removed   string
	present   bool
}

func (f *fakeRegistry) Policies() []models.RotationPolicy { return f.policies }

func (f *fakeRegistry) UpsertPolicy(p models.RotationPolicy) error {
	f.upserted = &p
	return f.upsertErr
}

func (f *fakeRegistry) RemovePolicy(name string) bool {
	f.removed = name
	return f.present
}

func policyRouter(reg *fakeRegistry) *gin.Engine {
	h := NewPolicyHandler(reg, logger.NewNoopLogger(), true)
	r := gin.New()
	r.GET("/policies", h.List)
	r.PUT("/policies/:name", h.Upsert)
	r.DELETE("/policies/:name", h.Remove)
	return r
}

func TestPolicyList(t *testing.T) {
	reg := &fakeRegistry{policies: []models.RotationPolicy{{Name: "age", MaxAgeDays: 90}}}
	r := policyRouter(reg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/policies", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"age"`)
}

func TestPolicyUpsertNamesFromURL(t *testing.T) {
	reg := &fakeRegistry{}
	r := policyRouter(reg)

	req := httptest.NewRequest(http.MethodPut, "/policies/dormant",
		bytes.NewBufferString(`{"max_inactivity_days": 180}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dormant", reg.upserted.Name)
	assert.Equal(t, 180, reg.upserted.MaxInactivityDays)
}

func TestPolicyUpsertRejectsNameMismatch(t *testing.T) {
	reg := &fakeRegistry{}
	r := policyRouter(reg)

	req := httptest.NewRequest(http.MethodPut, "/policies/dormant",
		bytes.NewBufferString(`{"name": "other", "max_age_days": 90}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, reg.upserted)
}

func TestPolicyRemove(t *testing.T) {
	reg := &fakeRegistry{present: true}
	r := policyRouter(reg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/policies/age", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "age", reg.removed)
}

func TestPolicyRemoveUnknown(t *testing.T) {
	reg := &fakeRegistry{present: false}
	r := policyRouter(reg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/policies/none", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
