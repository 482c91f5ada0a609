package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/logger"
)

type failingSink struct {
	calls int
}

func (s *failingSink) Record(context.Context, *models.AuditEvent) error {
	s.calls++
	return fmt.Errorf("broker unavailable")
}

func noopLog() logger.Logger { return logger.NewNoopLogger() }

func signedEvent(t *testing.T, key string) *models.AuditEvent {
	t.Helper()
	event := models.NewAuditEvent(constants.AuditEventRevocation, "key-1", "owner-1", "revoked")
	sig, err := SignEvent(event, key)
	require.NoError(t, err)
	event.Signature = sig
	return event
}

func TestSignAndVerify(t *testing.T) {
	event := signedEvent(t, "signing-key")
	assert.True(t, VerifyEvent(event, "signing-key"))
}

func TestVerifyRejectsTamperedEvent(t *testing.T) {
	event := signedEvent(t, "signing-key")
	event.Description = "revoked, honestly"
	assert.False(t, VerifyEvent(event, "signing-key"))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	event := signedEvent(t, "signing-key")
	assert.False(t, VerifyEvent(event, "other-key"))
}

func TestVerifyRejectsUnsignedEvent(t *testing.T) {
	event := models.NewAuditEvent(constants.AuditEventRevocation, "key-1", "owner-1", "revoked")
	assert.False(t, VerifyEvent(event, "signing-key"))
}

func TestSignatureExcludesItself(t *testing.T) {
	event := signedEvent(t, "signing-key")

	// Re-signing a signed event yields the same signature: the Signature
	// field does not feed the digest.
	sig, err := SignEvent(event, "signing-key")
	require.NoError(t, err)
	assert.Equal(t, event.Signature, sig)
}
