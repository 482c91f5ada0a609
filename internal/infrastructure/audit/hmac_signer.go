package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/custodia-io/custodia/internal/domain/models"
)

// SignEvent computes the HMAC-SHA256 signature over the event body. The
// Signature field is excluded from the signed payload so verification can
// recompute it from the stored record.
func SignEvent(event *models.AuditEvent, signingKey string) (string, error) {
	body := *event
	body.Signature = ""
	payload, err := json.Marshal(&body)
	if err != nil {
		return "", err
	}

	h := hmac.New(sha256.New, []byte(signingKey))
	h.Write(payload)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// VerifyEvent recomputes the signature and compares it against the one
// carried by the event.
func VerifyEvent(event *models.AuditEvent, signingKey string) bool {
	want := event.Signature
	if want == "" {
		return false
	}
	got, err := SignEvent(event, signingKey)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(got), []byte(want))
}
