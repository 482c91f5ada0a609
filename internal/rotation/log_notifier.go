package rotation

import (
	"context"
	"strings"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/pkg/logger"
)

// LogNotifier is the default rotation notifier. It writes a structured log
// entry per warning; external delivery (email, webhooks) replaces it behind
// the same interface.
type LogNotifier struct {
	log logger.Logger
}

// NewLogNotifier creates the logging notifier.
func NewLogNotifier(log logger.Logger) service.Notifier {
	return &LogNotifier{log: log.WithComponent("RotationNotifier")}
}

// NotifyRotationDue logs the rotation warning.
func (n *LogNotifier) NotifyRotationDue(ctx context.Context, key *models.APIKey, reasons []string, deadline time.Time) {
	n.log.Warn(ctx, "key rotation due",
		logger.String("key_id", key.KeyID),
		logger.String("owner_id", key.OwnerID),
		logger.String("reasons", strings.Join(reasons, "; ")),
		logger.Time("deadline", deadline))
}
