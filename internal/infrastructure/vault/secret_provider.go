// Package vault sources service secret material (argon2 pepper, audit
// signing key, admin JWT secret) from HashiCorp Vault's KV v2 engine.
package vault

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/custodia-io/custodia/internal/config"
	"github.com/custodia-io/custodia/pkg/logger"
)

// Keys inside the service secret.
const (
	FieldSecretPepper    = "secret_pepper"
	FieldAuditSigningKey = "audit_signing_key"
	FieldAdminJWTSecret  = "admin_jwt_secret"
)

// SecretProvider reads the service secret from Vault once at startup.
type SecretProvider struct {
	client *vaultapi.Client
	cfg    config.VaultConfig
	log    logger.Logger
}

// NewSecretProvider creates the Vault client.
func NewSecretProvider(cfg config.VaultConfig, log logger.Logger) (*SecretProvider, error) {
	clientCfg := vaultapi.DefaultConfig()
	clientCfg.Address = cfg.Address

	client, err := vaultapi.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &SecretProvider{
		client: client,
		cfg:    cfg,
		log:    log.WithComponent("VaultSecretProvider"),
	}, nil
}

// LoadSecurityConfig overwrites the security section with Vault-held values.
// Missing fields keep their configured values, so operators can move secrets
// into Vault one at a time.
func (p *SecretProvider) LoadSecurityConfig(ctx context.Context, sec *config.SecurityConfig) error {
	secret, err := p.client.KVv2(p.cfg.MountPath).Get(ctx, p.cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("read vault secret %s/%s: %w", p.cfg.MountPath, p.cfg.SecretKey, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault secret %s/%s is empty", p.cfg.MountPath, p.cfg.SecretKey)
	}

	if v, ok := secret.Data[FieldSecretPepper].(string); ok && v != "" {
		sec.SecretPepper = v
	}
	if v, ok := secret.Data[FieldAuditSigningKey].(string); ok && v != "" {
		sec.AuditSigningKey = v
	}
	if v, ok := secret.Data[FieldAdminJWTSecret].(string); ok && v != "" {
		sec.AdminJWTSecret = v
	}

	p.log.Info(ctx, "security material loaded from vault",
		logger.String("mount", p.cfg.MountPath),
		logger.String("secret", p.cfg.SecretKey))
	return nil
}
