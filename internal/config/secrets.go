package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// ResolveSecrets fills in exchange credentials and the telegram token.
// When VAULT_ADDR is set, Vault is tried first; environment variables and
// config-file values are the fallback. Missing credentials are only an
// error in production mode.
func ResolveSecrets(ctx context.Context, cfg *Config) error {
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		if err := loadFromVault(ctx, cfg); err != nil {
			log.Warn().Err(err).Msg("Could not load secrets from Vault, falling back to environment")
		}
	}

	if cfg.Exchange.Mode == "production" {
		if cfg.Exchange.Key == "" || cfg.Exchange.Secret == "" {
			return fmt.Errorf("exchange credentials not set (EXCHANGE_KEY / EXCHANGE_SECRET)")
		}
	}

	return nil
}

// loadFromVault reads secrets from the KV v2 mount at secret/coinpilot
func loadFromVault(ctx context.Context, cfg *Config) error {
	client, err := vault.NewClient(vault.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}

	secret, err := client.KVv2("secret").Get(ctx, "coinpilot")
	if err != nil {
		return fmt.Errorf("failed to read vault secret: %w", err)
	}

	if v, ok := secret.Data["exchange_key"].(string); ok && v != "" {
		cfg.Exchange.Key = v
	}
	if v, ok := secret.Data["exchange_secret"].(string); ok && v != "" {
		cfg.Exchange.Secret = v
	}
	if v, ok := secret.Data["telegram_token"].(string); ok && v != "" {
		cfg.Alerts.TelegramToken = v
	}

	log.Info().Msg("Secrets loaded from Vault")
	return nil
}
