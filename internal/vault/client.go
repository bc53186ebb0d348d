// Package vault retrieves the exchange API credentials from HashiCorp
// Vault. When Vault is disabled the credentials come straight from the
// environment-backed config, which keeps local development simple.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"weex-arena-bot/config"
	"weex-arena-bot/internal/weex"
)

// Client wraps the HashiCorp Vault client for credential retrieval
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *weex.Credentials
}

// NewClient creates a new Vault client. With Vault disabled the client is
// still usable: credential lookups fall through to the provided fallback.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// GetCredentials returns the exchange credentials: from Vault when
// enabled, otherwise the fallback from the environment. Never logs key
// material.
func (c *Client) GetCredentials(ctx context.Context, fallback weex.Credentials) (weex.Credentials, error) {
	if !c.config.Enabled {
		if fallback.APIKey == "" || fallback.SecretKey == "" {
			return weex.Credentials{}, fmt.Errorf("vault disabled and no credentials in environment")
		}
		return fallback, nil
	}

	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return weex.Credentials{}, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return weex.Credentials{}, fmt.Errorf("credentials not found in vault")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return weex.Credentials{}, fmt.Errorf("invalid secret format")
	}

	creds := weex.Credentials{
		APIKey:     getString(data, "api_key"),
		SecretKey:  getString(data, "secret_key"),
		Passphrase: getString(data, "passphrase"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return weex.Credentials{}, fmt.Errorf("vault secret missing key material")
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return creds, nil
}

// InvalidateCache drops the cached credentials, forcing a re-read
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
