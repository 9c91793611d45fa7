// Package config holds OPERATOR-LEVEL configuration for a bastion
// installation: data directory, crypto keys, listen address, gateway
// config location. Set via env vars (BASTION_*) or a config file
// (bastion.config.yaml).
//
// Upstream provider API keys are tenant material and live in the
// encrypted secrets vault (internal/secrets), not here. Env vars like
// OPENAI_API_KEY are supported solely as a quickstart fallback; the
// gateway consults them only when the vault has no key for a provider.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/bastion-ai/bastion/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the BASTION_ prefix
// (e.g. "signing_key" → BASTION_SIGNING_KEY) and to a YAML field in
// bastion.config.yaml.
const (
	KeyDataDir       = "data_dir"
	KeySecretsKey    = "secrets_key"
	KeySigningKey    = "signing_key"
	KeyGatewayConfig = "gateway_config"
	KeyListenAddr    = "listen_addr"
)

const (
	DefaultGatewayConfig = "bastion.gateway.yaml"
	DefaultListenAddr    = ":8090"
)

// Config holds resolved operator-level configuration for a bastion
// process.
type Config struct {
	DataDir       string // Base directory for all state (~/.bastion)
	SecretsKey    string // Encryption key for the provider key vault (exactly 32 bytes)
	SigningKey    string // HMAC-SHA256 key for interaction signing (≥32 bytes)
	GatewayConfig string // Gateway config YAML path
	ListenAddr    string // HTTP listen address

	usingDefaultSecretsKey bool
	usingDefaultSigningKey bool
}

// UsingDefaultKeys reports whether either crypto key fell back to a
// generated default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSecretsKey || c.usingDefaultSigningKey
}

// StoreDBPath returns the full path to the main SQLite database
// (agents, policies, interactions).
func (c *Config) StoreDBPath() string {
	return filepath.Join(c.DataDir, "bastion.db")
}

// SecretsDBPath returns the full path to the secrets vault database.
func (c *Config) SecretsDBPath() string {
	return filepath.Join(c.DataDir, "secrets.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly
// set. Suppressed when BASTION_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSecretsKey {
		log.Warn().Msg("Using generated default BASTION_SECRETS_KEY, set via env var or config file for production")
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default BASTION_SIGNING_KEY, set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("BASTION_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("BASTION")
	viper.AutomaticEnv()
	viper.SetDefault(KeyGatewayConfig, DefaultGatewayConfig)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:       resolveDataDir(),
		SecretsKey:    viper.GetString(KeySecretsKey),
		SigningKey:    viper.GetString(KeySigningKey),
		GatewayConfig: viper.GetString(KeyGatewayConfig),
		ListenAddr:    viper.GetString(KeyListenAddr),
	}

	if cfg.SecretsKey == "" {
		cfg.SecretsKey = deriveDefaultKey(cfg.DataDir, "provider-key-vault")
		cfg.usingDefaultSecretsKey = true
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "interaction-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bastion"
	}
	return filepath.Join(home, ".bastion")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from
// the data directory path and a salt. This is NOT cryptographically
// strong; it exists solely so a fresh install runs out of the box while
// still encrypting data at rest with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("bastion:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSecretsKey(c.SecretsKey); err != nil {
		return err
	}
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	return nil
}

// validateSecretsKey accepts either 32 raw bytes or 64 hex characters.
func validateSecretsKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("secrets_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("secrets_key must be exactly 32 bytes or 64 hex characters (got %d); set BASTION_SECRETS_KEY", n)
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters
// decoding to ≥32 bytes. Hex is checked first so hex-format keys are
// validated as hex; raw is accepted otherwise.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set BASTION_SIGNING_KEY", n)
}
