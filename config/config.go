// Package config loads the daemon configuration from YAML or TOML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the wallet daemon.
type Config struct {
	Listen      string          `yaml:"listen" toml:"listen"`
	Environment string          `yaml:"environment" toml:"environment"`
	Network     NetworkConfig   `yaml:"network" toml:"network"`
	Account     AccountConfig   `yaml:"account" toml:"account"`
	Signer      SignerConfig    `yaml:"signer" toml:"signer"`
	Journal     JournalConfig   `yaml:"journal" toml:"journal"`
	Auth        AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Telemetry   TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Log         LogConfig       `yaml:"log" toml:"log"`
}

// NetworkConfig points at the remote ledger and the deployment registry.
type NetworkConfig struct {
	RPCURL              string   `yaml:"rpc_url" toml:"rpc_url"`
	Registry            string   `yaml:"registry" toml:"registry"`
	FromBlock           uint64   `yaml:"from_block" toml:"from_block"`
	PollInterval        Duration `yaml:"poll_interval" toml:"poll_interval"`
	ReceiptPollInterval Duration `yaml:"receipt_poll_interval" toml:"receipt_poll_interval"`
	ReconnectPerMinute  float64  `yaml:"reconnect_per_minute" toml:"reconnect_per_minute"`
	ReconnectBurst      int      `yaml:"reconnect_burst" toml:"reconnect_burst"`
}

// AccountConfig locates the wallet keystore.
type AccountConfig struct {
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// SignerConfig configures the co-signing service client.
type SignerConfig struct {
	URL     string   `yaml:"url" toml:"url"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// JournalConfig enables the transfer journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig guards the mutating HTTP routes with HMAC-signed JWTs.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	HMACSecret    string `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
	Scope         string `yaml:"scope" toml:"scope"`
	// ReplayStore, when set, makes tokens single use. It is the LevelDB
	// directory holding spent token ids.
	ReplayStore   string `yaml:"replay_store" toml:"replay_store"`
}

// RateLimitConfig bounds mutating requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	Traces   bool   `yaml:"traces" toml:"traces"`
}

// LogConfig optionally mirrors logs to a rotated file.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// Load reads the configuration at path. Files ending in .toml are decoded as
// TOML, everything else as YAML. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if isTOML(path) {
		meta, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %s", undecoded[0].String())
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Default returns a configuration with every default applied.
func Default() Config {
	cfg := Config{
		Network: NetworkConfig{
			RPCURL:   "ws://127.0.0.1:7545",
			Registry: "build/contracts/ThresholdSig.json",
		},
		Account: AccountConfig{Keystore: "wallet.keystore"},
		Signer:  SignerConfig{URL: "http://127.0.0.1:8080"},
		Journal: JournalConfig{Path: "thresholdsig.db"},
	}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Network.PollInterval.Duration == 0 {
		cfg.Network.PollInterval.Duration = 4 * time.Second
	}
	if cfg.Network.ReceiptPollInterval.Duration == 0 {
		cfg.Network.ReceiptPollInterval.Duration = time.Second
	}
	if cfg.Network.ReconnectPerMinute == 0 {
		cfg.Network.ReconnectPerMinute = 12
	}
	if cfg.Network.ReconnectBurst == 0 {
		cfg.Network.ReconnectBurst = 3
	}
	if cfg.Account.PassphraseEnv == "" {
		cfg.Account.PassphraseEnv = "THRESHOLDSIG_PASSPHRASE"
	}
	if cfg.Signer.Timeout.Duration == 0 {
		cfg.Signer.Timeout.Duration = 10 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Auth.Scope == "" {
		cfg.Auth.Scope = "wallet:write"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Network.RPCURL) == "" {
		return fmt.Errorf("network.rpc_url must be configured")
	}
	if strings.TrimSpace(cfg.Network.Registry) == "" {
		return fmt.Errorf("network.registry must be configured")
	}
	if cfg.Network.ReconnectPerMinute < 0 || cfg.Network.ReconnectBurst < 0 {
		return fmt.Errorf("network reconnect limits must not be negative")
	}
	if strings.TrimSpace(cfg.Account.Keystore) == "" {
		return fmt.Errorf("account.keystore must be configured")
	}
	if strings.TrimSpace(cfg.Signer.URL) == "" {
		return fmt.Errorf("signer.url must be configured")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret or auth.hmac_secret_env must be configured when auth is enabled")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 {
		return fmt.Errorf("log rotation values must not be negative")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	if a.HMACSecret != "" || a.HMACSecretEnv == "" {
		return nil
	}
	value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
	if value == "" {
		return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
	}
	a.HMACSecret = value
	return nil
}

// Write persists cfg at path in the format implied by its extension. Secrets
// resolved from the environment are not written back.
func Write(path string, cfg Config) error {
	if cfg.Auth.HMACSecretEnv != "" {
		cfg.Auth.HMACSecret = ""
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if isTOML(path) {
		return toml.NewEncoder(f).Encode(cfg)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
