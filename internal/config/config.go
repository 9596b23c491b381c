// Package config loads and saves the clawguard configuration file. Secret
// fields are sealed on load and the file is rewritten owner-only whenever a
// plaintext or legacy value is found.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/clawinfra/clawguard/internal/fsutil"
	"github.com/clawinfra/clawguard/internal/netguard"
	"github.com/clawinfra/clawguard/internal/security"
)

// ErrUnsupportedFormat is returned for config files that are neither TOML
// nor YAML.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Config holds all clawguard configuration.
type Config struct {
	Server    ServerConfig              `toml:"server" yaml:"server"`
	Gateway   GatewayConfig             `toml:"gateway" yaml:"gateway"`
	Security  security.SecurityConfig   `toml:"security" yaml:"security"`
	Outbound  netguard.Config           `toml:"outbound" yaml:"outbound"`
	Secrets   SecretsConfig             `toml:"secrets" yaml:"secrets"`
	Audit     AuditConfig               `toml:"audit" yaml:"audit"`
	Providers map[string]ProviderConfig `toml:"providers,omitempty" yaml:"providers,omitempty"`

	mu   sync.Mutex
	path string
}

type ServerConfig struct {
	DataDir   string `toml:"data_dir" yaml:"data_dir"`
	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"` // "text" or "json"
	// LogFile, when set, also writes JSON logs to a rotated file.
	LogFile string `toml:"log_file,omitempty" yaml:"log_file,omitempty"`
}

// GatewayConfig controls the webhook gateway. PairedTokens holds sealed
// envelopes only.
type GatewayConfig struct {
	Host            string   `toml:"host" yaml:"host"`
	Port            int      `toml:"port" yaml:"port"`
	RequirePairing  bool     `toml:"require_pairing" yaml:"require_pairing"`
	AllowPublicBind bool     `toml:"allow_public_bind" yaml:"allow_public_bind"`
	PairedTokens    []string `toml:"paired_tokens" yaml:"paired_tokens"`
	// TicketSecret signs WebSocket tickets. Sealed on disk; generated when empty.
	TicketSecret string `toml:"ticket_secret" yaml:"ticket_secret"`
}

type SecretsConfig struct {
	// KeyFile defaults to <data_dir>/.secret_key.
	KeyFile      string `toml:"key_file" yaml:"key_file"`
	RejectLegacy bool   `toml:"reject_legacy" yaml:"reject_legacy"`
	// ProtectKey wraps the key file with the platform protector where one exists.
	ProtectKey bool `toml:"protect_key" yaml:"protect_key"`
}

type AuditConfig struct {
	// DBPath defaults to <data_dir>/audit.db. "off" disables the store.
	DBPath        string          `toml:"db_path" yaml:"db_path"`
	RetentionDays int             `toml:"retention_days" yaml:"retention_days"`
	PruneSchedule string          `toml:"prune_schedule" yaml:"prune_schedule"`
	MQTT          AuditMQTTConfig `toml:"mqtt" yaml:"mqtt"`
}

type AuditMQTTConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Broker   string `toml:"broker" yaml:"broker"`
	Port     int    `toml:"port" yaml:"port"`
	Username string `toml:"username,omitempty" yaml:"username,omitempty"`
	Password string `toml:"password,omitempty" yaml:"password,omitempty"`
	Topic    string `toml:"topic,omitempty" yaml:"topic,omitempty"`
}

// ProviderConfig describes an upstream model provider. APIKey is sealed on
// disk.
type ProviderConfig struct {
	BaseURL string `toml:"base_url" yaml:"base_url"`
	APIKey  string `toml:"api_key" yaml:"api_key"`
	Model   string `toml:"model,omitempty" yaml:"model,omitempty"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			RequirePairing: true,
		},
		Security: security.DefaultSecurityConfig(),
		Outbound: netguard.DefaultConfig(),
		Secrets: SecretsConfig{
			ProtectKey: true,
		},
		Audit: AuditConfig{
			RetentionDays: 30,
			PruneSchedule: "@daily",
			MQTT: AuditMQTTConfig{
				Port: 1883,
			},
		},
	}
}

// Load reads the config at path. A missing file is created from defaults.
// The file's permissions are tightened to owner-only, plaintext secrets are
// sealed with sealer and legacy envelopes are re-sealed; if anything changed
// the file is rewritten atomically.
func Load(path string, sealer Sealer, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("config file not found, writing defaults", "path", path)
		if sealer != nil {
			if _, err := cfg.seal(sealer); err != nil {
				return nil, err
			}
		}
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := fsutil.EnsureOwnerOnly(path, logger); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := decode(path, data, cfg, logger); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if sealer != nil {
		changed, err := cfg.seal(sealer)
		if err != nil {
			return nil, err
		}
		if changed {
			logger.Info("sealed plaintext or legacy secrets in config", "path", path)
			if err := cfg.Save(path); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config, logger *slog.Logger) error {
	switch format(path) {
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		for _, key := range md.Undecoded() {
			logger.Warn("unknown config key ignored", "key", key.String())
		}
	case "yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return nil
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if _, err := security.ParseAutonomy(c.Security.Autonomy.Level); err != nil {
		return fmt.Errorf("config: security.autonomy.level: %w", err)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Security.RateLimit.MaxActionsPerHour < 0 {
		return errors.New("config: security.rate_limit.max_actions_per_hour must not be negative")
	}
	switch c.Server.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: server.log_format %q must be text or json", c.Server.LogFormat)
	}
	return nil
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to path atomically with owner-only permissions.
func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	var buf bytes.Buffer
	switch format(path) {
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	if err := os.MkdirAll(filepath.Dir(path), fsutil.PermSecretDir); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), fsutil.PermSecretFile)
}

// SavePairedTokens replaces the sealed token list and rewrites the file.
func (c *Config) SavePairedTokens(sealed []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway.PairedTokens = append([]string(nil), sealed...)
	if c.path == "" {
		return nil
	}
	return c.saveLocked(c.path)
}

// PairedTokens returns a copy of the sealed token list.
func (c *Config) PairedTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Gateway.PairedTokens...)
}

// LogLevel returns the current log level. It may change on reload.
func (c *Config) LogLevel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Server.LogLevel
}

// Retention returns how long audit events are kept. Zero keeps everything.
func (c *Config) Retention() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

// Provider returns the named provider's settings.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.Providers[name]
	return p, ok
}

// ProviderNames returns the configured provider names, sorted.
func (c *Config) ProviderNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.Providers))
	for n := range c.Providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolvePath anchors a relative path at the data directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return p
	}
	return filepath.Join(c.Server.DataDir, p)
}

// KeyPath returns the secret key file location.
func (c *Config) KeyPath() string {
	if c.Secrets.KeyFile != "" {
		return c.ResolvePath(c.Secrets.KeyFile)
	}
	return filepath.Join(c.Server.DataDir, ".secret_key")
}

// AuditDBPath returns the audit database location, or "" when disabled.
func (c *Config) AuditDBPath() string {
	switch c.Audit.DBPath {
	case "off":
		return ""
	case "":
		return filepath.Join(c.Server.DataDir, "audit.db")
	default:
		return c.ResolvePath(c.Audit.DBPath)
	}
}

// WorkspacePath returns the sandbox root.
func (c *Config) WorkspacePath() string {
	return c.ResolvePath(c.Security.Sandbox.WorkspacePath)
}

// LockPath returns the daemon lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Server.DataDir, "daemon.lock")
}
