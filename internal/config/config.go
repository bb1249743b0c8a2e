package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// SecretEnv names the environment variable that overrides auth.jwt_secret.
const SecretEnv = "JWT_SECRET"

// MinSecretLength is the shortest HMAC secret accepted for token signing.
const MinSecretLength = 32

// Config holds all configuration for the IMAP server
type Config struct {
	Server     ServerConfig     `koanf:"server" yaml:"server"`
	TLS        TLSConfig        `koanf:"tls" yaml:"tls"`
	Auth       AuthConfig       `koanf:"auth" yaml:"auth"`
	Revocation RevocationConfig `koanf:"revocation" yaml:"revocation"`
	Audit      AuditConfig      `koanf:"audit" yaml:"audit"`
	RateLimit  RateLimitConfig  `koanf:"ratelimit" yaml:"ratelimit"`
	Metrics    MetricsConfig    `koanf:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `koanf:"logging" yaml:"logging"`
}

// ServerConfig holds listener and session configuration
type ServerConfig struct {
	Hostname        string `koanf:"hostname" yaml:"hostname"`                 // imap.example.com
	Listen          string `koanf:"listen" yaml:"listen"`                     // Bind address, empty for all interfaces
	IMAPPort        int    `koanf:"imap_port" yaml:"imap_port"`               // 143
	IMAPSPort       int    `koanf:"imaps_port" yaml:"imaps_port"`             // 993 for implicit TLS
	Greeting        bool   `koanf:"greeting" yaml:"greeting"`                 // Send "* OK" on connect
	IdleTimeout     string `koanf:"idle_timeout" yaml:"idle_timeout"`         // Autologout timer, "0" disables
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"` // Graceful shutdown timeout
}

// TLSConfig holds TLS/ACME configuration
type TLSConfig struct {
	AutoTLS  bool   `koanf:"auto_tls" yaml:"auto_tls"`   // Use Let's Encrypt
	Email    string `koanf:"email" yaml:"email"`         // ACME account email
	CertFile string `koanf:"cert_file" yaml:"cert_file"` // Manual cert path
	KeyFile  string `koanf:"key_file" yaml:"key_file"`   // Manual key path
	CacheDir string `koanf:"cache_dir" yaml:"cache_dir"` // ACME cache directory

	ChallengeListen string `koanf:"challenge_listen" yaml:"challenge_listen"` // HTTP-01 responder address
}

// AuthConfig holds bearer token settings used by AUTHENTICATE XOAUTH2
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" yaml:"jwt_secret"` // HMAC key, overridden by $JWT_SECRET
	Issuer    string `koanf:"issuer" yaml:"issuer"`         // Expected "iss", empty accepts any
	TokenTTL  string `koanf:"token_ttl" yaml:"token_ttl"`   // Lifetime of issued tokens
	Leeway    string `koanf:"leeway" yaml:"leeway"`         // Clock skew tolerance on exp
}

// RevocationConfig holds the Redis-backed token revocation list settings
type RevocationConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	RedisURL string `koanf:"redis_url" yaml:"redis_url"`
	Prefix   string `koanf:"prefix" yaml:"prefix"`
}

// AuditConfig holds the SQLite audit trail settings
type AuditConfig struct {
	Enabled      bool   `koanf:"enabled" yaml:"enabled"`
	DatabasePath string `koanf:"database_path" yaml:"database_path"`
}

// RateLimitConfig holds the per-host AUTHENTICATE failure throttle
type RateLimitConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	MaxFailures   int    `koanf:"max_failures" yaml:"max_failures"`     // Failures before blocking
	Window        string `koanf:"window" yaml:"window"`                 // Period failures are counted over
	BlockDuration string `koanf:"block_duration" yaml:"block_duration"` // How long a host stays blocked
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Listen  string `koanf:"listen" yaml:"listen"`
	Port    int    `koanf:"port" yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // json, text
	Output string `koanf:"output" yaml:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:        "localhost",
			IMAPPort:        143,
			IMAPSPort:       993,
			Greeting:        false,
			IdleTimeout:     "30m",
			ShutdownTimeout: "30s",
		},
		TLS: TLSConfig{
			CacheDir:        "/var/lib/imapd/acme",
			ChallengeListen: ":80",
		},
		Auth: AuthConfig{
			TokenTTL: "1h",
			Leeway:   "30s",
		},
		Revocation: RevocationConfig{
			RedisURL: "redis://localhost:6379/0",
			Prefix:   "imapd",
		},
		Audit: AuditConfig{
			DatabasePath: "/var/lib/imapd/audit.db",
		},
		RateLimit: RateLimitConfig{
			Enabled:       false,
			MaxFailures:   5,
			Window:        "15m",
			BlockDuration: "30m",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1",
			Port:    9143,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
			if err := k.Unmarshal("", cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if secret := os.Getenv(SecretEnv); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}

	if err := c.validatePorts(); err != nil {
		return err
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters (set it in the config file or $%s)", MinSecretLength, SecretEnv)
	}

	// TLS validation
	if c.TLS.AutoTLS {
		if c.TLS.Email == "" {
			return fmt.Errorf("tls.email is required when auto_tls is enabled")
		}
		if c.TLS.CacheDir == "" {
			return fmt.Errorf("tls.cache_dir is required when auto_tls is enabled")
		}
	} else {
		if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when tls.cert_file is set")
		}
		if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when tls.key_file is set")
		}
		for name, path := range map[string]string{"tls.cert_file": c.TLS.CertFile, "tls.key_file": c.TLS.KeyFile} {
			if path == "" {
				continue
			}
			if err := validateFileReadable(path); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	if c.Revocation.Enabled {
		if c.Revocation.RedisURL == "" {
			return fmt.Errorf("revocation.redis_url is required when revocation is enabled")
		}
		if c.Revocation.Prefix == "" {
			return fmt.Errorf("revocation.prefix is required when revocation is enabled")
		}
	}

	if c.Audit.Enabled {
		if c.Audit.DatabasePath == "" {
			return fmt.Errorf("audit.database_path is required when audit is enabled")
		}
		if !filepath.IsAbs(c.Audit.DatabasePath) {
			return fmt.Errorf("audit.database_path must be an absolute path (got: %s)", c.Audit.DatabasePath)
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.MaxFailures < 1 {
		return fmt.Errorf("ratelimit.max_failures must be at least 1 (got: %d)", c.RateLimit.MaxFailures)
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

// validatePorts ensures all port configurations are valid
func (c *Config) validatePorts() error {
	ports := map[string]int{
		"server.imap_port": c.Server.IMAPPort,
	}
	if c.HasTLS() {
		ports["server.imaps_port"] = c.Server.IMAPSPort
	}
	if c.Metrics.Enabled {
		ports["metrics.port"] = c.Metrics.Port
	}

	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535 (got: %d)", name, port)
		}
	}

	usedPorts := make(map[int]string)
	for name, port := range ports {
		if existing, ok := usedPorts[port]; ok {
			return fmt.Errorf("port conflict: %s and %s both use port %d", name, existing, port)
		}
		usedPorts[port] = name
	}

	return nil
}

// validateTimeouts ensures all duration settings parse and are in range
func (c *Config) validateTimeouts() error {
	durations := []struct {
		name      string
		value     string
		allowZero bool
		max       time.Duration
	}{
		{"server.idle_timeout", c.Server.IdleTimeout, true, 24 * time.Hour},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout, false, 5 * time.Minute},
		{"auth.token_ttl", c.Auth.TokenTTL, false, 30 * 24 * time.Hour},
		{"auth.leeway", c.Auth.Leeway, true, 10 * time.Minute},
		{"ratelimit.window", c.RateLimit.Window, false, 24 * time.Hour},
		{"ratelimit.block_duration", c.RateLimit.BlockDuration, false, 7 * 24 * time.Hour},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}
		duration, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", d.name, err)
		}
		if duration < 0 {
			return fmt.Errorf("%s cannot be negative (got: %s)", d.name, d.value)
		}
		if duration == 0 && !d.allowZero {
			return fmt.Errorf("%s cannot be zero (got: %s)", d.name, d.value)
		}
		if duration > d.max {
			return fmt.Errorf("%s is too long, maximum is %s (got: %s)", d.name, d.max, d.value)
		}
	}

	return nil
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// HasTLS reports whether an implicit-TLS listener should be started.
func (c *Config) HasTLS() bool {
	return c.TLS.AutoTLS || (c.TLS.CertFile != "" && c.TLS.KeyFile != "")
}

// IMAPAddr returns the plaintext listener address.
func (c *Config) IMAPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Listen, c.Server.IMAPPort)
}

// IMAPSAddr returns the implicit-TLS listener address.
func (c *Config) IMAPSAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Listen, c.Server.IMAPSPort)
}

// MetricsAddr returns the Prometheus endpoint address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Listen, c.Metrics.Port)
}

// Duration parses a duration setting, returning fallback when the value is
// empty or invalid. Validate reports invalid values; callers running after
// validation use this to read them.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// EnsureDirectories creates the directories holding on-disk state
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Audit.Enabled && c.Audit.DatabasePath != "" {
		dirs = append(dirs, filepath.Dir(c.Audit.DatabasePath))
	}
	if c.TLS.AutoTLS && c.TLS.CacheDir != "" {
		dirs = append(dirs, c.TLS.CacheDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Auth.JWTSecret != "" {
		cp.Auth.JWTSecret = "********"
	}
	return &cp
}

// Marshal renders the configuration as YAML with secrets masked.
func (c *Config) Marshal() ([]byte, error) {
	return yamlv3.Marshal(c.Redacted())
}
