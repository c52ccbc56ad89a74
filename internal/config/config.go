// Package config loads and validates imapkit's client configuration:
// one or more IMAP accounts plus the ambient TLS/cache/logging/metrics
// settings shared across them. Same koanf+yaml load/validate shape as
// the teacher's internal/config, describing IMAP accounts to connect to
// instead of domains a mail server serves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for an imapkit-based client.
type Config struct {
	Accounts []AccountConfig `koanf:"accounts"`
	TLS      TLSConfig       `koanf:"tls"`
	Cache    CacheConfig     `koanf:"cache"`
	Logging  LoggingConfig   `koanf:"logging"`
	Metrics  MetricsConfig   `koanf:"metrics"`
}

// AccountConfig describes one IMAP account to connect to.
type AccountConfig struct {
	Name             string   `koanf:"name"`              // local label, referenced by cmd/imapkit-mail
	Host             string   `koanf:"host"`               // imap.example.com
	Port             int      `koanf:"port"`               // 143, 993, ...
	ConnectionMethod string   `koanf:"connection_method"` // cleartext, starttls, imaps, subprocess
	SubprocessCmd    string   `koanf:"subprocess_cmd"`    // required when connection_method is subprocess
	Username         string   `koanf:"username"`
	PasswordEnv      string   `koanf:"password_env"` // env var to read the password from; never stored in the file
	NetworkPolicy    string   `koanf:"network_policy"` // offline, expensive, online
	IdleTimeout      string   `koanf:"idle_timeout"`   // e.g. "29m", server IDLE is dropped and reissued before this
	Mailboxes        []string `koanf:"mailboxes"`      // empty means sync every mailbox LIST returns
}

// TLSConfig holds the client-side TLS policy applied to every account
// that dials with StartTLS or ImapsTLS.
type TLSConfig struct {
	MinVersion         string `koanf:"min_version"` // "1.2" or "1.3"
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
	CAFile             string `koanf:"ca_file"` // extra trusted CA bundle, optional
}

// CacheConfig selects and configures the cache.Cache backend.
type CacheConfig struct {
	Backend     string `koanf:"backend"` // memory, sqlite, redis
	SQLitePath  string `koanf:"sqlite_path"`
	RedisURL    string `koanf:"redis_url"`
	RedisPrefix string `koanf:"redis_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// MetricsConfig controls the optional prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ListenAddr string `koanf:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults and no
// accounts; callers add accounts via a loaded file or programmatically.
func DefaultConfig() *Config {
	return &Config{
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load reads configuration from a YAML file, starting from DefaultConfig
// and overlaying whatever the file sets.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // defaults only
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

var validConnectionMethods = map[string]bool{
	"cleartext":  true,
	"starttls":   true,
	"imaps":      true,
	"subprocess": true,
}

var validNetworkPolicies = map[string]bool{
	"offline":   true,
	"expensive": true,
	"online":    true,
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := map[string]bool{}
	for i, acct := range c.Accounts {
		if acct.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if seen[acct.Name] {
			return fmt.Errorf("accounts[%d].name %q is a duplicate", i, acct.Name)
		}
		seen[acct.Name] = true

		if err := acct.validate(i); err != nil {
			return err
		}
	}

	if err := c.TLS.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics.enabled is true")
	}

	return nil
}

func (a *AccountConfig) validate(i int) error {
	if a.ConnectionMethod == "subprocess" {
		if a.SubprocessCmd == "" {
			return fmt.Errorf("accounts[%d].subprocess_cmd is required when connection_method is subprocess", i)
		}
	} else {
		if a.Host == "" {
			return fmt.Errorf("accounts[%d].host is required", i)
		}
		if a.Port < 1 || a.Port > 65535 {
			return fmt.Errorf("accounts[%d].port must be between 1 and 65535 (got: %d)", i, a.Port)
		}
	}
	if a.ConnectionMethod == "" {
		return fmt.Errorf("accounts[%d].connection_method is required", i)
	}
	if !validConnectionMethods[a.ConnectionMethod] {
		return fmt.Errorf("accounts[%d].connection_method must be one of: cleartext, starttls, imaps, subprocess (got: %s)", i, a.ConnectionMethod)
	}
	if a.Username == "" {
		return fmt.Errorf("accounts[%d].username is required", i)
	}
	if a.PasswordEnv == "" {
		return fmt.Errorf("accounts[%d].password_env is required", i)
	}
	if a.NetworkPolicy != "" && !validNetworkPolicies[a.NetworkPolicy] {
		return fmt.Errorf("accounts[%d].network_policy must be one of: offline, expensive, online (got: %s)", i, a.NetworkPolicy)
	}
	if a.IdleTimeout != "" {
		d, err := time.ParseDuration(a.IdleTimeout)
		if err != nil {
			return fmt.Errorf("accounts[%d].idle_timeout is invalid: %w", i, err)
		}
		if d <= 0 {
			return fmt.Errorf("accounts[%d].idle_timeout must be positive (got: %s)", i, a.IdleTimeout)
		}
		if d > 29*time.Minute {
			return fmt.Errorf("accounts[%d].idle_timeout is too long, RFC 2177 recommends re-issuing IDLE before 29m (got: %s)", i, a.IdleTimeout)
		}
	}
	return nil
}

func (t *TLSConfig) validate() error {
	if t.MinVersion != "" && t.MinVersion != "1.2" && t.MinVersion != "1.3" {
		return fmt.Errorf("tls.min_version must be \"1.2\" or \"1.3\" (got: %s)", t.MinVersion)
	}
	if t.CAFile != "" {
		if err := validateFileReadable(t.CAFile); err != nil {
			return fmt.Errorf("tls.ca_file: %w", err)
		}
	}
	return nil
}

func (c *CacheConfig) validate() error {
	switch c.Backend {
	case "", "memory":
		return nil
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required when cache.backend is sqlite")
		}
		return nil
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required when cache.backend is redis")
		}
		return nil
	default:
		return fmt.Errorf("cache.backend must be one of: memory, sqlite, redis (got: %s)", c.Backend)
	}
}

func (l *LoggingConfig) validate() error {
	if l.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[l.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", l.Level)
		}
	}
	if l.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[l.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", l.Format)
		}
	}
	return nil
}

// validateFileReadable checks if a file exists and is readable.
func validateFileReadable(path string) error {
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

// EnsureCacheDir creates the sqlite cache's parent directory if needed.
func (c *Config) EnsureCacheDir() error {
	if c.Cache.Backend != "sqlite" || c.Cache.SQLitePath == "" {
		return nil
	}
	dir := filepath.Dir(c.Cache.SQLitePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return nil
}

// GetAccount returns the account configuration for a given name.
func (c *Config) GetAccount(name string) *AccountConfig {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i]
		}
	}
	return nil
}

// Password reads an account's password from its configured environment
// variable. Returning an error rather than "" lets a caller distinguish
// an unset variable from a deliberately empty password.
func (a *AccountConfig) Password() (string, error) {
	v, ok := os.LookupEnv(a.PasswordEnv)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", a.PasswordEnv)
	}
	return v, nil
}
