// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/markup-proxy/config.toml",
	"configs/config.toml",
}

// Modes selectable with --mode.
const (
	ModeProxy = "proxy"
	ModeRelay = "relay"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Mode            string `kong:"help='Run mode: proxy|relay.',enum='proxy,relay',default='proxy',env='MODE'"`
	Listen          string `kong:"help='Listen address host:port (overrides config).',env='LISTEN_ADDR'"`
	Upstream        string `kong:"help='Upstream authority host:port (overrides config).',env='UPSTREAM_ADDR'"`
	MaxBodyBytes    int64  `kong:"help='Maximum buffered response body in bytes (overrides config).',env='MAX_BODY_BYTES'"`
	ConnectTimeout  int    `kong:"help='Upstream connect timeout in seconds (overrides config).',env='CONNECT_TIMEOUT'"`
	ResponseTimeout int    `kong:"help='Upstream response timeout in seconds (overrides config).',env='RESPONSE_TIMEOUT'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Transform TransformConfig `toml:"transform"`
	Admin     AdminConfig     `toml:"admin"`
	Relay     RelayConfig     `toml:"relay"`
	Log       LogConfig       `toml:"log"`

	Mode     string `toml:"-"`
	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Addr         string          `toml:"addr"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	Addr                   string               `toml:"addr"`
	Scheme                 string               `toml:"scheme"` // empty inherits the inbound scheme, then http
	ConnectTimeoutSeconds  int                  `toml:"connect_timeout_seconds"`
	ResponseTimeoutSeconds int                  `toml:"response_timeout_seconds"`
	IdleConnections        int                  `toml:"idle_connections"`
	CircuitBreaker         CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls fail-fast behaviour when the upstream keeps failing.
type CircuitBreakerConfig struct {
	Enabled      bool    `toml:"enabled"`
	MinRequests  int     `toml:"min_requests"`
	FailureRatio float64 `toml:"failure_ratio"`
	OpenSeconds  int     `toml:"open_seconds"`
}

// TransformConfig holds document pipeline settings.
type TransformConfig struct {
	Enabled       *bool    `toml:"enabled"` // nil means enabled
	ContentTypes  []string `toml:"content_types"`
	MaxBodyBytes  int64    `toml:"max_body_bytes"`
	MaxDepth      int      `toml:"max_depth"`
	MaxNodes      int      `toml:"max_nodes"`
	MaxTokenBytes int      `toml:"max_token_bytes"`
	Rules         string   `toml:"rules"`
}

// AdminConfig holds the health and metrics listener settings.
type AdminConfig struct {
	Enabled *bool  `toml:"enabled"` // nil means enabled
	Addr    string `toml:"addr"`
}

// RelayConfig holds raw TCP relay settings used in relay mode.
type RelayConfig struct {
	Listen             string `toml:"listen"`
	Remote             string `toml:"remote"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/markup-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	c.Mode = cli.Mode
	if cli.Listen != "" {
		if c.Mode == ModeRelay {
			c.Relay.Listen = cli.Listen
		} else {
			c.Server.Addr = cli.Listen
		}
	}
	if cli.Upstream != "" {
		if c.Mode == ModeRelay {
			c.Relay.Remote = cli.Upstream
		} else {
			c.Upstream.Addr = cli.Upstream
		}
	}
	if cli.MaxBodyBytes != 0 {
		c.Transform.MaxBodyBytes = cli.MaxBodyBytes
	}
	if cli.ConnectTimeout != 0 {
		c.Upstream.ConnectTimeoutSeconds = cli.ConnectTimeout
		c.Relay.DialTimeoutSeconds = cli.ConnectTimeout
	}
	if cli.ResponseTimeout != 0 {
		c.Upstream.ResponseTimeoutSeconds = cli.ResponseTimeout
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case "", ModeProxy, ModeRelay:
		// valid
	default:
		return fmt.Errorf("mode must be one of: proxy, relay; got %q", c.Mode)
	}

	// Addresses: optional, but must be host:port when present.
	for _, a := range []struct{ name, val string }{
		{"server.addr", c.Server.Addr},
		{"upstream.addr", c.Upstream.Addr},
		{"admin.addr", c.Admin.Addr},
		{"relay.listen", c.Relay.Listen},
		{"relay.remote", c.Relay.Remote},
	} {
		if a.val == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(a.val); err != nil {
			return fmt.Errorf("%s must be host:port; got %q", a.name, a.val)
		}
	}

	switch strings.ToLower(c.Upstream.Scheme) {
	case "", "http", "https":
		// valid
	default:
		return fmt.Errorf("upstream.scheme must be http or https; got %q", c.Upstream.Scheme)
	}

	// Numeric bounds.
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.ResponseTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if cb := c.Upstream.CircuitBreaker; cb.Enabled {
		if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
			return fmt.Errorf("upstream.circuit_breaker.failure_ratio must be within 0–1; got %v", cb.FailureRatio)
		}
		if cb.MinRequests < 0 || cb.OpenSeconds < 0 {
			return errors.New("upstream.circuit_breaker.min_requests and open_seconds must be non-negative")
		}
	}
	if c.Transform.MaxBodyBytes < 0 {
		return fmt.Errorf("transform.max_body_bytes must be non-negative; got %d", c.Transform.MaxBodyBytes)
	}
	if c.Transform.MaxDepth < 0 || c.Transform.MaxNodes < 0 || c.Transform.MaxTokenBytes < 0 {
		return errors.New("transform.max_depth, max_nodes and max_token_bytes must be non-negative")
	}
	for _, ct := range c.Transform.ContentTypes {
		if !strings.Contains(ct, "/") {
			return fmt.Errorf("transform.content_types entries must be type/subtype; got %q", ct)
		}
	}
	if c.Relay.DialTimeoutSeconds < 0 {
		return fmt.Errorf("relay.dial_timeout_seconds must be non-negative; got %d", c.Relay.DialTimeoutSeconds)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeProxy
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:3000"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.Addr == "" {
		c.Upstream.Addr = "localhost:8000"
	}
	c.Upstream.Scheme = strings.ToLower(c.Upstream.Scheme)
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ResponseTimeoutSeconds == 0 {
		c.Upstream.ResponseTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if cb := &c.Upstream.CircuitBreaker; cb.Enabled {
		if cb.MinRequests == 0 {
			cb.MinRequests = 10
		}
		if cb.FailureRatio == 0 {
			cb.FailureRatio = 0.5
		}
		if cb.OpenSeconds == 0 {
			cb.OpenSeconds = 30
		}
	}
	if c.Transform.Enabled == nil {
		enabled := true
		c.Transform.Enabled = &enabled
	}
	if c.Transform.MaxBodyBytes == 0 {
		c.Transform.MaxBodyBytes = 10 * 1024 * 1024
	}
	if c.Transform.MaxDepth == 0 {
		c.Transform.MaxDepth = 512
	}
	if c.Transform.MaxNodes == 0 {
		c.Transform.MaxNodes = 200_000
	}
	if c.Transform.MaxTokenBytes == 0 {
		c.Transform.MaxTokenBytes = 1024 * 1024
	}
	if c.Admin.Enabled == nil {
		enabled := true
		c.Admin.Enabled = &enabled
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:9090"
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = "127.0.0.1:3001"
	}
	if c.Relay.Remote == "" {
		c.Relay.Remote = c.Upstream.Addr
	}
	if c.Relay.DialTimeoutSeconds == 0 {
		c.Relay.DialTimeoutSeconds = c.Upstream.ConnectTimeoutSeconds
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// TransformEnabled reports whether responses may be rewritten.
func (c *TransformConfig) TransformEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// AdminEnabled reports whether the admin listener runs.
func (c *AdminConfig) AdminEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ConnectTimeout returns the upstream connect timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ResponseTimeout returns the upstream response timeout.
func (c *UpstreamConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSeconds) * time.Second
}

// DialTimeout returns the relay dial timeout.
func (c *RelayConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
