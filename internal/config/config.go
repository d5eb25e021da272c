// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/xproxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host             string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel         string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	MaxWSConnections int    `kong:"name='max-ws-connections',help='Maximum concurrent WebSocket sessions (overrides config).',env='MAX_WS_CONNECTIONS'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Proxy   ProxyConfig   `toml:"proxy"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3001); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig groups the forwarder settings.
type ProxyConfig struct {
	HTTP      HTTPProxyConfig      `toml:"http" json:"http"`
	WebSocket WebSocketProxyConfig `toml:"websocket" json:"websocket"`
}

// HTTPProxyConfig holds HTTP forwarding settings.
type HTTPProxyConfig struct {
	TimeoutMS       int64    `toml:"timeout_ms" json:"timeout_ms"`
	AllowOrigins    []string `toml:"allow_origins" json:"allow_origins"` // CORS origins for the app's own routes; proxied responses always allow any origin
	MaxRedirects    int      `toml:"max_redirects" json:"max_redirects"` // informational; redirects are relayed, never followed
	IdleConnections int      `toml:"idle_connections" json:"idle_connections"`
}

// WebSocketProxyConfig holds WebSocket forwarding settings.
type WebSocketProxyConfig struct {
	TimeoutMS           int64 `toml:"timeout_ms" json:"timeout_ms"`
	MaxConnections      int   `toml:"max_connections" json:"max_connections"`
	HeartbeatIntervalMS int64 `toml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"` // reserved
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/xproxy/config.toml then configs/config.toml, and falls back to the
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
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.MaxWSConnections != 0 {
		c.Proxy.WebSocket.MaxConnections = cli.MaxWSConnections
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Proxy.HTTP.TimeoutMS < 0 {
		return fmt.Errorf("proxy.http.timeout_ms must be non-negative; got %d", c.Proxy.HTTP.TimeoutMS)
	}
	if c.Proxy.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("proxy.http.max_redirects must be non-negative; got %d", c.Proxy.HTTP.MaxRedirects)
	}
	if c.Proxy.HTTP.IdleConnections < 0 {
		return fmt.Errorf("proxy.http.idle_connections must be non-negative; got %d", c.Proxy.HTTP.IdleConnections)
	}
	for i, origin := range c.Proxy.HTTP.AllowOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("proxy.http.allow_origins[%d] must not be empty", i)
		}
	}
	if c.Proxy.WebSocket.TimeoutMS < 0 {
		return fmt.Errorf("proxy.websocket.timeout_ms must be non-negative; got %d", c.Proxy.WebSocket.TimeoutMS)
	}
	if c.Proxy.WebSocket.MaxConnections < 0 {
		return fmt.Errorf("proxy.websocket.max_connections must be non-negative; got %d", c.Proxy.WebSocket.MaxConnections)
	}
	if c.Proxy.WebSocket.HeartbeatIntervalMS < 0 {
		return fmt.Errorf("proxy.websocket.heartbeat_interval_ms must be non-negative; got %d", c.Proxy.WebSocket.HeartbeatIntervalMS)
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

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Proxy.HTTP.TimeoutMS == 0 {
		c.Proxy.HTTP.TimeoutMS = 30000
	}
	if len(c.Proxy.HTTP.AllowOrigins) == 0 {
		c.Proxy.HTTP.AllowOrigins = []string{"*"}
	}
	if c.Proxy.HTTP.MaxRedirects == 0 {
		c.Proxy.HTTP.MaxRedirects = 5
	}
	if c.Proxy.HTTP.IdleConnections == 0 {
		c.Proxy.HTTP.IdleConnections = 100
	}
	if c.Proxy.WebSocket.TimeoutMS == 0 {
		c.Proxy.WebSocket.TimeoutMS = 30000
	}
	if c.Proxy.WebSocket.MaxConnections == 0 {
		c.Proxy.WebSocket.MaxConnections = 1000
	}
	if c.Proxy.WebSocket.HeartbeatIntervalMS == 0 {
		c.Proxy.WebSocket.HeartbeatIntervalMS = 30000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the default outbound HTTP timeout.
func (c *HTTPProxyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// HandshakeTimeout returns the WebSocket handshake timeout used on both sides.
func (c *WebSocketProxyConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// FilePath returns the config file that was loaded, or empty when defaults were used.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
