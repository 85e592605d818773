// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/alecthomas/kong"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/origin-proxy/config.toml",
	"configs/config.toml",
	"configs/config.yaml",
}

func init() {
	// Report validation failures with the keys users write in config files.
	validation.ErrorTag = "toml"
}

// Rate limiter backends.
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string           `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host      string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	RemoteURL string           `kong:"name='remote-url',help='Remote origin base URL (overrides config).',env='REMOTE_URL'"`
	Disable   bool             `kong:"help='Bypass forwarding entirely (overrides config).',env='PROXY_DISABLE'"`
	Debug     bool             `kong:"help='Enable forwarder diagnostic logging (overrides config).',env='PROXY_DEBUG'"`
	LogLevel  string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version   kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Forward  ForwardConfig  `toml:"forward" yaml:"forward"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing" yaml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string          `toml:"host" yaml:"host"`
	Port          int             `toml:"port" yaml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes  int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	ProxyProtocol bool            `toml:"proxy_protocol" yaml:"proxy_protocol"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool        `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64     `toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int         `toml:"burst" yaml:"burst"`
	Backend           string      `toml:"backend" yaml:"backend"`
	Redis             RedisConfig `toml:"redis" yaml:"redis"`
}

// RedisConfig points the shared rate limiter at a Redis instance.
type RedisConfig struct {
	Addr      string `toml:"addr" yaml:"addr"`
	Password  string `toml:"password" yaml:"password"`
	DB        int    `toml:"db" yaml:"db"`
	KeyPrefix string `toml:"key_prefix" yaml:"key_prefix"`
}

// ForwardConfig describes where and how matched requests are forwarded.
type ForwardConfig struct {
	Disable bool `toml:"disable" yaml:"disable"`
	Debug   bool `toml:"debug" yaml:"debug"`

	// RemoteURL is the default base URL; only its scheme, host and port are used.
	RemoteURL string        `toml:"remote_url" yaml:"remote_url"`
	Routes    []RouteConfig `toml:"routes" yaml:"routes"`

	// Match lists path regular expressions that are forwarded. Empty forwards everything
	// except the proxy's own routes.
	Match []string `toml:"match" yaml:"match"`

	AllowResponseCompression bool   `toml:"allow_response_compression" yaml:"allow_response_compression"`
	OverrideHostHeader       *bool  `toml:"override_host_header" yaml:"override_host_header"` // nil means true
	OverrideCookieDomain     string `toml:"override_cookie_domain" yaml:"override_cookie_domain"`

	BasicAuth   BasicAuthConfig   `toml:"basic_auth" yaml:"basic_auth"`
	CFTokenAuth CFTokenAuthConfig `toml:"cf_token_auth" yaml:"cf_token_auth"`
}

// RouteConfig selects an alternative remote URL for matching requests.
type RouteConfig struct {
	PathPrefix  string `toml:"path_prefix" yaml:"path_prefix"`
	Header      string `toml:"header" yaml:"header"`
	HeaderValue string `toml:"header_value" yaml:"header_value"`
	RemoteURL   string `toml:"remote_url" yaml:"remote_url"`
}

// BasicAuthConfig holds a literal Authorization header value.
type BasicAuthConfig struct {
	AuthHeader string `toml:"auth_header" yaml:"auth_header"`
}

// CFTokenAuthConfig holds a Cloudflare Access service token.
type CFTokenAuthConfig struct {
	ClientID     string `toml:"client_id" yaml:"client_id"`
	ClientSecret string `toml:"client_secret" yaml:"client_secret"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds" yaml:"timeout_seconds"` // 0 disables the client timeout
	IdleConnections int `toml:"idle_connections" yaml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	PrettyPrint bool   `toml:"pretty_print" yaml:"pretty_print"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// configSearchPaths in order. Files ending in .yaml or .yml are decoded as YAML,
// everything else as TOML.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := decode(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.RemoteURL != "" {
		c.Forward.RemoteURL = cli.RemoteURL
	}
	if cli.Disable {
		c.Forward.Disable = true
	}
	if cli.Debug {
		c.Forward.Debug = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	c.Server.RateLimit.Backend = strings.ToLower(c.Server.RateLimit.Backend)
}

// Validate checks the whole configuration tree.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.Forward),
		validation.Field(&c.Upstream),
		validation.Field(&c.Log),
		validation.Field(&c.Metrics),
	)
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&s.RateLimit),
	)
}

// Validate implements validation.Validatable.
func (r RateLimitConfig) Validate() error {
	useRedis := r.Enabled && r.Backend == RateLimitRedis
	return validation.ValidateStruct(&r,
		validation.Field(&r.RequestsPerSecond,
			validation.When(r.Enabled, validation.Required, validation.Min(0.0).Exclusive()),
		),
		validation.Field(&r.Burst, validation.Min(0)),
		validation.Field(&r.Backend, validation.In(RateLimitMemory, RateLimitRedis)),
		validation.Field(&r.Redis, validation.When(useRedis, validation.By(func(value interface{}) error {
			rc, _ := value.(RedisConfig)
			return validation.ValidateStruct(&rc,
				validation.Field(&rc.Addr, validation.Required, is.DialString),
				validation.Field(&rc.DB, validation.Min(0)),
			)
		}))),
	)
}

// Validate implements validation.Validatable.
func (f ForwardConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.RemoteURL, validation.Required, validation.By(validateRemoteURL)),
		validation.Field(&f.Routes),
		validation.Field(&f.Match, validation.Each(validation.By(validateRegexp))),
		validation.Field(&f.OverrideCookieDomain, validation.By(validateCookieDomain)),
		validation.Field(&f.CFTokenAuth),
	)
}

// Validate implements validation.Validatable.
func (r RouteConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RemoteURL, validation.Required, validation.By(validateRemoteURL)),
		validation.Field(&r.PathPrefix,
			validation.When(r.Header == "", validation.Required.Error("path_prefix or header is required")),
		),
		validation.Field(&r.HeaderValue, validation.When(r.Header != "", validation.Required)),
	)
}

// Validate implements validation.Validatable.
func (a CFTokenAuthConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ClientID, validation.When(a.ClientSecret != "", validation.Required)),
		validation.Field(&a.ClientSecret, validation.When(a.ClientID != "", validation.Required)),
	)
}

// Validate implements validation.Validatable.
func (u UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.TimeoutSeconds, validation.Min(0)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("json", "text")),
	)
}

// Validate implements validation.Validatable.
func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path, validation.When(m.Enabled, validation.By(validateMetricsPath))),
	)
}

func validateRemoteURL(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}

func validateRegexp(value interface{}) error {
	s, _ := value.(string)
	if _, err := regexp.Compile(s); err != nil {
		return validation.NewError("validation_invalid_regexp", "must be a valid regular expression")
	}
	return nil
}

func validateCookieDomain(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	d := strings.TrimPrefix(s, ".")
	if d == "localhost" {
		return nil
	}
	return is.Domain.Validate(d)
}

func validateMetricsPath(value interface{}) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if p[0] != '/' {
		return validation.NewError("validation_invalid_path", "must start with '/'")
	}
	for _, reserved := range []string{"/healthz", "/proxy/status"} {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return validation.NewError("validation_reserved_path", fmt.Sprintf("conflicts with reserved route %q", reserved))
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because the file formats cannot
// distinguish between an explicit 0 and an omitted key. Upstream.TimeoutSeconds
// is the exception: 0 keeps the client timeout disabled.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.RateLimit.Backend == "" {
		c.Server.RateLimit.Backend = RateLimitMemory
	}
	if c.Server.RateLimit.Redis.KeyPrefix == "" {
		c.Server.RateLimit.Redis.KeyPrefix = "origin-proxy:ratelimit:"
	}
	if c.Forward.OverrideHostHeader == nil {
		override := true
		c.Forward.OverrideHostHeader = &override
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "origin-proxy"
	}
}

// OverridesHost reports whether the outbound Host header is set to the target host.
func (f *ForwardConfig) OverridesHost() bool {
	return f.OverrideHostHeader == nil || *f.OverrideHostHeader
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

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry basic auth or service token secrets.
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
