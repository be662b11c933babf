package configs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/i2y/docsgate/internal/domain"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "docsgate"

// Transport modes.
const (
	TransportStdio    = "stdio"
	TransportTCP      = "tcp"
	TransportMCPStdio = "mcp-stdio"
	TransportHTTP     = "http"
	TransportSSE      = "sse"
	TransportHybrid   = "hybrid"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds the final application configuration: defaults, then the
// optional YAML file, then environment variables with the "DOCSGATE_" prefix.
type Config struct {
	// ConfigFilePath is only ever read from the environment or the command line.
	ConfigFilePath string `yaml:"-" envconfig:"CONFIG_FILE"`

	Transport      string `yaml:"transport" envconfig:"TRANSPORT"`
	ListenAddr     string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	LineListenAddr string `yaml:"line_listen_addr" envconfig:"LINE_LISTEN_ADDR"`
	LogLevel       string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	// LogFile receives logs in modes where stdout carries the protocol.
	LogFile string `yaml:"log_file" envconfig:"LOG_FILE"`

	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	ServerReadTimeout  time.Duration `yaml:"server_read_timeout" envconfig:"SERVER_READ_TIMEOUT"`
	ServerWriteTimeout time.Duration `yaml:"server_write_timeout" envconfig:"SERVER_WRITE_TIMEOUT"`
	ServerIdleTimeout  time.Duration `yaml:"server_idle_timeout" envconfig:"SERVER_IDLE_TIMEOUT"`

	OtelExporterOtlpEndpoint string `yaml:"otel_exporter_otlp_endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpInsecure bool   `yaml:"otel_exporter_otlp_insecure" envconfig:"OTEL_EXPORTER_OTLP_INSECURE"`

	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit" split_words:"true"`
	Pool      PoolConfig      `yaml:"pool"`
	Auth      AuthConfig      `yaml:"auth"`
	HTTP      HTTPConfig      `yaml:"http"`
	Health    HealthConfig    `yaml:"health"`
}

// UpstreamConfig locates and bounds calls to the document and registry services.
type UpstreamConfig struct {
	DocsBaseURL     string        `yaml:"docs_base_url" split_words:"true"`
	RegistryBaseURL string        `yaml:"registry_base_url" split_words:"true"`
	UserAgent       string        `yaml:"user_agent" split_words:"true"`
	Timeout         time.Duration `yaml:"timeout" split_words:"true"`
	RetryDelay      time.Duration `yaml:"retry_delay" split_words:"true"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" split_words:"true"`
	// HandlerTimeout bounds one shared computation, pool wait included.
	HandlerTimeout time.Duration `yaml:"handler_timeout" split_words:"true"`
}

// CacheConfig selects the response cache backend and its TTLs.
type CacheConfig struct {
	Backend   string        `yaml:"backend" split_words:"true"`
	Capacity  int           `yaml:"capacity" split_words:"true"`
	Shards    int           `yaml:"shards" split_words:"true"`
	CrateTTL  time.Duration `yaml:"crate_ttl" split_words:"true"`
	SearchTTL time.Duration `yaml:"search_ttl" split_words:"true"`
	ItemTTL   time.Duration `yaml:"item_ttl" split_words:"true"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the shared cache backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" split_words:"true"`
	Username  string `yaml:"username" split_words:"true"`
	Password  string `yaml:"password" split_words:"true"`
	DB        int    `yaml:"db" split_words:"true"`
	KeyPrefix string `yaml:"key_prefix" split_words:"true"`
}

// RateLimitConfig configures the per-client token bucket. A zero rate disables it.
type RateLimitConfig struct {
	PerSecond float64       `yaml:"per_second" split_words:"true"`
	Burst     int           `yaml:"burst" split_words:"true"`
	IdleTTL   time.Duration `yaml:"idle_ttl" split_words:"true"`
}

// PoolConfig bounds upstream connections per target.
type PoolConfig struct {
	MaxPerTarget   int           `yaml:"max_per_target" split_words:"true"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" split_words:"true"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" split_words:"true"`
	DialTimeout    time.Duration `yaml:"dial_timeout" split_words:"true"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Enabled        bool          `yaml:"enabled" split_words:"true"`
	Secret         string        `yaml:"secret" split_words:"true"`
	JWKSURL        string        `yaml:"jwks_url" envconfig:"JWKS_URL"`
	Issuer         string        `yaml:"issuer" split_words:"true"`
	Audience       string        `yaml:"audience" split_words:"true"`
	Leeway         time.Duration `yaml:"leeway" split_words:"true"`
	RequiredScopes []string      `yaml:"required_scopes" split_words:"true"`
}

// HTTPConfig bounds the HTTP and push surfaces.
type HTTPConfig struct {
	MaxInFlight    int           `yaml:"max_in_flight" split_words:"true"`
	Backlog        int           `yaml:"backlog" split_words:"true"`
	BacklogTimeout time.Duration `yaml:"backlog_timeout" split_words:"true"`
	SSEMaxSessions int64         `yaml:"sse_max_sessions" split_words:"true"`
	SSEOutboxSize  int           `yaml:"sse_outbox_size" split_words:"true"`
	SSEMaxPending  int64         `yaml:"sse_max_pending" split_words:"true"`
	SSEKeepAlive   time.Duration `yaml:"sse_keep_alive" split_words:"true"`

	// TrustedProxies lists addresses or CIDR prefixes of reverse proxies whose
	// X-Forwarded-For/X-Real-IP headers identify the client. Empty by default.
	TrustedProxies []string `yaml:"trusted_proxies" split_words:"true"`
}

// HealthConfig tunes the health probes.
type HealthConfig struct {
	ProbeTimeout  time.Duration `yaml:"probe_timeout" split_words:"true"`
	SlowThreshold time.Duration `yaml:"slow_threshold" split_words:"true"`
	// MemoryLimitBytes fails the memory probe above this heap size; zero only reports.
	MemoryLimitBytes uint64 `yaml:"memory_limit_bytes" split_words:"true"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Transport:          TransportHybrid,
		ListenAddr:         ":8080",
		LineListenAddr:     ":8090",
		LogLevel:           "info",
		LogFile:            "/tmp/docsgate.log",
		ShutdownTimeout:    5 * time.Second,
		ServerReadTimeout:  5 * time.Second,
		ServerWriteTimeout: 0, // push streams are long-lived
		ServerIdleTimeout:  120 * time.Second,

		OtelExporterOtlpInsecure: true,

		Upstream: UpstreamConfig{
			DocsBaseURL:     "https://docs.rs",
			RegistryBaseURL: "https://crates.io",
			UserAgent:       "docsgate/" + Version,
			Timeout:         30 * time.Second,
			RetryDelay:      200 * time.Millisecond,
			MaxBodyBytes:    8 << 20,
			HandlerTimeout:  45 * time.Second,
		},
		Cache: CacheConfig{
			Backend:   CacheBackendMemory,
			Capacity:  1000,
			Shards:    16,
			CrateTTL:  time.Hour,
			SearchTTL: 5 * time.Minute,
			ItemTTL:   30 * time.Minute,
			Redis:     RedisConfig{Addr: "localhost:6379", KeyPrefix: "docsgate:"},
		},
		RateLimit: RateLimitConfig{PerSecond: 10, Burst: 20, IdleTTL: 10 * time.Minute},
		Pool: PoolConfig{
			MaxPerTarget:   10,
			AcquireTimeout: 5 * time.Second,
			IdleTimeout:    90 * time.Second,
			DialTimeout:    10 * time.Second,
		},
		Auth: AuthConfig{Leeway: 30 * time.Second},
		HTTP: HTTPConfig{
			MaxInFlight:    100,
			Backlog:        200,
			BacklogTimeout: 30 * time.Second,
			SSEMaxSessions: 256,
			SSEOutboxSize:  16,
			SSEMaxPending:  32,
			SSEKeepAlive:   15 * time.Second,
		},
		Health: HealthConfig{ProbeTimeout: 5 * time.Second, SlowThreshold: 2 * time.Second},
	}
}

// Version is reported in the user agent and by the MCP server.
var Version = "0.1.0"

// ParsedLogLevel returns the slog.Level based on the configured LogLevel string.
func (c *Config) ParsedLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		fallthrough
	default:
		return slog.LevelInfo
	}
}

// StdioTransport reports whether stdout carries the protocol.
func (c *Config) StdioTransport() bool {
	return c.Transport == TransportStdio || c.Transport == TransportMCPStdio
}

// TTLs returns the cache TTL of each tool. health_check is never cached.
func (c *Config) TTLs() map[domain.ToolKind]time.Duration {
	return map[domain.ToolKind]time.Duration{
		domain.ToolLookupCrate:  c.Cache.CrateTTL,
		domain.ToolSearchCrates: c.Cache.SearchTTL,
		domain.ToolLookupItem:   c.Cache.ItemTTL,
		domain.ToolHealthCheck:  0,
	}
}

// Load builds the configuration. configPath, when non-empty, takes precedence
// over DOCSGATE_CONFIG_FILE; with neither set only defaults and environment
// variables apply.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	// 1. Resolve the file path from the environment unless given.
	if configPath == "" {
		configPath = os.Getenv("DOCSGATE_CONFIG_FILE")
	}

	// 2. Load config from YAML file if path is specified.
	if configPath != "" {
		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
		}
		if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file '%s': %w", configPath, err)
		}
		slog.Info("Loaded configuration from file.", "path", configPath)
	}

	// 3. Environment variables override file settings.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	cfg.ConfigFilePath = configPath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportStdio, TransportTCP, TransportMCPStdio, TransportHTTP, TransportSSE, TransportHybrid:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Transport == TransportTCP && c.LineListenAddr == "" {
		errs = append(errs, errors.New("line_listen_addr is required for the tcp transport"))
	}

	for name, raw := range map[string]string{"docs_base_url": c.Upstream.DocsBaseURL, "registry_base_url": c.Upstream.RegistryBaseURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream.%s must be an absolute http(s) URL, got %q", name, raw))
		}
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
		if c.Cache.Capacity < 0 {
			errs = append(errs, errors.New("cache.capacity must not be negative"))
		}
	case CacheBackendRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.CrateTTL < 0 || c.Cache.SearchTTL < 0 || c.Cache.ItemTTL < 0 {
		errs = append(errs, errors.New("cache TTLs must not be negative"))
	}

	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.per_second must not be negative"))
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.burst must be at least 1"))
	}

	if c.Pool.MaxPerTarget < 1 {
		errs = append(errs, errors.New("pool.max_per_target must be at least 1"))
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("pool.acquire_timeout must be positive"))
	}

	for _, raw := range c.HTTP.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if _, perr := netip.ParsePrefix(raw); perr == nil {
			continue
		}
		if _, aerr := netip.ParseAddr(raw); aerr != nil {
			errs = append(errs, fmt.Errorf("http.trusted_proxies: %q is neither an address nor a CIDR prefix", raw))
		}
	}

	if c.Auth.Enabled && c.Auth.Secret == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("auth is enabled but neither auth.secret nor auth.jwks_url is set"))
	}
	return errors.Join(errs...)
}

// redacted replaces secrets in printed configurations.
const redacted = "REDACTED"

// WriteYAML writes c as a config file that Load accepts. Secrets are replaced
// with a placeholder.
func (c Config) WriteYAML(w io.Writer) error {
	if c.Auth.Secret != "" {
		c.Auth.Secret = redacted
	}
	if c.Cache.Redis.Password != "" {
		c.Cache.Redis.Password = redacted
	}
	if _, err := fmt.Fprintf(w, "# docsgate %s configuration. Every key can be overridden with a %s_* variable.\n",
		Version, strings.ToUpper(EnvPrefix)); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
