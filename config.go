package sentinel

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// TLS/CA configuration
	TLS TLSConfig `mapstructure:"tls"`

	// ACL (domain blocking) configuration
	ACL ACLConfig `mapstructure:"acl"`

	// Buffer pool configuration
	Pool PoolConfig `mapstructure:"pool"`

	// Process logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// Session outcome log configuration
	SessionLog SessionLogConfig `mapstructure:"session_log"`

	// Admin/health listener configuration
	Admin AdminConfig `mapstructure:"admin"`
}

// ServerConfig contains listener and session settings.
type ServerConfig struct {
	// Addr to listen on (e.g., ":8443")
	Addr string `mapstructure:"addr"`

	// Workers caps GOMAXPROCS. Zero means use all cores.
	Workers int `mapstructure:"workers"`

	// MaxSessions is the global concurrent session limit.
	MaxSessions int `mapstructure:"max_sessions"`

	// Admission controls behavior beyond MaxSessions: "queue" waits up
	// to QueueTimeout for a slot, "reject" answers 503 immediately.
	Admission string `mapstructure:"admission"`

	// QueueTimeout bounds the admission wait under the "queue" policy.
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`

	// IdleTimeout ends a relaying session after a window with no bytes
	// transferred in either direction.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ConnectTimeout bounds the upstream dial.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// ChunkSize is the relay buffer size hint per direction.
	ChunkSize int `mapstructure:"chunk_size"`

	// ShutdownGrace is how long in-flight sessions may drain before
	// being force-closed on shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// BlockResponse controls what a denied client sees: "http" sends a
	// 403 response, "silent" closes the connection without a reply.
	BlockResponse string `mapstructure:"block_response"`

	// TransparentSNI enables target detection by sniffing the TLS
	// ClientHello on connections that do not start with CONNECT.
	TransparentSNI bool `mapstructure:"transparent_sni"`

	// RateLimit is the number of new sessions permitted per second per
	// client IP. Zero disables rate limiting.
	RateLimit float64 `mapstructure:"rate_limit"`

	// RateBurst is the per-client burst allowance. Zero derives a burst
	// from RateLimit.
	RateBurst int `mapstructure:"rate_burst"`
}

// TLSConfig contains CA and interception settings. The SSL directory is
// a persisted-state contract: certs/ holds the CA certificate,
// private/ the CA key, and trusted_certs/ additional upstream roots.
type TLSConfig struct {
	// SSLDir is the root of the certificate directory layout.
	SSLDir string `mapstructure:"ssl_dir"`

	// Organization name for generated certificates.
	Organization string `mapstructure:"organization"`

	// CAValidityYears for a newly generated root CA.
	CAValidityYears int `mapstructure:"ca_validity_years"`

	// CertValidityDays for issued leaf certificates.
	CertValidityDays int `mapstructure:"cert_validity_days"`

	// RegenerateOnInvalid replaces a corrupt or expired CA instead of
	// failing initialization.
	RegenerateOnInvalid bool `mapstructure:"regenerate_on_invalid"`

	// UpstreamVerify controls upstream certificate validation:
	// "strict" rejects invalid chains, "warn" logs and continues.
	UpstreamVerify string `mapstructure:"upstream_verify"`

	// WatchFiles rotates the CA automatically when the files under
	// SSLDir change on disk.
	WatchFiles bool `mapstructure:"watch_files"`

	// BypassDomains are tunneled without interception even on port 443.
	// A rule covers the domain and all subdomains.
	BypassDomains []string `mapstructure:"bypass_domains"`
}

// ACLConfig contains domain blocking settings.
type ACLConfig struct {
	// Domains is a static blocklist. A rule blocks the domain itself
	// and every subdomain of it.
	Domains []string `mapstructure:"domains"`

	// Sources defines external rule sources.
	Sources []ACLSourceConfig `mapstructure:"sources"`

	// ReloadInterval for periodic refresh (0 = no auto-reload).
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	// WatchFiles refreshes immediately when a file source changes.
	WatchFiles bool `mapstructure:"watch_files"`
}

// ACLSourceConfig defines an external rule source.
type ACLSourceConfig struct {
	// Type of source: "file", "csv", "postgres"
	Type string `mapstructure:"type"`

	// Path for file-based sources.
	Path string `mapstructure:"path"`

	// DSN for the postgres source.
	DSN string `mapstructure:"dsn"`

	// Query overrides the default rule query for the postgres source.
	Query string `mapstructure:"query"`

	// HasHeader indicates if a CSV source has a header row.
	HasHeader bool `mapstructure:"has_header"`
}

// PoolConfig contains buffer pool settings.
type PoolConfig struct {
	// SmallCapacity is the number of 64KiB buffers.
	SmallCapacity int `mapstructure:"small_capacity"`

	// MediumCapacity is the number of 256KiB buffers.
	MediumCapacity int `mapstructure:"medium_capacity"`

	// LargeCapacity is the number of 1MiB buffers.
	LargeCapacity int `mapstructure:"large_capacity"`

	// AcquireTimeout bounds the wait for a free buffer when a tier is
	// at capacity. Zero means hand out an overflow buffer immediately.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// LoggingConfig contains process logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// SessionLogConfig contains session outcome record settings.
type SessionLogConfig struct {
	// PostgresDSN enables persisted session records when non-empty.
	// Connection failure degrades to slog-only logging.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// BufferSize is the async insert queue length.
	BufferSize int `mapstructure:"buffer_size"`
}

// AdminConfig contains the admin/health listener settings.
type AdminConfig struct {
	// Addr for the admin API, /metrics, /healthz and /readyz.
	// Empty disables the admin listener.
	Addr string `mapstructure:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8443",
			Workers:        runtime.NumCPU(),
			MaxSessions:    4096,
			Admission:      "queue",
			QueueTimeout:   5 * time.Second,
			IdleTimeout:    60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			ChunkSize:      64 * 1024,
			ShutdownGrace:  30 * time.Second,
			BlockResponse:  "http",
			TransparentSNI: true,
		},
		TLS: TLSConfig{
			SSLDir:           "ssl",
			Organization:     "Sentinel Proxy",
			CAValidityYears:  10,
			CertValidityDays: 365,
			UpstreamVerify:   "strict",
		},
		ACL: ACLConfig{
			ReloadInterval: 5 * time.Minute,
		},
		Pool: PoolConfig{
			SmallCapacity:  1024,
			MediumCapacity: 256,
			LargeCapacity:  64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		SessionLog: SessionLogConfig{
			BufferSize: 1024,
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./sentinel.yaml
// 3. $HOME/.sentinel/config.yaml
// 4. /etc/sentinel/config.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("sentinel")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.sentinel")
	v.AddConfigPath("/etc/sentinel")

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, E(KindConfig, "read config", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, E(KindConfig, "unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, E(KindConfig, "read config", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, E(KindConfig, "unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects option combinations the proxy cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Admission {
	case "queue", "reject":
	default:
		return Errorf(KindConfig, "validate config", "unknown admission policy %q", c.Server.Admission)
	}

	switch c.Server.BlockResponse {
	case "http", "silent":
	default:
		return Errorf(KindConfig, "validate config", "unknown block_response %q", c.Server.BlockResponse)
	}

	switch c.TLS.UpstreamVerify {
	case "strict", "warn":
	default:
		return Errorf(KindConfig, "validate config", "unknown upstream_verify %q", c.TLS.UpstreamVerify)
	}

	if c.Server.ChunkSize <= 0 {
		return Errorf(KindConfig, "validate config", "chunk_size must be positive, got %d", c.Server.ChunkSize)
	}
	if c.Server.MaxSessions <= 0 {
		return Errorf(KindConfig, "validate config", "max_sessions must be positive, got %d", c.Server.MaxSessions)
	}

	for _, s := range c.ACL.Sources {
		switch s.Type {
		case "file", "csv":
			if s.Path == "" {
				return Errorf(KindConfig, "validate config", "%s source requires a path", s.Type)
			}
		case "postgres":
			if s.DSN == "" {
				return Errorf(KindConfig, "validate config", "postgres source requires a dsn")
			}
		default:
			return Errorf(KindConfig, "validate config", "unknown ACL source type %q", s.Type)
		}
	}

	return nil
}

// CACertPath returns the CA certificate location under the SSL directory.
func (c *TLSConfig) CACertPath() string {
	return filepath.Join(c.SSLDir, "certs", "ca.crt")
}

// CAKeyPath returns the CA private key location under the SSL directory.
func (c *TLSConfig) CAKeyPath() string {
	return filepath.Join(c.SSLDir, "private", "ca.key")
}

// TrustedCertsDir returns the trusted upstream roots directory.
func (c *TLSConfig) TrustedCertsDir() string {
	return filepath.Join(c.SSLDir, "trusted_certs")
}

// EnsureSSLDirs creates the SSL directory layout if missing. The private
// key directory is created with owner-only permissions.
func (c *TLSConfig) EnsureSSLDirs() error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{c.SSLDir, 0o755},
		{filepath.Join(c.SSLDir, "certs"), 0o755},
		{filepath.Join(c.SSLDir, "private"), 0o700},
		{c.TrustedCertsDir(), 0o755},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.mode); err != nil {
			return E(KindConfig, "create ssl directory", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Server defaults
	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.workers", defaults.Server.Workers)
	v.SetDefault("server.max_sessions", defaults.Server.MaxSessions)
	v.SetDefault("server.admission", defaults.Server.Admission)
	v.SetDefault("server.queue_timeout", defaults.Server.QueueTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	v.SetDefault("server.connect_timeout", defaults.Server.ConnectTimeout)
	v.SetDefault("server.chunk_size", defaults.Server.ChunkSize)
	v.SetDefault("server.shutdown_grace", defaults.Server.ShutdownGrace)
	v.SetDefault("server.block_response", defaults.Server.BlockResponse)
	v.SetDefault("server.transparent_sni", defaults.Server.TransparentSNI)
	v.SetDefault("server.rate_limit", defaults.Server.RateLimit)
	v.SetDefault("server.rate_burst", defaults.Server.RateBurst)

	// TLS defaults
	v.SetDefault("tls.ssl_dir", defaults.TLS.SSLDir)
	v.SetDefault("tls.organization", defaults.TLS.Organization)
	v.SetDefault("tls.ca_validity_years", defaults.TLS.CAValidityYears)
	v.SetDefault("tls.cert_validity_days", defaults.TLS.CertValidityDays)
	v.SetDefault("tls.regenerate_on_invalid", defaults.TLS.RegenerateOnInvalid)
	v.SetDefault("tls.upstream_verify", defaults.TLS.UpstreamVerify)
	v.SetDefault("tls.watch_files", defaults.TLS.WatchFiles)

	// ACL defaults
	v.SetDefault("acl.reload_interval", defaults.ACL.ReloadInterval)
	v.SetDefault("acl.watch_files", defaults.ACL.WatchFiles)

	// Pool defaults
	v.SetDefault("pool.small_capacity", defaults.Pool.SmallCapacity)
	v.SetDefault("pool.medium_capacity", defaults.Pool.MediumCapacity)
	v.SetDefault("pool.large_capacity", defaults.Pool.LargeCapacity)
	v.SetDefault("pool.acquire_timeout", defaults.Pool.AcquireTimeout)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)

	// Session log defaults
	v.SetDefault("session_log.buffer_size", defaults.SessionLog.BufferSize)
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Sentinel - TLS-intercepting forward proxy configuration

server:
  # Address to listen on
  addr: ":8443"

  # Worker threads (0 = all cores)
  workers: 0

  # Global concurrent session limit
  max_sessions: 4096

  # Beyond the limit: "queue" waits up to queue_timeout, "reject" answers 503
  admission: "queue"
  queue_timeout: 5s

  # Session timeouts and relay chunk size
  idle_timeout: 60s
  connect_timeout: 10s
  chunk_size: 65536

  # Grace period for in-flight sessions on shutdown
  shutdown_grace: 30s

  # Denied clients get "http" (403 response) or "silent" (close)
  block_response: "http"

  # Detect targets from the TLS ClientHello when no CONNECT is sent
  transparent_sni: true

  # New sessions per second per client IP (0 = no limit)
  rate_limit: 0
  rate_burst: 0

tls:
  # Directory layout: certs/ca.crt, private/ca.key, trusted_certs/*.pem
  ssl_dir: "ssl"

  organization: "Sentinel Proxy"
  ca_validity_years: 10
  cert_validity_days: 365

  # Replace a corrupt or expired CA instead of failing startup
  regenerate_on_invalid: false

  # Upstream certificate validation: "strict" or "warn"
  upstream_verify: "strict"

  # Rotate automatically when the CA files change on disk
  watch_files: false

  # Tunnel these domains without interception (and their subdomains)
  bypass_domains: []
  # - "bank.example.com"

acl:
  # Static blocklist; a rule blocks the domain and all subdomains
  domains:
    - "ads.example.com"
    - "tracking.example.net"

  # External rule sources
  sources:
    - type: file
      path: "/etc/sentinel/blocklist.txt"

    # - type: csv
    #   path: "/etc/sentinel/blocklist.csv"
    #   has_header: true

    # - type: postgres
    #   dsn: "postgres://sentinel@localhost/sentinel?sslmode=disable"

  # Periodic refresh interval (0 = disabled)
  reload_interval: 5m

  # Refresh immediately when a file source changes
  watch_files: false

pool:
  # Buffers per tier (64KiB / 256KiB / 1MiB)
  small_capacity: 1024
  medium_capacity: 256
  large_capacity: 64

  # Wait this long for a free buffer before handing out an
  # unpooled overflow buffer (0 = overflow immediately)
  acquire_timeout: 0s

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"

session_log:
  # Persist session outcome records to postgres when set.
  # Connection failure degrades to log-only operation.
  # postgres_dsn: "postgres://sentinel@localhost/sentinel?sslmode=disable"
  buffer_size: 1024

admin:
  # Admin API, /metrics, /healthz, /readyz (empty = disabled)
  addr: ":9090"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
