package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/imapcache/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// UpstreamConfig describes the IMAP server(s) behind the cache and how to
// talk to them.
type UpstreamConfig struct {
	RemoteAddrs       []string `toml:"remote_addrs"`        // host or host:port, one or more
	RemotePort        int      `toml:"remote_port"`         // Default port for addresses without one (default: 143)
	DNSRoundRobin     bool     `toml:"dns_round_robin"`     // Rotate through resolved addresses on each new connection
	ConnectTimeout    string   `toml:"connect_timeout"`     // TCP connect timeout (default: "10s")
	ReadTimeout       string   `toml:"read_timeout"`        // Bound on every blocking read from the server (default: "30s")
	ConnectRetries    int      `toml:"connect_retries"`     // Extra dial attempts across backends (default: 0)
	SendTCPKeepalives bool     `toml:"send_tcp_keepalives"` // Enable TCP keepalives on upstream sockets
	KeepalivePeriod   string   `toml:"keepalive_period"`    // Keepalive probe interval (default: "60s")

	ForceTLS      bool   `toml:"force_tls"`       // Always issue STARTTLS before authenticating
	LoginDisabled bool   `toml:"login_disabled"`  // Server refuses plaintext LOGIN; implies STARTTLS
	TLSVerify     bool   `toml:"tls_verify"`      // Verify the server certificate (default: true)
	TLSServerName string `toml:"tls_server_name"` // Name to verify; defaults to the host of the dialed address
	TLSCAFile     string `toml:"tls_ca_file"`     // Extra CA bundle (PEM)

	PreauthCommand string `toml:"preauth_command"` // Command sent before authenticating, e.g. `ID ("name" "imapcache")`

	DisableHealthCheck bool `toml:"disable_health_check"` // Never skip backends after repeated connect failures
}

// AuthConfig configures the SASL PLAIN substitution mode. It is only active
// when all three values are set: a client that presents SharedSecret as its
// password is logged in upstream with the static identity below, acting as
// the client's user.
type AuthConfig struct {
	SASLPlainUsername string `toml:"sasl_plain_username"`
	SASLPlainPassword string `toml:"sasl_plain_password"`
	SharedSecret      string `toml:"shared_secret"`
}

// Enabled reports whether SASL PLAIN substitution is configured.
func (c *AuthConfig) Enabled() bool {
	return c.SASLPlainUsername != "" && c.SASLPlainPassword != "" && c.SharedSecret != ""
}

// CacheConfig sizes the authenticated connection cache.
type CacheConfig struct {
	Size         int    `toml:"size"`          // Number of connection slots (default: 512)
	HashBuckets  int    `toml:"hash_buckets"`  // Username hash buckets (default: 1024)
	Expiration   string `toml:"expiration"`    // How long an idle connection is kept (default: "300s")
	ReapInterval string `toml:"reap_interval"` // How often expired idle connections are closed (default: "15s")
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Path         string   `toml:"path"`
	APIKey       string   `toml:"api_key"`       // Bearer token for /api/v1; empty leaves it open
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDRs allowed to connect; empty allows all
}

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Upstream UpstreamConfig `toml:"upstream"`
	Auth     AuthConfig     `toml:"auth"`
	Cache    CacheConfig    `toml:"cache"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig returns a configuration with defaults filled in.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Upstream: UpstreamConfig{
			RemotePort:      143,
			ConnectTimeout:  "10s",
			ReadTimeout:     "30s",
			KeepalivePeriod: "60s",
			TLSVerify:       true,
		},
		Cache: CacheConfig{
			Size:         512,
			HashBuckets:  1024,
			Expiration:   "300s",
			ReapInterval: "15s",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9143",
			Path:    "/metrics",
		},
	}
}

// GetConnectTimeout parses the upstream connect timeout
func (c *UpstreamConfig) GetConnectTimeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(c.ConnectTimeout)
}

// GetReadTimeout parses the bound applied to reads from the upstream server
func (c *UpstreamConfig) GetReadTimeout() (time.Duration, error) {
	if c.ReadTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.ReadTimeout)
}

// GetKeepalivePeriod parses the TCP keepalive interval. It returns a negative
// duration when keepalives are disabled, as net.Dialer expects.
func (c *UpstreamConfig) GetKeepalivePeriod() (time.Duration, error) {
	if !c.SendTCPKeepalives {
		return -1, nil
	}
	if c.KeepalivePeriod == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(c.KeepalivePeriod)
}

// NeedsStartTLS reports whether STARTTLS must be negotiated before login.
func (c *UpstreamConfig) NeedsStartTLS() bool {
	return c.ForceTLS || c.LoginDisabled
}

// GetExpiration parses how long idle connections are retained
func (c *CacheConfig) GetExpiration() (time.Duration, error) {
	if c.Expiration == "" {
		return 300 * time.Second, nil
	}
	return helpers.ParseDuration(c.Expiration)
}

// GetReapInterval parses how often the reaper runs
func (c *CacheConfig) GetReapInterval() (time.Duration, error) {
	if c.ReapInterval == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(c.ReapInterval)
}

// Validate checks the configuration for values that would make the cache
// unusable. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Upstream.RemoteAddrs) == 0 {
		errs = append(errs, errors.New("upstream.remote_addrs: at least one address is required"))
	}
	if c.Upstream.RemotePort < 0 || c.Upstream.RemotePort > 65535 {
		errs = append(errs, fmt.Errorf("upstream.remote_port: %d is out of range", c.Upstream.RemotePort))
	}
	if c.Upstream.ConnectRetries < 0 {
		errs = append(errs, errors.New("upstream.connect_retries: must not be negative"))
	}
	if _, err := c.Upstream.GetConnectTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("upstream.connect_timeout: %w", err))
	}
	if d, err := c.Upstream.GetReadTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("upstream.read_timeout: %w", err))
	} else if d == 0 {
		errs = append(errs, errors.New("upstream.read_timeout: must be greater than zero"))
	}
	if _, err := c.Upstream.GetKeepalivePeriod(); err != nil {
		errs = append(errs, fmt.Errorf("upstream.keepalive_period: %w", err))
	}

	set := 0
	for _, v := range []string{c.Auth.SASLPlainUsername, c.Auth.SASLPlainPassword, c.Auth.SharedSecret} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		errs = append(errs, errors.New("auth: sasl_plain_username, sasl_plain_password and shared_secret must be set together"))
	}

	if c.Cache.Size <= 0 {
		errs = append(errs, fmt.Errorf("cache.size: %d must be positive", c.Cache.Size))
	}
	if c.Cache.HashBuckets <= 0 {
		errs = append(errs, fmt.Errorf("cache.hash_buckets: %d must be positive", c.Cache.HashBuckets))
	}
	if d, err := c.Cache.GetExpiration(); err != nil {
		errs = append(errs, fmt.Errorf("cache.expiration: %w", err))
	} else if d <= 2*time.Second {
		errs = append(errs, errors.New("cache.expiration: must be longer than 2s"))
	}
	if d, err := c.Cache.GetReapInterval(); err != nil {
		errs = append(errs, fmt.Errorf("cache.reap_interval: %w", err))
	} else if d <= 0 {
		errs = append(errs, errors.New("cache.reap_interval: must be greater than zero"))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr: required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

// LoadConfigFromFile decodes a TOML file on top of cfg. Unknown keys are
// reported as warnings rather than errors.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint to common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	switch {
	case strings.Contains(errMsg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a key appears twice in the same section of your TOML file", err)
	case strings.Contains(errMsg, "expected value but found \"f\""),
		strings.Contains(errMsg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	case strings.Contains(errMsg, "incompatible types"):
		return fmt.Errorf("%w\n\nHINT: durations are quoted strings such as \"30s\"; counts and ports are bare integers", err)
	}
	return err
}

// trimStringFields trims surrounding whitespace from every string reachable
// from v.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
