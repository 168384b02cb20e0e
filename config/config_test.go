package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imapcache.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"

[upstream]
remote_addrs = [" imap1.example.com ", "imap2.example.com:993"]
dns_round_robin = true
force_tls = true
preauth_command = 'ID ("name" "imapcache")'

[auth]
sasl_plain_username = "proxyadmin"
sasl_plain_password = "hunter2"
shared_secret = "letmein"

[cache]
size = 64
expiration = "10m"
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile returned unexpected error: %v", err)
	}

	if got := cfg.Upstream.RemoteAddrs[0]; got != "imap1.example.com" {
		t.Errorf("Expected trimmed address, got %q", got)
	}
	if !cfg.Upstream.DNSRoundRobin || !cfg.Upstream.NeedsStartTLS() {
		t.Error("Expected round robin and STARTTLS to be enabled")
	}
	if !cfg.Upstream.TLSVerify {
		t.Error("Expected tls_verify default to survive decoding")
	}
	if cfg.Upstream.RemotePort != 143 {
		t.Errorf("Expected default port 143, got %d", cfg.Upstream.RemotePort)
	}
	if !cfg.Auth.Enabled() {
		t.Error("Expected SASL PLAIN substitution to be enabled")
	}
	if cfg.Cache.Size != 64 || cfg.Cache.HashBuckets != 1024 {
		t.Errorf("Unexpected cache sizing: %+v", cfg.Cache)
	}
	exp, err := cfg.Cache.GetExpiration()
	if err != nil || exp != 10*time.Minute {
		t.Errorf("Expected 10m expiration, got %v (%v)", exp, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate returned unexpected error: %v", err)
	}
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[upstream]
remote_addrs = ["localhost"]
typo_setting = 123
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Errorf("Unknown keys should only warn, got: %v", err)
	}
}

func TestLoadConfigFromFile_BadBoolean(t *testing.T) {
	path := writeConfig(t, `
[upstream]
force_tls = f
`)

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	if err == nil {
		t.Fatal("Expected an error for invalid boolean")
	}
	if !strings.Contains(err.Error(), "HINT") {
		t.Errorf("Expected a hint in the error, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no upstream",
			mutate:  func(c *Config) { c.Upstream.RemoteAddrs = nil },
			wantErr: "remote_addrs",
		},
		{
			name: "partial sasl",
			mutate: func(c *Config) {
				c.Auth.SASLPlainUsername = "admin"
			},
			wantErr: "must be set together",
		},
		{
			name:    "expiration too short",
			mutate:  func(c *Config) { c.Cache.Expiration = "2s" },
			wantErr: "longer than 2s",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Upstream.ReadTimeout = "soon" },
			wantErr: "read_timeout",
		},
		{
			name:    "empty cache",
			mutate:  func(c *Config) { c.Cache.Size = 0 },
			wantErr: "cache.size",
		},
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Upstream.RemoteAddrs = []string{"localhost"}
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGetKeepalivePeriod(t *testing.T) {
	c := UpstreamConfig{}
	if d, _ := c.GetKeepalivePeriod(); d >= 0 {
		t.Errorf("Expected negative period when keepalives are off, got %v", d)
	}
	c.SendTCPKeepalives = true
	if d, _ := c.GetKeepalivePeriod(); d != 60*time.Second {
		t.Errorf("Expected 60s default, got %v", d)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(filepath.Join("..", "imapcache.toml.example"), &cfg); err != nil {
		t.Fatalf("loading example config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}
	if len(cfg.Upstream.RemoteAddrs) != 2 || !cfg.Upstream.DNSRoundRobin || !cfg.Upstream.ForceTLS {
		t.Errorf("unexpected upstream section: %+v", cfg.Upstream)
	}
	if cfg.Auth.Enabled() {
		t.Error("SASL substitution should be off in the example")
	}
}
