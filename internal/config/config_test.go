package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TUNNEL_DOMAIN", "tunnels.example.net")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr() != "127.0.0.1:7070" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr())
	}
	if cfg.CtrlAddr() != ":7071" {
		t.Errorf("CtrlAddr = %q", cfg.CtrlAddr())
	}
	if cfg.RateLimitRequests != 1000 {
		t.Errorf("RateLimitRequests = %d", cfg.RateLimitRequests)
	}
	if cfg.MaxRequestSize != 10<<20 {
		t.Errorf("MaxRequestSize = %d", cfg.MaxRequestSize)
	}
	if cfg.CacheTTL != 60*time.Second {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL)
	}
	if cfg.PendingTimeout != 30*time.Second {
		t.Errorf("PendingTimeout = %v", cfg.PendingTimeout)
	}
	if cfg.JanitorInterval != 5*time.Minute {
		t.Errorf("JanitorInterval = %v", cfg.JanitorInterval)
	}
	if cfg.ValidateTokens {
		t.Error("ValidateTokens defaulted on")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TUNNEL_DOMAIN", "tunnels.example.net")
	t.Setenv("ALIAS_DOMAIN", "apps.example.net")
	t.Setenv("AGENTCLOUD_API_BASE", "http://api.internal:9000")
	t.Setenv("TUNNEL_RELAY_HTTP", "8080")
	t.Setenv("TUNNEL_RELAY_HTTP_HOST", "0.0.0.0")
	t.Setenv("TUNNEL_RELAY_CTRL", "8081")
	t.Setenv("TUNNEL_VALIDATE_TOKENS", "true")
	t.Setenv("TUNNEL_RATE_LIMIT_REQUESTS", "50")
	t.Setenv("TUNNEL_MAX_REQUEST_SIZE", "1048576")
	t.Setenv("RELAY_INTERNAL_SECRET", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr() != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr())
	}
	if cfg.CtrlAddr() != ":8081" {
		t.Errorf("CtrlAddr = %q", cfg.CtrlAddr())
	}
	if !cfg.ValidateTokens {
		t.Error("ValidateTokens not set")
	}
	if cfg.RateLimitRequests != 50 {
		t.Errorf("RateLimitRequests = %d", cfg.RateLimitRequests)
	}
	if cfg.MaxRequestSize != 1048576 {
		t.Errorf("MaxRequestSize = %d", cfg.MaxRequestSize)
	}
	if cfg.AliasDomain != "apps.example.net" {
		t.Errorf("AliasDomain = %q", cfg.AliasDomain)
	}
	if cfg.InternalSecret != "hunter2" {
		t.Errorf("InternalSecret = %q", cfg.InternalSecret)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	data := `
http_port: "9090"
tunnel_domain: ${FILE_TEST_DOMAIN}
rate_limit_requests: 25
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FILE_TEST_DOMAIN", "tunnels.example.net")
	t.Setenv("TUNNEL_RELAY_HTTP", "9191")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TunnelDomain != "tunnels.example.net" {
		t.Errorf("TunnelDomain = %q, ${VAR} expansion failed", cfg.TunnelDomain)
	}
	if cfg.RateLimitRequests != 25 {
		t.Errorf("RateLimitRequests = %d, file value lost", cfg.RateLimitRequests)
	}
	// Environment beats the file.
	if cfg.HTTPPort != "9191" {
		t.Errorf("HTTPPort = %q, env did not win over file", cfg.HTTPPort)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() Config {
		c := Default()
		c.TunnelDomain = "tunnels.example.net"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing tunnel domain",
			mutate:  func(c *Config) { c.TunnelDomain = "" },
			wantErr: "TUNNEL_DOMAIN",
		},
		{
			name:    "validation without api base",
			mutate:  func(c *Config) { c.ValidateTokens = true },
			wantErr: "AGENTCLOUD_API_BASE",
		},
		{
			name:    "alias domain without api base",
			mutate:  func(c *Config) { c.AliasDomain = "apps.example.net" },
			wantErr: "AGENTCLOUD_API_BASE",
		},
		{
			name:    "tls without cert",
			mutate:  func(c *Config) { c.CtrlTLS = true },
			wantErr: "TUNNEL_CTRL_CERT",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitRequests = 0 },
			wantErr: "TUNNEL_RATE_LIMIT_REQUESTS",
		},
		{
			name:    "zero max request size",
			mutate:  func(c *Config) { c.MaxRequestSize = 0 },
			wantErr: "TUNNEL_MAX_REQUEST_SIZE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error naming %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_BadBool(t *testing.T) {
	t.Setenv("TUNNEL_DOMAIN", "tunnels.example.net")
	t.Setenv("TUNNEL_VALIDATE_TOKENS", "yes please")

	if _, err := Load(""); err == nil {
		t.Fatal("Load accepted a malformed boolean")
	}
}
