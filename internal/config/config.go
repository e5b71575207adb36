// Package config loads relay settings from the environment, with an optional
// YAML file for local development. Environment variables always win.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the complete relay configuration.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	HTTPHost string `yaml:"http_host"`
	CtrlPort string `yaml:"ctrl_port"`

	TunnelDomain string `yaml:"tunnel_domain"`
	AliasDomain  string `yaml:"alias_domain"`

	ValidateTokens bool   `yaml:"validate_tokens"`
	APIBase        string `yaml:"api_base"`
	InternalSecret string `yaml:"internal_secret"`

	RateLimitRequests int   `yaml:"rate_limit_requests"` // per minute per identity
	MaxRequestSize    int64 `yaml:"max_request_size"`    // bytes; also the frame cap

	CtrlTLS         bool   `yaml:"ctrl_tls"`
	CtrlCA          string `yaml:"ctrl_ca"`
	CtrlCert        string `yaml:"ctrl_cert"`
	CtrlKey         string `yaml:"ctrl_key"`
	CtrlTLSInsecure bool   `yaml:"ctrl_tls_insecure"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MaxCacheSize    int           `yaml:"max_cache_size"`
	PendingTimeout  time.Duration `yaml:"pending_timeout"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout"`
	HeaderTimeout    time.Duration `yaml:"header_timeout"`

	TracingEndpoint   string  `yaml:"tracing_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`
}

// Default returns the configuration defaults before file and environment
// overrides are applied.
func Default() Config {
	return Config{
		HTTPPort:          "7070",
		HTTPHost:          "127.0.0.1",
		CtrlPort:          "7071",
		RateLimitRequests: 1000,
		MaxRequestSize:    10 << 20,
		CacheTTL:          60 * time.Second,
		MaxCacheSize:      10_000,
		PendingTimeout:    30 * time.Second,
		JanitorInterval:   5 * time.Minute,
		KeepAliveTimeout:  60 * time.Second,
		HeaderTimeout:     65 * time.Second,
		TracingSampleRate: 1.0,
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load builds the configuration: defaults, then the optional YAML file at
// path (may be ""), then environment variables, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays the TUNNEL_* environment variables onto cfg.
func (c *Config) applyEnv() error {
	setString(&c.HTTPPort, "TUNNEL_RELAY_HTTP")
	setString(&c.HTTPHost, "TUNNEL_RELAY_HTTP_HOST")
	setString(&c.CtrlPort, "TUNNEL_RELAY_CTRL")
	setString(&c.TunnelDomain, "TUNNEL_DOMAIN")
	setString(&c.AliasDomain, "ALIAS_DOMAIN")
	setString(&c.APIBase, "AGENTCLOUD_API_BASE")
	setString(&c.InternalSecret, "RELAY_INTERNAL_SECRET")
	setString(&c.CtrlCA, "TUNNEL_CTRL_CA")
	setString(&c.CtrlCert, "TUNNEL_CTRL_CERT")
	setString(&c.CtrlKey, "TUNNEL_CTRL_KEY")
	setString(&c.TracingEndpoint, "TUNNEL_TRACING_ENDPOINT")

	if err := setBool(&c.ValidateTokens, "TUNNEL_VALIDATE_TOKENS"); err != nil {
		return err
	}
	if err := setBool(&c.CtrlTLS, "TUNNEL_CTRL_TLS"); err != nil {
		return err
	}
	if err := setBool(&c.CtrlTLSInsecure, "TUNNEL_CTRL_TLS_INSECURE"); err != nil {
		return err
	}
	if err := setInt(&c.RateLimitRequests, "TUNNEL_RATE_LIMIT_REQUESTS"); err != nil {
		return err
	}
	if err := setInt64(&c.MaxRequestSize, "TUNNEL_MAX_REQUEST_SIZE"); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the relay cannot start with.
func (c *Config) Validate() error {
	if c.TunnelDomain == "" {
		return fmt.Errorf("config: TUNNEL_DOMAIN is required")
	}
	if c.ValidateTokens && c.APIBase == "" {
		return fmt.Errorf("config: TUNNEL_VALIDATE_TOKENS requires AGENTCLOUD_API_BASE")
	}
	if c.AliasDomain != "" && c.APIBase == "" {
		return fmt.Errorf("config: ALIAS_DOMAIN requires AGENTCLOUD_API_BASE")
	}
	if c.CtrlTLS && (c.CtrlCert == "" || c.CtrlKey == "") {
		return fmt.Errorf("config: TUNNEL_CTRL_TLS requires TUNNEL_CTRL_CERT and TUNNEL_CTRL_KEY")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("config: TUNNEL_RATE_LIMIT_REQUESTS must be positive")
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("config: TUNNEL_MAX_REQUEST_SIZE must be positive")
	}
	return nil
}

// HTTPAddr returns the ingress bind address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPHost, c.HTTPPort)
}

// CtrlAddr returns the control-channel bind address. Unlike the ingress,
// which normally sits behind a TLS terminator on loopback, the control
// listener accepts clients directly and binds all interfaces.
func (c *Config) CtrlAddr() string {
	return ":" + c.CtrlPort
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}
