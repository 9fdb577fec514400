package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the CalcGate MCP gateway.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Browser BrowserConfig `yaml:"browser"`
	Catalog CatalogConfig `yaml:"catalog"`
	Audit   AuditConfig   `yaml:"audit"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// HTTPConfig describes the listening socket and the canonical external URL.
type HTTPConfig struct {
	// Listen address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`
	// PublicURL is the canonical URL remote clients use to reach this
	// gateway. It doubles as the expected token audience.
	PublicURL string `yaml:"public_url"`
	// Path of the JSON-RPC endpoint (default: /mcp).
	MCPPath string `yaml:"mcp_path"`
}

// AuthConfig configures bearer-token validation against the external
// authorization server.
type AuthConfig struct {
	// IssuerURL must match the token `iss` claim exactly, including any
	// trailing slash.
	IssuerURL string `yaml:"issuer_url"`
	// JWKSURL overrides the key-set location. Empty means
	// issuer_url + "/.well-known/jwks.json".
	JWKSURL string `yaml:"jwks_url"`
	// Audience overrides the expected `aud` claim. Empty means http.public_url.
	Audience string `yaml:"audience"`
	// Scopes advertised in the protected-resource metadata document.
	ScopesSupported []string `yaml:"scopes_supported"`
	// How long a fetched key set stays fresh (e.g. "1h").
	KeyTTL string `yaml:"key_ttl"`
	// Disable turns off token validation entirely. Local development only.
	Disable bool `yaml:"disable"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod, plus
// the automation engine's timeout budget.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). When empty and
	// launch is empty, Rod's launcher picks a Chrome binary itself.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--no-sandbox"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Path to a persisted storage-state JSON (cookies + localStorage) used by
	// the authenticated identity. Empty means the authenticated identity
	// behaves like the public one.
	AuthState string `yaml:"auth_state"`
	// Navigation timeout per page load (e.g., "15s").
	NavigationTimeout string `yaml:"navigation_timeout"`
	// Ceiling on the content-ready wait after navigation (e.g., "10s").
	ReadyTimeout string `yaml:"ready_timeout"`
	// Per-field resolution timeout during assignment (e.g., "2s").
	FieldTimeout string `yaml:"field_timeout"`
	// How long to wait for a results region after submission (e.g., "8s").
	SubmitTimeout string `yaml:"submit_timeout"`
	// Upper bound on concurrently running automation operations (default: 3).
	MaxConcurrent int `yaml:"max_concurrent"`
	// Viewport width for new contexts (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new contexts (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

// CatalogConfig points at the scraped target catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
	// BaseURL used when a catalog entry carries no absolute URL.
	BaseURL string `yaml:"base_url"`
}

// AuditConfig controls the rotating tool-call recorder.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "calcgate-mcp",
			Version: "1.0.0",
			LogFile: "calcgate-mcp.log",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
			PublicURL:  "http://localhost:8080",
			MCPPath:    "/mcp",
		},
		Auth: AuthConfig{
			ScopesSupported: []string{"gateway:read", "gateway:execute"},
			KeyTTL:          "1h",
		},
		Browser: BrowserConfig{
			NavigationTimeout: "15s",
			ReadyTimeout:      "10s",
			FieldTimeout:      "2s",
			SubmitTimeout:     "8s",
			MaxConcurrent:     3,
			ViewportWidth:     1920,
			ViewportHeight:    1080,
		},
		Catalog: CatalogConfig{
			Path:    "catalog/catalog.json",
			BaseURL: "https://www.mdcalc.com",
		},
		Audit: AuditConfig{
			Enabled: true,
			Dir:     "data/audit",
		},
	}
}

// Load reads YAML config from disk, overlays defaults, then applies
// environment overrides for deployment secrets.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides lets deployments inject endpoint URLs without editing the
// config file. Applied after the YAML layer so the environment wins.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_PUBLIC_URL"); v != "" {
		c.HTTP.PublicURL = v
	}
	if v := os.Getenv("GATEWAY_ISSUER_URL"); v != "" {
		c.Auth.IssuerURL = v
	}
	if v := os.Getenv("GATEWAY_AUDIENCE"); v != "" {
		c.Auth.Audience = v
	}
	if v := os.Getenv("GATEWAY_AUTH_STATE"); v != "" {
		c.Browser.AuthState = v
	}
}

// Validate ensures required fields exist so the gateway can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.HTTP.PublicURL == "" {
		return errors.New("http.public_url is required")
	}
	if _, err := url.Parse(c.HTTP.PublicURL); err != nil {
		return fmt.Errorf("http.public_url is not a valid URL: %w", err)
	}
	if !strings.HasPrefix(c.HTTP.MCPPath, "/") {
		return fmt.Errorf("http.mcp_path must start with '/': %q", c.HTTP.MCPPath)
	}
	if !c.Auth.Disable {
		if c.Auth.IssuerURL == "" {
			return errors.New("auth.issuer_url is required unless auth.disable is set")
		}
		if _, err := url.Parse(c.Auth.IssuerURL); err != nil {
			return fmt.Errorf("auth.issuer_url is not a valid URL: %w", err)
		}
	}
	return nil
}

// ExpectedAudience returns the audience tokens must carry.
func (c Config) ExpectedAudience() string {
	if c.Auth.Audience != "" {
		return c.Auth.Audience
	}
	return c.HTTP.PublicURL
}

// KeySetURL returns the JWKS location, derived from the issuer when not set
// explicitly.
func (c Config) KeySetURL() string {
	if c.Auth.JWKSURL != "" {
		return c.Auth.JWKSURL
	}
	return strings.TrimSuffix(c.Auth.IssuerURL, "/") + "/.well-known/jwks.json"
}

// KeySetTTL returns the parsed key-set TTL with a sane default.
func (a AuthConfig) KeySetTTL() time.Duration {
	return parseDurationOr(a.KeyTTL, time.Hour)
}

// GetNavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) GetNavigationTimeout() time.Duration {
	return parseDurationOr(b.NavigationTimeout, 15*time.Second)
}

// GetReadyTimeout returns the parsed content-ready ceiling with a sane default.
func (b BrowserConfig) GetReadyTimeout() time.Duration {
	return parseDurationOr(b.ReadyTimeout, 10*time.Second)
}

// GetFieldTimeout returns the per-field resolution timeout with a sane default.
func (b BrowserConfig) GetFieldTimeout() time.Duration {
	return parseDurationOr(b.FieldTimeout, 2*time.Second)
}

// GetSubmitTimeout returns the results-region wait timeout with a sane default.
func (b BrowserConfig) GetSubmitTimeout() time.Duration {
	return parseDurationOr(b.SubmitTimeout, 8*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetMaxConcurrent returns the automation concurrency cap with a sane default.
func (b BrowserConfig) GetMaxConcurrent() int {
	if b.MaxConcurrent <= 0 {
		return 3
	}
	return b.MaxConcurrent
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
