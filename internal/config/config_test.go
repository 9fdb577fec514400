package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	if cfg.Server.Name != "calcgate-mcp" {
		t.Errorf("expected server name 'calcgate-mcp', got %q", cfg.Server.Name)
	}
	if cfg.Server.Version != "1.0.0" {
		t.Errorf("expected server version '1.0.0', got %q", cfg.Server.Version)
	}

	// HTTP defaults
	if cfg.HTTP.ListenAddr != ":8080" {
		t.Errorf("expected listen addr ':8080', got %q", cfg.HTTP.ListenAddr)
	}
	if cfg.HTTP.MCPPath != "/mcp" {
		t.Errorf("expected mcp path '/mcp', got %q", cfg.HTTP.MCPPath)
	}

	// Auth defaults
	if len(cfg.Auth.ScopesSupported) != 2 {
		t.Errorf("expected 2 supported scopes, got %v", cfg.Auth.ScopesSupported)
	}
	if cfg.Auth.Disable {
		t.Error("expected auth to be enabled by default")
	}

	// Browser defaults
	if cfg.Browser.NavigationTimeout != "15s" {
		t.Errorf("expected navigation timeout '15s', got %q", cfg.Browser.NavigationTimeout)
	}
	if cfg.Browser.MaxConcurrent != 3 {
		t.Errorf("expected max concurrent 3, got %d", cfg.Browser.MaxConcurrent)
	}
	if cfg.Browser.ViewportWidth != 1920 {
		t.Errorf("expected viewport width 1920, got %d", cfg.Browser.ViewportWidth)
	}
	if cfg.Browser.GetViewportWidth() != 1920 || cfg.Browser.GetViewportHeight() != 1080 {
		t.Errorf("unexpected viewport accessors: %dx%d",
			cfg.Browser.GetViewportWidth(), cfg.Browser.GetViewportHeight())
	}
	zero := BrowserConfig{}
	if zero.GetViewportWidth() != 1920 || zero.GetViewportHeight() != 1080 {
		t.Errorf("viewport accessors must fall back to defaults, got %dx%d",
			zero.GetViewportWidth(), zero.GetViewportHeight())
	}
	if !cfg.Browser.IsHeadless() {
		t.Error("expected headless by default")
	}

	// Catalog defaults
	if cfg.Catalog.BaseURL != "https://www.mdcalc.com" {
		t.Errorf("expected catalog base URL, got %q", cfg.Catalog.BaseURL)
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-gateway"
  version: "0.1.0"

http:
  listen_addr: ":9090"
  public_url: "https://gateway.example.com"
  mcp_path: "/rpc"

auth:
  issuer_url: "https://issuer.example.com/"
  audience: "https://api.example.com"
  key_ttl: "30m"

browser:
  headless: false
  navigation_timeout: "20s"
  max_concurrent: 2
  viewport_width: 1280
  viewport_height: 720
  auth_state: "state/auth.json"

catalog:
  path: "test-catalog.json"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-gateway" {
		t.Errorf("expected server name 'test-gateway', got %q", cfg.Server.Name)
	}
	if cfg.HTTP.ListenAddr != ":9090" {
		t.Errorf("expected listen addr ':9090', got %q", cfg.HTTP.ListenAddr)
	}
	if cfg.HTTP.MCPPath != "/rpc" {
		t.Errorf("expected mcp path '/rpc', got %q", cfg.HTTP.MCPPath)
	}
	if cfg.Browser.IsHeadless() {
		t.Error("expected headless disabled")
	}
	if cfg.Browser.GetNavigationTimeout() != 20*time.Second {
		t.Errorf("expected 20s navigation timeout, got %v", cfg.Browser.GetNavigationTimeout())
	}
	if cfg.Browser.GetMaxConcurrent() != 2 {
		t.Errorf("expected max concurrent 2, got %d", cfg.Browser.GetMaxConcurrent())
	}
	// Defaults survive under keys the file does not set.
	if cfg.Catalog.BaseURL != "https://www.mdcalc.com" {
		t.Errorf("expected default catalog base URL, got %q", cfg.Catalog.BaseURL)
	}
	if cfg.Browser.GetSubmitTimeout() != 8*time.Second {
		t.Errorf("expected default 8s submit timeout, got %v", cfg.Browser.GetSubmitTimeout())
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
http:
  public_url: "http://localhost:8080"
auth:
  issuer_url: "https://file-issuer.example.com"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("GATEWAY_PUBLIC_URL", "https://env.example.com")
	t.Setenv("GATEWAY_ISSUER_URL", "https://env-issuer.example.com")
	t.Setenv("GATEWAY_AUDIENCE", "https://env-audience.example.com")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.HTTP.PublicURL != "https://env.example.com" {
		t.Errorf("environment must win over the file, got %q", cfg.HTTP.PublicURL)
	}
	if cfg.Auth.IssuerURL != "https://env-issuer.example.com" {
		t.Errorf("environment must win over the file, got %q", cfg.Auth.IssuerURL)
	}
	if cfg.ExpectedAudience() != "https://env-audience.example.com" {
		t.Errorf("unexpected audience: %q", cfg.ExpectedAudience())
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Auth.IssuerURL = "https://issuer.example.com"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty server name",
			mutate:  func(c *Config) { c.Server.Name = "" },
			wantErr: "server.name is required",
		},
		{
			name:    "empty public URL",
			mutate:  func(c *Config) { c.HTTP.PublicURL = "" },
			wantErr: "http.public_url is required",
		},
		{
			name:    "relative mcp path",
			mutate:  func(c *Config) { c.HTTP.MCPPath = "mcp" },
			wantErr: `http.mcp_path must start with '/': "mcp"`,
		},
		{
			name:    "missing issuer with auth enabled",
			mutate:  func(c *Config) { c.Auth.IssuerURL = "" },
			wantErr: "auth.issuer_url is required unless auth.disable is set",
		},
		{
			name: "missing issuer with auth disabled",
			mutate: func(c *Config) {
				c.Auth.IssuerURL = ""
				c.Auth.Disable = true
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDerivedEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.PublicURL = "https://gateway.example.com"
	cfg.Auth.IssuerURL = "https://issuer.example.com/"

	// Audience falls back to the public URL.
	if cfg.ExpectedAudience() != "https://gateway.example.com" {
		t.Errorf("unexpected audience: %q", cfg.ExpectedAudience())
	}
	cfg.Auth.Audience = "https://api.example.com"
	if cfg.ExpectedAudience() != "https://api.example.com" {
		t.Errorf("explicit audience must win, got %q", cfg.ExpectedAudience())
	}

	// JWKS location derives from the issuer, trailing slash stripped.
	if got := cfg.KeySetURL(); got != "https://issuer.example.com/.well-known/jwks.json" {
		t.Errorf("unexpected key set URL: %q", got)
	}
	cfg.Auth.JWKSURL = "https://keys.example.com/jwks.json"
	if got := cfg.KeySetURL(); got != "https://keys.example.com/jwks.json" {
		t.Errorf("explicit JWKS URL must win, got %q", got)
	}

	if cfg.Auth.KeySetTTL() != time.Hour {
		t.Errorf("expected 1h key TTL, got %v", cfg.Auth.KeySetTTL())
	}
	cfg.Auth.KeyTTL = "bogus"
	if cfg.Auth.KeySetTTL() != time.Hour {
		t.Errorf("unparseable TTL must fall back to 1h, got %v", cfg.Auth.KeySetTTL())
	}
}
