package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsSecureByDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.Enabled {
		t.Fatalf("expected auth.enabled to default to true")
	}
	if cfg.Auth.AllowAnonymous {
		t.Fatalf("expected auth.allowAnonymous to default to false")
	}
	if cfg.Auth.ScopeClaim != "scope" {
		t.Fatalf("expected scope claim default, got %q", cfg.Auth.ScopeClaim)
	}
	if cfg.Auth.ClockSkew != 2*time.Minute {
		t.Fatalf("expected clock skew default, got %s", cfg.Auth.ClockSkew)
	}
	if cfg.ListenAddress != ":8081" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddress)
	}
}

func TestLoadReadsRateLimits(t *testing.T) {
	yaml := "rateLimits:\n  - id: bids\n    requestsPerMinute: 120\n    burst: 10\n  - id: invoices\n    requestsPerMinute: 600\n    burst: 50\n"
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.RateLimits) != 2 {
		t.Fatalf("expected 2 rate limits, got %d", len(cfg.RateLimits))
	}
	if cfg.RateLimits[0].ID != "bids" || cfg.RateLimits[0].Burst != 10 {
		t.Fatalf("unexpected first rate limit: %+v", cfg.RateLimits[0])
	}
}

func TestLoadRejectsUnnamedRateLimit(t *testing.T) {
	yaml := "rateLimits:\n  - requestsPerMinute: 120\n    burst: 10\n"
	path := writeConfig(t, yaml)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for rate limit without id")
	}
}

func TestLoadRequiresOptionalPathsWhenAllowAnonymousEnabled(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: true\n  allowAnonymous: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected load to fail when auth.allowAnonymous is true without optional paths")
	}
}

func TestLoadNormalizesOptionalPaths(t *testing.T) {
	yaml := "auth:\n  enabled: true\n  allowAnonymous: true\n  optionalPaths:\n    - /v1/invoices/counts\n    - \"   /healthz   \"\n"
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	expected := []string{"/v1/invoices/counts", "/healthz"}
	if len(cfg.Auth.OptionalPaths) != len(expected) {
		t.Fatalf("expected %d optional paths, got %d", len(expected), len(cfg.Auth.OptionalPaths))
	}
	for i, path := range expected {
		if cfg.Auth.OptionalPaths[i] != path {
			t.Fatalf("optional path %d mismatch: expected %q, got %q", i, path, cfg.Auth.OptionalPaths[i])
		}
	}
}

func TestLoadRejectsOptionalPathsWithoutLeadingSlash(t *testing.T) {
	yaml := "auth:\n  enabled: true\n  allowAnonymous: true\n  optionalPaths:\n    - v1/invoices/counts\n"
	path := writeConfig(t, yaml)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for optional path without leading slash")
	}
}

func TestLoadRejectsHalfConfiguredTLS(t *testing.T) {
	yaml := "security:\n  tlsCertFile: /etc/gateway/cert.pem\n"
	path := writeConfig(t, yaml)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error when only the cert file is set")
	}
}

func TestLoadDefaultsEnableAuthForTLSDeployments(t *testing.T) {
	yaml := "security:\n  tlsCertFile: /etc/gateway/cert.pem\n  tlsKeyFile: /etc/gateway/key.pem\n"
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.Enabled {
		t.Fatalf("expected auth.enabled to default to true for TLS configuration")
	}
	if !cfg.ServesTLS() {
		t.Fatalf("expected ServesTLS to report true")
	}
}

func TestValidateRejectsImplicitAnonymousAccess(t *testing.T) {
	cfg := Config{
		Auth: AuthConfig{
			Enabled:       true,
			OptionalPaths: []string{"/v1/invoices/counts"},
			// AllowAnonymous toggled without allowAnonymousSet mimics a
			// hand-built config that skipped the YAML decoder.
			AllowAnonymous: true,
			enabledSet:     true,
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for implicit anonymous access")
	}
}

func TestValidateRejectsSensitiveDeploymentWithoutExplicitAuth(t *testing.T) {
	cfg := Config{
		Security: SecurityConfig{
			TLSCertFile: "/etc/gateway/cert.pem",
			TLSKeyFile:  "/etc/gateway/key.pem",
		},
	}
	if err := cfg.Validate(); err != ErrAuthEnabledNotConfigured {
		t.Fatalf("expected ErrAuthEnabledNotConfigured, got %v", err)
	}
}
