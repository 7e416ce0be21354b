package config

import (
	"strings"
	"testing"
	"time"
)

const testSigningSecret = "0123456789abcdef-secret"

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", testSigningSecret)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.StoreBackend != StoreBackendMemory {
		t.Fatalf("unexpected backend %q", cfg.StoreBackend)
	}
	if cfg.ConnectorTimeout != 10*time.Second {
		t.Fatalf("unexpected connector timeout %s", cfg.ConnectorTimeout)
	}
	if !cfg.AllowTokenIssuance {
		t.Fatalf("expected token issuance to default to enabled")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("OMNIBRIDGE_AUTH_SIGNING_SECRET", testSigningSecret)
	t.Setenv("OMNIBRIDGE_STORE_BACKEND", "SQLite")
	t.Setenv("OMNIBRIDGE_SEARCH_CONNECTOR_TIMEOUT_MS", "250")
	t.Setenv("OMNIBRIDGE_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreBackend != StoreBackendSQLite {
		t.Fatalf("unexpected backend %q", cfg.StoreBackend)
	}
	if cfg.ConnectorTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected connector timeout %s", cfg.ConnectorTimeout)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example.com|https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		want     string
	}{
		{name: "missing-secret", settings: map[string]any{}, want: "auth.signing_secret"},
		{name: "short-secret", settings: map[string]any{"auth.signing_secret": "short"}, want: "auth.signing_secret"},
		{name: "unknown-backend", settings: map[string]any{"auth.signing_secret": testSigningSecret, "store.backend": "redis"}, want: "store.backend"},
		{name: "sqlite-without-path", settings: map[string]any{"auth.signing_secret": testSigningSecret, "store.backend": "sqlite", "database.path": " "}, want: "database.path"},
		{name: "zero-timeout", settings: map[string]any{"auth.signing_secret": testSigningSecret, "search.connector_timeout_ms": 0}, want: "search.connector_timeout_ms"},
		{name: "negative-parallel", settings: map[string]any{"auth.signing_secret": testSigningSecret, "search.max_parallel": -1}, want: "search.max_parallel"},
		{name: "zero-ttl", settings: map[string]any{"auth.signing_secret": testSigningSecret, "auth.token_ttl_minutes": 0}, want: "auth.token_ttl_minutes"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.want, err)
			}
		})
	}
}
