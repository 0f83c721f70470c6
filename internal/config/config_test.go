package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

// FUNCTIONAL VALIDATION TEST: Default configuration provides production-ready settings
func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.HTTP.Port != 8080 || config.HTTP.Addr() != "0.0.0.0:8080" {
		t.Errorf("Unexpected HTTP defaults: %+v", config.HTTP)
	}
	if config.WebSocket.PingInterval != 30*time.Second || config.WebSocket.ReadTimeout != 60*time.Second {
		t.Errorf("Heartbeat defaults should be 30s ping / 60s read, got %+v", config.WebSocket)
	}
	if config.RateLimit.EventsPerMinute != 600 {
		t.Errorf("Expected 600 events/min, got %d", config.RateLimit.EventsPerMinute)
	}
	if config.Redis.Addr != "" {
		t.Error("Presence mirror should be disabled by default")
	}

	// The only thing missing from defaults is the secret
	if err := config.Validate(); err == nil || !strings.Contains(err.Error(), "JWT secret") {
		t.Errorf("Defaults without a secret should fail on the secret, got %v", err)
	}
	config.Auth.JWTSecret = "s"
	if err := config.Validate(); err != nil {
		t.Errorf("Defaults plus a secret should validate: %v", err)
	}
}

// FUNCTIONAL VALIDATION TEST: Configuration validation prevents invalid settings
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"invalid port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"read timeout not above ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{"zero send buffer", func(c *Config) { c.WebSocket.SendBuffer = 0 }},
		{"unsupported algorithm", func(c *Config) { c.Auth.Algorithm = "RS256" }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"mongo without uri", func(c *Config) { c.Database.Driver = "mongo" }},
		{"redis without ttl", func(c *Config) { c.Redis.Addr = "localhost:6379"; c.Redis.PresenceTTL = 0 }},
		{"negative rate limit", func(c *Config) { c.RateLimit.EventsPerMinute = -1 }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"missing section", func(c *Config) { c.Log = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Auth.JWTSecret = "s"
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

// FUNCTIONAL VALIDATION TEST: Environment variables override defaults
func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("WIICARE_HTTP_PORT", "9090")
	t.Setenv("WIICARE_JWT_SECRET", "env-secret")
	t.Setenv("WIICARE_WEBSOCKET_PING_INTERVAL", "15s")
	t.Setenv("WIICARE_WEBSOCKET_ALLOWED_ORIGINS", "app.example, admin.example ,")
	t.Setenv("WIICARE_REDIS_ADDR", "redis:6379")
	t.Setenv("WIICARE_RATE_LIMIT_EVENTS_PER_MINUTE", "0")

	config, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	if config.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", config.HTTP.Port)
	}
	if config.Auth.JWTSecret != "env-secret" {
		t.Errorf("Expected secret from env, got %q", config.Auth.JWTSecret)
	}
	if config.WebSocket.PingInterval != 15*time.Second {
		t.Errorf("Expected 15s ping, got %v", config.WebSocket.PingInterval)
	}
	origins := config.WebSocket.AllowedOrigins
	if len(origins) != 2 || origins[0] != "app.example" || origins[1] != "admin.example" {
		t.Errorf("Unexpected origins %v", origins)
	}
	if config.Redis.Addr != "redis:6379" {
		t.Errorf("Expected redis addr from env, got %q", config.Redis.Addr)
	}
	if config.RateLimit.EventsPerMinute != 0 {
		t.Errorf("An explicit 0 should disable rate limiting, got %d", config.RateLimit.EventsPerMinute)
	}
}

func TestConfig_LoadFromEnvRejectsMalformed(t *testing.T) {
	t.Setenv("WIICARE_HTTP_PORT", "eighty")
	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "WIICARE_HTTP_PORT") {
		t.Errorf("Malformed port should be reported, got %v", err)
	}

	t.Setenv("WIICARE_HTTP_PORT", "")
	t.Setenv("WIICARE_DATABASE_TIMEOUT", "soon")
	if _, err := LoadFromEnv(); err == nil {
		t.Error("Malformed duration should be reported")
	}
}

// FUNCTIONAL VALIDATION TEST: File overrides environment which overrides defaults
func TestConfig_LoadPrecedence(t *testing.T) {
	t.Setenv("WIICARE_JWT_SECRET", "env-secret")
	t.Setenv("WIICARE_HTTP_PORT", "9090")
	t.Setenv("WIICARE_LOG_LEVEL", "debug")

	path := writeFile(t, `{
		"http": {"port": 7070, "read_timeout": "5s"},
		"database": {"path": "/var/lib/wiicare/app.db"},
		"rate_limit": {"events_per_minute": 120},
		"log": {"format": "console"}
	}`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.HTTP.Port != 7070 {
		t.Errorf("File should win over env for port, got %d", config.HTTP.Port)
	}
	if config.HTTP.ReadTimeout != 5*time.Second {
		t.Errorf("Expected 5s read timeout from file, got %v", config.HTTP.ReadTimeout)
	}
	if config.Log.Level != "debug" {
		t.Errorf("Env value should survive when the file is silent, got %q", config.Log.Level)
	}
	if config.Log.Format != "console" {
		t.Errorf("Expected console format from file, got %q", config.Log.Format)
	}
	if config.Auth.JWTSecret != "env-secret" {
		t.Errorf("Secret from env should be kept, got %q", config.Auth.JWTSecret)
	}
	if config.Database.Path != "/var/lib/wiicare/app.db" || config.RateLimit.EventsPerMinute != 120 {
		t.Errorf("File sections not applied: %+v %+v", config.Database, config.RateLimit)
	}
	if config.WebSocket.SendBuffer != 256 {
		t.Errorf("Untouched defaults should remain, got send buffer %d", config.WebSocket.SendBuffer)
	}
}

func TestConfig_LoadUsesEnvConfigFile(t *testing.T) {
	path := writeFile(t, `{"auth": {"jwt_secret": "file-secret", "issuer": "wiicare-auth"}}`)
	t.Setenv(EnvConfigFile, path)

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Auth.JWTSecret != "file-secret" || config.Auth.Issuer != "wiicare-auth" {
		t.Errorf("WIICARE_CONFIG_FILE not applied: %+v", config.Auth)
	}
}

func TestConfig_LoadErrors(t *testing.T) {
	t.Setenv("WIICARE_JWT_SECRET", "s")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Missing file should be an error")
	}
	if _, err := Load(writeFile(t, `{not json`)); err == nil {
		t.Error("Malformed JSON should be an error")
	}
	if _, err := Load(writeFile(t, `{"websocket": {"ping_interval": "often"}}`)); err == nil {
		t.Error("Malformed duration should be an error")
	}
	if _, err := Load(writeFile(t, `{"http": {"port": 0}}`)); err == nil {
		t.Error("Explicit port 0 should fail validation")
	}
}

func TestDatabaseConfig_Store(t *testing.T) {
	config := DefaultConfig()
	config.Database.Path = "/tmp/x.db"
	config.Database.Timeout = 3 * time.Second

	store := config.Database.Store()
	if store.DatabasePath != "/tmp/x.db" || store.OperationTimeout != 3*time.Second || store.Driver != "sqlite" {
		t.Errorf("Unexpected store config %+v", store)
	}
	if err := store.Validate(); err != nil {
		t.Errorf("Store config should validate: %v", err)
	}
}
