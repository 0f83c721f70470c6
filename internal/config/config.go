package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	dbconfig "wiicare/pkg/database"
)

// EnvConfigFile names the JSON file layered over environment settings
const EnvConfigFile = "WIICARE_CONFIG_FILE"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Database  *DatabaseConfig  `json:"database"`
	Redis     *RedisConfig     `json:"redis"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
	Log       *LogConfig       `json:"log"`
}

type HTTPConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration tuned for phones on flaky networks:
// 30s heartbeat, a dead peer is noticed within ReadTimeout
type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	SendBuffer     int           `json:"send_buffer"`
	MaxMessageSize int64         `json:"max_message_size"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	Algorithm string        `json:"algorithm"`
	Issuer    string        `json:"issuer"`
	Leeway    time.Duration `json:"leeway"`
}

type DatabaseConfig struct {
	Driver         string        `json:"driver"`
	Path           string        `json:"path"`
	MaxConnections int           `json:"max_connections"`
	MongoURI       string        `json:"mongo_uri"`
	MongoDatabase  string        `json:"mongo_database"`
	Timeout        time.Duration `json:"timeout"`
}

// RedisConfig configures the presence mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr        string        `json:"addr"`
	Password    string        `json:"password"`
	DB          int           `json:"db"`
	PresenceTTL time.Duration `json:"presence_ttl"`
}

// RateLimitConfig bounds inbound events per identity; zero disables limiting
type RateLimitConfig struct {
	EventsPerMinute int `json:"events_per_minute"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// FUNCTIONAL DISCOVERY: Production-ready defaults
// Database on local filesystem, HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendBuffer:     256,
			MaxMessageSize: 64 * 1024,
		},
		Auth: &AuthConfig{
			Algorithm: "HS256",
			Leeway:    30 * time.Second,
		},
		Database: &DatabaseConfig{
			Driver:         dbconfig.DriverSQLite,
			Path:           "./data/wiicare.db",
			MaxConnections: 10,
			MongoDatabase:  "wiicare",
			Timeout:        5 * time.Second,
		},
		Redis: &RedisConfig{
			PresenceTTL: 90 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			EventsPerMinute: 600,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Auth == nil || c.Database == nil ||
		c.Redis == nil || c.RateLimit == nil || c.Log == nil {
		return fmt.Errorf("every configuration section is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must be longer than the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	switch strings.ToUpper(c.Auth.Algorithm) {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported JWT algorithm %q", c.Auth.Algorithm)
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("JWT leeway cannot be negative")
	}

	if err := c.Database.Store().Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Redis.Addr != "" && c.Redis.PresenceTTL <= 0 {
		return fmt.Errorf("presence TTL must be positive when redis is enabled")
	}

	if c.RateLimit.EventsPerMinute < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console")
	}

	return nil
}

// Store converts the section into the data-access configuration
func (d *DatabaseConfig) Store() *dbconfig.Config {
	store := dbconfig.DefaultConfig()
	store.Driver = d.Driver
	store.DatabasePath = d.Path
	store.MaxConnections = d.MaxConnections
	store.MongoURI = d.MongoURI
	store.MongoDatabase = d.MongoDatabase
	store.OperationTimeout = d.Timeout
	return store
}

// Addr is the listen address
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	env := envReader{}

	env.number("WIICARE_HTTP_PORT", &config.HTTP.Port)
	env.text("WIICARE_HTTP_HOST", &config.HTTP.Host)
	env.duration("WIICARE_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	env.duration("WIICARE_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	env.duration("WIICARE_HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)

	env.duration("WIICARE_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	env.duration("WIICARE_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	env.duration("WIICARE_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	env.number("WIICARE_WEBSOCKET_SEND_BUFFER", &config.WebSocket.SendBuffer)
	env.number64("WIICARE_WEBSOCKET_MAX_MESSAGE_SIZE", &config.WebSocket.MaxMessageSize)
	env.list("WIICARE_WEBSOCKET_ALLOWED_ORIGINS", &config.WebSocket.AllowedOrigins)

	env.text("WIICARE_JWT_SECRET", &config.Auth.JWTSecret)
	env.text("WIICARE_JWT_ALGORITHM", &config.Auth.Algorithm)
	env.text("WIICARE_JWT_ISSUER", &config.Auth.Issuer)
	env.duration("WIICARE_JWT_LEEWAY", &config.Auth.Leeway)

	env.text("WIICARE_DATABASE_DRIVER", &config.Database.Driver)
	env.text("WIICARE_DATABASE_PATH", &config.Database.Path)
	env.number("WIICARE_DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)
	env.text("WIICARE_MONGO_URI", &config.Database.MongoURI)
	env.text("WIICARE_MONGO_DATABASE", &config.Database.MongoDatabase)
	env.duration("WIICARE_DATABASE_TIMEOUT", &config.Database.Timeout)

	env.text("WIICARE_REDIS_ADDR", &config.Redis.Addr)
	env.text("WIICARE_REDIS_PASSWORD", &config.Redis.Password)
	env.number("WIICARE_REDIS_DB", &config.Redis.DB)
	env.duration("WIICARE_PRESENCE_TTL", &config.Redis.PresenceTTL)

	env.number("WIICARE_RATE_LIMIT_EVENTS_PER_MINUTE", &config.RateLimit.EventsPerMinute)

	env.text("WIICARE_LOG_LEVEL", &config.Log.Level)
	env.text("WIICARE_LOG_FORMAT", &config.Log.Format)

	if env.err != nil {
		return nil, env.err
	}
	return config, nil
}

// envReader records the first malformed variable instead of silently ignoring it
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (e *envReader) text(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) number(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) number64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

// ConfigFile represents the JSON structure for file-based configuration.
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings;
// pointer fields distinguish "absent" from "zero" so a file only overrides what it names.
type ConfigFile struct {
	HTTP *struct {
		Port            *int   `json:"port"`
		Host            string `json:"host"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval   string   `json:"ping_interval"`
		ReadTimeout    string   `json:"read_timeout"`
		WriteTimeout   string   `json:"write_timeout"`
		SendBuffer     *int     `json:"send_buffer"`
		MaxMessageSize *int64   `json:"max_message_size"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"websocket"`
	Auth *struct {
		JWTSecret string `json:"jwt_secret"`
		Algorithm string `json:"algorithm"`
		Issuer    string `json:"issuer"`
		Leeway    string `json:"leeway"`
	} `json:"auth"`
	Database *struct {
		Driver         string `json:"driver"`
		Path           string `json:"path"`
		MaxConnections *int   `json:"max_connections"`
		MongoURI       string `json:"mongo_uri"`
		MongoDatabase  string `json:"mongo_database"`
		Timeout        string `json:"timeout"`
	} `json:"database"`
	Redis *struct {
		Addr        string `json:"addr"`
		Password    string `json:"password"`
		DB          *int   `json:"db"`
		PresenceTTL string `json:"presence_ttl"`
	} `json:"redis"`
	RateLimit *struct {
		EventsPerMinute *int `json:"events_per_minute"`
	} `json:"rate_limit"`
	Log *struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

// ApplyFile overlays the JSON file at path onto config
func ApplyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	d := durationSetter{}
	if f := file.HTTP; f != nil {
		setInt(&config.HTTP.Port, f.Port)
		setString(&config.HTTP.Host, f.Host)
		d.set("http.read_timeout", f.ReadTimeout, &config.HTTP.ReadTimeout)
		d.set("http.write_timeout", f.WriteTimeout, &config.HTTP.WriteTimeout)
		d.set("http.shutdown_timeout", f.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
	}
	if f := file.WebSocket; f != nil {
		d.set("websocket.ping_interval", f.PingInterval, &config.WebSocket.PingInterval)
		d.set("websocket.read_timeout", f.ReadTimeout, &config.WebSocket.ReadTimeout)
		d.set("websocket.write_timeout", f.WriteTimeout, &config.WebSocket.WriteTimeout)
		setInt(&config.WebSocket.SendBuffer, f.SendBuffer)
		if f.MaxMessageSize != nil {
			config.WebSocket.MaxMessageSize = *f.MaxMessageSize
		}
		if f.AllowedOrigins != nil {
			config.WebSocket.AllowedOrigins = f.AllowedOrigins
		}
	}
	if f := file.Auth; f != nil {
		setString(&config.Auth.JWTSecret, f.JWTSecret)
		setString(&config.Auth.Algorithm, f.Algorithm)
		setString(&config.Auth.Issuer, f.Issuer)
		d.set("auth.leeway", f.Leeway, &config.Auth.Leeway)
	}
	if f := file.Database; f != nil {
		setString(&config.Database.Driver, f.Driver)
		setString(&config.Database.Path, f.Path)
		setInt(&config.Database.MaxConnections, f.MaxConnections)
		setString(&config.Database.MongoURI, f.MongoURI)
		setString(&config.Database.MongoDatabase, f.MongoDatabase)
		d.set("database.timeout", f.Timeout, &config.Database.Timeout)
	}
	if f := file.Redis; f != nil {
		setString(&config.Redis.Addr, f.Addr)
		setString(&config.Redis.Password, f.Password)
		setInt(&config.Redis.DB, f.DB)
		d.set("redis.presence_ttl", f.PresenceTTL, &config.Redis.PresenceTTL)
	}
	if f := file.RateLimit; f != nil {
		setInt(&config.RateLimit.EventsPerMinute, f.EventsPerMinute)
	}
	if f := file.Log; f != nil {
		setString(&config.Log.Level, f.Level)
		setString(&config.Log.Format, f.Format)
	}

	if d.err != nil {
		return fmt.Errorf("invalid configuration in %s: %w", path, d.err)
	}
	return nil
}

type durationSetter struct {
	err error
}

func (d *durationSetter) set(name, value string, dst *time.Duration) {
	if value == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Load builds the runtime configuration.
// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults.
// An empty path falls back to WIICARE_CONFIG_FILE.
func Load(path string) (*Config, error) {
	config, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := ApplyFile(config, path); err != nil {
			return nil, err
		}
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
