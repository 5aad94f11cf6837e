// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Model     ModelConfig     `json:"model,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig defines the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`                        // e.g. ":8080"
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WebSocket origin check; default ["*"]
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket message size; default 1MB
}

// AuthConfig defines token settings for the terminal auth collaborator.
type AuthConfig struct {
	JWTSecret   string   `json:"jwt_secret"`
	TokenExpiry Duration `json:"token_expiry,omitempty"` // default 30m
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "termvoid.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // message retention; 0 = keep forever
}

// GatewayConfig defines the connection and delivery pipeline settings.
type GatewayConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"`  // default 30s
	ReconnectTimeout  Duration `json:"reconnect_timeout,omitempty"`   // default 60s
	MaxRetries        int      `json:"max_retries,omitempty"`         // default 3
	QueueCapacity     int      `json:"queue_capacity,omitempty"`      // default 1000
	PendingBufferSize int      `json:"pending_buffer_size,omitempty"` // default 1000
	MessageTimeout    Duration `json:"message_timeout,omitempty"`     // default 30s
	DeliveryTimeout   Duration `json:"delivery_timeout,omitempty"`    // per-attempt bound; default 30s
	BatchSize         int      `json:"batch_size,omitempty"`          // default 50
	PollInterval      Duration `json:"poll_interval,omitempty"`       // idle worker sleep; default 100ms
	BackoffBase       Duration `json:"backoff_base,omitempty"`        // default 1s
	BackoffMultiplier float64  `json:"backoff_multiplier,omitempty"`  // default 2
	BackoffMax        Duration `json:"backoff_max,omitempty"`         // default 30s
}

// RateLimitConfig defines per-sender rate limiting settings.
type RateLimitConfig struct {
	Window      Duration `json:"window,omitempty"`       // default 60s
	MaxMessages int      `json:"max_messages,omitempty"` // default 100
}

// ModelConfig defines the hosted response-generation backend.
type ModelConfig struct {
	Provider       string   `json:"provider,omitempty"` // "hosted" or "stub" (default)
	APIKey         string   `json:"api_key,omitempty"`
	BaseURL        string   `json:"base_url,omitempty"` // default "https://api.openai.com/v1"
	ModelName      string   `json:"model_name,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	RequestTimeout Duration `json:"request_timeout,omitempty"` // default 30s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a time.Duration that unmarshals from either a duration string
// ("30s") or a bare number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 1024 * 1024
	}
	if c.Auth.TokenExpiry.Duration == 0 {
		c.Auth.TokenExpiry = Duration{30 * time.Minute}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "termvoid.db"
	}
	g := &c.Gateway
	if g.HeartbeatInterval.Duration == 0 {
		g.HeartbeatInterval = Duration{30 * time.Second}
	}
	if g.ReconnectTimeout.Duration == 0 {
		g.ReconnectTimeout = Duration{60 * time.Second}
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.QueueCapacity == 0 {
		g.QueueCapacity = 1000
	}
	if g.PendingBufferSize == 0 {
		g.PendingBufferSize = 1000
	}
	if g.MessageTimeout.Duration == 0 {
		g.MessageTimeout = Duration{30 * time.Second}
	}
	if g.DeliveryTimeout.Duration == 0 {
		g.DeliveryTimeout = Duration{30 * time.Second}
	}
	if g.BatchSize == 0 {
		g.BatchSize = 50
	}
	if g.PollInterval.Duration == 0 {
		g.PollInterval = Duration{100 * time.Millisecond}
	}
	if g.BackoffBase.Duration == 0 {
		g.BackoffBase = Duration{1 * time.Second}
	}
	if g.BackoffMultiplier == 0 {
		g.BackoffMultiplier = 2
	}
	if g.BackoffMax.Duration == 0 {
		g.BackoffMax = Duration{30 * time.Second}
	}
	if c.RateLimit.Window.Duration == 0 {
		c.RateLimit.Window = Duration{60 * time.Second}
	}
	if c.RateLimit.MaxMessages == 0 {
		c.RateLimit.MaxMessages = 100
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "stub"
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model.ModelName == "" {
		c.Model.ModelName = "gpt-3.5-turbo"
	}
	if c.Model.RequestTimeout.Duration == 0 {
		c.Model.RequestTimeout = Duration{30 * time.Second}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks config invariants that defaults cannot fix.
func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	switch c.Model.Provider {
	case "stub":
	case "hosted":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model.api_key is required when model.provider is \"hosted\"")
		}
	default:
		return fmt.Errorf("unsupported model provider: %q", c.Model.Provider)
	}
	if c.Gateway.BackoffMultiplier < 1 {
		return fmt.Errorf("gateway.backoff_multiplier must be >= 1")
	}
	return nil
}

// WriteStarter writes a commented-free starter config with a generated secret.
func WriteStarter(path string) error {
	secret, err := GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := Config{
		Server:  ServerConfig{Addr: ":8080"},
		Auth:    AuthConfig{JWTSecret: secret},
		Storage: StorageConfig{Driver: "sqlite", DSN: "termvoid.db"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	cfg.ApplyDefaults()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
