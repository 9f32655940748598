package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server             ServerConfig             `mapstructure:"server"`
	Log                LogConfig                `mapstructure:"log"`
	Auth               AuthConfig               `mapstructure:"auth"`
	Email              EmailConfig              `mapstructure:"email"`
	CORS               CORSConfig               `mapstructure:"cors"`
	RateLimit          RateLimitConfig          `mapstructure:"rate_limit"`
	Redis              RedisConfig              `mapstructure:"redis"`
	Supabase           SupabaseConfig           `mapstructure:"supabase"`
	Store              StoreConfig              `mapstructure:"store"`
	Queue              QueueConfig              `mapstructure:"queue"`
	Templates          TemplatesConfig          `mapstructure:"templates"`
	RecipientRateLimit RecipientRateLimitConfig `mapstructure:"recipient_rate_limit"`
	Retention          RetentionConfig          `mapstructure:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// EmailConfig holds the outbound transport settings.
type EmailConfig struct {
	Provider       string        `mapstructure:"provider"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Secure         bool          `mapstructure:"secure"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	APIKey         string        `mapstructure:"api_key"`
	FromAddress    string        `mapstructure:"from_address"`
	FromName       string        `mapstructure:"from_name"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxMessages    int           `mapstructure:"max_messages"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// CORSConfig holds CORS policy settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SupabaseConfig holds Supabase project settings.
type SupabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
}

// StoreConfig selects the delivery log backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
}

// QueueConfig holds dispatch queue settings.
type QueueConfig struct {
	Backend        string        `mapstructure:"backend"`
	Policy         string        `mapstructure:"policy"`
	Throttle       time.Duration `mapstructure:"throttle"`
	Recheck        time.Duration `mapstructure:"recheck"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// TemplatesConfig holds template store settings.
type TemplatesConfig struct {
	Dir          string `mapstructure:"dir"`
	FacilityName string `mapstructure:"facility_name"`
}

// RecipientRateLimitConfig holds per-recipient rate limiting settings.
// MaxPerHour of zero disables the limiter.
type RecipientRateLimitConfig struct {
	MaxPerHour int `mapstructure:"max_per_hour"`
}

// RetentionConfig holds delivery log retention settings.
type RetentionConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	MaxAge    time.Duration `mapstructure:"max_age"`
	BatchSize int           `mapstructure:"batch_size"`
}

// Load reads configuration from config.yaml and environment variables.
// Environment variables use the MEDINOTIFY_ prefix and underscore separators.
// Example: MEDINOTIFY_EMAIL_HOST overrides email.host in config.yaml.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Load .env file if it exists
	_ = godotenv.Load()

	v.SetEnvPrefix("MEDINOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional, env vars can provide everything)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Handle comma-separated API keys from env var
	if apiKeysStr := v.GetString("auth.api_keys"); apiKeysStr != "" {
		cfg.Auth.APIKeys = splitList(apiKeysStr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.api_keys", "")

	v.SetDefault("email.provider", "smtp")
	v.SetDefault("email.host", "localhost")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.secure", false)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from_address", "no-reply@localhost")
	v.SetDefault("email.from_name", "Facility Notifications")
	v.SetDefault("email.max_connections", 5)
	v.SetDefault("email.max_messages", 100)
	v.SetDefault("email.timeout", 15*time.Second)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "X-API-Key", "X-Request-ID"})
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.service_key", "")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.capacity", 10000)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.policy", "due")
	v.SetDefault("queue.throttle", time.Second)
	v.SetDefault("queue.recheck", 5*time.Second)
	v.SetDefault("queue.max_attempts", 1)
	v.SetDefault("queue.retry_base_delay", 30*time.Second)

	v.SetDefault("templates.dir", "")
	v.SetDefault("templates.facility_name", "")
	v.SetDefault("recipient_rate_limit.max_per_hour", 0)

	v.SetDefault("retention.interval", 10*time.Minute)
	v.SetDefault("retention.max_age", 7*24*time.Hour)
	v.SetDefault("retention.batch_size", 500)
}

// Validate rejects backend selections the service cannot wire.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "supabase":
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported queue backend: %q", c.Queue.Backend)
	}
	switch c.Queue.Policy {
	case "due", "fifo":
	default:
		return fmt.Errorf("unsupported queue policy: %q", c.Queue.Policy)
	}
	switch c.Email.Provider {
	case "smtp", "resend":
	default:
		return fmt.Errorf("unsupported email provider: %q", c.Email.Provider)
	}
	if c.Queue.Backend == "redis" && c.Queue.Policy == "fifo" {
		// asynq only orders by due time
		return fmt.Errorf("queue policy fifo is only available with queue backend memory")
	}
	if c.Queue.Backend == "redis" && c.Store.Backend == "memory" {
		return fmt.Errorf("queue backend redis needs a shared store backend (redis or supabase)")
	}
	if c.Store.Backend == "supabase" && (c.Supabase.URL == "" || c.Supabase.ServiceKey == "") {
		return fmt.Errorf("store backend supabase needs supabase.url and supabase.service_key")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
