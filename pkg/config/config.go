package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gantry-ai/gantry/pkg/observability"
)

// ConfigError reports a missing or invalid configuration value. It names the
// environment variable so operators can fix the deployment without reading
// source code.
type ConfigError struct {
	Param   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Param, e.Message)
}

// MissingEnv returns a ConfigError for an unset required variable
func MissingEnv(name string) *ConfigError {
	return &ConfigError{Param: name, Message: "not set. Set it in the environment"}
}

// Config holds all gateway configuration
type Config struct {
	Server        ServerConfig
	Gateway       GatewayConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// GatewayConfig holds proxy-level configuration
type GatewayConfig struct {
	// MasterKey authenticates the proxy administrator and key management
	MasterKey string
	// SaltKey salts virtual key hashes; rotating it invalidates all keys
	SaltKey string
	// DatabaseURL is the Postgres credential store DSN
	DatabaseURL string
	// RedisURL enables the distributed cache/rate-limit layer when set
	RedisURL string
	// ProxyBaseURL is the externally visible base URL, required for SSO
	ProxyBaseURL string
	// AdminUserID is granted the admin role at SSO provisioning time
	AdminUserID string
	// ModelConfigPath is the YAML model_list file path
	ModelConfigPath string
	// UpstreamTimeout bounds a single upstream completion call
	UpstreamTimeout time.Duration
	// MaxRequestBytes bounds inference request bodies
	MaxRequestBytes int64
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// Load reads configuration from environment variables without validating.
// Callers merge YAML gantry_settings via ApplySettings before Validate, so
// file-supplied secrets count.
func Load() *Config {
	return &Config{
		Server:        loadServerConfig(),
		Gateway:       loadGatewayConfig(),
		Observability: loadObservabilityConfig(),
	}
}

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GANTRY_HOST", "0.0.0.0"),
		Port:            getEnv("GANTRY_PORT", "4000"),
		ReadTimeout:     getEnvDuration("GANTRY_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("GANTRY_WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:     getEnvDuration("GANTRY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GANTRY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GANTRY_HEALTH_PORT", "9090"),
	}
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MasterKey:       os.Getenv("GANTRY_MASTER_KEY"),
		SaltKey:         os.Getenv("GANTRY_SALT_KEY"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		ProxyBaseURL:    os.Getenv("PROXY_BASE_URL"),
		AdminUserID:     os.Getenv("PROXY_ADMIN_ID"),
		ModelConfigPath: getEnv("GANTRY_CONFIG_PATH", ""),
		UpstreamTimeout: getEnvDuration("GANTRY_UPSTREAM_TIMEOUT", 2*time.Minute),
		MaxRequestBytes: getEnvInt64("GANTRY_MAX_REQUEST_BYTES", 10<<20),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("GANTRY_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GANTRY_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GANTRY_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GANTRY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GANTRY_OTEL_SERVICE_NAME", "gantry-gateway"),
		OTelServiceVersion: getEnv("GANTRY_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GANTRY_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Gateway.MasterKey == "" {
		return MissingEnv("GANTRY_MASTER_KEY")
	}
	// Salt and database are required together: virtual keys are useless
	// without the store that holds them.
	if c.Gateway.DatabaseURL != "" && c.Gateway.SaltKey == "" {
		return MissingEnv("GANTRY_SALT_KEY")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
