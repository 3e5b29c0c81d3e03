package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// envRefPrefix marks a YAML value as an environment variable indirection:
// "env:OPENAI_API_KEY" resolves to os.Getenv("OPENAI_API_KEY") at load time.
const envRefPrefix = "env:"

// FileConfig is the parsed YAML configuration file
type FileConfig struct {
	ModelList       []ModelEntry    `yaml:"model_list"`
	GantrySettings  GantrySettings  `yaml:"gantry_settings"`
	GeneralSettings GeneralSettings `yaml:"general_settings"`
}

// ModelEntry maps a public model alias to one upstream deployment
type ModelEntry struct {
	ModelName string      `yaml:"model_name"`
	Params    ModelParams `yaml:"params"`
}

// ModelParams configures the upstream deployment behind an alias.
// Model is provider-qualified: "openai/gpt-4o", "azure/my-deployment",
// "bedrock/anthropic.claude-3-5-sonnet-20241022-v2:0", "gemini/gemini-1.5-pro",
// "anthropic/claude-sonnet-4-20250514".
type ModelParams struct {
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	APIBase    string `yaml:"api_base"`
	APIVersion string `yaml:"api_version"`

	// Bedrock
	AWSRegion string `yaml:"aws_region"`

	// Pricing overrides (USD per 1k tokens)
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`

	// Per-deployment throughput hints
	RPM int64 `yaml:"rpm"`
	TPM int64 `yaml:"tpm"`
}

// GantrySettings carries gateway-level settings from the YAML file. Each
// secret field may be an env: reference. Env vars win when both are set.
type GantrySettings struct {
	MasterKey   string `yaml:"master_key"`
	SaltKey     string `yaml:"salt_key"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	UpperboundKeyParams *UpperboundKeyParams `yaml:"upperbound_key_generate_params"`
}

// UpperboundKeyParams caps what /key/generate will grant, regardless of what
// the caller asks for.
type UpperboundKeyParams struct {
	MaxBudget           *float64 `yaml:"max_budget"`
	BudgetDuration      string   `yaml:"budget_duration"`
	Duration            string   `yaml:"duration"`
	MaxParallelRequests *int     `yaml:"max_parallel_requests"`
	TPMLimit            *int64   `yaml:"tpm_limit"`
	RPMLimit            *int64   `yaml:"rpm_limit"`
}

// GeneralSettings configures callback hooks and their targets
type GeneralSettings struct {
	// Callbacks: "webhook", "s3", "prometheus"
	Callbacks []string `yaml:"callbacks"`

	WebhookURL string `yaml:"webhook_url"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
}

// LoadFile parses the YAML configuration file, resolves env: references, and
// validates the model list.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses YAML config bytes (split out for tests and hot reload)
func ParseFile(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML config: %w", err)
	}

	for i := range cfg.ModelList {
		entry := &cfg.ModelList[i]
		if entry.ModelName == "" {
			return nil, fmt.Errorf("model_list[%d]: model_name is required", i)
		}
		if entry.Params.Model == "" {
			return nil, fmt.Errorf("model_list[%d] (%s): params.model is required", i, entry.ModelName)
		}
		if !strings.Contains(entry.Params.Model, "/") {
			return nil, fmt.Errorf("model_list[%d] (%s): params.model must be provider-qualified, got %q",
				i, entry.ModelName, entry.Params.Model)
		}

		entry.Params.APIKey = resolveEnvRef(entry.Params.APIKey)
		entry.Params.APIBase = resolveEnvRef(entry.Params.APIBase)
	}

	cfg.GantrySettings.MasterKey = resolveEnvRef(cfg.GantrySettings.MasterKey)
	cfg.GantrySettings.SaltKey = resolveEnvRef(cfg.GantrySettings.SaltKey)
	cfg.GantrySettings.DatabaseURL = resolveEnvRef(cfg.GantrySettings.DatabaseURL)
	cfg.GantrySettings.RedisURL = resolveEnvRef(cfg.GantrySettings.RedisURL)
	cfg.GeneralSettings.WebhookURL = resolveEnvRef(cfg.GeneralSettings.WebhookURL)
	cfg.GeneralSettings.S3AccessKey = resolveEnvRef(cfg.GeneralSettings.S3AccessKey)
	cfg.GeneralSettings.S3SecretKey = resolveEnvRef(cfg.GeneralSettings.S3SecretKey)

	return &cfg, nil
}

// ApplySettings merges YAML gantry_settings into the env-derived config.
// Environment variables take precedence over file values.
func (c *Config) ApplySettings(fc *FileConfig) {
	if c.Gateway.MasterKey == "" {
		c.Gateway.MasterKey = fc.GantrySettings.MasterKey
	}
	if c.Gateway.SaltKey == "" {
		c.Gateway.SaltKey = fc.GantrySettings.SaltKey
	}
	if c.Gateway.DatabaseURL == "" {
		c.Gateway.DatabaseURL = fc.GantrySettings.DatabaseURL
	}
	if c.Gateway.RedisURL == "" {
		c.Gateway.RedisURL = fc.GantrySettings.RedisURL
	}
}

func resolveEnvRef(value string) string {
	if strings.HasPrefix(value, envRefPrefix) {
		return os.Getenv(strings.TrimPrefix(value, envRefPrefix))
	}
	return value
}
