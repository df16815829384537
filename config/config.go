package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the grading service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Grading   GradingConfig   `mapstructure:"grading"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing   LLMRoutingConfig             `mapstructure:"routing"`
}

// LLMProviderConfig represents a single LLM provider configuration
type LLMProviderConfig struct {
	Type        string        `mapstructure:"type"` // openai, anthropic, local, etc.
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig selects which provider handles planning calls
type LLMRoutingConfig struct {
	Planning string `mapstructure:"planning"`
}

// AgentsConfig contains agent loop settings
type AgentsConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	AgentTimeout  time.Duration `mapstructure:"agent_timeout"`
}

// GradingConfig contains dispatcher defaults for rubric grading
type GradingConfig struct {
	MaxIterations  int           `mapstructure:"max_iterations"`
	TimeoutPerItem time.Duration `mapstructure:"timeout_per_item"`
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Validate checks telemetry settings for consistency.
func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name is required when telemetry is enabled")
	}
	return nil
}

// LoadConfig reads configuration from file and environment.
// A missing config file is not fatal: defaults plus GRADEPILOT_* env vars apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "60s")
	v.SetDefault("server.address", ":10020")
	v.SetDefault("llm.routing.planning", "openai")
	v.SetDefault("agents.max_iterations", 10)
	v.SetDefault("agents.agent_timeout", "45s")
	v.SetDefault("grading.max_iterations", 2)
	v.SetDefault("grading.timeout_per_item", "30s")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "gradepilot")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("GRADEPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
