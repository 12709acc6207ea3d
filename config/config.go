package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis gateway
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Session   SessionConfig   `mapstructure:"session"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address      string   `mapstructure:"address"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different stages
type LLMRoutingConfig struct {
	Classification string `mapstructure:"classification"` // intent routing
	Planning       string `mapstructure:"planning"`       // strategy generation
	Analysis       string `mapstructure:"analysis"`       // step execution and insights
	Synthesis      string `mapstructure:"synthesis"`      // final report
	Fallback       string `mapstructure:"fallback"`       // second-tier model
}

// TelemetryConfig contains telemetry and cost tracking settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
}

// ToolsConfig maps a server type name to its launch configuration
type ToolsConfig struct {
	Servers map[string]ToolServerConfig `mapstructure:"servers"`
}

// ToolServerConfig describes how to launch and configure one tool server
type ToolServerConfig struct {
	Command     string        `mapstructure:"command"` // binary to exec, speaks JSON-RPC on stdio
	Args        []string      `mapstructure:"args"`
	Description string        `mapstructure:"description"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// backend-specific settings, read by the toolserver subcommand
	Root    string `mapstructure:"root"`     // docstore: document root directory
	DSN     string `mapstructure:"dsn"`      // warehouse: postgres DSN
	BaseURL string `mapstructure:"base_url"` // fleet: telemetry API base URL
	APIKey  string `mapstructure:"api_key"`  // fleet: telemetry API key
}

// SessionConfig controls session lifecycle
type SessionConfig struct {
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	JanitorSchedule string        `mapstructure:"janitor_schedule"` // cron expression, empty disables
}

// CacheConfig contains Redis settings for the docstore extraction cache
type CacheConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"` // empty disables caching
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

func (t ToolsConfig) Validate() error {
	for name, s := range t.Servers {
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("tools.servers.%s.command is required", name)
		}
	}
	return nil
}

func (s SessionConfig) Validate() error {
	if s.JanitorSchedule == "" {
		return nil
	}
	if _, err := cronexpr.Parse(s.JanitorSchedule); err != nil {
		return fmt.Errorf("session.janitor_schedule: %w", err)
	}
	if s.IdleTTL <= 0 {
		return fmt.Errorf("session.idle_ttl must be > 0 when the janitor is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", 60*time.Second)
	viper.SetDefault("server.address", ":8000")
	viper.SetDefault("server.allow_origins", []string{"*"})
	viper.SetDefault("session.idle_ttl", time.Hour)
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("PANOPTES")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Tools.Validate(); err != nil {
		panic(err)
	}
	if err := config.Session.Validate(); err != nil {
		panic(err)
	}
	return &config
}
