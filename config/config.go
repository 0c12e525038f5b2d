// Package config loads the application configuration from config.json and
// ELICIT_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the elicitation engine.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LLMConfig configures the decision collaborator's model endpoint.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (c LLMConfig) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required (or ELICIT_LLM_API_KEY)")
	}
	return nil
}

// CoordinationConfig bounds coordination runs.
type CoordinationConfig struct {
	MaxIterations  int           `mapstructure:"max_iterations"`
	AnswerTimeout  time.Duration `mapstructure:"answer_timeout"`
	ReviewTimeout  time.Duration `mapstructure:"review_timeout"`
	ReviewEnabled  bool          `mapstructure:"review_enabled"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// Normalize applies defaults for unset coordination values.
func (c CoordinationConfig) Normalize() CoordinationConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 50
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 5 * time.Minute
	}
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = 15 * time.Minute
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	return c
}

// TelemetryConfig toggles the prometheus metrics endpoint.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig reads configuration from the given file, or from the standard
// search paths when path is empty. Environment variables prefixed with
// ELICIT_ override file values.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("server.address", ":9180")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("coordination.review_enabled", true)
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ELICIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults can carry the whole setup.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Coordination = config.Coordination.Normalize()
	return &config
}
