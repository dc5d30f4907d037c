package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		TokenTTLHrs int    `yaml:"token_ttl_hours"`
	} `yaml:"auth"`
	Gemini struct {
		APIKey      string `yaml:"api_key"`
		Model       string `yaml:"model"`
		TimeoutSecs int    `yaml:"timeout_seconds"`
	} `yaml:"gemini"`
	Analysis struct {
		ThresholdPercentile float64 `yaml:"threshold_percentile"`
		MinRows             int     `yaml:"min_rows"`
		MaxTriageReports    int     `yaml:"max_triage_reports"`
		RunTimeoutMinutes   int     `yaml:"run_timeout_minutes"`
		TriageEnabled       bool    `yaml:"triage_enabled"`
	} `yaml:"analysis"`
}

// LoadConfig reads configuration from the specified YAML file. Secrets may
// be overridden through the environment so the config file can be committed.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		config.Gemini.APIKey = v
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Auth.TokenTTLHrs == 0 {
		c.Auth.TokenTTLHrs = 24
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.0-flash-exp"
	}
	if c.Gemini.TimeoutSecs == 0 {
		c.Gemini.TimeoutSecs = 30
	}
	if c.Analysis.ThresholdPercentile == 0 {
		c.Analysis.ThresholdPercentile = 95
	}
	if c.Analysis.MinRows == 0 {
		c.Analysis.MinRows = 20
	}
	if c.Analysis.MaxTriageReports == 0 {
		c.Analysis.MaxTriageReports = 25
	}
	if c.Analysis.RunTimeoutMinutes == 0 {
		c.Analysis.RunTimeoutMinutes = 10
	}
}
