// Package config loads factory configuration from an optional YAML file
// with environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the startup factory.
type Config struct {
	Port      int              `yaml:"port"`
	Version   string           `yaml:"version"`
	Database  DatabaseConfig   `yaml:"database"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Factory   FactoryConfig    `yaml:"factory"`
	Queue     QueueConfig      `yaml:"queue"`
	Allocator AllocatorConfig  `yaml:"allocator"`
	Budget    BudgetConfig     `yaml:"budget"`
	Providers []ProviderConfig `yaml:"providers"`
}

type DatabaseConfig struct {
	// URL enables the PostgreSQL store when set; empty falls back to the
	// file-backed store under DataDir.
	URL     string `yaml:"url"`
	DataDir string `yaml:"data_dir"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type FactoryConfig struct {
	MaxConcurrentTenants int    `yaml:"max_concurrent_tenants"`
	PhaseTimeoutSecs     int    `yaml:"phase_timeout_seconds"`
	OutputDir            string `yaml:"output_dir"`
}

type QueueConfig struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
}

type AllocatorConfig struct {
	BasePort       int `yaml:"base_port"`
	PortRange      int `yaml:"port_range"`
	MemoryBudgetMB int `yaml:"memory_budget_mb"`
	SafetyMarginMB int `yaml:"safety_margin_mb"`
}

type BudgetConfig struct {
	DefaultDailyLimit float64 `yaml:"default_daily_limit"`
	WarningThreshold  float64 `yaml:"warning_threshold"`
	// AlertWebhookURL, when set, receives every budget alert as a
	// signed JSON POST.
	AlertWebhookURL    string `yaml:"alert_webhook_url"`
	AlertWebhookSecret string `yaml:"alert_webhook_secret"`
}

// ProviderConfig describes one AI provider endpoint. Kind selects the
// client implementation: "openai" (any OpenAI-compatible API, including
// Perplexity), "anthropic", or "static" for offline testing.
type ProviderConfig struct {
	Name          string  `yaml:"name"`
	Kind          string  `yaml:"kind"`
	Endpoint      string  `yaml:"endpoint"`
	APIKeyEnv     string  `yaml:"api_key_env"`
	Model         string  `yaml:"model"`
	CostPer1KTok  float64 `yaml:"cost_per_1k_tokens"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// Load reads configuration from environment variables with sensible
// defaults. When SF_CONFIG_FILE points to a YAML file it is loaded first
// and the environment overrides it.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("SF_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviders()
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:    8090,
		Version: "0.4.0",
		Database: DatabaseConfig{
			DataDir: "./data/tenants",
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "startup-factory",
		},
		Factory: FactoryConfig{
			MaxConcurrentTenants: 3,
			PhaseTimeoutSecs:     300,
			OutputDir:            "./generated",
		},
		Queue: QueueConfig{
			MaxConcurrentTasks: 5,
		},
		Allocator: AllocatorConfig{
			BasePort:       8000,
			PortRange:      1000,
			MemoryBudgetMB: 8192,
			SafetyMarginMB: 512,
		},
		Budget: BudgetConfig{
			DefaultDailyLimit: 50.0,
			WarningThreshold:  0.8,
		},
	}
}

func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name: "anthropic", Kind: "anthropic",
			Endpoint:  "https://api.anthropic.com",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Model:     "claude-sonnet-4-20250514", CostPer1KTok: 0.009, MaxConcurrent: 5,
		},
		{
			Name: "openai", Kind: "openai",
			Endpoint:  "https://api.openai.com",
			APIKeyEnv: "OPENAI_API_KEY",
			Model:     "gpt-4o", CostPer1KTok: 0.0075, MaxConcurrent: 5,
		},
		{
			Name: "perplexity", Kind: "openai",
			Endpoint:  "https://api.perplexity.ai",
			APIKeyEnv: "PERPLEXITY_API_KEY",
			Model:     "sonar-pro", CostPer1KTok: 0.006, MaxConcurrent: 3,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("SF_PORT", cfg.Port)
	cfg.Version = envStr("SF_VERSION", cfg.Version)
	cfg.Database.URL = envStr("DATABASE_URL", cfg.Database.URL)
	cfg.Database.DataDir = envStr("SF_DATA_DIR", cfg.Database.DataDir)
	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Factory.MaxConcurrentTenants = envInt("SF_MAX_CONCURRENT_TENANTS", cfg.Factory.MaxConcurrentTenants)
	cfg.Factory.PhaseTimeoutSecs = envInt("SF_PHASE_TIMEOUT_SECONDS", cfg.Factory.PhaseTimeoutSecs)
	cfg.Factory.OutputDir = envStr("SF_OUTPUT_DIR", cfg.Factory.OutputDir)
	cfg.Queue.MaxConcurrentTasks = envInt("SF_MAX_CONCURRENT_TASKS", cfg.Queue.MaxConcurrentTasks)
	cfg.Allocator.BasePort = envInt("SF_BASE_PORT", cfg.Allocator.BasePort)
	cfg.Allocator.PortRange = envInt("SF_PORT_RANGE", cfg.Allocator.PortRange)
	cfg.Allocator.MemoryBudgetMB = envInt("SF_MEMORY_BUDGET_MB", cfg.Allocator.MemoryBudgetMB)
	cfg.Allocator.SafetyMarginMB = envInt("SF_MEMORY_SAFETY_MARGIN_MB", cfg.Allocator.SafetyMarginMB)
	cfg.Budget.DefaultDailyLimit = envFloat("SF_DEFAULT_DAILY_LIMIT", cfg.Budget.DefaultDailyLimit)
	cfg.Budget.WarningThreshold = envFloat("SF_BUDGET_WARNING_THRESHOLD", cfg.Budget.WarningThreshold)
	cfg.Budget.AlertWebhookURL = envStr("SF_ALERT_WEBHOOK_URL", cfg.Budget.AlertWebhookURL)
	cfg.Budget.AlertWebhookSecret = envStr("SF_ALERT_WEBHOOK_SECRET", cfg.Budget.AlertWebhookSecret)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
