package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PennyPilot server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AI         AIConfig
	MarketData MarketDataConfig
	News       NewsConfig
	Cron       CronConfig
	Pipeline   PipelineConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	LogLevel           slog.Level
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// AIConfig selects the LLM services. Batch work always goes to OpenAI;
// SyncProvider picks the backend for immediate-mode requests.
type AIConfig struct {
	SyncProvider string
	OpenAI       OpenAIConfig
	Gemini       GeminiConfig
}

type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	AssessmentModel string
	PortfolioModel  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type MarketDataConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type NewsConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// CronConfig guards the scheduler-facing endpoints.
type CronConfig struct {
	SystemSecret string
}

// PipelineConfig holds the fixed pacing delays between sequential external calls.
type PipelineConfig struct {
	ImmediateDelay    time.Duration
	PriceRefreshDelay time.Duration
	NewsRefreshDelay  time.Duration
}

var validSyncProviders = map[string]bool{
	"openai": true,
	"gemini": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
// Missing third-party API keys are not load errors; handlers report them per request.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("PORT", 8080),
			Env:                envString("APP_ENV", "development"),
			LogLevel:           envLogLevel("LOG_LEVEL", slog.LevelInfo),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			SyncProvider: envString("AI_SYNC_PROVIDER", "openai"),
			OpenAI: OpenAIConfig{
				APIKey:          os.Getenv("OPENAI_API_KEY"),
				BaseURL:         envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Timeout:         envDurationSecs("OPENAI_TIMEOUT_SECS", 60*time.Second),
				AssessmentModel: envString("ASSESSMENT_MODEL", "gpt-4o-mini"),
				PortfolioModel:  envString("PORTFOLIO_MODEL", "gpt-4o"),
			},
			Gemini: GeminiConfig{
				APIKey: os.Getenv("GEMINI_API_KEY"),
				Model:  envString("GEMINI_MODEL", "gemini-2.0-flash"),
			},
		},
		MarketData: MarketDataConfig{
			APIKey:  os.Getenv("TWELVEDATA_API_KEY"),
			BaseURL: envString("TWELVEDATA_BASE_URL", "https://api.twelvedata.com"),
			Timeout: envDurationSecs("TWELVEDATA_TIMEOUT_SECS", 10*time.Second),
		},
		News: NewsConfig{
			APIKey:  os.Getenv("MARKETAUX_API_KEY"),
			BaseURL: envString("MARKETAUX_BASE_URL", "https://api.marketaux.com"),
			Timeout: envDurationSecs("MARKETAUX_TIMEOUT_SECS", 15*time.Second),
		},
		Cron: CronConfig{
			SystemSecret: os.Getenv("SYSTEM_SECRET"),
		},
		Pipeline: PipelineConfig{
			ImmediateDelay:    envDuration("IMMEDIATE_DELAY", time.Second),
			PriceRefreshDelay: envDuration("PRICE_REFRESH_DELAY", 8*time.Second),
			NewsRefreshDelay:  envDuration("NEWS_REFRESH_DELAY", 2*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	for key, val := range map[string]string{
		"OPENAI_BASE_URL":     c.AI.OpenAI.BaseURL,
		"TWELVEDATA_BASE_URL": c.MarketData.BaseURL,
		"MARKETAUX_BASE_URL":  c.News.BaseURL,
	} {
		if !strings.HasPrefix(val, "http://") && !strings.HasPrefix(val, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", key, val)
		}
	}

	if !validSyncProviders[c.AI.SyncProvider] {
		return fmt.Errorf("AI_SYNC_PROVIDER must be one of openai, gemini, mock; got %q", c.AI.SyncProvider)
	}
	if c.AI.SyncProvider == "gemini" && c.AI.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when AI_SYNC_PROVIDER is gemini")
	}

	if c.Server.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.Server.RateLimitPerMinute)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
