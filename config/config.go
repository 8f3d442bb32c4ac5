package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"sentrypd/logger"
)

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `json:"level"`
}

// SetDefaults fills in the logger defaults when the field is left blank.
func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// Config is the fully resolved runtime configuration for sentrypd, built
// from environment variables (optionally preloaded from a .env file).
type Config struct {
	TradingSymbols []string

	TradingIntervalMinutes          int
	ReversalMonitorIntervalMinutes  int
	ResolveIntervalMinutes          int
	HealthCheckIntervalMinutes      int
	PriceOrderCheckIntervalSeconds  int
	MaxOpportunitiesToShow          int

	DatabaseURL string

	ExchangeProvider  string // "binance" (linear) or "bybit" (inverse)
	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeTestnet   bool

	DataEncryptionKey string
	RSAPrivateKeyPEM  string
	JWTSecret         string

	AdminPasswordHash string
	AdminOTPSecret    string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string
	SMTPTo   string

	TelegramBotToken string
	TelegramChatID   string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	APIServerPort int

	Log *LogConfig
}

// Load reads sentrypd's configuration from the environment. A .env file in
// the working directory is loaded first, if present, and never overrides
// variables already set in the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to read .env: %v", err)
	}

	cfg := &Config{
		TradingSymbols:                 splitCSV(getEnv("TRADING_SYMBOLS", "BTC,ETH")),
		TradingIntervalMinutes:         getEnvInt("TRADING_INTERVAL_MINUTES", 15),
		ReversalMonitorIntervalMinutes: getEnvInt("REVERSAL_MONITOR_INTERVAL_MINUTES", 3),
		ResolveIntervalMinutes:         getEnvInt("RESOLVE_INTERVAL_MINUTES", 10),
		HealthCheckIntervalMinutes:     getEnvInt("HEALTH_CHECK_INTERVAL_MINUTES", 1),
		PriceOrderCheckIntervalSeconds: getEnvInt("PRICE_ORDER_CHECK_INTERVAL", 30),
		MaxOpportunitiesToShow:         getEnvInt("MAX_OPPORTUNITIES_TO_SHOW", 10),

		DatabaseURL: getEnv("DATABASE_URL", "sentrypd.db"),

		ExchangeProvider:  getEnv("EXCHANGE_PROVIDER", "binance"),
		ExchangeAPIKey:    os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret: os.Getenv("EXCHANGE_API_SECRET"),
		ExchangeTestnet:   getEnvBool("EXCHANGE_TESTNET", false),

		DataEncryptionKey: os.Getenv("DATA_ENCRYPTION_KEY"),
		RSAPrivateKeyPEM:  os.Getenv("RSA_PRIVATE_KEY"),
		JWTSecret:         getEnv("JWT_SECRET", ""),

		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminOTPSecret:    os.Getenv("ADMIN_OTP_SECRET"),

		SMTPHost: os.Getenv("SMTP_HOST"),
		SMTPPort: getEnvInt("SMTP_PORT", 587),
		SMTPUser: os.Getenv("SMTP_USER"),
		SMTPPass: os.Getenv("SMTP_PASS"),
		SMTPFrom: os.Getenv("SMTP_FROM"),
		SMTPTo:   os.Getenv("SMTP_TO"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),

		APIServerPort: getEnvInt("API_SERVER_PORT", 8080),

		Log: &LogConfig{Level: getEnv("LOG_LEVEL", "info")},
	}
	cfg.Log.SetDefaults()

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET must be set")
	}

	return cfg, nil
}

func (c *Config) TradingInterval() time.Duration {
	return time.Duration(c.TradingIntervalMinutes) * time.Minute
}

func (c *Config) ReversalMonitorInterval() time.Duration {
	return time.Duration(c.ReversalMonitorIntervalMinutes) * time.Minute
}

func (c *Config) ResolveInterval() time.Duration {
	return time.Duration(c.ResolveIntervalMinutes) * time.Minute
}

func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMinutes) * time.Minute
}

func (c *Config) PriceOrderCheckInterval() time.Duration {
	return time.Duration(c.PriceOrderCheckIntervalSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warnf("invalid integer for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warnf("invalid boolean for %s=%q, using default %t", key, v, fallback)
		return fallback
	}
	return b
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
