package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Ledger drivers
const (
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server (operator API)
	Port string
	Env  string // development, staging, production

	// Ledger
	Ledger   LedgerConfig
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Exchange
	Exchange ExchangeConfig

	// Trading config (YAML) path
	TradingConfigPath string

	// Logging
	LogLevel  string
	LogFormat string
}

// LedgerConfig selects the durable store backing the ledger
type LedgerConfig struct {
	Driver string // postgres | sqlite
	Path   string // sqlite file path
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// ExchangeConfig holds the authenticated exchange API configuration
type ExchangeConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	WSURL      string
	Category   string // linear, inverse
	SettleCoin string // account-wide position queries (USDT, USDC)
	RecvWindow int64  // milliseconds
	Testnet    bool
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		Ledger: LedgerConfig{
			Driver: getEnv("LEDGER_DRIVER", LedgerPostgres),
			Path:   getEnv("LEDGER_PATH", "data/ledger.db"),
		},

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		Exchange: ExchangeConfig{
			APIKey:     getEnv("EXCHANGE_API_KEY", ""),
			APISecret:  getEnv("EXCHANGE_API_SECRET", ""),
			BaseURL:    getEnv("EXCHANGE_BASE_URL", "https://api.bybit.com"),
			WSURL:      getEnv("EXCHANGE_WS_URL", "wss://stream.bybit.com/v5/private"),
			Category:   getEnv("EXCHANGE_CATEGORY", "linear"),
			SettleCoin: getEnv("EXCHANGE_SETTLE_COIN", "USDT"),
			RecvWindow: int64(getEnvAsInt("EXCHANGE_RECV_WINDOW", 5000)),
			Testnet:    getEnvAsBool("EXCHANGE_TESTNET", false),
		},

		TradingConfigPath: getEnv("TRADING_CONFIG", "config/trading.yaml"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set.
// Only unrecoverable settings are rejected here; everything else has a default.
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	switch c.Ledger.Driver {
	case LedgerPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	case LedgerSQLite:
		if c.Ledger.Path == "" {
			return fmt.Errorf("LEDGER_PATH is required for the sqlite ledger")
		}
	default:
		return fmt.Errorf("LEDGER_DRIVER must be one of: postgres, sqlite")
	}

	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required")
	}

	if c.Exchange.RecvWindow <= 0 {
		return fmt.Errorf("EXCHANGE_RECV_WINDOW must be positive")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{
		".env",
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
