package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the application configuration
type Config struct {
	// Server configuration
	APIPort int
	BaseURL string

	// Identity of this platform
	CountryCode string
	PartyCode   string
	Role        string
	PartyName   string
	Website     string

	// Database configuration. Leave DBHost empty to run on the
	// in-memory store.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Token handling
	TokenGrace   time.Duration
	AdminSecret  string
	OpenVersions bool

	// Outbound push retry intervals
	PushBackoffInitial time.Duration
	PushBackoffMax     time.Duration

	// OCPP configuration
	OCPPEnabled       bool
	OCPPPort          int
	OCPPPath          string
	HeartbeatInterval int

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	apiPort, err := strconv.Atoi(getEnv("API_PORT", "8888"))
	if err != nil {
		return nil, fmt.Errorf("invalid API_PORT: %v", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %v", err)
	}

	ocppPort, err := strconv.Atoi(getEnv("OCPP_PORT", "8887"))
	if err != nil {
		return nil, fmt.Errorf("invalid OCPP_PORT: %v", err)
	}

	heartbeatInterval, err := strconv.Atoi(getEnv("HEARTBEAT_INTERVAL", "600"))
	if err != nil {
		return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %v", err)
	}

	tokenGrace, err := time.ParseDuration(getEnv("TOKEN_GRACE", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_GRACE: %v", err)
	}

	pushBackoffInitial, err := time.ParseDuration(getEnv("PUSH_BACKOFF_INITIAL", "500ms"))
	if err != nil {
		return nil, fmt.Errorf("invalid PUSH_BACKOFF_INITIAL: %v", err)
	}

	pushBackoffMax, err := time.ParseDuration(getEnv("PUSH_BACKOFF_MAX", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PUSH_BACKOFF_MAX: %v", err)
	}

	cfg := &Config{
		APIPort: apiPort,
		BaseURL: getEnv("BASE_URL", fmt.Sprintf("http://localhost:%d", apiPort)),

		CountryCode: getEnv("PARTY_COUNTRY_CODE", "DE"),
		PartyCode:   getEnv("PARTY_CODE", "CPO"),
		Role:        getEnv("PARTY_ROLE", "CPO"),
		PartyName:   getEnv("PARTY_NAME", "Charging Hub"),
		Website:     getEnv("PARTY_WEBSITE", ""),

		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "ocpi"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		TokenGrace:   tokenGrace,
		AdminSecret:  getEnv("ADMIN_JWT_SECRET", ""),
		OpenVersions: getEnv("OCPI_OPEN_VERSIONS", "false") == "true",

		PushBackoffInitial: pushBackoffInitial,
		PushBackoffMax:     pushBackoffMax,

		OCPPEnabled:       getEnv("OCPP_ENABLED", "false") == "true",
		OCPPPort:          ocppPort,
		OCPPPath:          getEnv("OCPP_PATH", "/ocpp"),
		HeartbeatInterval: heartbeatInterval,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.AdminSecret == "" {
		return nil, fmt.Errorf("ADMIN_JWT_SECRET must be set")
	}

	return cfg, nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger configures the global logger
func (c *Config) SetupLogger() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Helper function to get environment variables with fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
