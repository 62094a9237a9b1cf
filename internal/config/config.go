package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Webhook retry runner configuration
	RetrySweepSeconds int
	RetryBatchSize    int

	// Dead-letter alert email configuration
	BrevoAPIKey    string
	AlertFromEmail string
	AlertFromName  string

	ServiceName string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:              getEnv("PORT", "8080"),
		Mode:              getEnv("GIN_MODE", "debug"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RetrySweepSeconds: getEnvInt("RETRY_SWEEP_SECONDS", 30),
		RetryBatchSize:    getEnvInt("RETRY_BATCH_SIZE", 100),
		BrevoAPIKey:       getEnv("BREVO_API_KEY", ""),
		AlertFromEmail:    getEnv("ALERT_FROM_EMAIL", ""),
		AlertFromName:     getEnv("ALERT_FROM_NAME", "PayCat"),
		ServiceName:       getEnv("SERVICE_NAME", "PayCat Gateway"),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
