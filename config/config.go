package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// SQLite database path
	DatabaseURL string

	// Telegram
	TelegramBotToken string
	TelegramAdminID  int64

	// Twitter application credentials (OAuth1 consumer pair)
	TwitterKey    string
	TwitterSecret string

	// Infrastructure
	MetricsAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		DatabaseURL:      mustEnv("DATABASE_URL"),
		TelegramBotToken: mustEnv("TELEGRAM_BOT_TOKEN"),
		TelegramAdminID:  mustEnvInt64("TELEGRAM_ADMIN_ID"),
		TwitterKey:       mustEnv("TWITTER_KEY"),
		TwitterSecret:    mustEnv("TWITTER_SECRET"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func mustEnvInt64(key string) int64 {
	v := mustEnv(key)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("[config] env var %s must be an integer, got %q", key, v)
	}
	return n
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
