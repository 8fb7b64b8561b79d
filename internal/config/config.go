package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queues    QueuesConfig
	RateLimit RateLimitConfig
	AI        AIConfig
	Webhook   WebhookConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the queue backend store connection settings
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Addr returns the host:port address of the Redis backend
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// QueueConfig holds per-queue worker and retry settings
type QueueConfig struct {
	Concurrency  int
	Attempts     int
	BackoffType  string // "fixed" or "exponential"
	BackoffDelay time.Duration
}

// QueuesConfig holds the settings for every named queue
type QueuesConfig struct {
	Sync     QueueConfig
	Analysis QueueConfig
}

// RateLimitConfig holds the batch processor provider-quota ceilings
type RateLimitConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	MaxConcurrent     int
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// AIConfig holds the analysis provider settings
type AIConfig struct {
	Channel     string // "openai", "gemini" or "claude"
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// WebhookConfig holds the realtime notification settings
type WebhookConfig struct {
	BaseURL string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "mailflow"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "mailflow.db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnv("REDIS_PORT", "6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			ConnectTimeout: getEnvAsDuration("REDIS_CONNECT_TIMEOUT_MS", 5000*time.Millisecond),
			KeepAlive:      getEnvAsDuration("REDIS_KEEPALIVE_MS", 30000*time.Millisecond),
		},
		Queues: QueuesConfig{
			Sync: QueueConfig{
				Concurrency:  getEnvAsInt("SYNC_QUEUE_CONCURRENCY", 3),
				Attempts:     getEnvAsInt("SYNC_QUEUE_ATTEMPTS", 3),
				BackoffType:  getEnv("SYNC_QUEUE_BACKOFF_TYPE", "exponential"),
				BackoffDelay: getEnvAsDuration("SYNC_QUEUE_BACKOFF_DELAY_MS", 5000*time.Millisecond),
			},
			Analysis: QueueConfig{
				Concurrency:  getEnvAsInt("ANALYSIS_QUEUE_CONCURRENCY", 2),
				Attempts:     getEnvAsInt("ANALYSIS_QUEUE_ATTEMPTS", 3),
				BackoffType:  getEnv("ANALYSIS_QUEUE_BACKOFF_TYPE", "fixed"),
				BackoffDelay: getEnvAsDuration("ANALYSIS_QUEUE_BACKOFF_DELAY_MS", 10000*time.Millisecond),
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("ANALYSIS_REQUESTS_PER_MINUTE", 60),
			RequestsPerHour:   getEnvAsInt("ANALYSIS_REQUESTS_PER_HOUR", 1000),
			MaxConcurrent:     getEnvAsInt("ANALYSIS_MAX_CONCURRENT", 5),
			BackoffMultiplier: getEnvAsFloat("ANALYSIS_BACKOFF_MULTIPLIER", 2.0),
			MaxBackoff:        getEnvAsDuration("ANALYSIS_MAX_BACKOFF_MS", 60000*time.Millisecond),
		},
		AI: AIConfig{
			Channel:     getEnv("AI_CHANNEL", "openai"),
			BaseURL:     getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      getEnv("AI_API_KEY", ""),
			Model:       getEnv("AI_MODEL", "gpt-4o-mini"),
			MaxTokens:   getEnvAsInt("AI_MAX_TOKENS", 1000),
			Temperature: getEnvAsFloat("AI_TEMPERATURE", 0.3),
		},
		Webhook: WebhookConfig{
			BaseURL: getEnv("WEBHOOK_BASE_URL", "http://localhost:8080"),
		},
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as milliseconds or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(value) * time.Millisecond
	}
	return defaultValue
}

// ServerAddress returns the full server address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}
