package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	// Impersonation limits
	MaxStartsPerHour       int
	MaxConcurrentSessions  int
	MaxSessionDuration     time.Duration
	ViolationRetentionDays int

	// Background cleanup
	CleanupInterval time.Duration

	OTLPEndpoint       string
	AWSRegion          string
	SNSTopicARN        string
	ComplianceQueueURL string
	WebhookURL         string
	SecretName         string
	EncryptionKey      string
	AdminAuthEnabled   bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                   getEnv("ADDR", ":8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		RedisURL:               getEnv("REDIS_URL", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		MaxStartsPerHour:       getIntEnv("MAX_STARTS_PER_HOUR", 10),
		MaxConcurrentSessions:  getIntEnv("MAX_CONCURRENT_SESSIONS", 5),
		MaxSessionDuration:     time.Duration(getIntEnv("MAX_SESSION_DURATION_MINUTES", 30)) * time.Minute,
		ViolationRetentionDays: getIntEnv("VIOLATION_RETENTION_DAYS", 90),
		CleanupInterval:        getDurationEnv("CLEANUP_INTERVAL", 5*time.Minute),
		OTLPEndpoint:           getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:              getEnv("AWS_REGION", ""),
		SNSTopicARN:            getEnv("SNS_TOPIC_ARN", ""),
		ComplianceQueueURL:     getEnv("COMPLIANCE_QUEUE_URL", ""),
		WebhookURL:             getEnv("WEBHOOK_URL", ""),
		SecretName:             getEnv("SECRET_NAME", ""),
		EncryptionKey:          getEnv("ENCRYPTION_KEY", ""),
		AdminAuthEnabled:       getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		ShutdownTimeout:        getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
