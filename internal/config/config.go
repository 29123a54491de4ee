package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	UseMemoryQueue bool
	WorkerCount    int

	// Inbound gateway authentication and replay suppression.
	HMACSecret    string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Reservation lifecycle.
	ReservationTimeout    time.Duration
	PollInterval          time.Duration
	AutoSearchInitialWait time.Duration
	AutoSearchMaxRuntime  time.Duration
	PageSize              int
	NumberRetirementUsers int
	LowStockThreshold     int

	// Retention sweeps.
	MessageRetentionDays  int
	OrphanRetentionHours  int
	BlockedRetentionHours int
	CleanupInterval       time.Duration
	ExpiryInterval        time.Duration
	CleanupEnabled        bool
	MaintenanceMode       bool

	// AWS (SQS inbound queue, SES operator mail, S3 archive).
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	InboundQueueURL     string
	ArchiveBucket       string

	// Admin API.
	AdminJWTSecret string

	// Notifications.
	NotifyMode       string
	TelegramBotToken string
	OperatorChatID   int64
	DefaultLanguage  string

	// Operator email alerts.
	EmailProvider  string
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string
	OperatorEmail  string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryQueue: strings.EqualFold(getEnv("QUEUE_MODE", "memory"), "memory"),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		HMACSecret:    getEnv("HMAC_SECRET", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		ReservationTimeout:    time.Duration(getEnvAsInt("RESERVATION_TIMEOUT_MIN", 10)) * time.Minute,
		PollInterval:          time.Duration(getEnvAsInt("POLL_INTERVAL_SEC", 2)) * time.Second,
		AutoSearchInitialWait: getEnvAsDuration("AUTOSEARCH_INITIAL_WAIT", 5*time.Second),
		AutoSearchMaxRuntime:  getEnvAsDuration("AUTOSEARCH_MAX_RUNTIME", 5*time.Minute),
		PageSize:              getEnvAsInt("PAGE_SIZE", 10),
		NumberRetirementUsers: getEnvAsInt("NUMBER_RETIREMENT_USERS", 3),
		LowStockThreshold:     getEnvAsInt("LOW_STOCK_THRESHOLD", 1),

		MessageRetentionDays:  getEnvAsInt("MESSAGE_RETENTION_DAYS", 7),
		OrphanRetentionHours:  getEnvAsInt("ORPHAN_RETENTION_HOURS", 24),
		BlockedRetentionHours: getEnvAsInt("BLOCKED_RETENTION_HOURS", 48),
		CleanupInterval:       time.Duration(getEnvAsInt("CLEANUP_INTERVAL_HOURS", 6)) * time.Hour,
		ExpiryInterval:        time.Duration(getEnvAsInt("EXPIRY_INTERVAL_SEC", 30)) * time.Second,
		CleanupEnabled:        getEnvAsBool("CLEANUP_ENABLED", true),
		MaintenanceMode:       getEnvAsBool("MAINTENANCE_MODE", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		InboundQueueURL:     getEnv("SQS_QUEUE_URL", ""),
		ArchiveBucket:       getEnv("ARCHIVE_BUCKET", ""),

		AdminJWTSecret: getEnv("JWT_SECRET", ""),

		NotifyMode:       strings.ToLower(strings.TrimSpace(getEnv("NOTIFY_MODE", "stub"))),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		OperatorChatID:   getEnvAsInt64("OPERATOR_CHAT_ID", 0),
		DefaultLanguage:  getEnv("DEFAULT_LANGUAGE", "en"),

		EmailProvider:  strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", ""))),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", ""),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "Numrent"),
		OperatorEmail:  getEnv("OPERATOR_EMAIL", ""),
	}
}

// MessageRetention returns the ProviderMessage cleanup horizon as a duration.
func (c *Config) MessageRetention() time.Duration {
	return time.Duration(c.MessageRetentionDays) * 24 * time.Hour
}

// OrphanRetention returns the ORPHAN cleanup horizon as a duration.
func (c *Config) OrphanRetention() time.Duration {
	return time.Duration(c.OrphanRetentionHours) * time.Hour
}

// BlockedRetention returns the BlockedMessage cleanup horizon as a duration.
func (c *Config) BlockedRetention() time.Duration {
	return time.Duration(c.BlockedRetentionHours) * time.Hour
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
