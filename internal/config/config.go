package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted in STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration values loaded from environment variables.
type Config struct {
	HTTPPort string
	AppEnv   string
	LogLevel string

	JWTSecret string

	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	EncryptionKey       string // Secret the AES key is derived from
	EncryptionSalt      string
	EncryptionAlgorithm string

	CORSAllowedOrigins []string

	RedisURL           string // Empty disables cross-instance fan-out
	RedisChannelPrefix string

	KafkaBrokers             []string // Empty disables event publishing
	KafkaTopicMessageCreated string

	WSPingInterval     time.Duration
	WSWriteDeadline    time.Duration
	WSMaxMessageBytes  int64
	WSMaxContentLength int
	WSSendBuffer       int

	PersistTimeout time.Duration
	PublishTimeout time.Duration
}

// IsDevelopment reports whether the process runs with APP_ENV=development.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// LoadConfig loads configuration from environment variables.
// It looks for a .env file first, then checks actual environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPPort:                 getEnv("HTTP_PORT", "8080"),
		AppEnv:                   getEnv("APP_ENV", "production"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		JWTSecret:                getEnv("JWT_SECRET", ""),
		StoreDriver:              strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		MongoURI:                 getEnv("MONGO_URI", ""),
		MongoDatabase:            getEnv("MONGO_DATABASE", "chat"),
		EncryptionKey:            getEnv("ENCRYPTION_KEY", ""),
		EncryptionSalt:           getEnv("ENCRYPTION_SALT", "salt"),
		EncryptionAlgorithm:      strings.ToLower(getEnv("ENCRYPTION_ALGORITHM", "aes-256-cbc")),
		CORSAllowedOrigins:       getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		RedisURL:                 getEnv("REDIS_URL", ""),
		RedisChannelPrefix:       getEnv("REDIS_CHANNEL_PREFIX", "chatrelay"),
		KafkaBrokers:             getEnvList("KAFKA_BROKERS", nil),
		KafkaTopicMessageCreated: getEnv("KAFKA_TOPIC_MESSAGE_CREATED", "message.created"),
	}

	var err error
	if cfg.WSPingInterval, err = getEnvSeconds("WS_PING_INTERVAL_SECONDS", 25); err != nil {
		return nil, err
	}
	if cfg.WSWriteDeadline, err = getEnvSeconds("WS_WRITE_DEADLINE_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.PersistTimeout, err = getEnvSeconds("PERSIST_TIMEOUT_SECONDS", 5); err != nil {
		return nil, err
	}
	if cfg.PublishTimeout, err = getEnvSeconds("PUBLISH_TIMEOUT_SECONDS", 5); err != nil {
		return nil, err
	}
	maxBytes, err := getEnvInt("WS_MAX_MESSAGE_BYTES", 64*1024)
	if err != nil {
		return nil, err
	}
	cfg.WSMaxMessageBytes = int64(maxBytes)
	if cfg.WSMaxContentLength, err = getEnvInt("WS_MAX_CONTENT_LENGTH", 5000); err != nil {
		return nil, err
	}
	if cfg.WSSendBuffer, err = getEnvInt("WS_SEND_BUFFER", 256); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and cross-field constraints.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is not set", ErrInvalidConfig)
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("%w: ENCRYPTION_KEY is not set", ErrInvalidConfig)
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres store", ErrInvalidConfig)
		}
	case StoreDriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("%w: MONGO_URI is required for the mongo store", ErrInvalidConfig)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("%w: unknown STORE_DRIVER %q", ErrInvalidConfig, c.StoreDriver)
	}
	if c.WSPingInterval <= 0 || c.WSWriteDeadline <= 0 || c.PersistTimeout <= 0 || c.PublishTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.WSMaxMessageBytes <= 0 || c.WSMaxContentLength <= 0 || c.WSSendBuffer <= 0 {
		return fmt.Errorf("%w: websocket limits must be positive", ErrInvalidConfig)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, raw)
	}
	return n, nil
}

func getEnvSeconds(key string, fallback int) (time.Duration, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
