/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the postback-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string  `mapstructure:"SERVER_PORT"`
	DatabaseURL              string  `mapstructure:"DATABASE_URL"`
	RedisURL                 string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string  `mapstructure:"RABBITMQ_URL"`
	PostbackEventQueue       string  `mapstructure:"POSTBACK_EVENT_QUEUE"`
	AdminJWTSecret           string  `mapstructure:"ADMIN_JWT_SECRET"`
	PointsPerCurrencyUnit    float64 `mapstructure:"POINTS_PER_CURRENCY_UNIT"`
	ForwardTimeoutSeconds    int     `mapstructure:"FORWARD_TIMEOUT_SECONDS"`
	ForwardMaxAttempts       int     `mapstructure:"FORWARD_MAX_ATTEMPTS"`
	ForwardRetryBackoffMs    int     `mapstructure:"FORWARD_RETRY_BACKOFF_MS"`
	RetrySweepSchedule       string  `mapstructure:"RETRY_SWEEP_SCHEDULE"`
	RetrySweepMinAgeSeconds  int     `mapstructure:"RETRY_SWEEP_MIN_AGE_SECONDS"`
	IngestRateLimitPerMinute int     `mapstructure:"INGEST_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "pointwall:rate_limit")
	viper.SetDefault("POSTBACK_EVENT_QUEUE", "postback_service.conversion_credited")
	viper.SetDefault("POINTS_PER_CURRENCY_UNIT", 1000.0)
	viper.SetDefault("FORWARD_TIMEOUT_SECONDS", 15)
	viper.SetDefault("FORWARD_MAX_ATTEMPTS", 3)
	viper.SetDefault("FORWARD_RETRY_BACKOFF_MS", 2000)
	viper.SetDefault("RETRY_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("RETRY_SWEEP_MIN_AGE_SECONDS", 300)
	viper.SetDefault("INGEST_RATE_LIMIT_PER_MINUTE", 600)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "POSTBACK_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("POSTBACK_EVENT_QUEUE")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("POINTS_PER_CURRENCY_UNIT")
	_ = viper.BindEnv("FORWARD_TIMEOUT_SECONDS")
	_ = viper.BindEnv("FORWARD_MAX_ATTEMPTS")
	_ = viper.BindEnv("FORWARD_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("RETRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RETRY_SWEEP_MIN_AGE_SECONDS")
	_ = viper.BindEnv("INGEST_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "pointwall:rate_limit"
	}
	config.RetrySweepSchedule = strings.TrimSpace(config.RetrySweepSchedule)
	if config.RetrySweepSchedule == "" {
		config.RetrySweepSchedule = "*/10 * * * *"
	}

	if config.PointsPerCurrencyUnit < 0 {
		log.Printf("level=warn component=config msg=\"negative points rate configured; coercing to zero\" rate=%f", config.PointsPerCurrencyUnit)
		config.PointsPerCurrencyUnit = 0
	}
	if config.ForwardTimeoutSeconds <= 0 {
		config.ForwardTimeoutSeconds = 15
	}
	if config.ForwardMaxAttempts <= 0 {
		config.ForwardMaxAttempts = 3
	}
	if config.ForwardRetryBackoffMs <= 0 {
		config.ForwardRetryBackoffMs = 2000
	}
	if config.RetrySweepMinAgeSeconds <= 0 {
		config.RetrySweepMinAgeSeconds = 300
	}
	if config.IngestRateLimitPerMinute < 0 {
		config.IngestRateLimitPerMinute = 0
	}

	return
}
