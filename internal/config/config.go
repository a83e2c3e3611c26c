/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings. Timing knobs are clamped to sane minimums so a bad value cannot
 * turn the poller or the heartbeat loop into a busy spin.
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

// Config holds all the configuration variables for the QR payment engine.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisDedupPrefix           string `mapstructure:"REDIS_DEDUP_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	QREventExchange            string `mapstructure:"QR_EVENT_EXCHANGE"`
	LedgerAPIBaseURL           string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey               string `mapstructure:"LEDGER_API_KEY"`
	LedgerQueryTimeoutSeconds  int    `mapstructure:"LEDGER_QUERY_TIMEOUT_SECONDS"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	PollIntervalSeconds        int    `mapstructure:"POLL_INTERVAL_SECONDS"`
	PollCeilingMinutes         int    `mapstructure:"POLL_CEILING_MINUTES"`
	HeartbeatIntervalSeconds   int    `mapstructure:"HEARTBEAT_INTERVAL_SECONDS"`
	SubscriberDeadAfterSeconds int    `mapstructure:"SUBSCRIBER_DEAD_AFTER_SECONDS"`
	SubscriberBufferSize       int    `mapstructure:"SUBSCRIBER_BUFFER_SIZE"`
	DedupTTLMinutes            int    `mapstructure:"DEDUP_TTL_MINUTES"`
	ExpirySweepSchedule        string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
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
	viper.SetDefault("REDIS_DEDUP_PREFIX", "pagui:qr_dedup")
	viper.SetDefault("QR_EVENT_EXCHANGE", "pagui.events")
	viper.SetDefault("LEDGER_QUERY_TIMEOUT_SECONDS", 5)
	viper.SetDefault("POLL_INTERVAL_SECONDS", 10)
	viper.SetDefault("POLL_CEILING_MINUTES", 30)
	viper.SetDefault("HEARTBEAT_INTERVAL_SECONDS", 30)
	viper.SetDefault("SUBSCRIBER_DEAD_AFTER_SECONDS", 60)
	viper.SetDefault("SUBSCRIBER_BUFFER_SIZE", 16)
	viper.SetDefault("DEDUP_TTL_MINUTES", 1440)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "* * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_DEDUP_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("QR_EVENT_EXCHANGE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("LEDGER_QUERY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("POLL_CEILING_MINUTES")
	_ = viper.BindEnv("HEARTBEAT_INTERVAL_SECONDS")
	_ = viper.BindEnv("SUBSCRIBER_DEAD_AFTER_SECONDS")
	_ = viper.BindEnv("SUBSCRIBER_BUFFER_SIZE")
	_ = viper.BindEnv("DEDUP_TTL_MINUTES")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")

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
	config.RedisDedupPrefix = strings.TrimSpace(config.RedisDedupPrefix)
	if config.RedisDedupPrefix == "" {
		config.RedisDedupPrefix = "pagui:qr_dedup"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	config.PollIntervalSeconds = clampMin("POLL_INTERVAL_SECONDS", config.PollIntervalSeconds, 1)
	config.PollCeilingMinutes = clampMin("POLL_CEILING_MINUTES", config.PollCeilingMinutes, 1)
	config.HeartbeatIntervalSeconds = clampMin("HEARTBEAT_INTERVAL_SECONDS", config.HeartbeatIntervalSeconds, 1)
	config.SubscriberDeadAfterSeconds = clampMin("SUBSCRIBER_DEAD_AFTER_SECONDS", config.SubscriberDeadAfterSeconds, config.HeartbeatIntervalSeconds)
	config.SubscriberBufferSize = clampMin("SUBSCRIBER_BUFFER_SIZE", config.SubscriberBufferSize, 1)
	config.DedupTTLMinutes = clampMin("DEDUP_TTL_MINUTES", config.DedupTTLMinutes, 1)
	config.LedgerQueryTimeoutSeconds = clampMin("LEDGER_QUERY_TIMEOUT_SECONDS", config.LedgerQueryTimeoutSeconds, 1)

	if strings.TrimSpace(config.ExpirySweepSchedule) == "" {
		config.ExpirySweepSchedule = "* * * * *"
	}

	return
}

// clampMin coerces a timing knob to at least min, logging when it does.
func clampMin(name string, value, min int) int {
	if value < min {
		log.Printf("level=warn component=config msg=\"value below minimum; clamping\" key=%s value=%d min=%d", name, value, min)
		return min
	}
	return value
}
