/**
 * @description
 * This package handles the configuration management for the ledger-service and the notifier.
 * It uses Viper to read an optional .env file plus environment variables into one struct.
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

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RunMigrations                bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix               string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	EventExchange                string `mapstructure:"EVENT_EXCHANGE"`
	NotifierQueue                string `mapstructure:"NOTIFIER_QUEUE"`
	JWTSecret                    string `mapstructure:"JWT_SECRET"`
	JWTIssuer                    string `mapstructure:"JWT_ISSUER"`
	BankRegistryURL              string `mapstructure:"BANK_REGISTRY_URL"`
	BankRegistryAPIKey           string `mapstructure:"BANK_REGISTRY_API_KEY"`
	BankCacheTTLMinutes          int    `mapstructure:"BANK_CACHE_TTL_MINUTES"`
	SMTPHost                     string `mapstructure:"SMTP_HOST"`
	SMTPPort                     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername                 string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword                 string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom                     string `mapstructure:"SMTP_FROM"`
	OTPTTLSeconds                int    `mapstructure:"OTP_TTL_SECONDS"`
	OTPMaxAttempts               int    `mapstructure:"OTP_MAX_ATTEMPTS"`
	OTPConfirmRateLimitPerMinute int    `mapstructure:"OTP_CONFIRM_RATE_LIMIT_PER_MINUTE"`
	ExpirySweepSchedule          string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	OutboxPurgeSchedule          string `mapstructure:"OUTBOX_PURGE_SCHEDULE"`
	OutboxRetentionHours         int    `mapstructure:"OUTBOX_RETENTION_HOURS"`
	CORSAllowedOrigins           string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and an optional .env in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_KEY_PREFIX", "ledger")
	viper.SetDefault("EVENT_EXCHANGE", "ledger.events")
	viper.SetDefault("NOTIFIER_QUEUE", "ledger.notifier")
	viper.SetDefault("JWT_ISSUER", "")
	viper.SetDefault("BANK_CACHE_TTL_MINUTES", 1440)
	viper.SetDefault("SMTP_PORT", 587)
	viper.SetDefault("SMTP_FROM", "no-reply@ledger.local")
	viper.SetDefault("OTP_TTL_SECONDS", 300)
	viper.SetDefault("OTP_MAX_ATTEMPTS", 3)
	viper.SetDefault("OTP_CONFIRM_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("OUTBOX_PURGE_SCHEDULE", "0 3 * * *")
	viper.SetDefault("OUTBOX_RETENTION_HOURS", 72)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("NOTIFIER_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("BANK_REGISTRY_URL")
	_ = viper.BindEnv("BANK_REGISTRY_API_KEY")
	_ = viper.BindEnv("BANK_CACHE_TTL_MINUTES")
	_ = viper.BindEnv("SMTP_HOST")
	_ = viper.BindEnv("SMTP_PORT")
	_ = viper.BindEnv("SMTP_USERNAME")
	_ = viper.BindEnv("SMTP_PASSWORD")
	_ = viper.BindEnv("SMTP_FROM")
	_ = viper.BindEnv("OTP_TTL_SECONDS")
	_ = viper.BindEnv("OTP_MAX_ATTEMPTS")
	_ = viper.BindEnv("OTP_CONFIRM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_PURGE_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_RETENTION_HOURS")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// A missing .env is fine; anything else is reported and environment values win.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "ledger"
	}
	if strings.TrimSpace(config.EventExchange) == "" {
		config.EventExchange = "ledger.events"
	}
	if config.OTPTTLSeconds <= 0 {
		config.OTPTTLSeconds = 300
	}
	// The attempt ceiling is a hard rule of the confirmation flow; only tighter values are accepted.
	if config.OTPMaxAttempts <= 0 || config.OTPMaxAttempts > 3 {
		config.OTPMaxAttempts = 3
	}
	if config.BankCacheTTLMinutes <= 0 {
		config.BankCacheTTLMinutes = 1440
	}
	if config.OutboxRetentionHours <= 0 {
		config.OutboxRetentionHours = 72
	}
	if config.OTPConfirmRateLimitPerMinute < 0 {
		config.OTPConfirmRateLimitPerMinute = 0
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
