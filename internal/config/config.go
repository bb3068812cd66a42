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

	"github.com/stellarscholar/disbursement-service/internal/domain"
)

// Config holds all the configuration variables for the disbursement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	LedgerAPIBaseURL            string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey                string `mapstructure:"LEDGER_API_KEY"`
	LedgerSourceAccount         string `mapstructure:"LEDGER_SOURCE_ACCOUNT"`
	AuthJWKSURL                 string `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer                  string `mapstructure:"AUTH_ISSUER"`
	AuthAudience                string `mapstructure:"AUTH_AUDIENCE"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	ApproveRateLimitPerMinute   int    `mapstructure:"APPROVE_RATE_LIMIT_PER_MINUTE"`
	MaxApprovedAmount           string `mapstructure:"MAX_APPROVED_AMOUNT"`
	ReconcileClaimMinAgeMinutes int    `mapstructure:"RECONCILE_CLAIM_MIN_AGE_MINUTES"`

	// MaxApprovedAmountStroops is derived from MaxApprovedAmount during
	// loading. Zero disables the cap.
	MaxApprovedAmountStroops int64 `mapstructure:"-"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "scholarship:rate_limit")
	viper.SetDefault("APPROVE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("RECONCILE_CLAIM_MIN_AGE_MINUTES", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "DISBURSEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("LEDGER_SOURCE_ACCOUNT")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DISBURSEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("APPROVE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("MAX_APPROVED_AMOUNT")
	_ = viper.BindEnv("RECONCILE_CLAIM_MIN_AGE_MINUTES")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("DISBURSEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "scholarship:rate_limit"
	}
	config.LedgerSourceAccount = strings.TrimSpace(config.LedgerSourceAccount)

	// The cap is given as a decimal amount with up to 7 fractional digits and
	// stored internally in stroops. An empty value disables it.
	if capStr := strings.TrimSpace(config.MaxApprovedAmount); capStr != "" {
		stroops, parseErr := domain.ParseAmount(capStr)
		if parseErr != nil {
			log.Printf("level=warn component=config msg=\"invalid MAX_APPROVED_AMOUNT; cap disabled\" value=%q err=%v", capStr, parseErr)
		} else {
			config.MaxApprovedAmountStroops = stroops
		}
	}

	if config.ApproveRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative approve rate limit configured; disabling\" limit=%d", config.ApproveRateLimitPerMinute)
		config.ApproveRateLimitPerMinute = 0
	}
	if config.ReconcileClaimMinAgeMinutes <= 0 {
		config.ReconcileClaimMinAgeMinutes = 10
	}

	return
}
