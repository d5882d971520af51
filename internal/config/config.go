/**
 * @description
 * This package handles the configuration management for the fundraising service. It uses
 * Viper to read configuration from an optional .env file and environment variables.
 *
 * @notes
 * - Normalization problems do not fail the load. They are reported through
 *   Config.Warnings so the caller can log them once the logger exists.
 */

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Supported store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

const (
	defaultRateLimitPrefix       = "fundraising:rate_limit"
	defaultGatewayTimeoutSeconds = 45
	minGatewayTimeoutSeconds     = 30
	maxGatewayTimeoutSeconds     = 60
)

// Config holds all the configuration variables for the fundraising service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	RedisURL                       string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix           string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ContributionRateLimitPerMinute int    `mapstructure:"CONTRIBUTION_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                    string `mapstructure:"RABBITMQ_URL"`
	LedgerEventExchange            string `mapstructure:"LEDGER_EVENT_EXCHANGE"`
	MpesaBaseURL                   string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey               string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret            string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortCode                 string `mapstructure:"MPESA_SHORT_CODE"`
	MpesaPassKey                   string `mapstructure:"MPESA_PASSKEY"`
	MpesaTransactionType           string `mapstructure:"MPESA_TRANSACTION_TYPE"`
	MpesaCallbackURL               string `mapstructure:"MPESA_CALLBACK_URL"`
	MpesaCallbackSecret            string `mapstructure:"MPESA_CALLBACK_SECRET"`
	MpesaTimeoutSeconds            int    `mapstructure:"MPESA_TIMEOUT_SECONDS"`
	SettlementAmountTolerance      int64  `mapstructure:"SETTLEMENT_AMOUNT_TOLERANCE"`
	Currency                       string `mapstructure:"CURRENCY"`
	ReconcileSchedule              string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcilePendingAfterMinutes   int    `mapstructure:"RECONCILE_PENDING_AFTER_MINUTES"`
	ReconcileBatchLimit            int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	AuthJWKSURL                    string `mapstructure:"AUTH_JWKS_URL"`
	CORSAllowedOrigins             string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	CloudinaryCloudName            string `mapstructure:"CLOUDINARY_CLOUD_NAME"`
	CloudinaryAPIKey               string `mapstructure:"CLOUDINARY_API_KEY"`
	CloudinaryAPISecret            string `mapstructure:"CLOUDINARY_API_SECRET"`
	CloudinaryFolder               string `mapstructure:"CLOUDINARY_FOLDER"`
	LogLevel                       string `mapstructure:"LOG_LEVEL"`
	LogFile                        string `mapstructure:"LOG_FILE"`

	// Warnings collects non-fatal problems found while normalizing values.
	Warnings []string `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("MONGO_DATABASE", "fundraising")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("CONTRIBUTION_RATE_LIMIT_PER_MINUTE", 5)
	viper.SetDefault("LEDGER_EVENT_EXCHANGE", "fundraising.events")
	viper.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline")
	viper.SetDefault("MPESA_TIMEOUT_SECONDS", defaultGatewayTimeoutSeconds)
	viper.SetDefault("SETTLEMENT_AMOUNT_TOLERANCE", 0)
	viper.SetDefault("CURRENCY", "KES")
	viper.SetDefault("RECONCILE_SCHEDULE", "")
	viper.SetDefault("RECONCILE_PENDING_AFTER_MINUTES", 15)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 50)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("CLOUDINARY_FOLDER", "events")
	viper.SetDefault("LOG_LEVEL", "info")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("MONGO_URI", "MONGO_URI", "MONGODB_URI")
	_ = viper.BindEnv("MONGO_DATABASE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("CONTRIBUTION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_EXCHANGE")
	_ = viper.BindEnv("MPESA_BASE_URL")
	_ = viper.BindEnv("MPESA_CONSUMER_KEY")
	_ = viper.BindEnv("MPESA_CONSUMER_SECRET")
	_ = viper.BindEnv("MPESA_SHORT_CODE")
	_ = viper.BindEnv("MPESA_PASSKEY")
	_ = viper.BindEnv("MPESA_TRANSACTION_TYPE")
	_ = viper.BindEnv("MPESA_CALLBACK_URL")
	_ = viper.BindEnv("MPESA_CALLBACK_SECRET")
	_ = viper.BindEnv("MPESA_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SETTLEMENT_AMOUNT_TOLERANCE")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_PENDING_AFTER_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("CLOUDINARY_CLOUD_NAME")
	_ = viper.BindEnv("CLOUDINARY_API_KEY")
	_ = viper.BindEnv("CLOUDINARY_API_SECRET")
	_ = viper.BindEnv("CLOUDINARY_FOLDER")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FILE")

	// A missing .env file is fine; anything else is reported but not fatal.
	var warnings []string
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			warnings = append(warnings, fmt.Sprintf("failed to read config file; using environment values: %v", err))
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}
	config.Warnings = warnings

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMongo, StoreDriverMemory:
	default:
		config.warnf("unknown STORE_DRIVER %q; falling back to %s", config.StoreDriver, StoreDriverPostgres)
		config.StoreDriver = StoreDriverPostgres
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if config.ContributionRateLimitPerMinute < 0 {
		config.warnf("negative contribution rate limit configured; disabling limiter")
		config.ContributionRateLimitPerMinute = 0
	}

	config.MpesaBaseURL = strings.TrimRight(strings.TrimSpace(config.MpesaBaseURL), "/")
	config.MpesaCallbackURL = strings.TrimSpace(config.MpesaCallbackURL)
	if config.MpesaTimeoutSeconds < minGatewayTimeoutSeconds || config.MpesaTimeoutSeconds > maxGatewayTimeoutSeconds {
		config.warnf("MPESA_TIMEOUT_SECONDS=%d outside [%d,%d]; using %d",
			config.MpesaTimeoutSeconds, minGatewayTimeoutSeconds, maxGatewayTimeoutSeconds, defaultGatewayTimeoutSeconds)
		config.MpesaTimeoutSeconds = defaultGatewayTimeoutSeconds
	}
	if strings.TrimSpace(config.MpesaCallbackSecret) == "" {
		config.warnf("MPESA_CALLBACK_SECRET not set; callback origin validation disabled")
	}

	if config.SettlementAmountTolerance < 0 {
		config.warnf("negative settlement amount tolerance configured; coercing to zero")
		config.SettlementAmountTolerance = 0
	}

	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "KES"
	}

	config.ReconcileSchedule = strings.TrimSpace(config.ReconcileSchedule)
	if config.ReconcilePendingAfterMinutes <= 0 {
		config.ReconcilePendingAfterMinutes = 15
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 50
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into a list.
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

func (c *Config) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}
