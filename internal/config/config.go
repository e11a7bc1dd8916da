package config

import (
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	MpesaSandboxURL    = "https://sandbox.safaricom.co.ke"
	MpesaProductionURL = "https://api.safaricom.co.ke"
)

// Config holds every setting the server, worker and CLI tools read from the environment.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	AppURL     string `mapstructure:"APP_URL"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	FirebaseCredentialsPath string `mapstructure:"FIREBASE_CREDENTIALS_PATH"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	DefaultCardCurrency string `mapstructure:"DEFAULT_CARD_CURRENCY"`

	MpesaEnvironment            string `mapstructure:"MPESA_ENVIRONMENT"`
	MpesaBaseURL                string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey            string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret         string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode              string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey                string `mapstructure:"MPESA_PASSKEY"`
	MpesaTransactionType        string `mapstructure:"MPESA_TRANSACTION_TYPE"`
	MpesaCallbackURL            string `mapstructure:"MPESA_CALLBACK_URL"`
	MpesaCallbackToken          string `mapstructure:"MPESA_CALLBACK_TOKEN"`
	MpesaAccountReferencePrefix string `mapstructure:"MPESA_ACCOUNT_REFERENCE_PREFIX"`

	PollMaxAttempts            int    `mapstructure:"POLL_MAX_ATTEMPTS"`
	PollIntervalSeconds        int    `mapstructure:"POLL_INTERVAL_SECONDS"`
	PollInitialDelaySeconds    int    `mapstructure:"POLL_INITIAL_DELAY_SECONDS"`
	WorkerTickSeconds          int    `mapstructure:"WORKER_TICK_SECONDS"`
	ReconcileStaleAfterMinutes int    `mapstructure:"RECONCILE_STALE_AFTER_MINUTES"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	InitiateRateLimitPerMinute int    `mapstructure:"INITIATE_RATE_LIMIT_PER_MINUTE"`
	HTTPClientTimeoutSeconds   int    `mapstructure:"HTTP_CLIENT_TIMEOUT_SECONDS"`

	SMTPHost  string `mapstructure:"SMTP_HOST"`
	SMTPPort  string `mapstructure:"SMTP_PORT"`
	SMTPUser  string `mapstructure:"SMTP_USER"`
	SMTPPass  string `mapstructure:"SMTP_PASS"`
	EmailFrom string `mapstructure:"EMAIL_FROM"`

	WahaBaseURL string `mapstructure:"WAHA_BASE_URL"`
	WahaAPIKey  string `mapstructure:"WAHA_API_KEY"`
}

var intDefaults = map[string]int{
	"POLL_MAX_ATTEMPTS":              30,
	"POLL_INTERVAL_SECONDS":          10,
	"POLL_INITIAL_DELAY_SECONDS":     5,
	"WORKER_TICK_SECONDS":            30,
	"RECONCILE_STALE_AFTER_MINUTES":  10,
	"INITIATE_RATE_LIMIT_PER_MINUTE": 10,
	"HTTP_CLIENT_TIMEOUT_SECONDS":    30,
}

// LoadConfig reads configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_URL", "http://localhost:8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "voh")
	viper.SetDefault("FIREBASE_CREDENTIALS_PATH", "./firebase-service-account.json")
	viper.SetDefault("DEFAULT_CARD_CURRENCY", "USD")
	viper.SetDefault("MPESA_ENVIRONMENT", "sandbox")
	viper.SetDefault("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline")
	viper.SetDefault("MPESA_ACCOUNT_REFERENCE_PREFIX", "VOH")
	viper.SetDefault("RECONCILE_SCHEDULE", "FREQ=MINUTELY;INTERVAL=15")
	viper.SetDefault("WAHA_BASE_URL", "http://waha:3000")
	for key, value := range intDefaults {
		viper.SetDefault(key, value)
	}

	for _, key := range []string{
		"SERVER_PORT", "APP_URL", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX",
		"FIREBASE_CREDENTIALS_PATH",
		"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "DEFAULT_CARD_CURRENCY",
		"MPESA_ENVIRONMENT", "MPESA_BASE_URL", "MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET",
		"MPESA_SHORTCODE", "MPESA_PASSKEY", "MPESA_TRANSACTION_TYPE", "MPESA_CALLBACK_URL",
		"MPESA_CALLBACK_TOKEN", "MPESA_ACCOUNT_REFERENCE_PREFIX",
		"RECONCILE_SCHEDULE",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "EMAIL_FROM",
		"WAHA_BASE_URL", "WAHA_API_KEY",
	} {
		_ = viper.BindEnv(key)
	}
	for key := range intDefaults {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("Warning: failed to read config file, using environment values: %v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.AppURL = strings.TrimSuffix(strings.TrimSpace(config.AppURL), "/")
	config.DefaultCardCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCardCurrency))
	if len(config.DefaultCardCurrency) != 3 {
		log.Printf("Warning: invalid DEFAULT_CARD_CURRENCY %q, using USD", config.DefaultCardCurrency)
		config.DefaultCardCurrency = "USD"
	}

	config.MpesaBaseURL = strings.TrimSuffix(strings.TrimSpace(config.MpesaBaseURL), "/")
	if config.MpesaBaseURL == "" {
		if strings.EqualFold(config.MpesaEnvironment, "production") {
			config.MpesaBaseURL = MpesaProductionURL
		} else {
			config.MpesaBaseURL = MpesaSandboxURL
		}
	}
	if strings.TrimSpace(config.MpesaCallbackURL) == "" {
		config.MpesaCallbackURL = config.AppURL + "/api/donations/callback"
	}

	config.PollMaxAttempts = positiveOrDefault("POLL_MAX_ATTEMPTS", config.PollMaxAttempts)
	config.PollIntervalSeconds = positiveOrDefault("POLL_INTERVAL_SECONDS", config.PollIntervalSeconds)
	config.WorkerTickSeconds = positiveOrDefault("WORKER_TICK_SECONDS", config.WorkerTickSeconds)
	config.ReconcileStaleAfterMinutes = positiveOrDefault("RECONCILE_STALE_AFTER_MINUTES", config.ReconcileStaleAfterMinutes)
	config.InitiateRateLimitPerMinute = positiveOrDefault("INITIATE_RATE_LIMIT_PER_MINUTE", config.InitiateRateLimitPerMinute)
	config.HTTPClientTimeoutSeconds = positiveOrDefault("HTTP_CLIENT_TIMEOUT_SECONDS", config.HTTPClientTimeoutSeconds)
	if config.PollInitialDelaySeconds < 0 {
		config.PollInitialDelaySeconds = intDefaults["POLL_INITIAL_DELAY_SECONDS"]
	}

	return
}

func positiveOrDefault(key string, value int) int {
	if value > 0 {
		return value
	}
	log.Printf("Warning: %s must be positive, got %d, using default %d", key, value, intDefaults[key])
	return intDefaults[key]
}

// MpesaCallbackEndpoint is the callback URL handed to Daraja, carrying the shared token when one is set.
func (c Config) MpesaCallbackEndpoint() string {
	if c.MpesaCallbackToken == "" {
		return c.MpesaCallbackURL
	}
	sep := "?"
	if strings.Contains(c.MpesaCallbackURL, "?") {
		sep = "&"
	}
	return c.MpesaCallbackURL + sep + "token=" + url.QueryEscape(c.MpesaCallbackToken)
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) PollInitialDelay() time.Duration {
	return time.Duration(c.PollInitialDelaySeconds) * time.Second
}

func (c Config) HTTPClientTimeout() time.Duration {
	return time.Duration(c.HTTPClientTimeoutSeconds) * time.Second
}

func (c Config) WorkerTick() time.Duration {
	return time.Duration(c.WorkerTickSeconds) * time.Second
}

func (c Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleAfterMinutes) * time.Minute
}
