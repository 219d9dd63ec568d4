package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the virtual number service.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	PostgresDSN string `mapstructure:"POSTGRES_DSN"` // empty disables session persistence
	NATSUrl     string `mapstructure:"NATS_URL"`     // empty disables event publishing

	RedisAddr     string `mapstructure:"REDIS_ADDR"` // empty disables the catalog cache
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	VirtualNumberHTTPPort int `mapstructure:"VIRTUAL_NUMBER_HTTP_PORT"`

	DefaultProvider     string `mapstructure:"DEFAULT_PROVIDER"`
	MockProviderEnabled bool   `mapstructure:"MOCK_PROVIDER_ENABLED"`
	FiveSimAPIURL       string `mapstructure:"FIVESIM_API_URL"`
	FiveSimAPIToken     string `mapstructure:"FIVESIM_API_TOKEN"`
	BackendAPIURL       string `mapstructure:"BACKEND_API_URL"`
	BackendAPIToken     string `mapstructure:"BACKEND_API_TOKEN"`

	MockProviderBalance     float64       `mapstructure:"MOCK_PROVIDER_BALANCE"`
	MockProviderAutoDeliver time.Duration `mapstructure:"MOCK_PROVIDER_AUTO_DELIVER"` // 0 disables simulated SMS

	ProviderHTTPTimeout    time.Duration `mapstructure:"PROVIDER_HTTP_TIMEOUT"`
	ProviderRateLimitRPS   float64       `mapstructure:"PROVIDER_RATE_LIMIT_RPS"`
	ProviderRateLimitBurst int           `mapstructure:"PROVIDER_RATE_LIMIT_BURST"`

	SessionPollInterval   time.Duration `mapstructure:"SESSION_POLL_INTERVAL"`
	SessionPollTimeout    time.Duration `mapstructure:"SESSION_POLL_TIMEOUT"`
	SessionMaxErrorStreak int           `mapstructure:"SESSION_MAX_ERROR_STREAK"`

	CatalogCacheTTL      time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
	NotificationFeedSize int           `mapstructure:"NOTIFICATION_FEED_SIZE"`
	EventsSubjectPrefix  string        `mapstructure:"EVENTS_SUBJECT_PREFIX"`
	InboundSMSSubject    string        `mapstructure:"INBOUND_SMS_SUBJECT"`
	InboundSMSQueueGroup string        `mapstructure:"INBOUND_SMS_QUEUE_GROUP"`
}

var defaults = map[string]any{
	"LOG_LEVEL":    "info",
	"POSTGRES_DSN": "",
	"NATS_URL":     "",

	"REDIS_ADDR":     "",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"VIRTUAL_NUMBER_HTTP_PORT": 8085,

	"DEFAULT_PROVIDER":      "mock",
	"MOCK_PROVIDER_ENABLED": true,
	"FIVESIM_API_URL":       "",
	"FIVESIM_API_TOKEN":     "",
	"BACKEND_API_URL":       "",
	"BACKEND_API_TOKEN":     "",

	"MOCK_PROVIDER_BALANCE":      1000.0,
	"MOCK_PROVIDER_AUTO_DELIVER": 0,

	"PROVIDER_HTTP_TIMEOUT":     10 * time.Second,
	"PROVIDER_RATE_LIMIT_RPS":   5.0,
	"PROVIDER_RATE_LIMIT_BURST": 10,

	"SESSION_POLL_INTERVAL":    5 * time.Second,
	"SESSION_POLL_TIMEOUT":     4 * time.Second,
	"SESSION_MAX_ERROR_STREAK": 5,

	"CATALOG_CACHE_TTL":       2 * time.Minute,
	"NOTIFICATION_FEED_SIZE":  100,
	"EVENTS_SUBJECT_PREFIX":   "numbers.events",
	"INBOUND_SMS_SUBJECT":     "numbers.inbound_sms",
	"INBOUND_SMS_QUEUE_GROUP": "virtual_number_service",
}

// Load reads config.defaults.yaml (if present) and APP_* environment variables.
// serviceName is only used for log context.
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config.defaults")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix("APP") // APP_LOG_LEVEL, APP_FIVESIM_API_TOKEN etc.

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Printf("%s: config.defaults.yaml not found; using defaults and environment variables.", serviceName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SessionPollInterval <= 0 {
		return errors.New("SESSION_POLL_INTERVAL must be positive")
	}
	if c.SessionPollTimeout <= 0 || c.SessionPollTimeout > c.SessionPollInterval {
		c.SessionPollTimeout = c.SessionPollInterval
	}
	if c.SessionMaxErrorStreak < 1 {
		return errors.New("SESSION_MAX_ERROR_STREAK must be at least 1")
	}
	if !c.MockProviderEnabled && c.FiveSimAPIURL == "" && c.BackendAPIURL == "" {
		return errors.New("no provider configured: set FIVESIM_API_URL, BACKEND_API_URL or MOCK_PROVIDER_ENABLED")
	}
	return nil
}
