package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AMQPURL        string `mapstructure:"AMQP_URL"`
	BrokerExchange string `mapstructure:"BROKER_EXCHANGE"`
	RequestQueue   string `mapstructure:"CONSENT_REQUEST_QUEUE"`
	HIUQueue       string `mapstructure:"HIU_NOTIFICATION_QUEUE"`
	HIPQueue       string `mapstructure:"HIP_NOTIFICATION_QUEUE"`

	GatewayBaseURL     string        `mapstructure:"GATEWAY_BASE_URL"`
	RegistryBaseURL    string        `mapstructure:"REGISTRY_BASE_URL"`
	UserServiceBaseURL string        `mapstructure:"USER_SERVICE_BASE_URL"`
	ServiceCallTimeout time.Duration `mapstructure:"SERVICE_CALL_TIMEOUT"`

	SigningKeyFile        string   `mapstructure:"SIGNING_KEY_FILE"`
	PinTokenPublicKeyFile string   `mapstructure:"PIN_TOKEN_PUBLIC_KEY_FILE"`
	TrustedHIUs           []string `mapstructure:"TRUSTED_HIUS"`

	RequestExpiry time.Duration `mapstructure:"CONSENT_REQUEST_EXPIRY"`
	SweepInterval time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`

	DefaultPageSize int `mapstructure:"DEFAULT_PAGE_SIZE"`
	MaxPageSize     int `mapstructure:"MAX_PAGE_SIZE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BROKER_EXCHANGE", "consent-exchange")
	v.SetDefault("CONSENT_REQUEST_QUEUE", "consent-request-created")
	v.SetDefault("HIU_NOTIFICATION_QUEUE", "consent-to-hiu")
	v.SetDefault("HIP_NOTIFICATION_QUEUE", "consent-to-hip")
	v.SetDefault("SERVICE_CALL_TIMEOUT", "5s")
	v.SetDefault("CONSENT_REQUEST_EXPIRY", "30m")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "60s")
	v.SetDefault("DEFAULT_PAGE_SIZE", 20)
	v.SetDefault("MAX_PAGE_SIZE", 100)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AMQP_URL", "BROKER_EXCHANGE", "CONSENT_REQUEST_QUEUE",
		"HIU_NOTIFICATION_QUEUE", "HIP_NOTIFICATION_QUEUE",
		"GATEWAY_BASE_URL", "REGISTRY_BASE_URL", "USER_SERVICE_BASE_URL",
		"SERVICE_CALL_TIMEOUT", "SIGNING_KEY_FILE", "PIN_TOKEN_PUBLIC_KEY_FILE",
		"TRUSTED_HIUS", "CONSENT_REQUEST_EXPIRY", "EXPIRY_SWEEP_INTERVAL",
		"DEFAULT_PAGE_SIZE", "MAX_PAGE_SIZE", "CORS_ORIGINS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.TrustedHIUs == nil {
		if hius := v.GetString("TRUSTED_HIUS"); hius != "" {
			cfg.TrustedHIUs = strings.Split(hius, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. The broker and the
// external collaborators are mandatory outside development: a consent server
// that cannot publish lifecycle events must refuse to start rather than
// silently drop notifications.
func (c *Config) Validate() error {
	if c.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required")
	}
	if c.BrokerExchange == "" || c.RequestQueue == "" || c.HIUQueue == "" || c.HIPQueue == "" {
		return fmt.Errorf("broker exchange and queue names must all be configured")
	}
	if c.SigningKeyFile == "" {
		return fmt.Errorf("SIGNING_KEY_FILE is required")
	}
	if !c.IsDev() {
		if c.GatewayBaseURL == "" {
			return fmt.Errorf("GATEWAY_BASE_URL is required outside development")
		}
		if c.RegistryBaseURL == "" {
			return fmt.Errorf("REGISTRY_BASE_URL is required outside development")
		}
		if c.UserServiceBaseURL == "" {
			return fmt.Errorf("USER_SERVICE_BASE_URL is required outside development")
		}
		if c.PinTokenPublicKeyFile == "" {
			return fmt.Errorf("PIN_TOKEN_PUBLIC_KEY_FILE is required outside development")
		}
	}
	if c.DefaultPageSize <= 0 || c.MaxPageSize < c.DefaultPageSize {
		return fmt.Errorf("page size configuration is invalid (default %d, max %d)", c.DefaultPageSize, c.MaxPageSize)
	}
	return nil
}
