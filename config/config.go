package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config holds the application configuration
type Config struct {
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN,notEmpty"`
	DBPath        string `env:"DB_PATH" envDefault:"./agromarket.db"`
	ChannelID     int64  `env:"CHANNEL_ID"`
	AdminChatID   int64  `env:"ADMIN_CHAT_ID"`
	Timezone      string `env:"TIMEZONE" envDefault:"Asia/Tashkent"`

	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"5m"`
	PageSize         int           `env:"PAGE_SIZE" envDefault:"100"`
	ExpiryAge        time.Duration `env:"EXPIRY_AGE" envDefault:"48h"`
	RequestDeleteAge time.Duration `env:"REQUEST_DELETE_AGE" envDefault:"96h"`
	StoreTimeout     time.Duration `env:"STORE_TIMEOUT" envDefault:"10s"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`

	SessionBackend string        `env:"SESSION_BACKEND" envDefault:"memory"`
	RedisURL       string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"168h"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`
}

// NewConfig loads the configuration from a .env file, if present, and the
// environment
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Could not load .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}

	cfg.SessionBackend = strings.ToLower(strings.TrimSpace(cfg.SessionBackend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot run with
func (c *Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return errors.New("POLL_INTERVAL must be positive")
	case c.PageSize <= 0:
		return errors.New("PAGE_SIZE must be positive")
	case c.ExpiryAge <= 0:
		return errors.New("EXPIRY_AGE must be positive")
	case c.RequestDeleteAge <= c.ExpiryAge:
		return errors.New("REQUEST_DELETE_AGE must be greater than EXPIRY_AGE")
	case c.StoreTimeout <= 0 || c.SendTimeout <= 0:
		return errors.New("STORE_TIMEOUT and SEND_TIMEOUT must be positive")
	}

	switch c.SessionBackend {
	case "memory", "redis":
	default:
		return errors.Errorf("unsupported SESSION_BACKEND %q", c.SessionBackend)
	}
	return nil
}
