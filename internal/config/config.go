package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Chat platform selectors for the dispatch layer.
const (
	PlatformNone     = "none"
	PlatformSlack    = "slack"
	PlatformTelegram = "telegram"
)

// Config holds application configuration loaded from environment.
type Config struct {
	DB struct {
		DSN string `env:"DB_DSN"`
	}
	API struct {
		Port     string `env:"API_PORT" envDefault:":8080"`
		BasePath string `env:"API_BASE_PATH" envDefault:"/api/v0"`
	}
	Rotation struct {
		Timezone     string `env:"ROTA_TIMEZONE" envDefault:"America/Los_Angeles"`
		CutoverHour  int    `env:"ROTA_CUTOVER_HOUR" envDefault:"8"`
		DeliveryHour int    `env:"ROTA_DELIVERY_HOUR" envDefault:"8"`
	}
	Webhook struct {
		Secret string `env:"WEBHOOK_SECRET"`
	}
	Scheduler struct {
		Enabled    bool   `env:"SCHEDULER_ENABLED" envDefault:"true"`
		StartOfDay string `env:"SCHEDULER_START_OF_DAY" envDefault:"0 8 * * *"`
		EndOfDay   string `env:"SCHEDULER_END_OF_DAY" envDefault:"0 17 * * *"`
	}
	Pipeline struct {
		ReconcileFirst bool `env:"PIPELINE_RECONCILE" envDefault:"true"`
	}
	Chat struct {
		Platform        string `env:"CHAT_PLATFORM" envDefault:"none"`
		SlackToken      string `env:"SLACK_BOT_TOKEN"`
		SlackChannelID  string `env:"SLACK_CHANNEL_ID"`
		SlackGroupID    string `env:"SLACK_GROUP_ID"`
		OperatorChannel string `env:"OPERATOR_CHANNEL_ID"`
		TelegramToken   string `env:"TELEGRAM_BOT_TOKEN"`
		TelegramChatID  int64  `env:"TELEGRAM_CHAT_ID"`
	}
	Dispatch struct {
		RatePerSecond int           `env:"DISPATCH_RATE_LIMIT" envDefault:"1"`
		MaxRetries    int           `env:"DISPATCH_MAX_RETRIES" envDefault:"3"`
		RetryDelay    time.Duration `env:"DISPATCH_RETRY_DELAY" envDefault:"2s"`
		Timeout       time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"10s"`
	}
	Cache struct {
		RedisAddr string        `env:"REDIS_ADDR"`
		TTL       time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	}
	Events struct {
		Broker string `env:"KAFKA_BROKER"`
		Topic  string `env:"KAFKA_TOPIC" envDefault:"rotation-events"`
	}
	Logging struct {
		Dir   string `env:"LOG_DIR"`
		Level string `env:"LOG_LEVEL" envDefault:"info"`
	}
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Validate required settings
	missing := []string{}
	if cfg.DB.DSN == "" {
		missing = append(missing, "DB_DSN")
	}
	if cfg.Webhook.Secret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required configurations: %v", missing)
	}

	switch cfg.Chat.Platform {
	case PlatformNone, PlatformSlack, PlatformTelegram:
	default:
		return Config{}, fmt.Errorf("CHAT_PLATFORM must be one of none, slack, telegram; got %q", cfg.Chat.Platform)
	}
	if cfg.Rotation.CutoverHour < 0 || cfg.Rotation.CutoverHour > 23 {
		return Config{}, fmt.Errorf("ROTA_CUTOVER_HOUR must be within 0..23, got %d", cfg.Rotation.CutoverHour)
	}
	if cfg.Rotation.DeliveryHour < 0 || cfg.Rotation.DeliveryHour > 23 {
		return Config{}, fmt.Errorf("ROTA_DELIVERY_HOUR must be within 0..23, got %d", cfg.Rotation.DeliveryHour)
	}

	return cfg, nil
}

// Location resolves the canonical rotation time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Rotation.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid ROTA_TIMEZONE %q: %w", c.Rotation.Timezone, err)
	}
	return loc, nil
}
