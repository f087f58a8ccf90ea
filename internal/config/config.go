// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/ledger"
)

type Config struct {
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"internal/database/migrations"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":8080"`

	WebhookSecret  string        `env:"WEBHOOK_SECRET,required,notEmpty"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	CronSecret     string        `env:"CRON_SECRET,required,notEmpty"`

	GatewayURL       string `env:"GATEWAY_URL" envDefault:"https://api.yookassa.ru/v3"`
	GatewayAPIKey    string `env:"GATEWAY_API_KEY"`
	GatewayReturnURL string `env:"GATEWAY_RETURN_URL" envDefault:"http://localhost:3000/payment/complete"`

	Currency          string `env:"CURRENCY" envDefault:"RUB"`
	MinPayable        int64  `env:"MIN_PAYABLE" envDefault:"100"`
	BaseMonthlyPrices string `env:"BASE_MONTHLY_PRICES" envDefault:"1:2990,2:4990,3:7990"`
	MaxFailedRenewals int    `env:"MAX_FAILED_RENEWALS" envDefault:"3"`
	ReferrerReward    int64  `env:"REFERRER_REWARD" envDefault:"500"`
	ReferredReward    int64  `env:"REFERRED_REWARD" envDefault:"250"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	MailFrom     string `env:"MAIL_FROM" envDefault:"billing@localhost"`

	KafkaBootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	KafkaTopic            string `env:"KAFKA_TOPIC" envDefault:"successful_payments"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	RenewSchedule string `env:"RENEW_SCHEDULE" envDefault:"0 3 * * *"`

	// Prices is BaseMonthlyPrices parsed.
	Prices ledger.PriceTable
}

// Load reads an optional .env file and then the process environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			log.WithField("file", f).Debug("No env file loaded")
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	prices, err := ParsePriceTable(cfg.BaseMonthlyPrices)
	if err != nil {
		return nil, err
	}
	cfg.Prices = prices
	return &cfg, nil
}

// ParsePriceTable parses "level:price" pairs such as "1:2990,2:4990".
func ParsePriceTable(s string) (ledger.PriceTable, error) {
	table := ledger.PriceTable{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		levelStr, priceStr, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid BASE_MONTHLY_PRICES entry %q", pair)
		}
		level, err := strconv.Atoi(strings.TrimSpace(levelStr))
		if err != nil || level < 1 || level > 3 {
			return nil, fmt.Errorf("invalid tier level in BASE_MONTHLY_PRICES entry %q", pair)
		}
		price, err := strconv.ParseInt(strings.TrimSpace(priceStr), 10, 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("invalid price in BASE_MONTHLY_PRICES entry %q", pair)
		}
		table[level] = price
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("BASE_MONTHLY_PRICES is empty")
	}
	return table, nil
}

// SetupLogging configures the package-level logrus logger.
func (c *Config) SetupLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithField("level", c.LogLevel).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
