package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Database struct {
	Driver        string `mapstructure:"driver"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	SSLMode       string `mapstructure:"ssl-mode"`
	MigrationsDir string `mapstructure:"migrations-dir"`
}

type Gateway struct {
	BaseURL           string `mapstructure:"base-url"`
	SecretKey         string `mapstructure:"secret-key"`
	WebhookSecret     string `mapstructure:"webhook-secret"`
	Currency          string `mapstructure:"currency"`
	RecipientType     string `mapstructure:"recipient-type"`
	CallbackURL       string `mapstructure:"callback-url"`
	TimeoutMs         int    `mapstructure:"timeout-ms"`
	TransferTimeoutMs int    `mapstructure:"transfer-timeout-ms"`
	RetryIntervalMs   int    `mapstructure:"retry-interval-ms"`
	MaxRetries        int    `mapstructure:"max-retries"`
}

type Escrow struct {
	PlatformFeePercent string `mapstructure:"platform-fee-percent"`
}

type Reconcile struct {
	Enabled           bool `mapstructure:"enabled"`
	IntervalMs        int  `mapstructure:"interval-ms"`
	StaleAfterMs      int  `mapstructure:"stale-after-ms"`
	BatchSize         int  `mapstructure:"batch-size"`
	LeaseTTLMs        int  `mapstructure:"lease-ttl-ms"`
	MaxWebhookRetries int  `mapstructure:"max-webhook-retries"`
}

type Redis struct {
	URL string `mapstructure:"url"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	Notifications string `mapstructure:"notifications"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Server struct {
	Port       string `mapstructure:"port"`
	AdminToken string `mapstructure:"admin-token"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Database  Database  `mapstructure:"database"`
	Gateway   Gateway   `mapstructure:"gateway"`
	Escrow    Escrow    `mapstructure:"escrow"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Redis     Redis     `mapstructure:"redis"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Server    Server    `mapstructure:"server"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Logs      Logs      `mapstructure:"logs"`
}

var defaults = map[string]any{
	"database.driver":               "postgres",
	"database.user":                 "postgres",
	"database.password":             "postgres",
	"database.name":                 "escrow",
	"database.host":                 "localhost",
	"database.port":                 "5432",
	"database.ssl-mode":             "disable",
	"database.migrations-dir":       "migrations",
	"gateway.base-url":              "https://api.paystack.co",
	"gateway.secret-key":            "",
	"gateway.webhook-secret":        "",
	"gateway.currency":              "ZAR",
	"gateway.recipient-type":        "basa",
	"gateway.callback-url":          "",
	"gateway.timeout-ms":            10_000,
	"gateway.transfer-timeout-ms":   20_000,
	"gateway.retry-interval-ms":     500,
	"gateway.max-retries":           3,
	"escrow.platform-fee-percent":   "10",
	"reconcile.enabled":             true,
	"reconcile.interval-ms":         60_000,
	"reconcile.stale-after-ms":      900_000,
	"reconcile.batch-size":          100,
	"reconcile.lease-ttl-ms":        120_000,
	"reconcile.max-webhook-retries": 5,
	"redis.url":                     "",
	"kafka.writer.batch-size":       100,
	"kafka.writer.batch-timeout-ms": 100,
	"kafka.broker.url":              "",
	"kafka.topic.notifications":     "payment-notifications",
	"server.port":                   "8080",
	"server.admin-token":            "",
	"metrics.url":                   "",
	"metrics.interval-ms":           10_000,
	"metrics.common-labels":         `service="escrow-service"`,
	"logs.url":                      "",
	"logs.level":                    "info",
}

// LoadConfig reads config.yaml from path. Every key can be overridden from the
// environment, e.g. GATEWAY_SECRET_KEY overrides gateway.secret-key. A .env
// file in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}

func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}
