package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/corray333/backend-labs/relay/internal/dal/rabbitmq"
	"github.com/corray333/backend-labs/relay/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/streadway/amqp"
)

const envPrefix = "OUTBOX"

// Config is the full relay configuration.
type Config struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Relay    RelayConfig    `mapstructure:"relay"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Jaeger   JaegerConfig   `mapstructure:"jaeger"`
	Log      LogConfig      `mapstructure:"log"`
}

// PostgresConfig locates the outbox database. DSN, when set, wins over the
// discrete fields.
type PostgresConfig struct {
	DSN            string        `mapstructure:"dsn"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxConns       int32         `mapstructure:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ConnString returns the connection string handed to pgx.
func (c PostgresConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}

// RabbitMQConfig locates the broker. URL, when set, wins over the discrete fields.
type RabbitMQConfig struct {
	URL            string        `mapstructure:"url"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	VHost          string        `mapstructure:"vhost"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// ConnURL returns the AMQP URI of the broker.
func (c RabbitMQConfig) ConnURL() string {
	if c.URL != "" {
		return c.URL
	}

	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}.String()
}

// RelayConfig controls the relay loop.
type RelayConfig struct {
	Queue      string        `mapstructure:"queue"`
	BatchSize  int           `mapstructure:"batch_size"`
	IdleDelay  time.Duration `mapstructure:"idle_delay"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type JaegerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "outbox")
	v.SetDefault("postgres.password", "outbox")
	v.SetDefault("postgres.database", "outbox")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_conns", 5)
	v.SetDefault("postgres.connect_timeout", 5*time.Second)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.connect_timeout", 10*time.Second)
	v.SetDefault("rabbitmq.publish_timeout", 5*time.Second)

	v.SetDefault("relay.queue", "relayed-messages")
	v.SetDefault("relay.batch_size", 100)
	v.SetDefault("relay.idle_delay", time.Second)
	v.SetDefault("relay.retry_delay", 5*time.Second)

	v.SetDefault("http.port", 8081)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.cors.allowed_origins", []string{})
	v.SetDefault("http.cors.allowed_methods", []string{"GET"})
	v.SetDefault("http.cors.allowed_headers", []string{})
	v.SetDefault("http.cors.allow_credentials", false)
	v.SetDefault("http.cors.max_age", 300)

	v.SetDefault("jaeger.endpoint", "")
	v.SetDefault("log.level", "info")
}

// Load reads the optional .env file, then the YAML config at path (or config.yaml in
// /etc/outbox-relay or the working directory when path is empty), and finally
// OUTBOX_* environment variables, e.g. OUTBOX_RELAY_QUEUE.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error while loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/outbox-relay")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error while reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error while decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if err := rabbitmq.ValidateQueueName(c.Relay.Queue); err != nil {
		errs = append(errs, fmt.Errorf("relay.queue: %w", err))
	}
	if c.Relay.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.batch_size must be positive, got %d", c.Relay.BatchSize))
	}
	if c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, errors.New("postgres.dsn or postgres.host is required"))
	}
	if c.RabbitMQ.URL == "" && c.RabbitMQ.Host == "" {
		errs = append(errs, errors.New("rabbitmq.url or rabbitmq.host is required"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// SetupLogger installs the JSON slog handler as the default logger.
func SetupLogger(level string) {
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}

	handler := logger.NewHandler(&slog.HandlerOptions{Level: lvl})
	log := slog.New(handler)
	slog.SetDefault(log)
}
