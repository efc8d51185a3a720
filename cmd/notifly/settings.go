package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Process roles.
const (
	RoleAPI    = "api"
	RoleRelay  = "relay"
	RoleWorker = "worker"
	RoleAll    = "all"
)

// Settings is the process configuration read from the environment.
type Settings struct {
	Role     string     `env:"NOTIFLY_ROLE" envDefault:"all"`
	HTTPAddr string     `env:"NOTIFLY_HTTP_ADDR" envDefault:":8080"`
	LogLevel slog.Level `env:"NOTIFLY_LOG_LEVEL" envDefault:"INFO"`

	Store      string `env:"NOTIFLY_STORE" envDefault:"memory"`
	PGURL      string `env:"NOTIFLY_PG_URL"`
	SQLitePath string `env:"NOTIFLY_SQLITE_PATH" envDefault:"notifly.db"`
	MongoURI   string `env:"NOTIFLY_MONGO_URI"`
	MongoDB    string `env:"NOTIFLY_MONGO_DATABASE" envDefault:"notifly"`
	RedisURL   string `env:"NOTIFLY_REDIS_URL"`

	Broker       string   `env:"NOTIFLY_BROKER" envDefault:"memory"`
	KafkaBrokers []string `env:"NOTIFLY_KAFKA_BROKERS" envSeparator:","`
	AMQPURL      string   `env:"NOTIFLY_AMQP_URL"`

	RateLimitRPM      int           `env:"NOTIFLY_RATE_LIMIT_RPM" envDefault:"100"`
	WorkerConcurrency int           `env:"NOTIFLY_WORKER_CONCURRENCY" envDefault:"4"`
	PollInterval      time.Duration `env:"NOTIFLY_POLL_INTERVAL" envDefault:"500ms"`
	BatchSize         int           `env:"NOTIFLY_BATCH_SIZE" envDefault:"100"`
	ShutdownTimeout   time.Duration `env:"NOTIFLY_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailFrom            string `env:"NOTIFLY_EMAIL_FROM"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`

	PushWebhookURL    string `env:"NOTIFLY_PUSH_WEBHOOK_URL"`
	PushWebhookSecret string `env:"NOTIFLY_PUSH_WEBHOOK_SECRET"`
}

// LoadSettings reads an optional .env file and then the environment.
func LoadSettings() (Settings, error) {
	_ = godotenv.Load()

	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects unknown roles and backends and missing connection details.
func (s Settings) Validate() error {
	var errs []error

	switch s.Role {
	case RoleAPI, RoleRelay, RoleWorker, RoleAll:
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", s.Role))
	}

	switch s.Store {
	case "memory", "sqlite":
	case "postgres":
		if s.PGURL == "" {
			errs = append(errs, errors.New("NOTIFLY_PG_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", s.Store))
	}

	switch s.Broker {
	case "memory":
		if s.Role != RoleAll {
			errs = append(errs, fmt.Errorf("role %q needs a shared broker, not memory", s.Role))
		}
	case "kafka":
		if len(s.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("NOTIFLY_KAFKA_BROKERS is required for the kafka broker"))
		}
	case "amqp":
		if s.AMQPURL == "" {
			errs = append(errs, errors.New("NOTIFLY_AMQP_URL is required for the amqp broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", s.Broker))
	}

	if s.Store == "memory" && s.Role != RoleAll {
		errs = append(errs, fmt.Errorf("role %q needs a shared store, not memory", s.Role))
	}
	if s.RateLimitRPM <= 0 {
		errs = append(errs, errors.New("NOTIFLY_RATE_LIMIT_RPM must be positive"))
	}

	return errors.Join(errs...)
}

// runs reports whether the process runs the given role.
func (s Settings) runs(role string) bool {
	return s.Role == RoleAll || s.Role == role
}

// mongoDSN returns MongoURI with MongoDB as its database path, unless the
// URI already names one.
func (s Settings) mongoDSN() (string, error) {
	u, err := url.Parse(s.MongoURI)
	if err != nil {
		return "", fmt.Errorf("parse NOTIFLY_MONGO_URI: %w", err)
	}
	if (u.Path == "" || u.Path == "/") && s.MongoDB != "" {
		u.Path = "/" + s.MongoDB
	}
	return u.String(), nil
}
