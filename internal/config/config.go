package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Email      EmailConfig
	Processor  ProcessorConfig
	Payout     PayoutConfig
	Settlement SettlementConfig
	QR         QRConfig
	Auth       AuthConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	PublicBaseURL   string
}

type DatabaseConfig struct {
	// Driver is "postgres" in production; "sqlite" is accepted for local runs.
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	ConnRetries  int
	AutoMigrate  bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	PaymentSettled  string
	PaymentRejected string
	PayoutTransfer  string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	From         string
}

type ProcessorConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	CallbackURL   string
}

type PayoutConfig struct {
	SweepInterval    time.Duration
	LockTTL          time.Duration
	DefaultThreshold int64
	Currency         string
	AutoRecredit     bool
}

type SettlementConfig struct {
	SideEffectTimeout  time.Duration
	BookkeepingTimeout time.Duration
}

type QRConfig struct {
	SecretKey string
}

type AuthConfig struct {
	JWTSecret    string
	OperatorRole string
}

type LogConfig struct {
	Dir   string
	Level string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", ":8086"),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8086"), "/"),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			DSN:          getEnv("POSTGRES_DSN", ""),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			ConnRetries:  getEnvInt("DB_CONN_RETRIES", 5),
			AutoMigrate:  getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				PaymentSettled:  getEnv("KAFKA_TOPIC_PAYMENT_SETTLED", "ticketly.payments.settled"),
				PaymentRejected: getEnv("KAFKA_TOPIC_PAYMENT_REJECTED", "ticketly.payments.rejected"),
				PayoutTransfer:  getEnv("KAFKA_TOPIC_PAYOUT_TRANSFER", "ticketly.payouts.transfers"),
			},
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnv("SMTP_PORT", "587"),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			From:         getEnv("EMAIL_FROM", "tickets@ticketly.local"),
		},
		Processor: ProcessorConfig{
			BaseURL:       strings.TrimRight(getEnv("PROCESSOR_BASE_URL", "https://api.paystack.co"), "/"),
			SecretKey:     getEnv("PROCESSOR_SECRET_KEY", ""),
			WebhookSecret: getEnv("PROCESSOR_WEBHOOK_SECRET", getEnv("PROCESSOR_SECRET_KEY", "")),
			Timeout:       getEnvDuration("PROCESSOR_TIMEOUT", 10*time.Second),
			CallbackURL:   getEnv("PROCESSOR_CALLBACK_URL", ""),
		},
		Payout: PayoutConfig{
			SweepInterval:    getEnvDuration("PAYOUT_SWEEP_INTERVAL", 15*time.Minute),
			LockTTL:          getEnvDuration("PAYOUT_LOCK_TTL", 10*time.Minute),
			DefaultThreshold: getEnvMinorUnits("PAYOUT_DEFAULT_THRESHOLD", 10000),
			Currency:         getEnv("PAYOUT_CURRENCY", "GHS"),
			AutoRecredit:     getEnvBool("PAYOUT_AUTO_RECREDIT", false),
		},
		Settlement: SettlementConfig{
			SideEffectTimeout:  getEnvDuration("SETTLEMENT_SIDE_EFFECT_TIMEOUT", 30*time.Second),
			BookkeepingTimeout: getEnvDuration("SETTLEMENT_BOOKKEEPING_TIMEOUT", 5*time.Second),
		},
		QR: QRConfig{
			SecretKey: getEnv("QR_SECRET_KEY", ""),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("OPERATOR_JWT_SECRET", ""),
			OperatorRole: getEnv("OPERATOR_ROLE", "operator"),
		},
		Log: LogConfig{
			Dir:   getEnv("LOG_DIR", "logs"),
			Level: getEnv("LOG_LEVEL", "INFO"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvMinorUnits reads a major-unit amount such as "100.00" and returns it
// in minor units.
func getEnvMinorUnits(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := decimal.NewFromString(value); err == nil && !parsed.IsNegative() {
			return parsed.Shift(2).Round(0).IntPart()
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
