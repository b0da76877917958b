package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"drip/models"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `json:"tick_interval"`
	Workers         int           `json:"workers"`
	BatchSize       int           `json:"batch_size"`
	CallTimeout     time.Duration `json:"call_timeout"`
	RetryBackoff    time.Duration `json:"retry_backoff"`
	MaxAttempts     int           `json:"max_attempts"`
	ClaimTTL        time.Duration `json:"claim_ttl"`
	StreamInterval  time.Duration `json:"stream_interval"`
	DisableDispatch bool          `json:"disable_dispatch"`
}

type DeliveryConfig struct {
	Provider        string        `json:"provider"` // smtp, sendgrid, log
	Ledger          string        `json:"ledger"`   // db, redis
	LedgerTTL       time.Duration `json:"ledger_ttl"`
	SMTPHost        string        `json:"smtp_host"`
	SMTPPort        int           `json:"smtp_port"`
	SMTPUsername    string        `json:"smtp_username"`
	SMTPPassword    string        `json:"-"`
	SendGridAPIKey  string        `json:"-"`
	FromEmail       string        `json:"from_email"`
	FromName        string        `json:"from_name"`
	TrackingBaseURL string        `json:"tracking_base_url"`
	TrackingSecret  string        `json:"-"`
}

type ContentConfig struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"-"`
	Timeout  time.Duration `json:"timeout"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

type Config struct {
	Environment    string          `json:"environment"`
	LogLevel       string          `json:"log_level"`
	ServerPort     string          `json:"server_port"`
	AllowedOrigins []string        `json:"allowed_origins"`
	APIRateLimit   int             `json:"api_rate_limit"`
	DBHost         string          `json:"db_host"`
	DBPort         string          `json:"db_port"`
	DBUser         string          `json:"db_user"`
	DBPassword     string          `json:"-"`
	DBName         string          `json:"db_name"`
	DBSSLMode      string          `json:"db_ssl_mode"`
	DBMaxIdleConns int             `json:"db_max_idle_conns"`
	DBMaxOpenConns int             `json:"db_max_open_conns"`
	SentryDSN      string          `json:"-"`
	Redis          RedisConfig     `json:"redis"`
	Scheduler      SchedulerConfig `json:"scheduler"`
	Delivery       DeliveryConfig  `json:"delivery"`
	Content        ContentConfig   `json:"content"`
	Kafka          KafkaConfig     `json:"kafka"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		APIRateLimit:   getEnvAsInt("API_RATE_LIMIT", 120),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "drip"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Scheduler: SchedulerConfig{
			TickInterval:    getEnvAsDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
			Workers:         getEnvAsInt("SCHEDULER_WORKERS", 8),
			BatchSize:       getEnvAsInt("SCHEDULER_BATCH_SIZE", 500),
			CallTimeout:     getEnvAsDuration("SCHEDULER_CALL_TIMEOUT", 30*time.Second),
			RetryBackoff:    getEnvAsDuration("SCHEDULER_RETRY_BACKOFF", 15*time.Minute),
			MaxAttempts:     getEnvAsInt("SCHEDULER_MAX_ATTEMPTS", 3),
			ClaimTTL:        getEnvAsDuration("SCHEDULER_CLAIM_TTL", 5*time.Minute),
			StreamInterval:  getEnvAsDuration("SCHEDULER_STREAM_INTERVAL", 5*time.Second),
			DisableDispatch: getEnvAsBool("SCHEDULER_DISABLED", false),
		},
		Delivery: DeliveryConfig{
			Provider:        getEnv("DELIVERY_PROVIDER", "log"),
			Ledger:          getEnv("DELIVERY_LEDGER", "db"),
			LedgerTTL:       getEnvAsDuration("DELIVERY_LEDGER_TTL", 90*24*time.Hour),
			SMTPHost:        getEnv("SMTP_HOST", ""),
			SMTPPort:        getEnvAsInt("SMTP_PORT", 587),
			SMTPUsername:    getEnv("SMTP_USERNAME", ""),
			SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
			SendGridAPIKey:  getEnv("SENDGRID_API_KEY", ""),
			FromEmail:       getEnv("FROM_EMAIL", "hello@example.com"),
			FromName:        getEnv("FROM_NAME", "Drip"),
			TrackingBaseURL: getEnv("TRACKING_BASE_URL", ""),
			TrackingSecret:  getEnv("TRACKING_SECRET", ""),
		},
		Content: ContentConfig{
			Endpoint: getEnv("CONTENT_API_URL", ""),
			APIKey:   getEnv("CONTENT_API_KEY", ""),
			Timeout:  getEnvAsDuration("CONTENT_API_TIMEOUT", 20*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "customer.events"),
			GroupID: getEnv("KAFKA_GROUP_ID", "drip-triggers"),
		},
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBPassword == "" && c.Environment != "development" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	switch c.Delivery.Provider {
	case "smtp":
		if c.Delivery.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required for the smtp delivery provider")
		}
	case "sendgrid":
		if c.Delivery.SendGridAPIKey == "" {
			return fmt.Errorf("SENDGRID_API_KEY is required for the sendgrid delivery provider")
		}
	case "log":
	default:
		return fmt.Errorf("unknown DELIVERY_PROVIDER %q", c.Delivery.Provider)
	}
	switch c.Delivery.Ledger {
	case "db":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("DELIVERY_LEDGER=redis requires REDIS_ENABLED")
		}
	default:
		return fmt.Errorf("unknown DELIVERY_LEDGER %q", c.Delivery.Ledger)
	}
	if c.Delivery.TrackingBaseURL != "" && c.Delivery.TrackingSecret == "" {
		return fmt.Errorf("TRACKING_SECRET is required when TRACKING_BASE_URL is set")
	}
	s := c.Scheduler
	if s.TickInterval <= 0 || s.Workers <= 0 || s.BatchSize <= 0 || s.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler tick interval, workers, batch size and max attempts must be positive")
	}
	if s.CallTimeout <= 0 || s.ClaimTTL <= s.CallTimeout {
		return fmt.Errorf("SCHEDULER_CLAIM_TTL must exceed SCHEDULER_CALL_TIMEOUT")
	}
	return nil
}

// DSN returns the postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

// ConnectDB opens the database and applies migrations.
func ConnectDB(cfg Config, log *logrus.Entry) (*gorm.DB, error) {
	log.Info("Attempting to connect to database...")
	log.WithField("dsn", maskPassword(cfg.DSN())).Debug("Using connection string")

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("Successfully connected to the database")
	return db, nil
}

// NewRedisClient returns nil when redis is disabled.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// MigrateDB creates or updates every table the engine owns.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Automation{},
		&models.Step{},
		&models.Customer{},
		&models.Purchase{},
		&models.Enrollment{},
		&models.DeliveryLog{},
		&models.Alert{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}
