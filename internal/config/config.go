package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// StoreDriver selects "postgres" or "memory".
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config. An empty host keeps limiter, dedup and locks in process.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Event intake
	KafkaBrokers        string
	KafkaGroupID        string
	KafkaTopics         []string
	SQSRegion           string
	SQSQueueURL         string
	SQSDLQURL           string
	IntakePartitions    int
	IntakePartitionSize int

	// AWS Services
	AWSRegion               string
	SESFromEmail            string
	SNSRegion               string
	SNSAlertTopicARN        string
	SNSNotificationTopicARN string
	EmailProvider           string // "ses", "resend" or "log"
	ResendAPIKey            string
	NATSURL                 string
	NATSSubjectPrefix       string
	WebhookTimeout          int // Timeout for webhook requests in seconds
	DispatchConcurrency     int
	DefaultLanguage         string
	MaxRetries              int
	RecurrenceThreshold     int
	CatalogTTL              time.Duration
	SeedFile                string
	APIRateLimitPerMinute   int
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	EscalateAfter           time.Duration
	StalePendingAfter       time.Duration
	NotificationRetention   time.Duration
	AlertRetention          time.Duration
	RetryInterval           time.Duration
	StalePendingInterval    time.Duration
	CleanupInterval         time.Duration
	StatsInterval           time.Duration
	EscalationInterval      time.Duration
	ShutdownTimeout         time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:        8080,
		LogLevel:    "info",
		Env:         "development",
		StoreDriver: "postgres",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "stockpulse",
		DBPassword: "",
		DBName:     "stockpulse",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		// Redis defaults
		RedisPort: 6379,

		KafkaGroupID:        "stockpulse-alerts",
		KafkaTopics:         []string{"inventory.updated", "inventory.below-threshold"},
		IntakePartitions:    8,
		IntakePartitionSize: 64,

		AWSRegion:         "us-east-1",
		SESFromEmail:      "alerts@stockpulse.local",
		EmailProvider:     "ses",
		NATSSubjectPrefix: "stockpulse",

		WebhookTimeout:          30,
		DispatchConcurrency:     4,
		DefaultLanguage:         "en",
		MaxRetries:              3,
		RecurrenceThreshold:     3,
		CatalogTTL:              30 * time.Second,
		APIRateLimitPerMinute:   600,
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     30 * time.Second,

		EscalateAfter:         30 * time.Minute,
		StalePendingAfter:     10 * time.Minute,
		NotificationRetention: 30 * 24 * time.Hour,
		AlertRetention:        90 * 24 * time.Hour,
		RetryInterval:         time.Minute,
		StalePendingInterval:  5 * time.Minute,
		CleanupInterval:       24 * time.Hour,
		StatsInterval:         time.Minute,
		EscalationInterval:    5 * time.Minute,
		ShutdownTimeout:       10 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		switch driver {
		case "postgres", "memory":
			cfg.StoreDriver = driver
		default:
			return nil, fmt.Errorf("invalid STORE_DRIVER: %q", driver)
		}
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	// Intake
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = brokers
	}

	if group := os.Getenv("KAFKA_GROUP_ID"); group != "" {
		cfg.KafkaGroupID = group
	}

	if topics := os.Getenv("KAFKA_TOPICS"); topics != "" {
		cfg.KafkaTopics = splitList(topics)
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}

	// SNS config for SMS, push and outbound events
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_ALERT_TOPIC_ARN"); arn != "" {
		cfg.SNSAlertTopicARN = arn
	}

	if arn := os.Getenv("SNS_NOTIFICATION_TOPIC_ARN"); arn != "" {
		cfg.SNSNotificationTopicARN = arn
	}

	// Email
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		switch provider {
		case "ses", "resend", "log":
			cfg.EmailProvider = provider
		default:
			return nil, fmt.Errorf("invalid EMAIL_PROVIDER: %q", provider)
		}
	}

	if key := os.Getenv("RESEND_API_KEY"); key != "" {
		cfg.ResendAPIKey = key
	}
	if cfg.EmailProvider == "resend" && cfg.ResendAPIKey == "" {
		return nil, fmt.Errorf("RESEND_API_KEY is required when EMAIL_PROVIDER=resend")
	}

	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATSURL = url
	}

	if prefix := os.Getenv("NATS_SUBJECT_PREFIX"); prefix != "" {
		cfg.NATSSubjectPrefix = prefix
	}

	if lang := os.Getenv("DEFAULT_LANGUAGE"); lang != "" {
		cfg.DefaultLanguage = lang
	}

	if path := os.Getenv("SEED_FILE"); path != "" {
		cfg.SeedFile = path
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DB_PORT", &cfg.DBPort},
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"INTAKE_PARTITIONS", &cfg.IntakePartitions},
		{"INTAKE_PARTITION_SIZE", &cfg.IntakePartitionSize},
		{"WEBHOOK_TIMEOUT", &cfg.WebhookTimeout},
		{"DISPATCH_CONCURRENCY", &cfg.DispatchConcurrency},
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"RECURRENCE_THRESHOLD", &cfg.RecurrenceThreshold},
		{"API_RATE_LIMIT_PER_MINUTE", &cfg.APIRateLimitPerMinute},
		{"BREAKER_FAILURE_THRESHOLD", &cfg.BreakerFailureThreshold},
	}
	for _, v := range ints {
		if err := intVar(v.key, v.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CATALOG_TTL", &cfg.CatalogTTL},
		{"BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout},
		{"ESCALATE_AFTER", &cfg.EscalateAfter},
		{"STALE_PENDING_AFTER", &cfg.StalePendingAfter},
		{"NOTIFICATION_RETENTION", &cfg.NotificationRetention},
		{"ALERT_RETENTION", &cfg.AlertRetention},
		{"RETRY_INTERVAL", &cfg.RetryInterval},
		{"STALE_PENDING_INTERVAL", &cfg.StalePendingInterval},
		{"CLEANUP_INTERVAL", &cfg.CleanupInterval},
		{"STATS_INTERVAL", &cfg.StatsInterval},
		{"ESCALATION_INTERVAL", &cfg.EscalationInterval},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, v := range durations {
		if err := durationVar(v.key, v.dst); err != nil {
			return nil, err
		}
	}

	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("invalid MAX_RETRIES: must be at least 1")
	}

	return cfg, nil
}

// DatabaseURL is the connection string the migrator uses.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func intVar(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid %s: must not be negative", key)
	}
	*dst = v
	return nil
}

// durationVar accepts Go durations ("90s", "12h") or plain seconds.
func durationVar(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
