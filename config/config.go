package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"garageflow/payment"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string

	LogLevel  string
	LogFormat string

	RabbitMQURL    string
	NotifyExchange string

	PlatformFeeBps       int64
	EscrowPolicy         payment.Policy
	DefaultPaymentMethod string
	PaymentMaxAttempts   int
	PaymentRetryBase     time.Duration

	ScheduleProposalTTL time.Duration
	ChangeOrderTTL      time.Duration
	CancelCutoff        time.Duration
	SupportRecipientID  string

	RelayInterval    time.Duration
	RelayBatch       int
	RelayMaxAttempts int
	SweepInterval    time.Duration

	EvidenceBucket string
	EvidenceURLTTL time.Duration
	AWSRegion      string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	p := &parser{}
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		RabbitMQURL:    getEnv("RABBITMQ_URL", ""),
		NotifyExchange: getEnv("NOTIFY_EXCHANGE", "job_events"),

		PlatformFeeBps:       int64(p.int("PLATFORM_FEE_BPS", payment.DefaultFeeBps)),
		DefaultPaymentMethod: getEnv("DEFAULT_PAYMENT_METHOD", payment.DefaultPaymentMethod),
		PaymentMaxAttempts:   p.int("PAYMENT_MAX_ATTEMPTS", payment.DefaultMaxAttempts),
		PaymentRetryBase:     p.duration("PAYMENT_RETRY_BASE", payment.DefaultRetryBase),

		ScheduleProposalTTL: p.duration("SCHEDULE_PROPOSAL_TTL", 48*time.Hour),
		ChangeOrderTTL:      p.duration("CHANGE_ORDER_TTL", 24*time.Hour),
		CancelCutoff:        p.duration("CANCEL_CUTOFF", 24*time.Hour),
		SupportRecipientID:  getEnv("SUPPORT_RECIPIENT_ID", "support"),

		RelayInterval:    p.duration("RELAY_INTERVAL", 2*time.Second),
		RelayBatch:       p.int("RELAY_BATCH", 50),
		RelayMaxAttempts: p.int("RELAY_MAX_ATTEMPTS", 8),
		SweepInterval:    p.duration("SWEEP_INTERVAL", time.Minute),

		EvidenceBucket: getEnv("EVIDENCE_BUCKET", ""),
		EvidenceURLTTL: p.duration("EVIDENCE_URL_TTL", 15*time.Minute),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
	}

	policy, err := payment.ParsePolicy(getEnv("ESCROW_POLICY", string(payment.PolicyBidAcceptance)))
	if err != nil {
		p.errs = append(p.errs, err)
	}
	cfg.EscrowPolicy = policy

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("config: JWT_SECRET is required"))
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10000 {
		errs = append(errs, fmt.Errorf("config: PLATFORM_FEE_BPS must be within 0..10000, got %d", c.PlatformFeeBps))
	}
	if c.PaymentMaxAttempts < 1 {
		errs = append(errs, errors.New("config: PAYMENT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RelayBatch < 1 || c.RelayMaxAttempts < 1 {
		errs = append(errs, errors.New("config: RELAY_BATCH and RELAY_MAX_ATTEMPTS must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"SCHEDULE_PROPOSAL_TTL": c.ScheduleProposalTTL,
		"CHANGE_ORDER_TTL":      c.ChangeOrderTTL,
		"RELAY_INTERVAL":        c.RelayInterval,
		"SWEEP_INTERVAL":        c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}
	if c.CancelCutoff < 0 {
		errs = append(errs, errors.New("config: CANCEL_CUTOFF must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return def
}

// parser collects malformed values so Load reports all of them at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return i
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}
