package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"signtrust/internal/domain"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	Env      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ServerSecret string `env:"SERVER_SECRET"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	PostgresDSN  string `env:"POSTGRES_DSN"`
	OTPBackend   string `env:"OTP_BACKEND" envDefault:"memory"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	TSAURL     string        `env:"TSA_URL"`
	TSATimeout time.Duration `env:"TSA_TIMEOUT" envDefault:"5s"`

	DocumentSourceURL     string        `env:"DOCUMENT_SOURCE_URL"`
	DocumentSourceTimeout time.Duration `env:"DOCUMENT_SOURCE_TIMEOUT" envDefault:"5s"`

	OTPCodeLength  int           `env:"OTP_CODE_LENGTH" envDefault:"6"`
	OTPTTL         time.Duration `env:"OTP_TTL" envDefault:"10m"`
	OTPCooldown    time.Duration `env:"OTP_COOLDOWN" envDefault:"90s"`
	OTPWindow      time.Duration `env:"OTP_WINDOW" envDefault:"30m"`
	OTPMaxIssues   int           `env:"OTP_MAX_ISSUES" envDefault:"3"`
	OTPMaxAttempts int           `env:"OTP_MAX_ATTEMPTS" envDefault:"3"`
	SMSSender      string        `env:"SMS_SENDER" envDefault:"signtrust"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"signtrust.notifications"`

	ScoreWeightHash      int `env:"SCORE_WEIGHT_HASH" envDefault:"40"`
	ScoreWeightSeal      int `env:"SCORE_WEIGHT_SEAL" envDefault:"30"`
	ScoreWeightSnapshot  int `env:"SCORE_WEIGHT_SNAPSHOT" envDefault:"30"`
	ScoreHighThreshold   int `env:"SCORE_HIGH_THRESHOLD" envDefault:"80"`
	ScoreMediumThreshold int `env:"SCORE_MEDIUM_THRESHOLD" envDefault:"50"`

	PolicyBundlePath string `env:"POLICY_BUNDLE_PATH"`
	PolicyBundleID   string `env:"POLICY_BUNDLE_ID" envDefault:"custom"`

	RateLimitRequests   int           `env:"RATE_LIMIT_REQUESTS" envDefault:"0"`
	RateLimitWindow     time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitFailClosed bool          `env:"RATE_LIMIT_FAIL_CLOSED" envDefault:"false"`
	RateLimitMaxKeys    int           `env:"RATE_LIMIT_MAX_KEYS" envDefault:"10000"`

	EncryptedFields []string `env:"ENCRYPTED_FIELDS" envSeparator:"," envDefault:"snapshot,signer"`
}

const devServerSecret = "signtrust-dev-secret"

// FromEnv parses and validates the process environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev" || c.Env == "test"
}

func (c *Config) normalize() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.OTPBackend = strings.ToLower(strings.TrimSpace(c.OTPBackend))
	if c.ServerSecret == "" {
		if !c.IsDev() {
			return errors.New("SERVER_SECRET is required outside dev")
		}
		c.ServerSecret = devServerSecret
	}
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.OTPBackend {
	case "memory":
	case "postgres":
		if c.StoreBackend != "postgres" {
			return errors.New("OTP_BACKEND=postgres requires STORE_BACKEND=postgres")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when OTP_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported OTP_BACKEND %q", c.OTPBackend)
	}
	if c.OTPCodeLength < 4 || c.OTPCodeLength > 10 {
		return fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 10, got %d", c.OTPCodeLength)
	}
	if c.OTPMaxIssues <= 0 || c.OTPMaxAttempts <= 0 {
		return errors.New("OTP_MAX_ISSUES and OTP_MAX_ATTEMPTS must be positive")
	}
	if c.ScoreMediumThreshold > c.ScoreHighThreshold {
		return errors.New("SCORE_MEDIUM_THRESHOLD must not exceed SCORE_HIGH_THRESHOLD")
	}
	if c.ScoreWeightHash < 0 || c.ScoreWeightSeal < 0 || c.ScoreWeightSnapshot < 0 {
		return errors.New("score weights must not be negative")
	}
	fields := c.EncryptedFields[:0]
	for _, f := range c.EncryptedFields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	c.EncryptedFields = fields
	return nil
}

func (c Config) OTPPolicy() domain.OTPPolicy {
	return domain.OTPPolicy{
		CodeLength:  c.OTPCodeLength,
		TTL:         c.OTPTTL,
		Cooldown:    c.OTPCooldown,
		Window:      c.OTPWindow,
		MaxIssues:   c.OTPMaxIssues,
		MaxAttempts: c.OTPMaxAttempts,
	}
}

func (c Config) ScoringPolicy() domain.ScoringPolicy {
	return domain.ScoringPolicy{
		Weights: domain.ScoreWeights{
			Hash:     c.ScoreWeightHash,
			Seal:     c.ScoreWeightSeal,
			Snapshot: c.ScoreWeightSnapshot,
		},
		Thresholds: domain.LevelThresholds{
			High:   c.ScoreHighThreshold,
			Medium: c.ScoreMediumThreshold,
		},
	}
}
