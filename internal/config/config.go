package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel    string
	LogEncoding string

	ServiceMinutes   int
	CallNextScope    string
	ScheduleGrace    time.Duration
	SchedulerEnabled bool

	RateLimitPerMinute       int
	RateLimitBurst           int
	BranchRateLimitPerMinute int
	BranchRateLimitBurst     int

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads the environment. A .env file in the working directory, when
// present, fills keys the environment leaves unset.
func Load() Config {
	_ = godotenv.Load(".env")

	return Config{
		Port:                     readString("PORT", "8080"),
		DatabaseURL:              os.Getenv("DB_DSN"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  readInt("REDIS_DB", 0),
		KafkaBrokers:             readList("KAFKA_BROKERS"),
		KafkaTopic:               readString("KAFKA_TOPIC", "dispatch.events"),
		LogLevel:                 readString("LOG_LEVEL", "info"),
		LogEncoding:              readString("LOG_ENCODING", "json"),
		ServiceMinutes:           readInt("SERVICE_MINUTES", 5),
		CallNextScope:            readString("CALL_NEXT_SCOPE", "branch"),
		ScheduleGrace:            readDurationMinutes("SCHEDULE_GRACE_MINUTES", 30),
		SchedulerEnabled:         readBool("SCHEDULER_ENABLED", true),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		BranchRateLimitPerMinute: readInt("BRANCH_RATE_LIMIT_PER_MIN", 600),
		BranchRateLimitBurst:     readInt("BRANCH_RATE_LIMIT_BURST", 120),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:             readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.LogEncoding != "json" && c.LogEncoding != "console" {
		errs = append(errs, fmt.Errorf("LOG_ENCODING must be json or console, got %q", c.LogEncoding))
	}
	switch c.CallNextScope {
	case "branch", "service", "eligible":
	default:
		errs = append(errs, fmt.Errorf("CALL_NEXT_SCOPE must be branch, service or eligible, got %q", c.CallNextScope))
	}
	if c.ServiceMinutes <= 0 {
		errs = append(errs, errors.New("SERVICE_MINUTES must be positive"))
	}
	return errors.Join(errs...)
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
