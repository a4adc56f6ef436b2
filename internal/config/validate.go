package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"postpilot/internal/task/scheduler"
)

// Environment overrides for secrets. They win over the file.
const (
	EnvTelegramToken = "POSTPILOT_TELEGRAM_TOKEN"
	EnvDatabaseDSN   = "POSTPILOT_DATABASE_DSN"
	EnvRedisAddr     = "POSTPILOT_REDIS_ADDR"
)

// ApplyEnv copies POSTPILOT_* overrides into cfg. getenv nil means os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Publisher.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabaseDSN)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisAddr)); v != "" {
		cfg.Cache.RedisAddr = v
	}
}

// Validate checks enums, durations and the fields each driver requires.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	tz := func(path, name string) {
		if strings.TrimSpace(name) == "" {
			return
		}
		if _, err := time.LoadLocation(name); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}

	switch lower(cfg.Storage.Driver) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	case "postgres", "postgresql", "pq":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(fmt.Errorf("storage.dsn (or %s) is required for postgres", EnvDatabaseDSN))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	d := cfg.Dispatch
	if s := strings.TrimSpace(d.Schedule); s != "" {
		if _, err := scheduler.ParseSchedule(s); err != nil {
			add(fmt.Errorf("dispatch.schedule: %w", err))
		}
	}
	tz("dispatch.timezone", d.Timezone)
	if d.Limit < 0 || d.Lanes < 0 || d.MaxTextLength < 0 {
		add(errors.New("dispatch: limit, max_concurrent_publishes and max_text_length must be >= 0"))
	}
	dur("dispatch.publish_timeout", d.PublishTimeout)
	dur("dispatch.claim_ttl", d.ClaimTTL)
	dur("dispatch.retry_max_delay", d.RetryMaxDelay)
	_, err := ParseDurationList("dispatch.retry_steps", d.RetrySteps)
	add(err)

	p := cfg.Publisher
	switch lower(p.Driver) {
	case "", "dryrun", "dry-run":
	case "telegram":
		if strings.TrimSpace(p.Telegram.Token) == "" {
			add(fmt.Errorf("publisher.telegram.token (or %s) is required", EnvTelegramToken))
		}
		if p.Telegram.ChatID == 0 {
			add(errors.New("publisher.telegram.chat_id is required"))
		}
	default:
		add(fmt.Errorf("publisher.driver: unknown %q", p.Driver))
	}
	if p.RatePerSec < 0 || p.Burst < 0 {
		add(errors.New("publisher: rate_per_sec and burst must be >= 0"))
	}
	dur("publisher.circuit.delay", p.Circuit.Delay)

	tz("rules.timezone", cfg.Rules.Timezone)
	for i, hm := range cfg.Rules.PreferredTimes {
		if _, err := time.Parse("15:04", strings.TrimSpace(hm)); err != nil {
			add(fmt.Errorf("rules.preferred_times[%d]: want HH:MM, got %q", i, hm))
		}
	}

	switch lower(cfg.Cache.Driver) {
	case "", "memory", "none", "off":
	case "redis":
		if strings.TrimSpace(cfg.Cache.RedisAddr) == "" {
			add(fmt.Errorf("cache.redis_addr (or %s) is required for redis", EnvRedisAddr))
		}
	default:
		add(fmt.Errorf("cache.driver: unknown %q", cfg.Cache.Driver))
	}
	dur("cache.ttl", cfg.Cache.TTL)

	if k := cfg.Events.Kafka; k.Enabled && len(k.Brokers) == 0 {
		add(errors.New("events.kafka.brokers is required when kafka is enabled"))
	}
	dur("events.kafka.timeout", cfg.Events.Kafka.Timeout)

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	if pp := cfg.HTTP.Pprof; pp.Enabled && pp.Addr != "" {
		if _, _, err := net.SplitHostPort(pp.Addr); err != nil {
			add(fmt.Errorf("http.pprof.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
