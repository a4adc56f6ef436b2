package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to the defaults documented per section.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Publisher PublisherConfig `json:"publisher"`
	Rules     RulesConfig     `json:"rules"`
	Cache     CacheConfig     `json:"cache"`
	Events    EventsConfig    `json:"events"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards WARN+ lines to the Telegram ops chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the content store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postpilot.db" }
//
// Drivers: memory (default), file, sqlite, postgres.
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// DispatchConfig controls the periodic dispatch tick.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - schedule: "1m"
//   - limit: 50
//   - publish_timeout: "30s"
//   - claim_ttl: publish_timeout + 30s
//   - max_concurrent_publishes: 5
//   - max_text_length: 280
//   - retry_steps: ["5m", "15m", "60m"], retry_max_delay: "24h"
type DispatchConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Schedule is a cron spec or interval ("*/2 * * * *", "45s", "00:05").
	Schedule       string   `json:"schedule,omitempty"`
	Timezone       string   `json:"timezone,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	PublishTimeout string   `json:"publish_timeout,omitempty"`
	ClaimTTL       string   `json:"claim_ttl,omitempty"`
	Lanes          int      `json:"max_concurrent_publishes,omitempty"`
	MaxTextLength  int      `json:"max_text_length,omitempty"`
	RetrySteps     []string `json:"retry_steps,omitempty"`
	RetryMaxDelay  string   `json:"retry_max_delay,omitempty"`
}

// IsEnabled reports whether the tick runs; omitted means true.
func (d DispatchConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// PublisherConfig selects the platform adapter and its guard.
//
// Driver "dryrun" (default) logs instead of posting.
type PublisherConfig struct {
	Driver     string         `json:"driver"`
	Telegram   TelegramConfig `json:"telegram"`
	RatePerSec float64        `json:"rate_per_sec,omitempty"`
	Burst      int            `json:"burst,omitempty"`
	Circuit    CircuitConfig  `json:"circuit"`
}

type TelegramConfig struct {
	Token          string `json:"token,omitempty"` // never logged
	URL            string `json:"url,omitempty"`
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	AlertChatID    int64  `json:"alert_chat_id,omitempty"`
	AlertThreadID  int    `json:"alert_thread_id,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type CircuitConfig struct {
	Enabled           bool   `json:"enabled"`
	FailureThreshold  uint   `json:"failure_threshold,omitempty"`
	FailureExecutions uint   `json:"failure_executions,omitempty"`
	Delay             string `json:"delay,omitempty"`
	SuccessThreshold  uint   `json:"success_threshold,omitempty"`
}

// RulesConfig tunes the evaluator and its suggestions.
type RulesConfig struct {
	Timezone       string   `json:"timezone,omitempty"`
	PreferredTimes []string `json:"preferred_times,omitempty"`
	SuggestDays    int      `json:"suggest_days,omitempty"`
	SuggestLimit   int      `json:"suggest_limit,omitempty"`
}

// CacheConfig backs queue snapshots. Driver: none, memory (default), redis.
type CacheConfig struct {
	Driver    string `json:"driver"`
	TTL       string `json:"ttl,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty"`
	Password  string `json:"password,omitempty"` // never logged
	DB        int    `json:"db,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
}

type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka"`
}

// KafkaConfig forwards publish events to a Kafka topic.
type KafkaConfig struct {
	Enabled  bool     `json:"enabled"`
	Brokers  []string `json:"brokers,omitempty"`
	Topic    string   `json:"topic,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// HTTPConfig controls the API server. Bind to localhost unless a proxy
// in front of it authenticates callers.
type HTTPConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig runs net/http/pprof on its own listener. A non-loopback
// addr needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
