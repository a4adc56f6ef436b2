package app

import (
	"fmt"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/events"
	"postpilot/internal/observability/pprof"
	"postpilot/internal/publisher"
	"postpilot/internal/publisher/telegram"
	"postpilot/internal/rules"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

const defaultDispatchSchedule = "1m"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled && isTelegram(cfg),
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func isTelegram(cfg *config.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Publisher.Driver), "telegram")
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxOpenConn: sc.MaxOpenConns,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	publishTimeout, err := config.ParseDurationField("dispatch.publish_timeout", d.PublishTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	claimTTL, err := config.ParseDurationField("dispatch.claim_ttl", d.ClaimTTL)
	if err != nil {
		return dispatch.Config{}, err
	}
	steps, err := config.ParseDurationList("dispatch.retry_steps", d.RetrySteps)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	bo := dispatch.DefaultBackoff()
	if len(steps) > 0 {
		bo.Steps = steps
	}
	if maxDelay > 0 {
		bo.Max = maxDelay
	}
	return dispatch.Config{
		Limit:          d.Limit,
		PublishTimeout: publishTimeout,
		ClaimTTL:       claimTTL,
		Lanes:          d.Lanes,
		MaxTextLength:  d.MaxTextLength,
		Backoff:        bo,
	}, nil
}

func mapRulesOptions(cfg *config.Config) (rules.Options, error) {
	r := cfg.Rules
	opt := rules.Options{
		PreferredTimes: r.PreferredTimes,
		SuggestDays:    r.SuggestDays,
		SuggestLimit:   r.SuggestLimit,
	}
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return rules.Options{}, fmt.Errorf("rules.timezone: %w", err)
		}
		opt.Location = loc
	}
	return opt, nil
}

func mapGuardConfig(cfg *config.Config) (publisher.GuardConfig, error) {
	p := cfg.Publisher
	delay, err := config.ParseDurationField("publisher.circuit.delay", p.Circuit.Delay)
	if err != nil {
		return publisher.GuardConfig{}, err
	}
	return publisher.GuardConfig{
		RatePerSec:        p.RatePerSec,
		Burst:             p.Burst,
		CircuitEnabled:    p.Circuit.Enabled,
		FailureThreshold:  p.Circuit.FailureThreshold,
		FailureExecutions: p.Circuit.FailureExecutions,
		Delay:             delay,
		SuccessThreshold:  p.Circuit.SuccessThreshold,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	t := cfg.Publisher.Telegram
	return telegram.Config{
		Token:          t.Token,
		URL:            t.URL,
		ChatID:         t.ChatID,
		ThreadID:       t.ThreadID,
		AlertChatID:    t.AlertChatID,
		AlertThreadID:  t.AlertThreadID,
		DisablePreview: t.DisablePreview,
	}
}

func mapKafkaConfig(cfg *config.Config) (events.Config, error) {
	k := cfg.Events.Kafka
	timeout, err := config.ParseDurationField("events.kafka.timeout", k.Timeout)
	if err != nil {
		return events.Config{}, err
	}
	return events.Config{Brokers: k.Brokers, Topic: k.Topic, ClientID: k.ClientID, Timeout: timeout}, nil
}

func dispatchSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Dispatch.Schedule); s != "" {
		return s
	}
	return defaultDispatchSchedule
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	p := cfg.HTTP.Pprof
	return pprof.Config{
		Addr:                 p.Addr,
		Prefix:               p.Prefix,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		MutexProfileFraction: -1,
		BlockProfileRate:     -1,
	}
}
