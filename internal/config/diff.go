package config

import (
	"reflect"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. Secrets (token, dsn, password) are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	oldSt, ns := oldCfg.Storage, newCfg.Storage
	if oldSt.Driver != ns.Driver || oldSt.Path != ns.Path || oldSt.BusyTimeout != ns.BusyTimeout ||
		oldSt.MaxOpenConns != ns.MaxOpenConns || oldSt.DSN != ns.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.String("storage.path", ns.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", d.IsEnabled()),
			logx.String("dispatch.schedule", d.Schedule),
			logx.Int("dispatch.limit", d.Limit),
			logx.Int("dispatch.max_concurrent_publishes", d.Lanes),
			logx.String("dispatch.publish_timeout", d.PublishTimeout),
		)
	}

	op, np := oldCfg.Publisher, newCfg.Publisher
	if op.Telegram.Token != np.Telegram.Token || !reflect.DeepEqual(redactPublisher(op), redactPublisher(np)) {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.String("publisher.driver", np.Driver),
			logx.Bool("publisher.token_set", strings.TrimSpace(np.Telegram.Token) != ""),
			logx.Int64("publisher.chat_id", np.Telegram.ChatID),
			logx.Float64("publisher.rate_per_sec", np.RatePerSec),
			logx.Bool("publisher.circuit", np.Circuit.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.String("rules.timezone", newCfg.Rules.Timezone),
			logx.Strings("rules.preferred_times", newCfg.Rules.PreferredTimes),
		)
	}

	oc, nc := oldCfg.Cache, newCfg.Cache
	if oc.Password != nc.Password || !reflect.DeepEqual(redactCache(oc), redactCache(nc)) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.driver", nc.Driver),
			logx.String("cache.redis_addr", nc.RedisAddr),
			logx.String("cache.ttl", nc.TTL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		k := newCfg.Events.Kafka
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.kafka.enabled", k.Enabled),
			logx.Strings("events.kafka.brokers", k.Brokers),
			logx.String("events.kafka.topic", k.Topic),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof.enabled", newCfg.HTTP.Pprof.Enabled),
			logx.Bool("http.pprof.token_set", newCfg.HTTP.Pprof.Token != ""),
		)
	}
	return changed, attrs
}

func redactPublisher(p PublisherConfig) PublisherConfig {
	p.Telegram.Token = ""
	return p
}

func redactCache(c CacheConfig) CacheConfig {
	c.Password = ""
	return c
}

// RequiresRestart lists changed sections that are only read at startup.
// Only logging applies live.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}
