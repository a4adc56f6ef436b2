// Package app wires the engine, its adapters and its background loops.
package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	goredis "github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/events"
	"postpilot/internal/httpapi"
	"postpilot/internal/introspect"
	"postpilot/internal/observability/pprof"
	"postpilot/internal/publisher"
	"postpilot/internal/publisher/telegram"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/scheduling"
	"postpilot/internal/storage"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

// TickJob is the scheduler entry that drives dispatch.
const TickJob = "dispatch.tick"

const tickTimeout = 10 * time.Minute

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	svc   *scheduling.Service
	sched *scheduler.Service
	http  *httpapi.Server
	pprof *pprof.Server

	kafka *kgo.Client
	fwd   *events.Forwarder
	redis goredis.UniversalClient

	sup *supervisor.Supervisor
}

// New loads the config behind cfgm and builds the app. Nothing runs until Start.
func New(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log)
	return a, nil
}

// NewFromConfig builds the app from an already validated config.
func NewFromConfig(cfg *config.Config) (a *App, err error) {
	logs, root := logx.New(mapLogConfig(cfg), nil)
	a = &App{cfg: cfg, logs: logs, log: root.With(logx.Comp("app")), bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, root); err != nil {
		return nil, err
	}

	pub, err := a.buildPublisher(root)
	if err != nil {
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	ropt, err := mapRulesOptions(cfg)
	if err != nil {
		return nil, err
	}
	cache, ttl, err := a.buildCache()
	if err != nil {
		return nil, err
	}
	a.svc = scheduling.New(a.store, pub, a.bus, root, scheduling.Config{
		Rules:    ropt,
		Dispatch: dcfg,
		Cache:    cache,
		CacheTTL: ttl,
	})

	if a.sched, err = scheduler.New(scheduler.Config{Timezone: cfg.Dispatch.Timezone}, root); err != nil {
		return nil, err
	}
	if cfg.Dispatch.IsEnabled() {
		if err := a.sched.Add(TickJob, dispatchSchedule(cfg), tickTimeout, a.tick); err != nil {
			return nil, err
		}
	}

	if cfg.Events.Kafka.Enabled {
		kc, err := mapKafkaConfig(cfg)
		if err != nil {
			return nil, err
		}
		if a.kafka, err = events.NewClient(kc); err != nil {
			return nil, err
		}
		a.fwd = events.NewForwarder(a.kafka, kc, root)
	}

	if cfg.HTTP.Enabled {
		opt, err := httpOptions(cfg)
		if err != nil {
			return nil, err
		}
		a.http = httpapi.New(a.svc, root, opt)
	}
	if cfg.HTTP.Pprof.Enabled {
		if a.pprof, err = pprof.New(mapPprofConfig(cfg), root); err != nil {
			return nil, err
		}
	}
	a.log.Info("app built",
		logx.String("storage", sc.Driver),
		logx.String("publisher", cfg.Publisher.Driver),
		logx.Bool("dispatch", cfg.Dispatch.IsEnabled()),
		logx.Bool("http", a.http != nil),
		logx.Bool("kafka", a.fwd != nil),
	)
	return a, nil
}

// buildPublisher returns the guarded platform publisher. Telegram also
// becomes the ops alert sink.
func (a *App) buildPublisher(root logx.Logger) (publisher.Publisher, error) {
	var base publisher.Publisher = publisher.NewDryRun(root)
	router := publisher.NewRouter(base)
	if isTelegram(a.cfg) {
		tg, err := telegram.New(mapTelegramConfig(a.cfg), root)
		if err != nil {
			return nil, err
		}
		router = publisher.NewRouter(tg)
		router.Register("telegram", tg)
		a.logs.SetAlertSender(tg)
	}
	gcfg, err := mapGuardConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	return publisher.NewGuard(router, gcfg, root), nil
}

func (a *App) buildCache() (introspect.Cache, time.Duration, error) {
	c := a.cfg.Cache
	ttl, err := config.ParseDurationField("cache.ttl", c.TTL)
	if err != nil {
		return nil, 0, err
	}
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "none", "off":
		return nil, ttl, nil
	case "redis":
		a.redis = goredis.NewClient(&goredis.Options{Addr: c.RedisAddr, Password: c.Password, DB: c.DB})
		rc := introspect.NewRedisCache(a.redis, c.Prefix)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rc.Ping(ctx); err != nil {
			// Snapshots fall back to the store on cache errors.
			a.log.Warn("redis cache unreachable", logx.String("addr", c.RedisAddr), logx.Err(err))
		}
		return rc, ttl, nil
	default:
		return introspect.NewMemoryCache(), ttl, nil
	}
}

func httpOptions(cfg *config.Config) (httpapi.Options, error) {
	h := cfg.HTTP
	var (
		opt httpapi.Options
		err error
	)
	if opt.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return opt, err
	}
	if opt.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return opt, err
	}
	opt.ShutdownTimeout, err = config.ParseDurationField("http.shutdown_timeout", h.ShutdownTimeout)
	return opt, err
}

func (a *App) tick(ctx context.Context) error {
	_, err := a.svc.RunDispatchTick(ctx, 0)
	return err
}

// Service exposes the engine for one-shot CLI commands.
func (a *App) Service() *scheduling.Service { return a.svc }

func (a *App) Logger() logx.Logger { return a.log }

// Schedules lists the registered trigger schedules.
func (a *App) Schedules() []scheduler.ScheduleInfo { return a.sched.Snapshot() }

// Done is closed once the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal background error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the dispatch trigger, the HTTP API, the Kafka forwarder
// and the config watcher, then notifies systemd.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.sched.Start(sctx)
	if a.http != nil {
		addr := strings.TrimSpace(a.cfg.HTTP.Addr)
		if addr == "" {
			addr = "127.0.0.1:8080"
		}
		a.sup.Go("http", func(c context.Context) error { return a.http.Run(c, addr) })
	}
	if a.pprof != nil {
		// Debug listener failures never stop the app.
		a.sup.GoRestart("debug.pprof", supervisor.RestartPolicy{MinBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}, a.pprof.Run)
	}
	if a.fwd != nil {
		a.sup.GoRestart("events.kafka", supervisor.RestartPolicy{}, func(c context.Context) error {
			return a.fwd.Run(c, a.bus)
		})
	}

	evs, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-evs:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.User(e.UserID), logx.Item(e.ItemID))
			}
		}
	})

	if a.cfgm != nil {
		a.startConfigReload()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("postpilot started")
	return nil
}

// startConfigReload watches the config file and applies logging changes
// live. Other sections are reported as needing a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(4)
	a.sup.GoRestart("config.watch", supervisor.RestartPolicy{}, a.cfgm.Watch)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				changed, _ := config.SummarizeConfigChange(last, next)
				last = next
				a.logs.Apply(mapLogConfig(next))
				if restart := config.RequiresRestart(changed); len(restart) > 0 {
					a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
				}
			}
		}
	})
}

// Stop halts background work and releases every resource.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sched.Stop(ctx)
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.log.Info("postpilot stopped", logx.Err(err))
	a.close()
	return err
}

// Close releases resources without starting anything.
func (a *App) Close() { a.close() }

func (a *App) close() {
	if a.kafka != nil {
		a.kafka.Close()
		a.kafka = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
