package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/config"
	"postpilot/internal/content"
	"postpilot/internal/observability/pprof"
)

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Dispatch: config.DispatchConfig{
		PublishTimeout: "10s",
		RetrySteps:     []string{"1m", "2m"},
		RetryMaxDelay:  "1h",
		Lanes:          2,
	}}
	dc, err := mapDispatchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, dc.PublishTimeout)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, dc.Backoff.Steps)
	assert.Equal(t, time.Hour, dc.Backoff.Max)
	assert.Equal(t, 2, dc.Lanes)

	dc, err = mapDispatchConfig(&config.Config{})
	require.NoError(t, err)
	assert.Len(t, dc.Backoff.Steps, 3)

	_, err = mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{ClaimTTL: "forever"}})
	assert.Error(t, err)
}

func TestMapLogConfigNeedsTelegramForAlerts(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Logging: config.LoggingConfig{Level: "warn", Alerts: config.LoggingAlerts{Enabled: true}}}
	assert.False(t, mapLogConfig(cfg).Alerts.Enabled)
	cfg.Publisher.Driver = "Telegram"
	assert.True(t, mapLogConfig(cfg).Alerts.Enabled)
	assert.Equal(t, "1m", dispatchSchedule(cfg))
}

func TestNewFromConfigRejectsBadPublisher(t *testing.T) {
	t.Parallel()

	_, err := NewFromConfig(&config.Config{
		Logging:   config.LoggingConfig{Level: "error"},
		Publisher: config.PublisherConfig{Driver: "telegram"},
	})
	assert.Error(t, err)
}

func TestNewFromConfigRejectsPublicPprofWithoutToken(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Logging: config.LoggingConfig{Level: "error"}, Cache: config.CacheConfig{Driver: "none"}}
	cfg.HTTP.Pprof = config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"}
	_, err := NewFromConfig(cfg)
	assert.ErrorIs(t, err, pprof.ErrInsecureBind)

	cfg.HTTP.Pprof.Token = "t"
	a, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:6060", a.pprof.Addr())
	a.Close()
}

func TestAppTicksScheduledContent(t *testing.T) {
	t.Parallel()

	a, err := NewFromConfig(&config.Config{
		Logging:  config.LoggingConfig{Level: "error"},
		Dispatch: config.DispatchConfig{Schedule: "@every 1s"},
		HTTP:     config.HTTPConfig{Enabled: true, Addr: "127.0.0.1:0", Pprof: config.PprofConfig{Enabled: true, Addr: "127.0.0.1:0"}},
		Cache:    config.CacheConfig{Driver: "none"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	svc := a.Service()
	it, err := svc.AddContent(ctx, "u1", content.Item{Text: "hello"})
	require.NoError(t, err)
	_, err = svc.Schedule(ctx, "u1", it.ID, time.Now().Add(-time.Minute), false)
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx), "second start must fail")
	require.Len(t, a.Schedules(), 1)
	assert.Equal(t, TickJob, a.Schedules()[0].Name)

	assert.Eventually(t, func() bool {
		got, err := svc.Get(ctx, "u1", it.ID)
		return err == nil && got.Status == content.StatusPosted
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}
