package app

import (
	"context"
	"testing"
	"time"

	mredisv2 "github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/benz9527/xsensor/config"
	"github.com/benz9527/xsensor/hub"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Log.Level = "error"
	cfg.Metrics.Exporter = "none"
	cfg.Metrics.ProcessStats = false
	cfg.Distributer.KeepAlivePeriod = time.Minute
	return cfg
}

func TestModule_Lifecycle(t *testing.T) {
	mredis, err := mredisv2.Run()
	require.NoError(t, err)
	defer mredis.Close()

	cfg := testConfig(t)
	cfg.Sink.Redis.Enabled = true
	cfg.Sink.Redis.Addr = mredis.Addr()
	cfg.Sensors = []config.SensorConfig{
		{Name: "weather", PartitionField: "station"},
		{
			Name: "synthetic",
			Synthetic: config.SyntheticConfig{
				Enabled:    true,
				Period:     5 * time.Millisecond,
				Partitions: []string{"d1"},
			},
		},
	}
	cfg.Subscriptions = []config.SubscriptionConfig{
		{Sensor: "weather", Transport: "redis-stream", Target: "xsensor:weather"},
		{Sensor: "synthetic", Kind: "model", Transport: "log"},
	}
	require.NoError(t, cfg.Validate())

	var h *hub.Hub
	app := fxtest.New(t,
		Module(cfg, NewLogger(cfg)),
		fx.Populate(&h),
	)
	app.RequireStart()

	weather, ok := h.Sensor("weather")
	require.True(t, ok)
	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, h.Publish(context.Background(), weather, &model.StreamElement{
			Timestamp: ts,
			Fields:    map[string]any{"station": "s1", "v": ts},
		}))
	}
	rclient := redisv9.NewClient(&redisv9.Options{Addr: mredis.Addr()})
	defer func() { _ = rclient.Close() }()
	require.Eventually(t, func() bool {
		n, err := rclient.XLen(context.Background(), "xsensor:weather").Result()
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)

	d, ok := h.Distributer(hub.KindModel)
	require.True(t, ok)
	synthetic, ok := h.Sensor("synthetic")
	require.True(t, ok)
	require.True(t, d.HasListeners(synthetic))

	app.RequireStop()
	require.False(t, d.HasListeners(synthetic))
}

func TestModule_DisabledTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sensors = []config.SensorConfig{{Name: "weather"}}
	cfg.Subscriptions = []config.SubscriptionConfig{{Sensor: "weather", Transport: "nats"}}

	app := fx.New(Module(cfg, xlog.NewXLogger(xlog.WithXLoggerLevel(xlog.LogLevelError))))
	require.NoError(t, app.Err())
	err := app.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrTransportDisabled.Error())
	_ = app.Stop(context.Background())
}
